/**
# SPDX-FileCopyrightText: Copyright (c) 2025 NVIDIA CORPORATION & AFFILIATES. All rights reserved.
# SPDX-License-Identifier: Apache-2.0
#
# Licensed under the Apache License, Version 2.0 (the "License");
# you may not use this file except in compliance with the License.
# You may obtain a copy of the License at
#
#     http://www.apache.org/licenses/LICENSE-2.0
#
# Unless required by applicable law or agreed to in writing, software
# distributed under the License is distributed on an "AS IS" BASIS,
# WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
# See the License for the specific language governing permissions and
# limitations under the License.
**/

package consumer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	testlog "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

var (
	gpu   = types.PCIAddress{Bus: 0x01}
	audio = types.PCIAddress{Bus: 0x01, Function: 1}
	other = types.PCIAddress{Bus: 0x02}
)

func TestDeviceRefMatches(t *testing.T) {
	exact := DeviceRef{Address: gpu}
	require.True(t, exact.Matches(gpu))
	require.False(t, exact.Matches(audio))
	require.Equal(t, "0000:01:00.0", exact.String())

	slot := DeviceRef{Address: gpu, AllFunctions: true}
	require.True(t, slot.Matches(gpu))
	require.True(t, slot.Matches(audio))
	require.False(t, slot.Matches(other))
	require.Equal(t, "0000:01:00", slot.String())
}

func TestParseProxmoxConfig(t *testing.T) {
	mappings := map[string][]DeviceRef{
		"gpu1": {{Address: other}},
	}

	testCases := []struct {
		description string
		config      string
		name        string
		expected    []DeviceRef
		valid       bool
	}{
		{
			"All functions of a slot",
			"name: win11\nhostpci0: 0000:01:00,pcie=1,x-vga=1\n",
			"win11",
			[]DeviceRef{{Address: gpu, AllFunctions: true}},
			true,
		},
		{
			"Individual functions",
			"hostpci0: 01:00.0,pcie=1\nhostpci1: 01:00.1\n",
			"",
			[]DeviceRef{{Address: gpu}, {Address: audio}},
			true,
		},
		{
			"Multiple devices in one entry",
			"hostpci0: host=0000:01:00.0;0000:01:00.1,pcie=1\n",
			"",
			[]DeviceRef{{Address: gpu}, {Address: audio}},
			true,
		},
		{
			"Resource mapping",
			"hostpci0: mapping=gpu1,pcie=1\n",
			"",
			[]DeviceRef{{Address: other}},
			true,
		},
		{
			"Snapshot sections are ignored",
			"hostpci0: 01:00.0\n\n[before-upgrade]\nhostpci1: 02:00.0\n",
			"",
			[]DeviceRef{{Address: gpu}},
			true,
		},
		{
			"Unrelated keys are ignored",
			"boot: order=scsi0\nhostpci_notes: nothing\nmemory: 16384\n",
			"",
			nil,
			true,
		},
		{
			"Unknown mapping",
			"hostpci0: mapping=missing\n",
			"",
			nil,
			false,
		},
		{
			"Malformed address",
			"hostpci0: gpu,pcie=1\n",
			"",
			nil,
			false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			c, err := ParseProxmoxConfig(strings.NewReader(tc.config), mappings)
			if !tc.valid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.name, c.Name)
			require.Equal(t, tc.expected, c.Devices)
		})
	}
}

func TestParseProxmoxMappings(t *testing.T) {
	cfg := `gpu0
	map id=10de:2204,iommugroup=14,node=pve1,path=0000:01:00,subsystem-id=1458:403b
	map id=10de:2204,iommugroup=20,node=pve2,path=0000:41:00.0
	description RTX 3090

audio0
	map id=10de:1aef,node=pve1,path=0000:01:00.1
`
	mappings, err := ParseProxmoxMappings(strings.NewReader(cfg), "pve1")
	require.NoError(t, err)
	require.Equal(t, map[string][]DeviceRef{
		"gpu0":   {{Address: gpu, AllFunctions: true}},
		"audio0": {{Address: audio}},
	}, mappings)
}

func writeFile(t *testing.T, path string, content string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestProxmoxRegistry(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, "qemu-server")
	pidDir := filepath.Join(root, "run")

	writeFile(t, filepath.Join(configDir, "100.conf"), "name: gaming\nhostpci0: 0000:01:00,x-vga=1\n")
	writeFile(t, filepath.Join(configDir, "101.conf"), "name: render\nhostpci0: 0000:01:00.0\n")
	writeFile(t, filepath.Join(configDir, "102.conf"), "name: plain\n")
	writeFile(t, filepath.Join(configDir, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(pidDir, "100.pid"), "4242\n")
	writeFile(t, filepath.Join(pidDir, "101.pid"), "4343\n")

	r := NewProxmoxRegistry(
		WithConfigDir(configDir),
		WithPidDir(pidDir),
		WithMappingFile(filepath.Join(root, "missing.cfg")),
		WithNodeName("pve1"),
	).(*proxmox)
	r.pidExists = func(pid int32) (bool, error) {
		return pid == 4242, nil
	}

	consumers, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, consumers, 3)
	require.Equal(t, "100", consumers[0].ID)
	require.True(t, consumers[0].Running)
	require.True(t, consumers[0].Declares(audio))
	require.Equal(t, "101", consumers[1].ID)
	require.False(t, consumers[1].Running, "stale pid file")
	require.Equal(t, "102", consumers[2].ID)
	require.False(t, consumers[2].Running, "no pid file")

	c, err := r.Get(context.Background(), "101")
	require.NoError(t, err)
	require.Equal(t, "render", c.Name)
	require.True(t, c.Declares(gpu))
	require.False(t, c.Declares(audio))

	_, err = r.Get(context.Background(), "999")
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = r.Get(context.Background(), "../100")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestProxmoxRegistryBrokenConfig(t *testing.T) {
	testCases := []struct {
		description   string
		brokenRunning bool
		expectedError bool
	}{
		{
			"Stopped guest is skipped",
			false,
			false,
		},
		{
			"Running guest fails the enumeration",
			true,
			true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			root := t.TempDir()
			configDir := filepath.Join(root, "qemu-server")
			pidDir := filepath.Join(root, "run")

			writeFile(t, filepath.Join(configDir, "100.conf"), "name: gaming\nhostpci0: 0000:01:00,x-vga=1\n")
			writeFile(t, filepath.Join(configDir, "103.conf"), "name: moved\nhostpci0: mapping=gone\n")
			writeFile(t, filepath.Join(pidDir, "100.pid"), "4242\n")
			writeFile(t, filepath.Join(pidDir, "103.pid"), "4343\n")

			logger, hook := testlog.NewNullLogger()
			r := NewProxmoxRegistry(
				WithConfigDir(configDir),
				WithPidDir(pidDir),
				WithMappingFile(filepath.Join(root, "missing.cfg")),
				WithNodeName("pve1"),
				WithLogger(logger),
			).(*proxmox)
			r.pidExists = func(pid int32) (bool, error) {
				return pid == 4242 || (pid == 4343 && tc.brokenRunning), nil
			}

			consumers, err := r.List(context.Background())
			if tc.expectedError {
				require.ErrorContains(t, err, "103")
				return
			}
			require.NoError(t, err)
			require.Len(t, consumers, 1)
			require.Equal(t, "100", consumers[0].ID)
			require.True(t, consumers[0].Running)

			require.Len(t, hook.AllEntries(), 1)
			require.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
			require.Contains(t, hook.LastEntry().Message, "103")
		})
	}
}

const testDomainXML = `<domain type='kvm'>
  <name>win11</name>
  <uuid>4dea22b3-1d52-d8f3-2516-782e98ab3fa0</uuid>
  <memory unit='KiB'>16777216</memory>
  <devices>
    <disk type='file' device='disk'>
      <source file='/var/lib/libvirt/images/win11.qcow2'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <hostdev mode='subsystem' type='pci' managed='no'>
      <source>
        <address domain='0x0000' bus='0x01' slot='0x00' function='0x0'/>
      </source>
    </hostdev>
    <hostdev mode='subsystem' type='pci' managed='no'>
      <source>
        <address domain='0x0000' bus='0x01' slot='0x00' function='0x1'/>
      </source>
    </hostdev>
    <hostdev mode='subsystem' type='usb' managed='yes'>
      <source>
        <vendor id='0x046d'/>
        <product id='0xc52b'/>
      </source>
    </hostdev>
  </devices>
</domain>`

func TestParseDomainXML(t *testing.T) {
	c, err := ParseDomainXML(testDomainXML)
	require.NoError(t, err)
	require.Equal(t, "win11", c.ID)
	require.Equal(t, []DeviceRef{{Address: gpu}, {Address: audio}}, c.Devices)

	c, err = ParseDomainXML("<domain type='kvm'><name>empty</name></domain>")
	require.NoError(t, err)
	require.Empty(t, c.Devices)

	_, err = ParseDomainXML("not xml")
	require.Error(t, err)
}

func TestLibvirtFileRegistry(t *testing.T) {
	root := t.TempDir()
	configDir := filepath.Join(root, "etc")
	stateDir := filepath.Join(root, "run")

	writeFile(t, filepath.Join(configDir, "win11.xml"), testDomainXML)
	writeFile(t, filepath.Join(configDir, "autostart", "README"), "")
	writeFile(t, filepath.Join(stateDir, "win11.pid"), "777")

	r := NewLibvirtFileRegistry(configDir, stateDir).(*libvirtFiles)
	r.pidExists = func(pid int32) (bool, error) {
		return pid == 777, nil
	}

	consumers, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	require.True(t, consumers[0].Running)
	require.True(t, consumers[0].Declares(audio))

	_, err = r.Get(context.Background(), "linux")
	require.True(t, errors.Is(err, ErrNotFound))
}

func domainXML(name string, addresses ...types.PCIAddress) string {
	var hostdevs strings.Builder
	for _, a := range addresses {
		hostdevs.WriteString(fmt.Sprintf(`
    <hostdev mode='subsystem' type='pci' managed='no'>
      <source>
        <address domain='0x%04x' bus='0x%02x' slot='0x%02x' function='0x%x'/>
      </source>
    </hostdev>`, a.Domain, a.Bus, a.Slot, a.Function))
	}
	return fmt.Sprintf("<domain type='kvm'>\n  <name>%s</name>\n  <devices>%s\n  </devices>\n</domain>", name, hostdevs.String())
}

func domainStatusXML(pid int, domain string) string {
	return fmt.Sprintf("<domstatus state='running' reason='booted' pid='%d'>\n  <monitor path='/var/lib/libvirt/qemu/domain-1/monitor.sock' type='unix'/>\n%s\n</domstatus>", pid, domain)
}

func TestParseDomainStatusXML(t *testing.T) {
	c, pid, err := ParseDomainStatusXML(domainStatusXML(888, testDomainXML))
	require.NoError(t, err)
	require.Equal(t, int32(888), pid)
	require.Equal(t, "win11", c.Name)
	require.Equal(t, []DeviceRef{{Address: gpu}, {Address: audio}}, c.Devices)

	_, _, err = ParseDomainStatusXML("<domstatus")
	require.Error(t, err)
}

func TestLibvirtFileRegistryLiveState(t *testing.T) {
	hotplugged := types.PCIAddress{Bus: 0x03}

	testCases := []struct {
		description      string
		config           string
		status           string
		pidFile          string
		expectRunning    bool
		expectDeclared   []types.PCIAddress
		expectUndeclared []types.PCIAddress
	}{
		{
			"Transient domain only has a status file",
			"",
			domainStatusXML(888, domainXML("scratch", gpu)),
			"",
			true,
			[]types.PCIAddress{gpu},
			[]types.PCIAddress{audio},
		},
		{
			"Running domain uses its live definition",
			domainXML("scratch", other),
			domainStatusXML(888, domainXML("scratch", gpu, hotplugged)),
			"888",
			true,
			[]types.PCIAddress{gpu, hotplugged},
			[]types.PCIAddress{other},
		},
		{
			"Stopped domain with a leftover status file uses its config",
			domainXML("scratch", other),
			domainStatusXML(999, domainXML("scratch", gpu)),
			"",
			false,
			[]types.PCIAddress{other},
			[]types.PCIAddress{gpu},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			root := t.TempDir()
			configDir := filepath.Join(root, "etc")
			stateDir := filepath.Join(root, "run")
			require.NoError(t, os.MkdirAll(configDir, 0755))

			if tc.config != "" {
				writeFile(t, filepath.Join(configDir, "scratch.xml"), tc.config)
			}
			writeFile(t, filepath.Join(stateDir, "scratch.xml"), tc.status)
			if tc.pidFile != "" {
				writeFile(t, filepath.Join(stateDir, "scratch.pid"), tc.pidFile)
			}

			r := NewLibvirtFileRegistry(configDir, stateDir).(*libvirtFiles)
			r.pidExists = func(pid int32) (bool, error) {
				return pid == 888, nil
			}

			consumers, err := r.List(context.Background())
			require.NoError(t, err)
			require.Len(t, consumers, 1)
			require.Equal(t, "scratch", consumers[0].ID)
			require.Equal(t, tc.expectRunning, consumers[0].Running)
			for _, a := range tc.expectDeclared {
				require.True(t, consumers[0].Declares(a), "%v should be declared", a)
			}
			for _, a := range tc.expectUndeclared {
				require.False(t, consumers[0].Declares(a), "%v should not be declared", a)
			}

			c, err := r.Get(context.Background(), "scratch")
			require.NoError(t, err)
			require.Equal(t, consumers[0], *c)
		})
	}
}

func TestMockRegistry(t *testing.T) {
	r := NewMockRegistry(
		Consumer{ID: "b", Running: true},
		Consumer{ID: "a"},
	)

	consumers, err := r.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", consumers[0].ID)

	r.SetRunning("a", true)
	c, err := r.Get(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, c.Running)

	_, err = r.Get(context.Background(), "c")
	require.ErrorIs(t, err, ErrNotFound)

	r.Err = errors.New("hypervisor unavailable")
	_, err = r.List(context.Background())
	require.Error(t, err)
}

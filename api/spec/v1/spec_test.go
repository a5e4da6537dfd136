/*
 * Copyright (c) 2021, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */


package v1

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

const fullConfig = `
version: v1
passthrough-driver: vfio-pci
passthrough-module: vfio-pci
host-drivers: [nouveau, nvidia]
settle-delay: 2s
hypervisor: libvirt
lock:
  path: /run/test.lock
  timeout: 10s
log-file: /var/log/nvidia-passthrough-hook.log
display-manager:
  unit: display-manager.service
metrics-textfile: /var/lib/node_exporter/textfile/nvidia_passthrough.prom
node-label:
  node-name: pve1
devices:
  - pci-address: "0000:01:00.0"
    vendor-device: "10de:2204"
  - pci-address: "0000:01:00.1"
    vendor-device: "10de:1aef"
    host-drivers: [snd_hda_intel]
    secondary: true
`

func TestParseFull(t *testing.T) {
	spec, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	require.Equal(t, "vfio-pci", spec.PassthroughDriver)
	require.Equal(t, HypervisorLibvirt, spec.Hypervisor)
	require.Equal(t, 2*time.Second, spec.GetSettleDelay())
	require.Equal(t, 10*time.Second, spec.GetLockTimeout())
	require.Equal(t, "/run/test.lock", spec.Lock.Path)
	require.Equal(t, DefaultNodeLabel, spec.NodeLabel.Label)
	require.Equal(t, "display-manager.service", spec.DisplayManager.Unit)

	devices, err := spec.ManagedDevices()
	require.NoError(t, err)
	require.Equal(t, []types.ManagedDevice{
		{
			Address: types.PCIAddress{Bus: 0x01},
			ID:      types.NewDeviceID(0x2204, 0x10de),
		},
		{
			Address:     types.PCIAddress{Bus: 0x01, Function: 1},
			ID:          types.NewDeviceID(0x1aef, 0x10de),
			HostDrivers: []string{"snd_hda_intel"},
			Secondary:   true,
		},
	}, devices)
}

func TestParseDefaults(t *testing.T) {
	spec, err := Parse([]byte(`
version: v1
devices:
  - pci-address: "01:00.0"
`))
	require.NoError(t, err)

	require.Equal(t, "vfio-pci", spec.PassthroughDriver)
	require.Equal(t, "vfio-pci", spec.PassthroughModule)
	require.Equal(t, []string{"nouveau", "nvidia"}, spec.HostDrivers)
	require.Equal(t, HypervisorProxmox, spec.Hypervisor)
	require.Equal(t, time.Second, spec.GetSettleDelay())
	require.Equal(t, 30*time.Second, spec.GetLockTimeout())
	require.Equal(t, "/run/nvidia-passthrough-hook.lock", spec.Lock.Path)
	require.Nil(t, spec.DisplayManager)
	require.Nil(t, spec.NodeLabel)

	devices, err := spec.ManagedDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, types.DeviceID(0), devices[0].ID)
}

func TestParseInvalid(t *testing.T) {
	testCases := []struct {
		description string
		input       string
	}{
		{
			"Missing version",
			`
devices:
  - pci-address: "0000:01:00.0"
`,
		},
		{
			"Unknown version",
			`
version: v2
devices:
  - pci-address: "0000:01:00.0"
`,
		},
		{
			"Unknown field",
			`
version: v1
gpus: []
devices:
  - pci-address: "0000:01:00.0"
`,
		},
		{
			"No devices",
			`
version: v1
`,
		},
		{
			"Bad PCI address",
			`
version: v1
devices:
  - pci-address: "0000:01:00"
`,
		},
		{
			"Bad vendor device",
			`
version: v1
devices:
  - pci-address: "0000:01:00.0"
    vendor-device: "nvidia"
`,
		},
		{
			"Duplicate device",
			`
version: v1
devices:
  - pci-address: "0000:01:00.0"
  - pci-address: "01:00.0"
`,
		},
		{
			"Only secondary devices",
			`
version: v1
devices:
  - pci-address: "0000:01:00.1"
    secondary: true
`,
		},
		{
			"Unknown hypervisor",
			`
version: v1
hypervisor: xen
devices:
  - pci-address: "0000:01:00.0"
`,
		},
		{
			"Bad display manager unit",
			`
version: v1
display-manager:
  unit: gdm
devices:
  - pci-address: "0000:01:00.0"
`,
		},
		{
			"Node label without node name",
			`
version: v1
node-label:
  label: example.com/state
devices:
  - pci-address: "0000:01:00.0"
`,
		},
		{
			"Bad duration",
			`
version: v1
settle-delay: soon
devices:
  - pci-address: "0000:01:00.0"
`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			_, err := Parse([]byte(tc.input))
			require.Error(t, err)
		})
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0600))

	spec, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, spec.Devices, 2)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateSystemdUnitName(t *testing.T) {
	testCases := []struct {
		unit  string
		valid bool
	}{
		{"display-manager.service", true},
		{"gdm3.service", true},
		{"getty@tty1.service", true},
		{"graphical.target", true},
		{"gdm", false},
		{".service", false},
		{"bad name.service", false},
	}

	for _, tc := range testCases {
		t.Run(tc.unit, func(t *testing.T) {
			spec := &Spec{
				Version:        Version,
				DisplayManager: &DisplayManagerSpec{Unit: tc.unit},
				Devices:        []DeviceSpec{{PCIAddress: "0000:01:00.0"}},
			}
			spec.SetDefaults()
			err := spec.Validate()
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

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

package util

import (
	"testing"

	testlog "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	v1 "github.com/NVIDIA/gpu-passthrough-hook/api/spec/v1"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/display"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

func TestCapitalize(t *testing.T) {
	require.Equal(t, "Error acquiring lock", Capitalize("error acquiring lock"))
	require.Equal(t, "", Capitalize(""))
}

func TestNewRegistry(t *testing.T) {
	testCases := []struct {
		description   string
		hypervisor    string
		inHook        bool
		expectedError bool
	}{
		{"Proxmox", v1.HypervisorProxmox, true, false},
		{"Libvirt inside a hook", v1.HypervisorLibvirt, true, false},
		{"Libvirt from the command line", v1.HypervisorLibvirt, false, false},
		{"Unknown hypervisor", "xen", false, true},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			logger, _ := testlog.NewNullLogger()
			registry, err := NewRegistry(tc.hypervisor, "", tc.inHook, logger)
			if tc.expectedError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, registry)
		})
	}
}

func TestSelectDevices(t *testing.T) {
	gpu := types.ManagedDevice{Address: types.PCIAddress{Bus: 0x01}}
	audio := types.ManagedDevice{Address: types.PCIAddress{Bus: 0x01, Function: 1}, Secondary: true}
	devices := []types.ManagedDevice{gpu, audio}

	selected, err := SelectDevices(devices, nil)
	require.NoError(t, err)
	require.Equal(t, devices, selected)

	selected, err = SelectDevices(devices, []string{"01:00.1"})
	require.NoError(t, err)
	require.Equal(t, []types.ManagedDevice{audio}, selected)

	_, err = SelectDevices(devices, []string{"0000:02:00.0"})
	require.ErrorContains(t, err, "not managed")

	_, err = SelectDevices(devices, []string{"bogus"})
	require.Error(t, err)
}

func TestNewHost(t *testing.T) {
	logger, _ := testlog.NewNullLogger()
	spec, err := v1.Parse([]byte(`
version: v1
hypervisor: libvirt
devices:
  - pci-address: "0000:01:00.0"
  - pci-address: "0000:01:00.1"
    secondary: true
`))
	require.NoError(t, err)

	host, err := NewHost(spec, RegistryFlags{Hypervisor: v1.HypervisorProxmox}, true, logger)
	require.NoError(t, err)
	require.Len(t, host.Devices, 2)
	require.Equal(t, "vfio-pci", host.Controller.PassthroughDriver())
	require.Equal(t, spec.Lock.Path, host.Mutex.Path())

	require.Equal(t, display.Noop{}, NewDisplay(spec, logger))
	require.Empty(t, NewPublishers(spec, host.Mutex, logger))

	spec.MetricsTextfile = "/var/lib/node_exporter/textfile/passthrough.prom"
	require.Len(t, NewPublishers(spec, host.Mutex, logger), 1)
}

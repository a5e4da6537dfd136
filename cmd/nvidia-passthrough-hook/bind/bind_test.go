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

package bind

import (
	"context"
	"syscall"
	"testing"

	testlog "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/binding"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/consumer"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/display"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/refcount"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/sysfs"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

var (
	gpuAddress   = types.PCIAddress{Bus: 0x01}
	audioAddress = types.PCIAddress{Bus: 0x01, Function: 1}
	gpuID        = types.NewDeviceID(0x2204, 0x10de)
	audioID      = types.NewDeviceID(0x1aef, 0x10de)

	gpu   = types.ManagedDevice{Address: gpuAddress, ID: gpuID}
	audio = types.ManagedDevice{Address: audioAddress, ID: audioID, HostDrivers: []string{"snd_hda_intel"}, Secondary: true}
)

func newTestBinder(force bool, consumers ...consumer.Consumer) (*binder, *sysfs.Mock, *display.Mock) {
	m := sysfs.NewMock()
	m.AddDevice(gpuAddress, gpuID, "nouveau")
	m.AddDevice(audioAddress, audioID, "snd_hda_intel")
	m.AddDriver("vfio-pci", false)

	logger, _ := testlog.NewNullLogger()
	d := &display.Mock{Result: true}
	b := &binder{
		controller: binding.New(m, binding.WithSettleDelay(0), binding.WithLogger(logger)),
		tracker:    refcount.New(consumer.NewMockRegistry(consumers...)),
		display:    d,
		managed:    []types.ManagedDevice{gpu, audio},
		force:      force,
		logger:     logger,
	}
	return b, m, d
}

func TestCheckFlags(t *testing.T) {
	testCases := []struct {
		description   string
		flags         Flags
		expectedError bool
	}{
		{"Passthrough", Flags{Target: TargetPassthrough}, false},
		{"Host", Flags{Target: TargetHost}, false},
		{"Missing target", Flags{}, true},
		{"Unknown target", Flags{Target: "guest"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			err := CheckFlags(&tc.flags)
			if tc.expectedError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	b, m, d := newTestBinder(false)

	require.NoError(t, b.toPassthrough(context.Background(), []types.ManagedDevice{audio, gpu}))
	require.Equal(t, "vfio-pci", m.Driver(gpuAddress))
	require.Equal(t, "vfio-pci", m.Driver(audioAddress))
	require.Equal(t, 1, d.Stops)

	require.NoError(t, b.toHost(context.Background(), []types.ManagedDevice{gpu, audio}))
	require.Equal(t, "nouveau", m.Driver(gpuAddress))
	require.Equal(t, "snd_hda_intel", m.Driver(audioAddress))
	require.Equal(t, 1, d.Starts)
}

func TestToHostInUse(t *testing.T) {
	running := consumer.Consumer{ID: "100", Running: true, Devices: []consumer.DeviceRef{{Address: gpuAddress}}}

	testCases := []struct {
		description    string
		force          bool
		expectedError  bool
		expectedDriver string
	}{
		{
			"Device in use is left alone",
			false,
			true,
			"vfio-pci",
		},
		{
			"Force returns a device in use",
			true,
			false,
			"nouveau",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			b, m, _ := newTestBinder(tc.force, running)
			require.NoError(t, b.toPassthrough(context.Background(), []types.ManagedDevice{gpu}))

			err := b.toHost(context.Background(), []types.ManagedDevice{gpu})
			if tc.expectedError {
				require.ErrorContains(t, err, "in use by 100")
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.expectedDriver, m.Driver(gpuAddress))
		})
	}
}

func TestToHostSiblingInUse(t *testing.T) {
	running := consumer.Consumer{ID: "100", Running: true, Devices: []consumer.DeviceRef{{Address: gpuAddress}}}

	testCases := []struct {
		description    string
		force          bool
		expectedError  bool
		expectedDriver string
	}{
		{
			"Function sharing a slot with a device in use is left alone",
			false,
			true,
			"vfio-pci",
		},
		{
			"Force returns the function",
			true,
			false,
			"snd_hda_intel",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			b, m, _ := newTestBinder(tc.force, running)
			require.NoError(t, b.toPassthrough(context.Background(), []types.ManagedDevice{gpu, audio}))

			err := b.toHost(context.Background(), []types.ManagedDevice{audio})
			if tc.expectedError {
				require.ErrorContains(t, err, "in use by 100")
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.expectedDriver, m.Driver(audioAddress))
			require.Equal(t, "vfio-pci", m.Driver(gpuAddress))
		})
	}
}

func TestToPassthroughPrimaryFailure(t *testing.T) {
	b, m, d := newTestBinder(false)
	m.Fail(sysfs.OpBind, gpuAddress.String(), syscall.EIO)

	err := b.toPassthrough(context.Background(), []types.ManagedDevice{audio, gpu})
	require.ErrorContains(t, err, gpuAddress.String())
	require.Equal(t, 1, d.Stops)
	require.Equal(t, 1, d.Starts, "host display restored after failure")
	require.Equal(t, "snd_hda_intel", m.Driver(audioAddress), "secondary left on the host")
}

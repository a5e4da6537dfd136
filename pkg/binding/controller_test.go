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

package binding

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	testlog "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

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

func newTestController(m *sysfs.Mock) *Controller {
	logger, _ := testlog.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return New(m, WithSettleDelay(0), WithLogger(logger))
}

// newHostMock returns a mock with the GPU on nouveau and its audio function
// on snd_hda_intel, with vfio-pci available but not loaded.
func newHostMock() *sysfs.Mock {
	m := sysfs.NewMock()
	m.AddDevice(gpuAddress, gpuID, "nouveau")
	m.AddDevice(audioAddress, audioID, "snd_hda_intel")
	m.AddDriver("vfio-pci", false)
	m.AddDriver("nvidia", false, gpuID)
	return m
}

func TestBindToPassthrough(t *testing.T) {
	testCases := []struct {
		description string
		setup       func(*sysfs.Mock)
		device      types.ManagedDevice
	}{
		{
			"From host driver",
			func(m *sysfs.Mock) {},
			gpu,
		},
		{
			"From unbound",
			func(m *sysfs.Mock) { m.SetDriver(gpuAddress, "") },
			gpu,
		},
		{
			"With kernel auto probe",
			func(m *sysfs.Mock) {
				m.SetDriver(gpuAddress, "")
				m.AutoProbe = true
			},
			gpu,
		},
		{
			"Device id read from sysfs",
			func(m *sysfs.Mock) {},
			types.ManagedDevice{Address: gpuAddress},
		},
		{
			"Secondary function",
			func(m *sysfs.Mock) {},
			audio,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			m := newHostMock()
			tc.setup(m)
			c := newTestController(m)

			require.NoError(t, c.BindToPassthrough(tc.device))
			require.Equal(t, "vfio-pci", m.Driver(tc.device.Address))

			owner, driver, err := c.Owner(tc.device)
			require.NoError(t, err)
			require.Equal(t, types.OwnerPassthroughDriver, owner)
			require.Equal(t, "vfio-pci", driver)
		})
	}
}

func TestBindToPassthroughIdempotent(t *testing.T) {
	m := newHostMock()
	c := newTestController(m)

	require.NoError(t, c.BindToPassthrough(gpu))
	mutations := len(m.Mutations())

	require.NoError(t, c.BindToPassthrough(gpu))
	require.Equal(t, mutations, len(m.Mutations()), "second bind must not touch the device")
	require.Equal(t, "vfio-pci", m.Driver(gpuAddress))
}

func TestBindToPassthroughOrdering(t *testing.T) {
	m := newHostMock()
	c := newTestController(m)

	require.NoError(t, c.BindToPassthrough(gpu))

	var ops []string
	for _, call := range m.Mutations() {
		ops = append(ops, call.Op+":"+call.Driver)
	}
	require.Equal(t, []string{
		"load-module:vfio-pci",
		"add-id:vfio-pci",
		"unbind:nouveau",
		"bind:vfio-pci",
	}, ops)
}

func TestBindToPassthroughModuleLoadFailure(t *testing.T) {
	m := newHostMock()
	m.Fail(sysfs.OpLoadModule, "vfio-pci", errors.New("modprobe failed"))
	c := newTestController(m)

	err := c.BindToPassthrough(gpu)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrModuleLoad)

	var moduleErr *ModuleLoadError
	require.ErrorAs(t, err, &moduleErr)
	require.Equal(t, "vfio-pci", moduleErr.Module)
	require.Equal(t, "nouveau", m.Driver(gpuAddress), "device must stay with the host")
}

func TestBindToPassthroughUnbindFailure(t *testing.T) {
	m := newHostMock()
	m.Fail(sysfs.OpUnbind, gpuAddress.String(), errors.New("device busy"))
	c := newTestController(m)

	err := c.BindToPassthrough(gpu)
	require.ErrorIs(t, err, ErrUnbind)

	var unbindErr *UnbindError
	require.ErrorAs(t, err, &unbindErr)
	require.Equal(t, gpuAddress, unbindErr.Address)
	require.Equal(t, "nouveau", unbindErr.Driver)
}

func TestBindToPassthroughVerificationFailure(t *testing.T) {
	m := newHostMock()
	m.Fail(sysfs.OpBind, audioAddress.String(), errors.New("rejected"))
	c := newTestController(m)

	err := c.BindToPassthrough(audio)
	require.ErrorIs(t, err, ErrBindVerification)

	var verifyErr *BindVerificationError
	require.ErrorAs(t, err, &verifyErr)
	require.Equal(t, "vfio-pci", verifyErr.Expected)
	require.Equal(t, "", verifyErr.Actual)
}

func TestUnbind(t *testing.T) {
	m := newHostMock()
	c := newTestController(m)

	var slept []time.Duration
	c.settleDelay = 250 * time.Millisecond
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	require.NoError(t, c.Unbind(gpu))
	require.Equal(t, "", m.Driver(gpuAddress))
	require.Equal(t, []time.Duration{250 * time.Millisecond}, slept)

	require.NoError(t, c.Unbind(gpu), "unbinding an unbound device is a no-op")
	require.Len(t, slept, 1)
	require.Len(t, m.Mutations(), 1)
}

func TestBindToHost(t *testing.T) {
	testCases := []struct {
		description    string
		setup          func(*sysfs.Mock)
		device         types.ManagedDevice
		expectedDriver string
		expectedOwner  types.Owner
		expectedMethod HostMethod
	}{
		{
			"Open-source driver preferred",
			func(m *sysfs.Mock) {},
			gpu,
			"nouveau",
			types.OwnerHostDriver,
			MethodExplicitBind,
		},
		{
			"Falls back to proprietary driver",
			func(m *sysfs.Mock) {
				m.Fail(sysfs.OpBind, "nouveau", errors.New("rejected"))
			},
			gpu,
			"nvidia",
			types.OwnerHostDriver,
			MethodExplicitBind,
		},
		{
			"Falls back to rescan",
			func(m *sysfs.Mock) {
				m.Fail(sysfs.OpBind, "nouveau", errors.New("rejected"))
				m.Fail(sysfs.OpLoadModule, "nvidia", errors.New("not installed"))
				m.SetRescanDriver(gpuAddress, "nouveau")
			},
			gpu,
			"nouveau",
			types.OwnerHostDriver,
			MethodRescan,
		},
		{
			"Ends unbound without error",
			func(m *sysfs.Mock) {
				m.Fail(sysfs.OpBind, "nouveau", errors.New("rejected"))
				m.Fail(sysfs.OpLoadModule, "nvidia", errors.New("not installed"))
				m.SetRescanDriver(gpuAddress, "")
			},
			gpu,
			"",
			types.OwnerUnbound,
			MethodNone,
		},
		{
			"Per-device host drivers",
			func(m *sysfs.Mock) {},
			audio,
			"snd_hda_intel",
			types.OwnerHostDriver,
			MethodExplicitBind,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			m := newHostMock()
			c := newTestController(m)
			require.NoError(t, c.BindToPassthrough(tc.device))
			tc.setup(m)

			result, err := c.BindToHost(tc.device)
			require.NoError(t, err)
			require.Equal(t, tc.expectedDriver, result.Driver)
			require.Equal(t, tc.expectedOwner, result.Owner)
			require.Equal(t, tc.expectedMethod, result.Method)
			require.Equal(t, tc.expectedDriver, m.Driver(tc.device.Address))
			require.False(t, m.HasDynamicID("vfio-pci", tc.device.ID), "id must be deregistered")
		})
	}
}

func TestBindToHostAlreadyHost(t *testing.T) {
	m := newHostMock()
	c := newTestController(m)

	result, err := c.BindToHost(gpu)
	require.NoError(t, err)
	require.Equal(t, MethodAlreadyHost, result.Method)
	require.Equal(t, "nouveau", result.Driver)
	require.Empty(t, m.Mutations())
}

func TestBindToHostUnbindFailure(t *testing.T) {
	m := newHostMock()
	c := newTestController(m)
	require.NoError(t, c.BindToPassthrough(gpu))
	m.Fail(sysfs.OpUnbind, gpuAddress.String(), errors.New("device busy"))

	result, err := c.BindToHost(gpu)
	require.ErrorIs(t, err, ErrUnbind)
	require.Equal(t, types.OwnerPassthroughDriver, result.Owner)
	require.Equal(t, "vfio-pci", m.Driver(gpuAddress))
}

func TestState(t *testing.T) {
	m := newHostMock()
	c := newTestController(m)

	state, err := c.State(gpu)
	require.NoError(t, err)
	require.Equal(t, types.DeviceState{Address: gpuAddress, Driver: "nouveau", Owner: types.OwnerHostDriver}, state)

	require.NoError(t, c.BindToPassthrough(gpu))
	state, err = c.State(gpu)
	require.NoError(t, err)
	require.Equal(t, types.OwnerPassthroughDriver, state.Owner)

	_, err = c.State(types.ManagedDevice{Address: types.PCIAddress{Bus: 0x02}})
	require.Error(t, err)
}

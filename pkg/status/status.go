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

package status

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NVIDIA/gpu-passthrough-hook/internal/nvml"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/consumer"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/lock"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

// Report is the operator view of every managed device and the binding lock.
type Report struct {
	Devices []DeviceReport `json:"devices"`
	Lock    LockReport     `json:"lock"`
}

// DeviceReport describes one managed device.
type DeviceReport struct {
	Address      string           `json:"address"`
	VendorDevice string           `json:"vendor-device,omitempty"`
	Secondary    bool             `json:"secondary,omitempty"`
	Driver       string           `json:"driver"`
	Owner        string           `json:"owner"`
	Name         string           `json:"name,omitempty"`
	UUID         string           `json:"uuid,omitempty"`
	InUse        int              `json:"in-use"`
	Consumers    []ConsumerReport `json:"consumers,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// ConsumerReport is a consumer declaring a device.
type ConsumerReport struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Running bool   `json:"running"`
}

// LockReport describes the binding lock.
type LockReport struct {
	Path       string     `json:"path"`
	Held       bool       `json:"held"`
	PID        int        `json:"pid,omitempty"`
	AcquiredAt *time.Time `json:"acquired-at,omitempty"`
	Stale      bool       `json:"stale,omitempty"`
}

// StateReader observes the owner of a device.
type StateReader interface {
	State(types.ManagedDevice) (types.DeviceState, error)
}

// DeclarerLister lists the consumers declaring a device.
type DeclarerLister interface {
	Declarers(context.Context, types.PCIAddress) ([]consumer.Consumer, error)
}

// LockInspector reports the holder of the binding lock.
type LockInspector interface {
	Path() string
	Inspect() (*lock.Holder, error)
}

// Builder assembles a Report from live state.
type Builder struct {
	devices   []types.ManagedDevice
	states    StateReader
	declarers DeclarerLister
	lock      LockInspector
	nvml      nvml.Interface
	logger    logrus.FieldLogger
}

// Option is a functional option for NewBuilder.
type Option func(*Builder)

// WithNVML enables naming GPUs owned by the nvidia driver.
func WithNVML(lib nvml.Interface) Option {
	return func(b *Builder) {
		b.nvml = lib
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates a Builder.
func NewBuilder(devices []types.ManagedDevice, states StateReader, declarers DeclarerLister, l LockInspector, opts ...Option) *Builder {
	b := &Builder{
		devices:   devices,
		states:    states,
		declarers: declarers,
		lock:      l,
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build reads the current state. Per-device failures are recorded in the
// report rather than returned.
func (b *Builder) Build(ctx context.Context) (*Report, error) {
	report := &Report{}

	var nvidiaOwned []types.PCIAddress
	for _, dev := range b.devices {
		r := DeviceReport{
			Address:   dev.Address.String(),
			Secondary: dev.Secondary,
		}
		if dev.ID != 0 {
			r.VendorDevice = dev.ID.String()
		}

		state, err := b.states.State(dev)
		if err != nil {
			r.Error = err.Error()
		}
		r.Driver = state.Driver
		r.Owner = state.Owner.String()
		if state.Driver == "nvidia" {
			nvidiaOwned = append(nvidiaOwned, dev.Address)
		}

		declarers, err := b.declarers.Declarers(ctx, dev.Address)
		if err != nil {
			r.Error = err.Error()
		}
		for _, c := range declarers {
			r.Consumers = append(r.Consumers, ConsumerReport{ID: c.ID, Name: c.Name, Running: c.Running})
			if c.Running {
				r.InUse++
			}
		}

		report.Devices = append(report.Devices, r)
	}

	if b.nvml != nil && len(nvidiaOwned) > 0 {
		b.describe(report, nvidiaOwned)
	}

	lockReport, err := b.lockReport()
	if err != nil {
		return nil, err
	}
	report.Lock = *lockReport

	return report, nil
}

func (b *Builder) describe(report *Report, addrs []types.PCIAddress) {
	infos, err := nvml.Describe(b.nvml, addrs, b.logger)
	if err != nil {
		b.logger.Warnf("Unable to query NVML: %v", err)
		return
	}
	for i := range report.Devices {
		for addr, info := range infos {
			if report.Devices[i].Address == addr.String() {
				report.Devices[i].Name = info.Name
				report.Devices[i].UUID = info.UUID
			}
		}
	}
}

func (b *Builder) lockReport() (*LockReport, error) {
	holder, err := b.lock.Inspect()
	if err != nil {
		return nil, fmt.Errorf("error inspecting lock: %w", err)
	}
	r := &LockReport{Path: b.lock.Path()}
	if holder == nil {
		return r, nil
	}
	r.Held = true
	r.PID = holder.PID
	r.Stale = holder.Stale
	if !holder.AcquiredAt.IsZero() {
		acquiredAt := holder.AcquiredAt
		r.AcquiredAt = &acquiredAt
	}
	return r, nil
}

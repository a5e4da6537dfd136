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

package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/lock"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

const namespace = "nvidia_passthrough"

var (
	deviceOwnerDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "device_owner"),
		"Current owner of a managed PCI function (1 for the active owner, 0 otherwise)",
		[]string{"address", "owner"}, nil,
	)
	deviceDriverDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "device_driver_info"),
		"Driver currently bound to a managed PCI function",
		[]string{"address", "driver"}, nil,
	)
	lockHeldDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "lock_held"),
		"Whether the binding lock is currently held",
		nil, nil,
	)
	lockStaleDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "lock_stale"),
		"Whether the binding lock is held by a process that no longer exists",
		nil, nil,
	)
)

// Collector exposes a snapshot of device owners and lock state.
type Collector struct {
	states []types.DeviceState
	holder *lock.Holder
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a Collector for a snapshot. A nil holder means the
// lock is free.
func NewCollector(states []types.DeviceState, holder *lock.Holder) *Collector {
	return &Collector{
		states: states,
		holder: holder,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- deviceOwnerDesc
	ch <- deviceDriverDesc
	ch <- lockHeldDesc
	ch <- lockStaleDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.states {
		address := s.Address.String()
		for _, o := range types.Owners {
			value := 0.0
			if s.Owner == o {
				value = 1
			}
			ch <- prometheus.MustNewConstMetric(deviceOwnerDesc, prometheus.GaugeValue, value, address, o.String())
		}
		if s.Driver != "" {
			ch <- prometheus.MustNewConstMetric(deviceDriverDesc, prometheus.GaugeValue, 1, address, s.Driver)
		}
	}

	held, stale := 0.0, 0.0
	if c.holder != nil {
		held = 1
		if c.holder.Stale {
			stale = 1
		}
	}
	ch <- prometheus.MustNewConstMetric(lockHeldDesc, prometheus.GaugeValue, held)
	ch <- prometheus.MustNewConstMetric(lockStaleDesc, prometheus.GaugeValue, stale)
}

// NewRegistry returns a registry holding only the snapshot metrics.
func NewRegistry(states []types.DeviceState, holder *lock.Holder) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(NewCollector(states, holder)); err != nil {
		return nil, fmt.Errorf("error registering collector: %w", err)
	}
	return registry, nil
}

// WriteTextfile atomically writes the gathered metrics in the format read by
// the node exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("error writing metrics to %v: %w", path, err)
	}
	return nil
}

// LockInspector reports the current lock holder.
type LockInspector interface {
	Inspect() (*lock.Holder, error)
}

// TextfilePublisher refreshes a textfile every time device state is published.
type TextfilePublisher struct {
	path string
	lock LockInspector
}

// NewTextfilePublisher creates a TextfilePublisher writing to path.
func NewTextfilePublisher(path string, l LockInspector) *TextfilePublisher {
	return &TextfilePublisher{
		path: path,
		lock: l,
	}
}

// Publish writes the supplied device states along with the current lock state.
func (p *TextfilePublisher) Publish(ctx context.Context, states []types.DeviceState) error {
	var holder *lock.Holder
	if p.lock != nil {
		h, err := p.lock.Inspect()
		if err != nil {
			return fmt.Errorf("error inspecting lock: %w", err)
		}
		holder = h
	}
	registry, err := NewRegistry(states, holder)
	if err != nil {
		return err
	}
	return WriteTextfile(p.path, registry)
}

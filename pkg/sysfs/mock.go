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

package sysfs

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

// Operation names recorded in a 'Mock' journal.
const (
	OpCurrentDriver = "current-driver"
	OpUnbind        = "unbind"
	OpBind          = "bind"
	OpAddID         = "add-id"
	OpRemoveID      = "remove-id"
	OpReadDeviceID  = "read-device-id"
	OpDriverLoaded  = "driver-loaded"
	OpLoadModule    = "load-module"
	OpRemove        = "remove"
	OpRescan        = "rescan"
)

// Call is a single operation recorded by a 'Mock'.
type Call struct {
	Op      string
	Address string
	Driver  string
}

// MockDevice is a PCI function known to a 'Mock'.
type MockDevice struct {
	ID types.DeviceID
	// Driver is the currently bound driver.
	Driver string
	// RescanDriver is the driver the kernel picks when the bus is rescanned.
	RescanDriver string

	removed bool
}

// Mock is an in-memory model of the PCI bus. Drivers only accept devices
// whose ID they support, either natively or through new_id.
type Mock struct {
	sync.Mutex

	// AutoProbe makes new_id immediately bind matching unbound devices, as
	// the kernel does.
	AutoProbe bool

	devices   map[types.PCIAddress]*MockDevice
	loaded    map[string]bool
	supported map[string]map[types.DeviceID]bool
	dynamic   map[string]map[types.DeviceID]bool
	failures  map[string]error
	journal   []Call
}

var _ Interface = (*Mock)(nil)

// NewMock creates an empty 'Mock'.
func NewMock() *Mock {
	return &Mock{
		devices:   make(map[types.PCIAddress]*MockDevice),
		loaded:    make(map[string]bool),
		supported: make(map[string]map[types.DeviceID]bool),
		dynamic:   make(map[string]map[types.DeviceID]bool),
		failures:  make(map[string]error),
	}
}

// AddDevice adds a PCI function bound to the given driver ("" for unbound).
func (m *Mock) AddDevice(addr types.PCIAddress, id types.DeviceID, driver string) {
	m.Lock()
	defer m.Unlock()
	m.devices[addr] = &MockDevice{ID: id, Driver: driver, RescanDriver: driver}
	if driver != "" {
		m.loaded[driver] = true
		m.supportLocked(driver, id)
	}
}

// AddDriver registers a driver. Loaded drivers appear on the bus; unloaded
// ones appear once their module is loaded. The driver natively supports ids.
func (m *Mock) AddDriver(driver string, loaded bool, ids ...types.DeviceID) {
	m.Lock()
	defer m.Unlock()
	if loaded {
		m.loaded[driver] = true
	} else if _, exists := m.loaded[driver]; !exists {
		m.loaded[driver] = false
	}
	for _, id := range ids {
		m.supportLocked(driver, id)
	}
}

// SetRescanDriver sets the driver a device gets after a remove and rescan.
func (m *Mock) SetRescanDriver(addr types.PCIAddress, driver string) {
	m.Lock()
	defer m.Unlock()
	if d, ok := m.devices[addr]; ok {
		d.RescanDriver = driver
	}
}

// SetDriver forces the bound driver of a device.
func (m *Mock) SetDriver(addr types.PCIAddress, driver string) {
	m.Lock()
	defer m.Unlock()
	if d, ok := m.devices[addr]; ok {
		d.Driver = driver
	}
}

// Fail makes every subsequent call of op on target (an address or a driver
// name) return err. A nil err clears the failure.
func (m *Mock) Fail(op string, target string, err error) {
	m.Lock()
	defer m.Unlock()
	key := op + "/" + target
	if err == nil {
		delete(m.failures, key)
		return
	}
	m.failures[key] = err
}

// Driver returns the driver bound to a device without recording a call.
func (m *Mock) Driver(addr types.PCIAddress) string {
	m.Lock()
	defer m.Unlock()
	if d, ok := m.devices[addr]; ok {
		return d.Driver
	}
	return ""
}

// HasDynamicID returns whether id was registered with driver through new_id.
func (m *Mock) HasDynamicID(driver string, id types.DeviceID) bool {
	m.Lock()
	defer m.Unlock()
	return m.dynamic[driver][id]
}

// Journal returns a copy of all recorded calls.
func (m *Mock) Journal() []Call {
	m.Lock()
	defer m.Unlock()
	return append([]Call{}, m.journal...)
}

// Mutations returns the recorded calls that change kernel state.
func (m *Mock) Mutations() []Call {
	var calls []Call
	for _, c := range m.Journal() {
		switch c.Op {
		case OpUnbind, OpBind, OpAddID, OpRemoveID, OpLoadModule, OpRemove, OpRescan:
			calls = append(calls, c)
		}
	}
	return calls
}

func (m *Mock) CurrentDriver(addr types.PCIAddress) (string, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.record(OpCurrentDriver, addr.String(), ""); err != nil {
		return "", err
	}
	d, err := m.deviceLocked(addr)
	if err != nil {
		return "", err
	}
	return d.Driver, nil
}

func (m *Mock) Unbind(addr types.PCIAddress, driver string) error {
	m.Lock()
	defer m.Unlock()
	if err := m.record(OpUnbind, addr.String(), driver); err != nil {
		return err
	}
	d, err := m.deviceLocked(addr)
	if err != nil {
		return err
	}
	if d.Driver != driver {
		return fmt.Errorf("error unbinding %v from %v: %w", addr, driver, syscall.ENODEV)
	}
	d.Driver = ""
	return nil
}

func (m *Mock) Bind(addr types.PCIAddress, driver string) error {
	m.Lock()
	defer m.Unlock()
	if err := m.record(OpBind, addr.String(), driver); err != nil {
		return err
	}
	d, err := m.deviceLocked(addr)
	if err != nil {
		return err
	}
	if !m.loaded[driver] {
		return fmt.Errorf("error binding %v to %v: %w", addr, driver, syscall.ENOENT)
	}
	if d.Driver != "" {
		return fmt.Errorf("error binding %v to %v: %w", addr, driver, syscall.EBUSY)
	}
	if !m.supported[driver][d.ID] {
		return fmt.Errorf("error binding %v to %v: %w", addr, driver, syscall.ENODEV)
	}
	d.Driver = driver
	return nil
}

func (m *Mock) AddID(driver string, id types.DeviceID) error {
	m.Lock()
	defer m.Unlock()
	if err := m.record(OpAddID, "", driver); err != nil {
		return err
	}
	if !m.loaded[driver] {
		return fmt.Errorf("error adding id %v to %v: %w", id, driver, syscall.ENOENT)
	}
	if m.dynamic[driver] == nil {
		m.dynamic[driver] = make(map[types.DeviceID]bool)
	}
	m.dynamic[driver][id] = true
	m.supportLocked(driver, id)
	if m.AutoProbe {
		for _, d := range m.devices {
			if !d.removed && d.Driver == "" && d.ID == id {
				d.Driver = driver
			}
		}
	}
	return nil
}

func (m *Mock) RemoveID(driver string, id types.DeviceID) error {
	m.Lock()
	defer m.Unlock()
	if err := m.record(OpRemoveID, "", driver); err != nil {
		return err
	}
	if m.dynamic[driver][id] {
		delete(m.dynamic[driver], id)
		delete(m.supported[driver], id)
	}
	return nil
}

func (m *Mock) ReadDeviceID(addr types.PCIAddress) (types.DeviceID, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.record(OpReadDeviceID, addr.String(), ""); err != nil {
		return 0, err
	}
	d, err := m.deviceLocked(addr)
	if err != nil {
		return 0, err
	}
	return d.ID, nil
}

func (m *Mock) DriverLoaded(driver string) (bool, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.record(OpDriverLoaded, "", driver); err != nil {
		return false, err
	}
	return m.loaded[driver], nil
}

// LoadModule loads the driver of the same name, as long as it was registered with AddDriver.
func (m *Mock) LoadModule(module string) error {
	m.Lock()
	defer m.Unlock()
	if err := m.record(OpLoadModule, "", module); err != nil {
		return err
	}
	if _, known := m.loaded[module]; !known {
		return fmt.Errorf("error loading module %v: %w", module, syscall.ENOENT)
	}
	m.loaded[module] = true
	return nil
}

func (m *Mock) Remove(addr types.PCIAddress) error {
	m.Lock()
	defer m.Unlock()
	if err := m.record(OpRemove, addr.String(), ""); err != nil {
		return err
	}
	d, err := m.deviceLocked(addr)
	if err != nil {
		return err
	}
	d.Driver = ""
	d.removed = true
	return nil
}

func (m *Mock) Rescan() error {
	m.Lock()
	defer m.Unlock()
	if err := m.record(OpRescan, "", ""); err != nil {
		return err
	}
	for _, d := range m.devices {
		if !d.removed {
			continue
		}
		d.removed = false
		if d.RescanDriver != "" && m.loaded[d.RescanDriver] && m.supported[d.RescanDriver][d.ID] {
			d.Driver = d.RescanDriver
		}
	}
	return nil
}

func (m *Mock) record(op, addr, driver string) error {
	m.journal = append(m.journal, Call{Op: op, Address: addr, Driver: driver})
	if err, ok := m.failures[op+"/"+addr]; ok && addr != "" {
		return err
	}
	if err, ok := m.failures[op+"/"+driver]; ok && driver != "" {
		return err
	}
	if err, ok := m.failures[op+"/"]; ok {
		return err
	}
	return nil
}

func (m *Mock) deviceLocked(addr types.PCIAddress) (*MockDevice, error) {
	d, ok := m.devices[addr]
	if !ok || d.removed {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, addr)
	}
	return d, nil
}

func (m *Mock) supportLocked(driver string, id types.DeviceID) {
	if m.supported[driver] == nil {
		m.supported[driver] = make(map[types.DeviceID]bool)
	}
	m.supported[driver][id] = true
}

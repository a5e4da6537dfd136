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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

// DefaultPCIBusRoot is the sysfs directory of the PCI bus.
const DefaultPCIBusRoot = "/sys/bus/pci"

// ErrNoDevice is returned when a PCI function does not exist under the PCI bus root.
var ErrNoDevice = errors.New("no such pci device")

// Interface is the set of kernel operations needed to move a PCI function
// between drivers.
type Interface interface {
	CurrentDriver(types.PCIAddress) (string, error)
	Unbind(types.PCIAddress, string) error
	Bind(types.PCIAddress, string) error
	AddID(string, types.DeviceID) error
	RemoveID(string, types.DeviceID) error
	ReadDeviceID(types.PCIAddress) (types.DeviceID, error)
	DriverLoaded(string) (bool, error)
	LoadModule(string) error
	Remove(types.PCIAddress) error
	Rescan() error
}

// commandRunner runs an external command and returns its combined output.
type commandRunner interface {
	Run(name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

type sysfs struct {
	root   string
	runner commandRunner
}

var _ Interface = (*sysfs)(nil)

// Option is a functional option for the sysfs constructor.
type Option func(*sysfs)

// WithRoot sets the PCI bus root. It defaults to /sys/bus/pci.
func WithRoot(root string) Option {
	return func(s *sysfs) {
		s.root = root
	}
}

// New creates an 'Interface' backed by the PCI bus in sysfs.
func New(opts ...Option) Interface {
	s := &sysfs{
		root:   DefaultPCIBusRoot,
		runner: execRunner{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *sysfs) devicePath(addr types.PCIAddress, elem ...string) string {
	return filepath.Join(append([]string{s.root, "devices", addr.String()}, elem...)...)
}

func (s *sysfs) driverPath(driver string, elem ...string) string {
	return filepath.Join(append([]string{s.root, "drivers", driver}, elem...)...)
}

// CurrentDriver returns the name of the driver bound to a device, or the empty string if it is unbound.
func (s *sysfs) CurrentDriver(addr types.PCIAddress) (string, error) {
	if _, err := os.Stat(s.devicePath(addr)); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %v", ErrNoDevice, addr)
		}
		return "", fmt.Errorf("error accessing device %v: %w", addr, err)
	}

	link, err := os.Readlink(s.devicePath(addr, "driver"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("error reading driver link of %v: %w", addr, err)
	}

	return filepath.Base(link), nil
}

func (s *sysfs) Unbind(addr types.PCIAddress, driver string) error {
	if err := writeAttr(s.driverPath(driver, "unbind"), addr.String()); err != nil {
		return fmt.Errorf("error unbinding %v from %v: %w", addr, driver, err)
	}
	return nil
}

func (s *sysfs) Bind(addr types.PCIAddress, driver string) error {
	if err := writeAttr(s.driverPath(driver, "bind"), addr.String()); err != nil {
		return fmt.Errorf("error binding %v to %v: %w", addr, driver, err)
	}
	return nil
}

// AddID registers a vendor/device pair with a driver. An already registered
// pair is not an error.
func (s *sysfs) AddID(driver string, id types.DeviceID) error {
	err := writeAttr(s.driverPath(driver, "new_id"), id.SysfsString())
	if err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("error adding id %v to %v: %w", id, driver, err)
	}
	return nil
}

// RemoveID deregisters a vendor/device pair from a driver. A pair that was
// never registered is not an error.
func (s *sysfs) RemoveID(driver string, id types.DeviceID) error {
	err := writeAttr(s.driverPath(driver, "remove_id"), id.SysfsString())
	if err != nil && !errors.Is(err, syscall.ENODEV) {
		return fmt.Errorf("error removing id %v from %v: %w", id, driver, err)
	}
	return nil
}

func (s *sysfs) ReadDeviceID(addr types.PCIAddress) (types.DeviceID, error) {
	vendor, err := readHex16(s.devicePath(addr, "vendor"))
	if err != nil {
		return 0, fmt.Errorf("error reading vendor of %v: %w", addr, err)
	}
	device, err := readHex16(s.devicePath(addr, "device"))
	if err != nil {
		return 0, fmt.Errorf("error reading device of %v: %w", addr, err)
	}
	return types.NewDeviceID(device, vendor), nil
}

// DriverLoaded checks whether a driver is registered with the PCI bus.
func (s *sysfs) DriverLoaded(driver string) (bool, error) {
	info, err := os.Stat(s.driverPath(driver))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("error checking driver %v: %w", driver, err)
	}
	return info.IsDir(), nil
}

func (s *sysfs) LoadModule(module string) error {
	output, err := s.runner.Run("modprobe", module)
	if err != nil {
		return fmt.Errorf("error loading module %v: %w: %s", module, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (s *sysfs) Remove(addr types.PCIAddress) error {
	if err := writeAttr(s.devicePath(addr, "remove"), "1"); err != nil {
		return fmt.Errorf("error removing %v: %w", addr, err)
	}
	return nil
}

func (s *sysfs) Rescan() error {
	if err := writeAttr(filepath.Join(s.root, "rescan"), "1"); err != nil {
		return fmt.Errorf("error rescanning pci bus: %w", err)
	}
	return nil
}

// writeAttr writes a value to an existing sysfs attribute. Attributes are
// never created.
func writeAttr(path string, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	_, err = f.WriteString(value)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func readHex16(path string) (uint16, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(content)), 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(value), nil
}

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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/sysfs"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

// HostMethod describes how a device ended up in its final state when returned to the host.
type HostMethod string

// Possible values of 'HostMethod'.
const (
	MethodAlreadyHost  HostMethod = "already-host"
	MethodExplicitBind HostMethod = "explicit-bind"
	MethodRescan       HostMethod = "rescan"
	MethodNone         HostMethod = "none"
)

// HostResult records the outcome of returning a device to the host.
type HostResult struct {
	Driver string
	Owner  types.Owner
	Method HostMethod
}

// Controller moves managed devices between the passthrough driver and host
// drivers. Every operation re-reads the current owner from the kernel and is
// safe to repeat.
type Controller struct {
	sysfs sysfs.Interface

	passthroughDriver string
	passthroughModule string
	hostDrivers       []string
	settleDelay       time.Duration
	logger            logrus.FieldLogger

	sleep func(time.Duration)
}

// New creates a Controller operating on the supplied sysfs.
func New(s sysfs.Interface, opts ...Option) *Controller {
	c := &Controller{
		sysfs:             s,
		passthroughDriver: DefaultPassthroughDriver,
		hostDrivers:       DefaultHostDrivers,
		settleDelay:       DefaultSettleDelay,
		logger:            logrus.StandardLogger(),
		sleep:             time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.passthroughModule == "" {
		c.passthroughModule = c.passthroughDriver
	}
	return c
}

// PassthroughDriver returns the name of the driver devices are handed to guests with.
func (c *Controller) PassthroughDriver() string {
	return c.passthroughDriver
}

// Owner returns the current owner of a device along with the bound driver name.
func (c *Controller) Owner(dev types.ManagedDevice) (types.Owner, string, error) {
	driver, err := c.sysfs.CurrentDriver(dev.Address)
	if err != nil {
		return types.OwnerUnbound, "", err
	}
	return types.ClassifyOwner(driver, c.passthroughDriver), driver, nil
}

// State observes the current driver and owner of a device.
func (c *Controller) State(dev types.ManagedDevice) (types.DeviceState, error) {
	owner, driver, err := c.Owner(dev)
	if err != nil {
		return types.DeviceState{Address: dev.Address}, err
	}
	return types.DeviceState{Address: dev.Address, Driver: driver, Owner: owner}, nil
}

// Unbind releases a device from whatever driver currently owns it. Unbinding
// an unbound device is a no-op.
func (c *Controller) Unbind(dev types.ManagedDevice) error {
	driver, err := c.sysfs.CurrentDriver(dev.Address)
	if err != nil {
		return &UnbindError{Address: dev.Address, Err: err}
	}
	if driver == "" {
		return nil
	}

	c.logger.Debugf("Unbinding %v from %v", dev.Address, driver)
	if err := c.sysfs.Unbind(dev.Address, driver); err != nil {
		return &UnbindError{Address: dev.Address, Driver: driver, Err: err}
	}
	c.sleep(c.settleDelay)
	return nil
}

// BindToPassthrough hands a device to the passthrough driver. The device is
// left untouched if it is already owned by it.
func (c *Controller) BindToPassthrough(dev types.ManagedDevice) error {
	owner, driver, err := c.Owner(dev)
	if err != nil {
		return fmt.Errorf("error querying owner of %v: %w", dev.Address, err)
	}
	if owner == types.OwnerPassthroughDriver {
		c.logger.Infof("%v already bound to %v", dev.Address, driver)
		return nil
	}

	if err := c.ensurePassthroughDriver(); err != nil {
		return err
	}

	id, err := c.deviceID(dev)
	if err != nil {
		return err
	}

	// Registering the id may make the kernel probe the device right away,
	// in which case the explicit bind below is rejected as busy.
	if err := c.sysfs.AddID(c.passthroughDriver, id); err != nil {
		c.logger.Warnf("Unable to register %v with %v: %v", id, c.passthroughDriver, err)
	}

	if owner == types.OwnerHostDriver {
		if err := c.Unbind(dev); err != nil {
			return err
		}
	}

	current, err := c.sysfs.CurrentDriver(dev.Address)
	if err == nil && current != c.passthroughDriver {
		c.logger.Debugf("Binding %v to %v", dev.Address, c.passthroughDriver)
		if err := c.sysfs.Bind(dev.Address, c.passthroughDriver); err != nil {
			c.logger.Debugf("Bind request for %v not accepted: %v", dev.Address, err)
		}
	}

	actual, err := c.sysfs.CurrentDriver(dev.Address)
	if err != nil || actual != c.passthroughDriver {
		return &BindVerificationError{
			Address:  dev.Address,
			Expected: c.passthroughDriver,
			Actual:   actual,
			Err:      err,
		}
	}

	c.logger.Infof("%v bound to %v", dev.Address, c.passthroughDriver)
	return nil
}

// BindToHost returns a device to a host driver. Candidate drivers are tried
// in priority order before falling back to a remove and rescan of the
// device. Ending up unbound is not an error; the outcome is reported in the
// returned 'HostResult'.
func (c *Controller) BindToHost(dev types.ManagedDevice) (HostResult, error) {
	owner, driver, err := c.Owner(dev)
	if err != nil {
		return HostResult{Method: MethodNone}, fmt.Errorf("error querying owner of %v: %w", dev.Address, err)
	}
	if owner == types.OwnerHostDriver {
		return HostResult{Driver: driver, Owner: owner, Method: MethodAlreadyHost}, nil
	}

	if owner == types.OwnerPassthroughDriver {
		if err := c.Unbind(dev); err != nil {
			return HostResult{Driver: driver, Owner: owner, Method: MethodNone}, err
		}
	}

	if id, err := c.deviceID(dev); err != nil {
		c.logger.Warnf("Unable to deregister %v from %v: %v", dev.Address, c.passthroughDriver, err)
	} else if err := c.sysfs.RemoveID(c.passthroughDriver, id); err != nil {
		c.logger.Warnf("Unable to deregister %v from %v: %v", id, c.passthroughDriver, err)
	}

	for _, candidate := range c.candidates(dev) {
		if c.tryHostDriver(dev, candidate) {
			result := c.result(dev, MethodExplicitBind)
			c.logger.Infof("%v bound to %v", dev.Address, result.Driver)
			return result, nil
		}
	}

	c.logger.Infof("No host driver accepted %v; removing and rescanning", dev.Address)
	if err := c.sysfs.Remove(dev.Address); err != nil {
		c.logger.Warnf("Unable to remove %v: %v", dev.Address, err)
	}
	if err := c.sysfs.Rescan(); err != nil {
		c.logger.Warnf("Unable to rescan: %v", err)
	}
	c.sleep(c.settleDelay)

	result := c.result(dev, MethodRescan)
	if result.Owner == types.OwnerUnbound {
		result.Method = MethodNone
		c.logger.Warnf("%v left without a driver", dev.Address)
	} else {
		c.logger.Infof("%v picked up by %v after rescan", dev.Address, result.Driver)
	}
	return result, nil
}

func (c *Controller) tryHostDriver(dev types.ManagedDevice, candidate string) bool {
	loaded, err := c.sysfs.DriverLoaded(candidate)
	if err != nil {
		c.logger.Debugf("Unable to check driver %v: %v", candidate, err)
		return false
	}
	if !loaded {
		if err := c.sysfs.LoadModule(candidate); err != nil {
			c.logger.Debugf("Skipping host driver %v: %v", candidate, err)
			return false
		}
	}

	// Loading a module probes matching devices on its own.
	if current, err := c.sysfs.CurrentDriver(dev.Address); err == nil && current == candidate {
		return true
	}

	if err := c.sysfs.Bind(dev.Address, candidate); err != nil {
		c.logger.Debugf("Host driver %v did not accept %v: %v", candidate, dev.Address, err)
	}
	current, err := c.sysfs.CurrentDriver(dev.Address)
	return err == nil && current == candidate
}

func (c *Controller) result(dev types.ManagedDevice, method HostMethod) HostResult {
	owner, driver, err := c.Owner(dev)
	if err != nil {
		c.logger.Warnf("Unable to query owner of %v: %v", dev.Address, err)
		return HostResult{Owner: types.OwnerUnbound, Method: MethodNone}
	}
	return HostResult{Driver: driver, Owner: owner, Method: method}
}

func (c *Controller) candidates(dev types.ManagedDevice) []string {
	if len(dev.HostDrivers) > 0 {
		return dev.HostDrivers
	}
	return c.hostDrivers
}

func (c *Controller) ensurePassthroughDriver() error {
	loaded, err := c.sysfs.DriverLoaded(c.passthroughDriver)
	if err != nil {
		return &ModuleLoadError{Module: c.passthroughModule, Err: err}
	}
	if loaded {
		return nil
	}

	c.logger.Infof("Loading module %v", c.passthroughModule)
	if err := c.sysfs.LoadModule(c.passthroughModule); err != nil {
		return &ModuleLoadError{Module: c.passthroughModule, Err: err}
	}

	loaded, err = c.sysfs.DriverLoaded(c.passthroughDriver)
	if err != nil {
		return &ModuleLoadError{Module: c.passthroughModule, Err: err}
	}
	if !loaded {
		return &ModuleLoadError{Module: c.passthroughModule, Err: fmt.Errorf("driver %v not registered after loading", c.passthroughDriver)}
	}
	return nil
}

func (c *Controller) deviceID(dev types.ManagedDevice) (types.DeviceID, error) {
	if dev.ID != 0 {
		return dev.ID, nil
	}
	id, err := c.sysfs.ReadDeviceID(dev.Address)
	if err != nil {
		return 0, fmt.Errorf("error reading vendor/device id of %v: %w", dev.Address, err)
	}
	return id, nil
}

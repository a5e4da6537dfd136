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

package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	hooks "github.com/NVIDIA/gpu-passthrough-hook/api/hooks/v1"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/lock"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

// Operation names attached to ERROR entries.
const (
	OpAcquireLock     = "acquire-lock"
	OpReleaseLock     = "release-lock"
	OpBindPassthrough = "bind-passthrough"
	OpBindHost        = "bind-host"
	OpReferenceCount  = "reference-count"
	OpResolveConsumer = "resolve-consumer"
	OpPublishState    = "publish-state"
)

// Dispatcher maps consumer lifecycle transitions onto device binding
// changes. It is the single entry point invoked by the hypervisor.
type Dispatcher struct {
	options
}

// New creates a Dispatcher.
func New(opts ...Option) (*Dispatcher, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.setDefaults()
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("error validating dispatcher options: %w", err)
	}
	return &Dispatcher{o}, nil
}

// Handle runs the transition for phase on behalf of the consumer instanceID.
// A non-nil error means the transition must be treated as failed; this only
// happens when the lock cannot be acquired, or when a primary device could
// not be handed to the passthrough driver before the consumer starts.
func (d *Dispatcher) Handle(ctx context.Context, instanceID string, phase Phase) error {
	log := d.logger.WithFields(logrus.Fields{
		"instance": instanceID,
		"phase":    phase.String(),
		"run":      uuid.NewString(),
	})
	log.Infof("Handling %v for %v", phase, instanceID)

	switch phase.Kind {
	case PreStart:
		return d.preStart(ctx, instanceID, phase, log)
	case PostStop:
		return d.postStop(ctx, instanceID, phase, log)
	case PostStart, PreStop:
		log.Infof("Nothing to do for %v", phase)
		return nil
	default:
		log.Warnf("Ignoring unknown phase %q", phase.Raw)
		return nil
	}
}

func (d *Dispatcher) preStart(ctx context.Context, instanceID string, phase Phase, log *logrus.Entry) error {
	targets := d.targets(ctx, instanceID, log)
	if len(targets) == 0 {
		log.Infof("%v declares no managed devices", instanceID)
		return nil
	}

	lockLog := log.WithField("address", strings.Join(addresses(targets), ","))
	guard, err := d.acquire(ctx, lockLog)
	if err != nil {
		return err
	}
	err = func() error {
		defer d.release(guard, lockLog)
		return d.toPassthrough(ctx, instanceID, phase, targets, log)
	}()
	d.publish(ctx, log)
	return err
}

func (d *Dispatcher) toPassthrough(ctx context.Context, instanceID string, phase Phase, targets []types.ManagedDevice, log *logrus.Entry) error {
	envs := hooks.TransitionEnvs(instanceID, phase.String(), addresses(targets))
	if err := d.hooks.Run(ctx, hooks.PrePassthroughHook, envs, d.hookOutput); err != nil {
		log.WithFields(logrus.Fields{
			"address":   envs[hooks.DevicesEnv],
			"operation": hooks.PrePassthroughHook,
		}).Errorf("Aborting: %v", err)
		return err
	}

	stopped := false
	if d.anyHostOwned(targets, log) {
		stopped = d.display.TryStop(ctx)
		if stopped {
			log.Info("Stopped host display")
		}
	}

	for _, dev := range targets {
		devLog := log.WithField("address", dev.Address.String())
		err := d.controller.BindToPassthrough(dev)
		if err == nil {
			devLog.Infof("%v owned by passthrough driver", dev.Address)
			continue
		}
		devLog = devLog.WithField("operation", OpBindPassthrough)
		if dev.Secondary {
			devLog.Errorf("Unable to bind secondary device %v; continuing: %v", dev.Address, err)
			continue
		}
		devLog.Errorf("Unable to bind primary device %v: %v", dev.Address, err)
		if stopped && d.display.TryStart(ctx) {
			log.Info("Restarted host display")
		}
		return fmt.Errorf("error binding %v to passthrough driver: %w", dev.Address, err)
	}

	if err := d.hooks.Run(ctx, hooks.PostPassthroughHook, envs, d.hookOutput); err != nil {
		log.WithField("operation", hooks.PostPassthroughHook).Warnf("%v", err)
	}
	return nil
}

func (d *Dispatcher) postStop(ctx context.Context, instanceID string, phase Phase, log *logrus.Entry) error {
	targets := d.targets(ctx, instanceID, log)
	if len(targets) == 0 {
		log.Infof("%v declares no managed devices", instanceID)
		return nil
	}

	lockLog := log.WithField("address", strings.Join(addresses(targets), ","))
	guard, err := d.acquire(ctx, lockLog)
	if err != nil {
		return err
	}
	changed := func() bool {
		defer d.release(guard, lockLog)
		return d.toHost(ctx, instanceID, phase, targets, log)
	}()
	if changed {
		d.publish(ctx, log)
	}
	return nil
}

// toHost returns every target no other running consumer uses to the host.
// It reports whether any device was touched.
func (d *Dispatcher) toHost(ctx context.Context, instanceID string, phase Phase, targets []types.ManagedDevice, log *logrus.Entry) bool {
	var eligible []types.ManagedDevice
	for _, dev := range targets {
		devLog := log.WithField("address", dev.Address.String())
		count, users, err := d.inUse(ctx, dev, instanceID)
		if err != nil {
			devLog.WithField("operation", OpReferenceCount).Errorf("Unable to count users of %v; leaving it bound: %v", dev.Address, err)
			continue
		}
		if count > 0 {
			devLog.Infof("%v still in use by %d consumer(s) (%v); leaving it bound", dev.Address, count, strings.Join(users, ","))
			continue
		}
		eligible = append(eligible, dev)
	}
	if len(eligible) == 0 {
		log.Info("No devices to return to the host")
		return false
	}

	envs := hooks.TransitionEnvs(instanceID, phase.String(), addresses(eligible))
	if err := d.hooks.Run(ctx, hooks.PreHostReturnHook, envs, d.hookOutput); err != nil {
		log.WithField("operation", hooks.PreHostReturnHook).Warnf("%v", err)
	}

	primaryReturned := false
	for _, dev := range eligible {
		devLog := log.WithField("address", dev.Address.String())
		result, err := d.controller.BindToHost(dev)
		if err != nil {
			devLog.WithField("operation", OpBindHost).Errorf("Unable to return %v to the host: %v", dev.Address, err)
			continue
		}
		devLog.WithField("method", result.Method).Infof("%v now %v (%v)", dev.Address, result.Owner, result.Driver)
		if !dev.Secondary && result.Owner == types.OwnerHostDriver {
			primaryReturned = true
		}
	}

	if primaryReturned && d.display.TryStart(ctx) {
		log.Info("Started host display")
	}

	if err := d.hooks.Run(ctx, hooks.PostHostReturnHook, envs, d.hookOutput); err != nil {
		log.WithField("operation", hooks.PostHostReturnHook).Warnf("%v", err)
	}
	return true
}

// targets returns the managed devices the consumer declares, along with any
// managed function sharing a slot with one of them. Functions of one slot
// share an IOMMU group and can only be passed through together. When the
// consumer cannot be resolved every managed device is targeted.
func (d *Dispatcher) targets(ctx context.Context, instanceID string, log *logrus.Entry) []types.ManagedDevice {
	c, err := d.registry.Get(ctx, instanceID)
	if err != nil {
		log.WithField("operation", OpResolveConsumer).Warnf("Unable to resolve devices of %v; targeting all managed devices: %v", instanceID, err)
		return PrimariesFirst(d.Devices)
	}

	var targets []types.ManagedDevice
	for _, dev := range d.Devices {
		for _, declared := range d.Devices {
			if declared.Address.SameSlot(dev.Address) && c.Declares(declared.Address) {
				targets = append(targets, dev)
				break
			}
		}
	}
	return PrimariesFirst(targets)
}

func (d *Dispatcher) inUse(ctx context.Context, dev types.ManagedDevice, instanceID string) (int, []string, error) {
	return SlotInUse(ctx, d.tracker, d.Devices, dev, instanceID)
}

// SlotInUse counts the running consumers, other than those in exclude, that
// declare dev or another of the managed devices in its slot. Functions of one
// slot share an IOMMU group, so none of them may return to the host while
// another is passed through.
func SlotInUse(ctx context.Context, counter InUseCounter, managed []types.ManagedDevice, dev types.ManagedDevice, exclude ...string) (int, []string, error) {
	slot := []types.PCIAddress{dev.Address}
	for _, sibling := range managed {
		if sibling.Address != dev.Address && sibling.Address.SameSlot(dev.Address) {
			slot = append(slot, sibling.Address)
		}
	}

	seen := make(map[string]bool)
	var users []string
	for _, addr := range slot {
		_, ids, err := counter.InUseCount(ctx, addr, exclude...)
		if err != nil {
			return 0, nil, err
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				users = append(users, id)
			}
		}
	}
	sort.Strings(users)
	return len(users), users, nil
}

func (d *Dispatcher) anyHostOwned(targets []types.ManagedDevice, log *logrus.Entry) bool {
	for _, dev := range targets {
		state, err := d.controller.State(dev)
		if err != nil {
			log.WithField("address", dev.Address.String()).Debugf("Unable to read owner: %v", err)
			continue
		}
		if state.Owner == types.OwnerHostDriver && !dev.Secondary {
			return true
		}
	}
	return false
}

func (d *Dispatcher) acquire(ctx context.Context, log *logrus.Entry) (*lock.Guard, error) {
	guard, err := d.mutex.Acquire(ctx, d.LockTimeout)
	if err != nil {
		log.WithField("operation", OpAcquireLock).Errorf("Unable to acquire binding lock: %v", err)
		return nil, fmt.Errorf("error acquiring binding lock: %w", err)
	}
	return guard, nil
}

func (d *Dispatcher) release(guard *lock.Guard, log *logrus.Entry) {
	if err := guard.Release(); err != nil {
		log.WithField("operation", OpReleaseLock).Errorf("Unable to release binding lock: %v", err)
	}
}

// publish hands the state of every managed device to the publishers.
// Failures never affect the outcome of a transition.
func (d *Dispatcher) publish(ctx context.Context, log *logrus.Entry) {
	if len(d.publishers) == 0 {
		return
	}
	states := Snapshot(d.controller, d.Devices, log)
	for _, p := range d.publishers {
		if err := p.Publish(ctx, states); err != nil {
			log.WithField("operation", OpPublishState).Warnf("Unable to publish device state: %v", err)
		}
	}
}

// Snapshot reads the state of every device. Devices whose state cannot be
// read are reported as unbound.
func Snapshot(b Binder, devices []types.ManagedDevice, log logrus.FieldLogger) []types.DeviceState {
	var states []types.DeviceState
	for _, dev := range devices {
		state, err := b.State(dev)
		if err != nil {
			log.Warnf("Unable to read state of %v: %v", dev.Address, err)
		}
		states = append(states, state)
	}
	return states
}

// PrimariesFirst returns a copy of devices with every primary device ahead
// of the secondary ones, keeping the order within each group.
func PrimariesFirst(devices []types.ManagedDevice) []types.ManagedDevice {
	sorted := append([]types.ManagedDevice{}, devices...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return !sorted[i].Secondary && sorted[j].Secondary
	})
	return sorted
}

func addresses(devices []types.ManagedDevice) []string {
	var result []string
	for _, dev := range devices {
		result = append(result, dev.Address.String())
	}
	return result
}

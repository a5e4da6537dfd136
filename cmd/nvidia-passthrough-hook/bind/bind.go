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
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/NVIDIA/gpu-passthrough-hook/cmd/nvidia-passthrough-hook/util"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/dispatcher"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/display"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/refcount"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

var log = logrus.New()

func GetLogger() *logrus.Logger {
	return log
}

// Binding targets.
const (
	TargetPassthrough = "passthrough"
	TargetHost        = "host"
)

type Flags struct {
	util.RegistryFlags
	Target    string
	Addresses cli.StringSlice
	Force     bool
}

func BuildCommand() *cli.Command {
	// Create a flags struct to hold our flags
	bindFlags := Flags{}

	// Create the 'bind' command
	bind := cli.Command{}
	bind.Name = "bind"
	bind.Usage = "Manually move managed devices to the passthrough driver or back to the host"
	bind.Action = func(c *cli.Context) error {
		return bindWrapper(c, &bindFlags)
	}

	// Setup the flags for this command
	bind.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "target",
			Aliases:     []string{"t"},
			Usage:       "Owner to move the devices to [passthrough | host]",
			Destination: &bindFlags.Target,
		},
		&cli.StringSliceFlag{
			Name:        "address",
			Aliases:     []string{"a"},
			Usage:       "PCI address of a managed device (default: all managed devices)",
			Destination: &bindFlags.Addresses,
		},
		&cli.BoolFlag{
			Name:        "force",
			Usage:       "Return devices to the host even if a running consumer declares them",
			Destination: &bindFlags.Force,
		},
		&cli.StringFlag{
			Name:        "hypervisor",
			Usage:       "Override the hypervisor set in the config file [proxmox | libvirt]",
			Destination: &bindFlags.Hypervisor,
			EnvVars:     []string{"PASSTHROUGH_HYPERVISOR"},
		},
		&cli.StringFlag{
			Name:        "libvirt-uri",
			Usage:       "Connection URI of the libvirt daemon",
			Destination: &bindFlags.LibvirtURI,
			EnvVars:     []string{"PASSTHROUGH_LIBVIRT_URI"},
		},
	}

	return &bind
}

func CheckFlags(f *Flags) error {
	var missing []string
	if f.Target == "" {
		missing = append(missing, "target")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required flags '%v'", strings.Join(missing, ", "))
	}

	switch f.Target {
	case TargetPassthrough, TargetHost:
	default:
		return fmt.Errorf("unrecognized 'target' value '%v'", f.Target)
	}
	return nil
}

func bindWrapper(c *cli.Context, f *Flags) error {
	err := CheckFlags(f)
	if err != nil {
		_ = cli.ShowSubcommandHelp(c)
		return err
	}

	spec, err := util.LoadSpec(c)
	if err != nil {
		return err
	}

	host, err := util.NewHost(spec, f.RegistryFlags, false, log)
	if err != nil {
		return err
	}

	devices, err := util.SelectDevices(host.Devices, f.Addresses.Value())
	if err != nil {
		return err
	}

	b := &binder{
		controller: host.Controller,
		tracker:    refcount.New(host.Registry),
		display:    util.NewDisplay(spec, log),
		managed:    host.Devices,
		force:      f.Force,
		logger:     log,
	}

	guard, err := host.Mutex.Acquire(c.Context, spec.GetLockTimeout())
	if err != nil {
		return fmt.Errorf("error acquiring lock: %w", err)
	}
	err = func() error {
		defer func() {
			if err := guard.Release(); err != nil {
				log.Errorf("Error releasing lock: %v", err)
			}
		}()
		if f.Target == TargetPassthrough {
			return b.toPassthrough(c.Context, devices)
		}
		return b.toHost(c.Context, devices)
	}()

	states := dispatcher.Snapshot(host.Controller, host.Devices, log)
	for _, p := range util.NewPublishers(spec, host.Mutex, log) {
		if err := p.Publish(c.Context, states); err != nil {
			log.Warnf("Unable to publish device state: %v", err)
		}
	}

	if err != nil {
		return err
	}
	fmt.Printf("Devices bound to %v successfully\n", f.Target)
	return nil
}

type binder struct {
	controller dispatcher.Binder
	tracker    dispatcher.InUseCounter
	display    display.Collaborator
	managed    []types.ManagedDevice
	force      bool
	logger     logrus.FieldLogger
}

func (b *binder) toPassthrough(ctx context.Context, devices []types.ManagedDevice) error {
	devices = dispatcher.PrimariesFirst(devices)
	stopped := false
	for _, dev := range devices {
		if dev.Secondary {
			continue
		}
		state, err := b.controller.State(dev)
		if err == nil && state.Owner == types.OwnerHostDriver {
			stopped = b.display.TryStop(ctx)
			break
		}
	}

	var errs []error
	for _, dev := range devices {
		b.logger.Infof("Binding %v to the passthrough driver", dev.Address)
		err := b.controller.BindToPassthrough(dev)
		if err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("error binding %v: %w", dev.Address, err))
		if dev.Secondary {
			continue
		}
		if stopped && b.display.TryStart(ctx) {
			b.logger.Info("Restarted host display")
		}
		break
	}
	return errors.Join(errs...)
}

func (b *binder) toHost(ctx context.Context, devices []types.ManagedDevice) error {
	var errs []error
	restart := false
	for _, dev := range dispatcher.PrimariesFirst(devices) {
		count, users, err := dispatcher.SlotInUse(ctx, b.tracker, b.managed, dev)
		switch {
		case err != nil && !b.force:
			errs = append(errs, fmt.Errorf("error counting users of %v: %w", dev.Address, err))
			continue
		case count > 0 && !b.force:
			errs = append(errs, fmt.Errorf("device %v is in use by %v (use --force to override)", dev.Address, strings.Join(users, ",")))
			continue
		}

		b.logger.Infof("Returning %v to the host", dev.Address)
		result, err := b.controller.BindToHost(dev)
		if err != nil {
			errs = append(errs, fmt.Errorf("error returning %v to the host: %w", dev.Address, err))
			continue
		}
		if !dev.Secondary && result.Owner == types.OwnerHostDriver {
			restart = true
		}
	}
	if restart {
		b.display.TryStart(ctx)
	}
	return errors.Join(errs...)
}

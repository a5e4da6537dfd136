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
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	v1 "github.com/NVIDIA/gpu-passthrough-hook/api/spec/v1"
	"github.com/NVIDIA/gpu-passthrough-hook/internal/nodelabel"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/binding"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/consumer"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/dispatcher"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/display"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/lock"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/metrics"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/sysfs"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

// Names of the global flags shared by every subcommand.
const (
	ConfigFileFlag = "config-file"

	DefaultConfigFile = "/etc/nvidia-passthrough-hook/config.yaml"
	DefaultEnvFile    = "/etc/default/nvidia-passthrough-hook"
)

// RegistryFlags selects the hypervisor consumer registry.
type RegistryFlags struct {
	Hypervisor string
	LibvirtURI string
}

// Host bundles the components built from a configuration file.
type Host struct {
	Spec       *v1.Spec
	Devices    []types.ManagedDevice
	Controller *binding.Controller
	Mutex      *lock.Mutex
	Registry   consumer.Registry
}

func Capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[0:1]) + s[1:]
}

// LoadSpec parses the configuration file named by the global --config-file flag.
func LoadSpec(c *cli.Context) (*v1.Spec, error) {
	path := c.String(ConfigFileFlag)
	if path == "" {
		path = DefaultConfigFile
	}
	spec, err := v1.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config file %v: %w", path, err)
	}
	return spec, nil
}

// NewHost builds the binding components for a loaded configuration. When
// inHook is set the libvirt registry reads the driver's state files rather
// than calling back into libvirtd.
func NewHost(spec *v1.Spec, flags RegistryFlags, inHook bool, logger logrus.FieldLogger) (*Host, error) {
	devices, err := spec.ManagedDevices()
	if err != nil {
		return nil, fmt.Errorf("error reading managed devices: %w", err)
	}

	hypervisor := spec.Hypervisor
	if flags.Hypervisor != "" {
		hypervisor = flags.Hypervisor
	}
	registry, err := NewRegistry(hypervisor, flags.LibvirtURI, inHook, logger)
	if err != nil {
		return nil, err
	}

	controller := binding.New(
		sysfs.New(),
		binding.WithPassthroughDriver(spec.PassthroughDriver),
		binding.WithPassthroughModule(spec.PassthroughModule),
		binding.WithHostDrivers(spec.HostDrivers...),
		binding.WithSettleDelay(spec.GetSettleDelay()),
		binding.WithLogger(logger),
	)

	mutex := lock.New(spec.Lock.Path, lock.WithLogger(logger))

	return &Host{
		Spec:       spec,
		Devices:    devices,
		Controller: controller,
		Mutex:      mutex,
		Registry:   registry,
	}, nil
}

// NewRegistry returns the consumer registry for a hypervisor. Outside a hook
// the libvirt API is used when the binary is built with the 'libvirt' tag;
// otherwise the libvirt driver's state files are read.
func NewRegistry(hypervisor string, libvirtURI string, inHook bool, logger logrus.FieldLogger) (consumer.Registry, error) {
	switch hypervisor {
	case v1.HypervisorProxmox:
		return consumer.NewProxmoxRegistry(consumer.WithLogger(logger)), nil
	case v1.HypervisorLibvirt:
		if inHook {
			return consumer.NewLibvirtFileRegistry("", ""), nil
		}
		if registry := newLibvirtAPIRegistry(libvirtURI); registry != nil {
			return registry, nil
		}
		if libvirtURI != "" {
			return nil, fmt.Errorf("connecting to %v requires a build with the 'libvirt' tag", libvirtURI)
		}
		return consumer.NewLibvirtFileRegistry("", ""), nil
	}
	return nil, fmt.Errorf("unsupported hypervisor: %v", hypervisor)
}

// NewDisplay returns the configured display collaborator.
func NewDisplay(spec *v1.Spec, logger logrus.FieldLogger) display.Collaborator {
	if spec.DisplayManager == nil {
		return display.Noop{}
	}
	return display.NewSystemd(spec.DisplayManager.Unit, logger)
}

// NewPublishers returns the configured state publishers. A publisher that
// cannot be constructed is skipped with a warning.
func NewPublishers(spec *v1.Spec, mutex *lock.Mutex, logger logrus.FieldLogger) []dispatcher.Publisher {
	var publishers []dispatcher.Publisher
	if spec.MetricsTextfile != "" {
		publishers = append(publishers, metrics.NewTextfilePublisher(spec.MetricsTextfile, mutex))
	}
	if spec.NodeLabel != nil {
		p, err := nodelabel.NewFromKubeconfig(spec.NodeLabel.Kubeconfig, spec.NodeLabel.NodeName, spec.NodeLabel.Label)
		if err != nil {
			logger.Warnf("Unable to publish node label: %v", err)
		} else {
			publishers = append(publishers, p)
		}
	}
	return publishers
}

// SelectDevices returns the managed devices at the given addresses, or
// every managed device when none are given.
func SelectDevices(devices []types.ManagedDevice, addresses []string) ([]types.ManagedDevice, error) {
	if len(addresses) == 0 {
		return devices, nil
	}
	var selected []types.ManagedDevice
	for _, a := range addresses {
		addr, err := types.ParsePCIAddress(a)
		if err != nil {
			return nil, err
		}
		found := false
		for _, d := range devices {
			if d.Address == addr {
				selected = append(selected, d)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("device %v is not managed", addr)
		}
	}
	return selected, nil
}

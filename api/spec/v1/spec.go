/*
 * Copyright (c) 2021, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */


package v1

import (
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/binding"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/lock"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

// Version indicates the version of the 'Spec' struct used to hold the hook configuration.
const Version = "v1"

// Supported hypervisors.
const (
	HypervisorProxmox = "proxmox"
	HypervisorLibvirt = "libvirt"
)

// Spec is a versioned struct holding the devices managed on this host and
// how they are switched between the host and guests.
type Spec struct {
	Version           string              `json:"version"                      validate:"required,eq=v1"`
	PassthroughDriver string              `json:"passthrough-driver,omitempty" validate:"required"`
	PassthroughModule string              `json:"passthrough-module,omitempty"`
	HostDrivers       []string            `json:"host-drivers,omitempty"       validate:"required,min=1,dive,required"`
	SettleDelay       *metav1.Duration    `json:"settle-delay,omitempty"`
	Hypervisor        string              `json:"hypervisor,omitempty"         validate:"oneof=proxmox libvirt"`
	Lock              LockSpec            `json:"lock,omitempty"`
	LogFile           string              `json:"log-file,omitempty"           validate:"omitempty,startswith=/"`
	DisplayManager    *DisplayManagerSpec `json:"display-manager,omitempty"`
	MetricsTextfile   string              `json:"metrics-textfile,omitempty"   validate:"omitempty,startswith=/"`
	NodeLabel         *NodeLabelSpec      `json:"node-label,omitempty"`
	Devices           []DeviceSpec        `json:"devices"                      validate:"required,min=1,dive"`
}

// LockSpec configures the host-wide binding lock.
type LockSpec struct {
	Path    string           `json:"path,omitempty"    validate:"required"`
	Timeout *metav1.Duration `json:"timeout,omitempty" validate:"required"`
}

// DisplayManagerSpec names the unit holding the primary GPU while the host owns it.
type DisplayManagerSpec struct {
	Unit string `json:"unit" validate:"required,systemd_unit_name"`
}

// NodeLabelSpec configures publishing the device owner as a Kubernetes node label.
type NodeLabelSpec struct {
	NodeName   string `json:"node-name"            validate:"required,hostname_rfc1123"`
	Kubeconfig string `json:"kubeconfig,omitempty"`
	Label      string `json:"label,omitempty"      validate:"required"`
}

// DeviceSpec declares one managed PCI function.
type DeviceSpec struct {
	PCIAddress   string   `json:"pci-address"             validate:"required,pci_address"`
	VendorDevice string   `json:"vendor-device,omitempty" validate:"omitempty,device_id"`
	HostDrivers  []string `json:"host-drivers,omitempty"  validate:"dive,required"`
	Secondary    bool     `json:"secondary,omitempty"`
}

// DefaultNodeLabel is the label key used when none is configured.
const DefaultNodeLabel = "nvidia.com/gpu.passthrough.state"

// ParseFile reads, defaults and validates a configuration file.
func ParseFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a configuration. Unknown fields are
// rejected.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.UnmarshalStrict(data, &spec); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if spec.Version == "" {
		return nil, fmt.Errorf("unable to parse with missing 'version' field")
	}
	if spec.Version != Version {
		return nil, fmt.Errorf("unknown version: %v", spec.Version)
	}
	spec.SetDefaults()
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("error validating config: %w", err)
	}
	return &spec, nil
}

// SetDefaults fills in every optional field left unset.
func (s *Spec) SetDefaults() {
	if s.PassthroughDriver == "" {
		s.PassthroughDriver = binding.DefaultPassthroughDriver
	}
	if s.PassthroughModule == "" {
		s.PassthroughModule = s.PassthroughDriver
	}
	if len(s.HostDrivers) == 0 {
		s.HostDrivers = append([]string(nil), binding.DefaultHostDrivers...)
	}
	if s.SettleDelay == nil {
		s.SettleDelay = &metav1.Duration{Duration: binding.DefaultSettleDelay}
	}
	if s.Hypervisor == "" {
		s.Hypervisor = HypervisorProxmox
	}
	if s.Lock.Path == "" {
		s.Lock.Path = lock.DefaultPath
	}
	if s.Lock.Timeout == nil {
		s.Lock.Timeout = &metav1.Duration{Duration: lock.DefaultTimeout}
	}
	if s.NodeLabel != nil && s.NodeLabel.Label == "" {
		s.NodeLabel.Label = DefaultNodeLabel
	}
}

// ManagedDevices converts the declared devices into their runtime form.
func (s *Spec) ManagedDevices() ([]types.ManagedDevice, error) {
	var devices []types.ManagedDevice
	for _, d := range s.Devices {
		address, err := types.ParsePCIAddress(d.PCIAddress)
		if err != nil {
			return nil, err
		}
		var id types.DeviceID
		if d.VendorDevice != "" {
			id, err = types.NewDeviceIDFromString(d.VendorDevice)
			if err != nil {
				return nil, err
			}
		}
		devices = append(devices, types.ManagedDevice{
			Address:     address,
			ID:          id,
			HostDrivers: d.HostDrivers,
			Secondary:   d.Secondary,
		})
	}
	return devices, nil
}

// GetSettleDelay returns the pause after unbinding a device.
func (s *Spec) GetSettleDelay() time.Duration {
	if s.SettleDelay == nil {
		return binding.DefaultSettleDelay
	}
	return s.SettleDelay.Duration
}

// GetLockTimeout returns how long to wait for the binding lock.
func (s *Spec) GetLockTimeout() time.Duration {
	if s.Lock.Timeout == nil {
		return lock.DefaultTimeout
	}
	return s.Lock.Timeout.Duration
}

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

package types

// Owner classifies which kind of driver currently claims a device.
type Owner int

// Possible values of 'Owner'.
const (
	OwnerUnbound Owner = iota
	OwnerHostDriver
	OwnerPassthroughDriver
)

// ClassifyOwner maps the name of the driver bound to a device onto an 'Owner'.
// An empty driver name means the device is not bound to any driver.
func ClassifyOwner(driver string, passthroughDriver string) Owner {
	switch driver {
	case "":
		return OwnerUnbound
	case passthroughDriver:
		return OwnerPassthroughDriver
	default:
		return OwnerHostDriver
	}
}

// String returns an 'Owner' as a string.
func (o Owner) String() string {
	switch o {
	case OwnerUnbound:
		return "unbound"
	case OwnerHostDriver:
		return "host"
	case OwnerPassthroughDriver:
		return "passthrough"
	}
	return "unknown"
}

// ManagedDevice is a PCI function whose driver ownership is switched between
// the host and a guest. The current owner is never cached; it is always read
// back from the kernel.
type ManagedDevice struct {
	Address PCIAddress
	// ID is the vendor/device pair registered with the passthrough driver. A
	// zero value means it is read from the device on demand.
	ID DeviceID
	// HostDrivers overrides the default candidate host drivers, in priority order.
	HostDrivers []string
	// Secondary devices (e.g. an HDMI audio function) are bound on a
	// best-effort basis.
	Secondary bool
}

// String returns the address of a 'ManagedDevice'.
func (d ManagedDevice) String() string {
	return d.Address.String()
}

// DeviceState is a point-in-time observation of a managed device.
type DeviceState struct {
	Address PCIAddress
	Driver  string
	Owner   Owner
}

// Owners lists every 'Owner' value.
var Owners = []Owner{OwnerUnbound, OwnerHostDriver, OwnerPassthroughDriver}

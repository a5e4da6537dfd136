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

package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

// ErrNotFound is returned by a 'Registry' when no consumer has the requested id.
var ErrNotFound = errors.New("consumer not found")

// DeviceRef is a device as referenced by a consumer's configuration.
type DeviceRef struct {
	Address types.PCIAddress
	// AllFunctions is set when the reference names a slot rather than a
	// single function, claiming every function of the device.
	AllFunctions bool
}

// Matches returns true if the reference claims the given function.
func (r DeviceRef) Matches(addr types.PCIAddress) bool {
	if r.AllFunctions {
		return r.Address.SameSlot(addr)
	}
	return r.Address == addr
}

// String returns a 'DeviceRef' as a string.
func (r DeviceRef) String() string {
	if r.AllFunctions {
		return fmt.Sprintf("%04x:%02x:%02x", r.Address.Domain, r.Address.Bus, r.Address.Slot)
	}
	return r.Address.String()
}

// Consumer is a virtual machine that may claim managed devices.
type Consumer struct {
	ID      string
	Name    string
	Running bool
	Devices []DeviceRef
}

// Declares returns true if the consumer's configuration references the given function.
func (c *Consumer) Declares(addr types.PCIAddress) bool {
	for _, ref := range c.Devices {
		if ref.Matches(addr) {
			return true
		}
	}
	return false
}

// Registry enumerates the consumers known to the hypervisor. Implementations
// must query live state on every call.
type Registry interface {
	List(ctx context.Context) ([]Consumer, error)
	Get(ctx context.Context, id string) (*Consumer, error)
}

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

package refcount

import (
	"context"
	"fmt"
	"slices"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/consumer"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

// Tracker counts the running consumers that claim a device.
type Tracker struct {
	registry consumer.Registry
}

// New creates a Tracker over the supplied registry.
func New(registry consumer.Registry) *Tracker {
	return &Tracker{registry: registry}
}

// InUseCount returns the number of running consumers declaring addr, along
// with their ids. Consumers listed in exclude are not counted. The registry
// is queried on every call.
func (t *Tracker) InUseCount(ctx context.Context, addr types.PCIAddress, exclude ...string) (int, []string, error) {
	consumers, err := t.registry.List(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("error listing consumers: %w", err)
	}

	var users []string
	for i := range consumers {
		c := &consumers[i]
		if !c.Running || slices.Contains(exclude, c.ID) {
			continue
		}
		if c.Declares(addr) {
			users = append(users, c.ID)
		}
	}
	return len(users), users, nil
}

// Eligible returns true if no running consumer other than those excluded claims addr.
func (t *Tracker) Eligible(ctx context.Context, addr types.PCIAddress, exclude ...string) (bool, error) {
	count, _, err := t.InUseCount(ctx, addr, exclude...)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// Declarers returns the ids of all consumers, running or not, declaring addr.
func (t *Tracker) Declarers(ctx context.Context, addr types.PCIAddress) ([]consumer.Consumer, error) {
	consumers, err := t.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing consumers: %w", err)
	}
	var declarers []consumer.Consumer
	for i := range consumers {
		if consumers[i].Declares(addr) {
			declarers = append(declarers, consumers[i])
		}
	}
	return declarers, nil
}

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
	"fmt"
	"sort"
	"sync"
)

// MockRegistry is an in-memory 'Registry'.
type MockRegistry struct {
	sync.Mutex
	consumers map[string]Consumer
	// Err, when set, is returned by every call.
	Err error
}

var _ Registry = (*MockRegistry)(nil)

// NewMockRegistry creates a 'MockRegistry' holding the supplied consumers.
func NewMockRegistry(consumers ...Consumer) *MockRegistry {
	r := &MockRegistry{consumers: make(map[string]Consumer)}
	for _, c := range consumers {
		r.consumers[c.ID] = c
	}
	return r
}

// Put adds or replaces a consumer.
func (r *MockRegistry) Put(c Consumer) {
	r.Lock()
	defer r.Unlock()
	r.consumers[c.ID] = c
}

// SetRunning updates the running state of a consumer.
func (r *MockRegistry) SetRunning(id string, running bool) {
	r.Lock()
	defer r.Unlock()
	c, ok := r.consumers[id]
	if !ok {
		return
	}
	c.Running = running
	r.consumers[id] = c
}

func (r *MockRegistry) List(ctx context.Context) ([]Consumer, error) {
	r.Lock()
	defer r.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	var consumers []Consumer
	for _, c := range r.consumers {
		consumers = append(consumers, c)
	}
	sort.Slice(consumers, func(i, j int) bool {
		return consumers[i].ID < consumers[j].ID
	})
	return consumers, nil
}

func (r *MockRegistry) Get(ctx context.Context, id string) (*Consumer, error) {
	r.Lock()
	defer r.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	c, ok := r.consumers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	return &c, nil
}

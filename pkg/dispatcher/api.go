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
	"time"

	"github.com/NVIDIA/gpu-passthrough-hook/internal/nodelabel"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/binding"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/lock"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/metrics"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/refcount"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

// Binder moves devices between the passthrough driver and host drivers.
type Binder interface {
	State(types.ManagedDevice) (types.DeviceState, error)
	BindToPassthrough(types.ManagedDevice) error
	BindToHost(types.ManagedDevice) (binding.HostResult, error)
}

// InUseCounter counts the running consumers declaring a device.
type InUseCounter interface {
	InUseCount(ctx context.Context, addr types.PCIAddress, exclude ...string) (int, []string, error)
}

// Locker serializes binding mutations across processes.
type Locker interface {
	Acquire(ctx context.Context, timeout time.Duration) (*lock.Guard, error)
}

// Publisher receives the state of every managed device after a transition.
type Publisher interface {
	Publish(ctx context.Context, states []types.DeviceState) error
}

var (
	_ Binder       = (*binding.Controller)(nil)
	_ InUseCounter = (*refcount.Tracker)(nil)
	_ Locker       = (*lock.Mutex)(nil)
	_ Publisher    = (*metrics.TextfilePublisher)(nil)
	_ Publisher    = (*nodelabel.Publisher)(nil)
)

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
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	hooks "github.com/NVIDIA/gpu-passthrough-hook/api/hooks/v1"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/consumer"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/display"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/lock"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/refcount"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

// An Option represents a functional option passed to the constructor.
type Option func(*options)

// options holds the collaborators of a 'Dispatcher'.
type options struct {
	// Devices are the PCI functions managed on this host.
	Devices []types.ManagedDevice `validate:"required,min=1"`

	// LockTimeout bounds how long a mutating phase waits for the lock.
	LockTimeout time.Duration `validate:"gt=0"`

	controller Binder
	registry   consumer.Registry
	tracker    InUseCounter
	mutex      Locker

	display    display.Collaborator
	hooks      hooks.HooksMap
	hookOutput io.Writer
	publishers []Publisher
	logger     logrus.FieldLogger
}

// Validate checks that every required collaborator is set.
func (o *options) Validate() error {
	if o.controller == nil {
		return fmt.Errorf("a binding controller must be specified")
	}
	if o.registry == nil {
		return fmt.Errorf("a consumer registry must be specified")
	}
	if o.mutex == nil {
		return fmt.Errorf("a lock must be specified")
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(o)
}

func (o *options) setDefaults() {
	if o.LockTimeout == 0 {
		o.LockTimeout = lock.DefaultTimeout
	}
	if o.tracker == nil && o.registry != nil {
		o.tracker = refcount.New(o.registry)
	}
	if o.display == nil {
		o.display = display.Noop{}
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
}

// Functional options for the above members, sorted alphabetically.
func WithController(controller Binder) Option {
	return func(o *options) {
		o.controller = controller
	}
}

func WithDevices(devices ...types.ManagedDevice) Option {
	return func(o *options) {
		o.Devices = append([]types.ManagedDevice{}, devices...)
	}
}

func WithDisplay(collaborator display.Collaborator) Option {
	return func(o *options) {
		o.display = collaborator
	}
}

func WithHookOutput(w io.Writer) Option {
	return func(o *options) {
		o.hookOutput = w
	}
}

func WithHooks(hooksMap hooks.HooksMap) Option {
	return func(o *options) {
		o.hooks = hooksMap
	}
}

func WithLockTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.LockTimeout = timeout
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMutex(mutex Locker) Option {
	return func(o *options) {
		o.mutex = mutex
	}
}

func WithPublishers(publishers ...Publisher) Option {
	return func(o *options) {
		o.publishers = append(o.publishers, publishers...)
	}
}

func WithRegistry(registry consumer.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

func WithTracker(tracker InUseCounter) Option {
	return func(o *options) {
		o.tracker = tracker
	}
}

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

package binding

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults used when no option overrides them.
const (
	DefaultPassthroughDriver = "vfio-pci"
	DefaultSettleDelay       = time.Second
)

// DefaultHostDrivers lists the host drivers tried when returning a device,
// open-source driver first.
var DefaultHostDrivers = []string{"nouveau", "nvidia"}

// An Option represents a functional option passed to the constructor.
type Option func(*Controller)

// Functional options for the Controller, sorted alphabetically.
func WithHostDrivers(drivers ...string) Option {
	return func(c *Controller) {
		c.hostDrivers = append([]string{}, drivers...)
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithPassthroughDriver sets the driver that claims devices for guests.
func WithPassthroughDriver(driver string) Option {
	return func(c *Controller) {
		c.passthroughDriver = driver
	}
}

// WithPassthroughModule sets the kernel module providing the passthrough
// driver. It defaults to the name of the driver.
func WithPassthroughModule(module string) Option {
	return func(c *Controller) {
		c.passthroughModule = module
	}
}

// WithSettleDelay sets how long to wait after an unbind before the next
// driver operation.
func WithSettleDelay(delay time.Duration) Option {
	return func(c *Controller) {
		c.settleDelay = delay
	}
}

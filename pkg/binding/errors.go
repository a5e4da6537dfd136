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
	"errors"
	"fmt"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

var (
	// ErrUnbind is wrapped by every 'UnbindError'.
	ErrUnbind = errors.New("unbind failed")
	// ErrBindVerification is wrapped by every 'BindVerificationError'.
	ErrBindVerification = errors.New("bind verification failed")
	// ErrModuleLoad is wrapped by every 'ModuleLoadError'.
	ErrModuleLoad = errors.New("module load failed")
)

// UnbindError is returned when the kernel rejects releasing a device from its driver.
type UnbindError struct {
	Address types.PCIAddress
	Driver  string
	Err     error
}

func (e *UnbindError) Error() string {
	return fmt.Sprintf("unable to unbind %v from %v: %v", e.Address, e.Driver, e.Err)
}

func (e *UnbindError) Unwrap() []error {
	return []error{ErrUnbind, e.Err}
}

// BindVerificationError is returned when a device is not owned by the
// expected driver after a bind was requested.
type BindVerificationError struct {
	Address  types.PCIAddress
	Expected string
	Actual   string
	Err      error
}

func (e *BindVerificationError) Error() string {
	actual := e.Actual
	if actual == "" {
		actual = "no driver"
	}
	msg := fmt.Sprintf("%v is bound to %v instead of %v", e.Address, actual, e.Expected)
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *BindVerificationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBindVerification}
	}
	return []error{ErrBindVerification, e.Err}
}

// ModuleLoadError is returned when the passthrough driver is absent and cannot be loaded.
type ModuleLoadError struct {
	Module string
	Err    error
}

func (e *ModuleLoadError) Error() string {
	return fmt.Sprintf("unable to load module %v: %v", e.Module, e.Err)
}

func (e *ModuleLoadError) Unwrap() []error {
	return []error{ErrModuleLoad, e.Err}
}

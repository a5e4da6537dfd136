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

package v1

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

var (
	systemdUnitPrefixPattern = regexp.MustCompile(`^[a-zA-Z0-9:._\\@-]+\.(service|socket|device|mount|automount|swap|target|path|timer|slice|scope)$`)
)

// Validate checks a defaulted 'Spec'.
func (s *Spec) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	validations := map[string]validator.Func{
		"pci_address":       validatePCIAddress,
		"device_id":         validateDeviceID,
		"systemd_unit_name": validateSystemdUnitName,
	}
	for tag, fn := range validations {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("unable to register %v validator: %w", tag, err)
		}
	}
	validate.RegisterStructValidation(validateDevices, Spec{})

	return validate.Struct(s)
}

// validateDevices rejects configurations that declare the same function
// twice or only declare secondary functions.
func validateDevices(sl validator.StructLevel) {
	spec := sl.Current().Interface().(Spec)

	seen := make(map[types.PCIAddress]bool)
	primaries := 0
	for _, d := range spec.Devices {
		address, err := types.ParsePCIAddress(d.PCIAddress)
		if err != nil {
			// Reported by the field validation.
			continue
		}
		if seen[address] {
			sl.ReportError(spec.Devices, "Devices", "devices", "unique_pci_address", address.String())
		}
		seen[address] = true
		if !d.Secondary {
			primaries++
		}
	}
	if len(spec.Devices) > 0 && primaries == 0 {
		sl.ReportError(spec.Devices, "Devices", "devices", "primary_device", "")
	}
}

func validatePCIAddress(fl validator.FieldLevel) bool {
	_, err := types.ParsePCIAddress(fl.Field().String())
	return err == nil
}

func validateDeviceID(fl validator.FieldLevel) bool {
	_, err := types.NewDeviceIDFromString(fl.Field().String())
	return err == nil
}

// validateSystemdUnitName validates a systemd unit name according to systemd naming rules.
// Source: https://www.freedesktop.org/software/systemd/man/latest/systemd.unit.html
func validateSystemdUnitName(fl validator.FieldLevel) bool {
	unit := fl.Field().String()

	if len(unit) == 0 || len(unit) > 255 {
		return false
	}
	if strings.HasPrefix(unit, ".") {
		return false
	}
	return systemdUnitPrefixPattern.MatchString(unit)
}

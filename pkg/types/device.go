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

package types

import (
	"fmt"
	"regexp"
	"strconv"
)

var vendorDevicePattern = regexp.MustCompile(`(?i)^(?:0x)?([0-9a-f]{4})[: ](?:0x)?([0-9a-f]{4})$`)

// DeviceID represents a PCI vendor/device pair as read from a device's PCIe config space.
type DeviceID uint32

// NewDeviceID constructs a new 'DeviceID' from the device and vendor values pulled from a PCIe config space.
func NewDeviceID(device, vendor uint16) DeviceID {
	return DeviceID((uint32(device) << 16) | uint32(vendor))
}

// NewDeviceIDFromString constructs a 'DeviceID' from its string representation.
// Both the 'vendor:device' form used by lspci (e.g. 10de:2204) and the packed
// hexadecimal form (e.g. 0x220410DE) are accepted.
func NewDeviceIDFromString(str string) (DeviceID, error) {
	if m := vendorDevicePattern.FindStringSubmatch(str); m != nil {
		vendor, _ := strconv.ParseUint(m[1], 16, 16)
		device, _ := strconv.ParseUint(m[2], 16, 16)
		return NewDeviceID(uint16(device), uint16(vendor)), nil
	}
	deviceID, err := strconv.ParseUint(str, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("unable to create DeviceID from string '%v': %v", str, err)
	}
	return DeviceID(deviceID), nil
}

// String returns a 'DeviceID' in 'vendor:device' form.
func (d DeviceID) String() string {
	return fmt.Sprintf("%04x:%04x", d.GetVendor(), d.GetDevice())
}

// SysfsString returns a 'DeviceID' in the form expected by a driver's new_id and remove_id files.
func (d DeviceID) SysfsString() string {
	return fmt.Sprintf("%04x %04x", d.GetVendor(), d.GetDevice())
}

// GetVendor returns the 'vendor' portion of a 'DeviceID'.
func (d DeviceID) GetVendor() uint16 {
	return uint16(d)
}

// GetDevice returns the 'device' portion of a 'DeviceID'.
func (d DeviceID) GetDevice() uint16 {
	return uint16(d >> 16)
}

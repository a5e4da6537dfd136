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

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	fullBDFPattern  = regexp.MustCompile(`(?i)^([0-9a-f]{4}):([0-9a-f]{2}):([0-9a-f]{2})\.([0-7])$`)
	shortBDFPattern = regexp.MustCompile(`(?i)^([0-9a-f]{2}):([0-9a-f]{2})\.([0-7])$`)
	nodeNamePattern = regexp.MustCompile(`(?i)^(?:pci_)?([0-9a-f]{4})_([0-9a-f]{2})_([0-9a-f]{2})_([0-7])$`)

	fullSlotPattern  = regexp.MustCompile(`(?i)^([0-9a-f]{4}):([0-9a-f]{2}):([0-9a-f]{2})$`)
	shortSlotPattern = regexp.MustCompile(`(?i)^([0-9a-f]{2}):([0-9a-f]{2})$`)
)

// PCIAddress identifies a PCI function by its domain:bus:slot.function.
type PCIAddress struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

// String returns the canonical sysfs form of a 'PCIAddress' (e.g. 0000:01:00.0).
func (a PCIAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", a.Domain, a.Bus, a.Slot, a.Function)
}

// SameSlot returns true if both addresses refer to functions of the same physical device.
func (a PCIAddress) SameSlot(b PCIAddress) bool {
	return a.Domain == b.Domain && a.Bus == b.Bus && a.Slot == b.Slot
}

// MarshalText implements encoding.TextMarshaler.
func (a PCIAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *PCIAddress) UnmarshalText(text []byte) error {
	parsed, err := ParsePCIAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParsePCIAddress parses a PCI address from any of the forms it is commonly
// found in: a full BDF (0000:01:00.0), a short BDF (01:00.0), a libvirt node
// device name (pci_0000_01_00_0), or a sysfs path ending in a full BDF.
func ParsePCIAddress(raw string) (PCIAddress, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return PCIAddress{}, fmt.Errorf("pci address is empty")
	}

	if strings.Contains(s, "/") {
		s = filepath.Base(filepath.Clean(s))
	}

	if m := fullBDFPattern.FindStringSubmatch(s); m != nil {
		return pciAddressFromHexParts(m[1], m[2], m[3], m[4])
	}
	if m := shortBDFPattern.FindStringSubmatch(s); m != nil {
		return pciAddressFromHexParts("0000", m[1], m[2], m[3])
	}
	if m := nodeNamePattern.FindStringSubmatch(s); m != nil {
		return pciAddressFromHexParts(m[1], m[2], m[3], m[4])
	}

	return PCIAddress{}, fmt.Errorf("unrecognized pci address %q", raw)
}

// ParsePCISlot parses an address that omits the function number (e.g.
// 0000:01:00 or 01:00). The returned address has its function set to 0.
func ParsePCISlot(raw string) (PCIAddress, error) {
	s := strings.TrimSpace(raw)
	if m := fullSlotPattern.FindStringSubmatch(s); m != nil {
		return pciAddressFromHexParts(m[1], m[2], m[3], "0")
	}
	if m := shortSlotPattern.FindStringSubmatch(s); m != nil {
		return pciAddressFromHexParts("0000", m[1], m[2], "0")
	}
	return PCIAddress{}, fmt.Errorf("unrecognized pci slot %q", raw)
}

func pciAddressFromHexParts(domain, bus, slot, function string) (PCIAddress, error) {
	d, err := strconv.ParseUint(domain, 16, 16)
	if err != nil {
		return PCIAddress{}, fmt.Errorf("invalid pci domain %q: %w", domain, err)
	}
	b, err := strconv.ParseUint(bus, 16, 8)
	if err != nil {
		return PCIAddress{}, fmt.Errorf("invalid pci bus %q: %w", bus, err)
	}
	s, err := strconv.ParseUint(slot, 16, 8)
	if err != nil {
		return PCIAddress{}, fmt.Errorf("invalid pci slot %q: %w", slot, err)
	}
	if s > 0x1f {
		return PCIAddress{}, fmt.Errorf("invalid pci slot %q: out of range", slot)
	}
	f, err := strconv.ParseUint(function, 16, 8)
	if err != nil {
		return PCIAddress{}, fmt.Errorf("invalid pci function %q: %w", function, err)
	}
	return PCIAddress{
		Domain:   uint16(d),
		Bus:      uint8(b),
		Slot:     uint8(s),
		Function: uint8(f),
	}, nil
}

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
	"encoding/xml"
	"fmt"

	"libvirt.org/go/libvirtxml"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

// ParseDomainXML builds a 'Consumer' from a libvirt domain definition. Only
// PCI host devices are collected; the running state is left to the caller.
func ParseDomainXML(content string) (*Consumer, error) {
	domain := &libvirtxml.Domain{}
	if err := domain.Unmarshal(content); err != nil {
		return nil, fmt.Errorf("error parsing domain xml: %w", err)
	}
	return domainConsumer(domain), nil
}

// domainStatus is the status file libvirt keeps for a running domain. It
// wraps the live definition, including hot-plugged devices.
type domainStatus struct {
	XMLName xml.Name          `xml:"domstatus"`
	State   string            `xml:"state,attr"`
	PID     int32             `xml:"pid,attr"`
	Domain  libvirtxml.Domain `xml:"domain"`
}

// ParseDomainStatusXML builds a 'Consumer' from the status file of a running
// domain and returns the QEMU pid recorded in it.
func ParseDomainStatusXML(content string) (*Consumer, int32, error) {
	status := &domainStatus{}
	if err := xml.Unmarshal([]byte(content), status); err != nil {
		return nil, 0, fmt.Errorf("error parsing domain status xml: %w", err)
	}
	return domainConsumer(&status.Domain), status.PID, nil
}

func domainConsumer(domain *libvirtxml.Domain) *Consumer {
	c := &Consumer{
		ID:   domain.Name,
		Name: domain.Name,
	}
	if domain.Devices == nil {
		return c
	}

	for _, hostdev := range domain.Devices.Hostdevs {
		if hostdev.SubsysPCI == nil || hostdev.SubsysPCI.Source == nil {
			continue
		}
		addr := hostdev.SubsysPCI.Source.Address
		if addr == nil {
			continue
		}
		c.Devices = append(c.Devices, DeviceRef{Address: types.PCIAddress{
			Domain:   uint16(deref(addr.Domain)),
			Bus:      uint8(deref(addr.Bus)),
			Slot:     uint8(deref(addr.Slot)),
			Function: uint8(deref(addr.Function)),
		}})
	}
	return c
}

func deref(v *uint) uint {
	if v == nil {
		return 0
	}
	return *v
}

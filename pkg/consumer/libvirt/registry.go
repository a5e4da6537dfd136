//go:build libvirt

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

// Package libvirt provides a consumer registry that queries a running
// libvirtd. It links against libvirt and is only built with the 'libvirt'
// tag. It must not be used from inside a libvirt hook, where calling
// back into libvirtd deadlocks; use consumer.NewLibvirtFileRegistry there.
package libvirt

import (
	"context"
	"fmt"

	"libvirt.org/go/libvirt"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/consumer"
)

// DefaultURI is the connection URI of the system QEMU driver.
const DefaultURI = "qemu:///system"

type registry struct {
	uri string
}

var _ consumer.Registry = (*registry)(nil)

// NewRegistry creates a 'consumer.Registry' backed by the libvirt API.
func NewRegistry(uri string) consumer.Registry {
	if uri == "" {
		uri = DefaultURI
	}
	return &registry{uri: uri}
}

func (r *registry) List(ctx context.Context) ([]consumer.Consumer, error) {
	conn, err := libvirt.NewConnect(r.uri)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %v: %w", r.uri, err)
	}
	defer conn.Close()

	domains, err := conn.ListAllDomains(0)
	if err != nil {
		return nil, fmt.Errorf("error listing domains: %w", err)
	}

	var consumers []consumer.Consumer
	var rerr error
	for i := range domains {
		dom := &domains[i]
		if rerr == nil {
			c, err := fromDomain(dom)
			if err != nil {
				rerr = err
			} else {
				consumers = append(consumers, *c)
			}
		}
		_ = dom.Free()
	}
	if rerr != nil {
		return nil, rerr
	}
	return consumers, nil
}

func (r *registry) Get(ctx context.Context, id string) (*consumer.Consumer, error) {
	conn, err := libvirt.NewConnect(r.uri)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %v: %w", r.uri, err)
	}
	defer conn.Close()

	dom, err := conn.LookupDomainByName(id)
	if err != nil {
		if lverr, ok := err.(libvirt.Error); ok && lverr.Code == libvirt.ERR_NO_DOMAIN {
			return nil, fmt.Errorf("%w: %v", consumer.ErrNotFound, id)
		}
		return nil, fmt.Errorf("error looking up domain %v: %w", id, err)
	}
	defer dom.Free()

	return fromDomain(dom)
}

func fromDomain(dom *libvirt.Domain) (*consumer.Consumer, error) {
	name, err := dom.GetName()
	if err != nil {
		return nil, fmt.Errorf("error getting domain name: %w", err)
	}

	// The persistent definition lists devices the guest claims on every start.
	xml, err := dom.GetXMLDesc(libvirt.DOMAIN_XML_INACTIVE)
	if err != nil {
		return nil, fmt.Errorf("error getting xml of %v: %w", name, err)
	}
	c, err := consumer.ParseDomainXML(xml)
	if err != nil {
		return nil, fmt.Errorf("error parsing xml of %v: %w", name, err)
	}

	state, _, err := dom.GetState()
	if err != nil {
		return nil, fmt.Errorf("error getting state of %v: %w", name, err)
	}
	switch state {
	case libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_PAUSED, libvirt.DOMAIN_BLOCKED, libvirt.DOMAIN_PMSUSPENDED:
		c.Running = true
	}
	return c, nil
}

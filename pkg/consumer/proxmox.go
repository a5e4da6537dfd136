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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

// Default locations of Proxmox VE state.
const (
	DefaultProxmoxConfigDir   = "/etc/pve/qemu-server"
	DefaultProxmoxPidDir      = "/var/run/qemu-server"
	DefaultProxmoxMappingFile = "/etc/pve/mapping/pci.cfg"
)

var (
	hostpciKeyPattern = regexp.MustCompile(`^hostpci\d+$`)
	vmidPattern       = regexp.MustCompile(`^\d+$`)
)

type proxmox struct {
	configDir   string
	pidDir      string
	mappingFile string
	nodeName    string
	logger      logrus.FieldLogger

	pidExists func(int32) (bool, error)
}

var _ Registry = (*proxmox)(nil)

// ProxmoxOption is a functional option for the Proxmox registry constructor.
type ProxmoxOption func(*proxmox)

// WithConfigDir sets the directory holding the '<vmid>.conf' guest configs.
func WithConfigDir(dir string) ProxmoxOption {
	return func(p *proxmox) {
		p.configDir = dir
	}
}

// WithPidDir sets the directory holding the qemu-server '<vmid>.pid' files.
func WithPidDir(dir string) ProxmoxOption {
	return func(p *proxmox) {
		p.pidDir = dir
	}
}

// WithMappingFile sets the cluster-wide PCI resource mapping file used to
// resolve 'mapping=<name>' entries.
func WithMappingFile(path string) ProxmoxOption {
	return func(p *proxmox) {
		p.mappingFile = path
	}
}

// WithNodeName selects which node's entries of a resource mapping apply.
// It defaults to the hostname.
func WithNodeName(name string) ProxmoxOption {
	return func(p *proxmox) {
		p.nodeName = name
	}
}

// WithLogger sets the logger used to report guest configs that are skipped.
func WithLogger(logger logrus.FieldLogger) ProxmoxOption {
	return func(p *proxmox) {
		p.logger = logger
	}
}

// NewProxmoxRegistry creates a 'Registry' backed by the Proxmox VE guest
// configuration files and qemu-server pid files.
func NewProxmoxRegistry(opts ...ProxmoxOption) Registry {
	p := &proxmox{
		configDir:   DefaultProxmoxConfigDir,
		pidDir:      DefaultProxmoxPidDir,
		mappingFile: DefaultProxmoxMappingFile,
		logger:      logrus.StandardLogger(),
		pidExists:   process.PidExists,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.nodeName == "" {
		p.nodeName, _ = os.Hostname()
	}
	return p
}

func (p *proxmox) List(ctx context.Context) ([]Consumer, error) {
	entries, err := os.ReadDir(p.configDir)
	if err != nil {
		return nil, fmt.Errorf("error listing %v: %w", p.configDir, err)
	}

	mappings, err := p.readMappings()
	if err != nil {
		return nil, err
	}

	var consumers []Consumer
	for _, entry := range entries {
		vmid, found := strings.CutSuffix(entry.Name(), ".conf")
		if !found || !vmidPattern.MatchString(vmid) {
			continue
		}
		c, err := p.load(vmid, mappings)
		if err != nil {
			// A stopped guest holds no device, so a broken config only
			// matters while its guest runs.
			running, rerr := p.isRunning(vmid)
			if rerr != nil || running {
				return nil, err
			}
			p.logger.Warnf("Skipping stopped guest %v: %v", vmid, err)
			continue
		}
		consumers = append(consumers, *c)
	}

	sort.Slice(consumers, func(i, j int) bool {
		a, _ := strconv.Atoi(consumers[i].ID)
		b, _ := strconv.Atoi(consumers[j].ID)
		return a < b
	})
	return consumers, nil
}

func (p *proxmox) Get(ctx context.Context, id string) (*Consumer, error) {
	if !vmidPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: invalid vmid %q", ErrNotFound, id)
	}
	if _, err := os.Stat(p.configPath(id)); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	mappings, err := p.readMappings()
	if err != nil {
		return nil, err
	}
	return p.load(id, mappings)
}

func (p *proxmox) configPath(vmid string) string {
	return filepath.Join(p.configDir, vmid+".conf")
}

func (p *proxmox) load(vmid string, mappings map[string][]DeviceRef) (*Consumer, error) {
	f, err := os.Open(p.configPath(vmid))
	if err != nil {
		return nil, fmt.Errorf("error opening config of %v: %w", vmid, err)
	}
	defer f.Close()

	c, err := ParseProxmoxConfig(f, mappings)
	if err != nil {
		return nil, fmt.Errorf("error parsing config of %v: %w", vmid, err)
	}
	c.ID = vmid

	c.Running, err = p.isRunning(vmid)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *proxmox) isRunning(vmid string) (bool, error) {
	content, err := os.ReadFile(filepath.Join(p.pidDir, vmid+".pid"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("error reading pid file of %v: %w", vmid, err)
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(content)), 10, 32)
	if err != nil {
		// qemu-server rewrites the pid file on start; treat garbage as not running.
		return false, nil
	}
	exists, err := p.pidExists(int32(pid))
	if err != nil {
		return false, fmt.Errorf("error checking process %d of %v: %w", pid, vmid, err)
	}
	return exists, nil
}

func (p *proxmox) readMappings() (map[string][]DeviceRef, error) {
	f, err := os.Open(p.mappingFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error opening %v: %w", p.mappingFile, err)
	}
	defer f.Close()
	return ParseProxmoxMappings(f, p.nodeName)
}

// ParseProxmoxConfig parses the current (non-snapshot) section of a Proxmox VE
// guest configuration file. Entries of the form 'mapping=<name>' are resolved
// through mappings.
func ParseProxmoxConfig(r io.Reader, mappings map[string][]DeviceRef) (*Consumer, error) {
	c := &Consumer{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Snapshots and pending changes follow the current configuration.
		if strings.HasPrefix(line, "[") {
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case key == "name":
			c.Name = value
		case hostpciKeyPattern.MatchString(key):
			refs, err := parseHostpci(value, mappings)
			if err != nil {
				return nil, fmt.Errorf("invalid %v: %w", key, err)
			}
			c.Devices = append(c.Devices, refs...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

// parseHostpci parses the value of a hostpciN entry, e.g.
// '0000:01:00,pcie=1,x-vga=1' or 'host=01:00.0;01:00.1' or 'mapping=gpu0'.
func parseHostpci(value string, mappings map[string][]DeviceRef) ([]DeviceRef, error) {
	var host, mapping string
	for i, field := range strings.Split(value, ",") {
		k, v, found := strings.Cut(field, "=")
		switch {
		case !found && i == 0:
			host = field
		case k == "host":
			host = v
		case k == "mapping":
			mapping = v
		}
	}

	if mapping != "" {
		refs, ok := mappings[mapping]
		if !ok {
			return nil, fmt.Errorf("unknown pci mapping %q", mapping)
		}
		return refs, nil
	}
	if host == "" {
		return nil, fmt.Errorf("missing host device in %q", value)
	}
	return parseDeviceRefs(host, ";")
}

// ParseProxmoxMappings parses the PCI resource mapping file, keeping only the
// entries for the given node.
func ParseProxmoxMappings(r io.Reader, nodeName string) (map[string][]DeviceRef, error) {
	mappings := make(map[string][]DeviceRef)
	var current string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		raw := scanner.Text()
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if raw[0] != ' ' && raw[0] != '\t' {
			current = line
			mappings[current] = nil
			continue
		}
		if current == "" {
			continue
		}
		key, value, found := strings.Cut(line, " ")
		if !found || key != "map" {
			continue
		}

		var node, path string
		for _, field := range strings.Split(value, ",") {
			k, v, _ := strings.Cut(field, "=")
			switch k {
			case "node":
				node = v
			case "path":
				path = v
			}
		}
		if node != nodeName || path == "" {
			continue
		}
		refs, err := parseDeviceRefs(path, ";")
		if err != nil {
			return nil, fmt.Errorf("invalid mapping %q: %w", current, err)
		}
		mappings[current] = append(mappings[current], refs...)
	}
	return mappings, scanner.Err()
}

func parseDeviceRefs(value string, sep string) ([]DeviceRef, error) {
	var refs []DeviceRef
	for _, part := range strings.Split(value, sep) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if addr, err := types.ParsePCIAddress(part); err == nil {
			refs = append(refs, DeviceRef{Address: addr})
			continue
		}
		addr, err := types.ParsePCISlot(part)
		if err != nil {
			return nil, err
		}
		refs = append(refs, DeviceRef{Address: addr, AllFunctions: true})
	}
	return refs, nil
}

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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Default locations of libvirt QEMU driver state.
const (
	DefaultLibvirtConfigDir = "/etc/libvirt/qemu"
	DefaultLibvirtStateDir  = "/run/libvirt/qemu"
)

type libvirtFiles struct {
	configDir string
	stateDir  string

	pidExists func(int32) (bool, error)
}

var _ Registry = (*libvirtFiles)(nil)

// NewLibvirtFileRegistry creates a 'Registry' that reads libvirt domain
// definitions and status files directly from disk. It is safe to use from
// inside a libvirt hook.
func NewLibvirtFileRegistry(configDir, stateDir string) Registry {
	if configDir == "" {
		configDir = DefaultLibvirtConfigDir
	}
	if stateDir == "" {
		stateDir = DefaultLibvirtStateDir
	}
	return &libvirtFiles{
		configDir: configDir,
		stateDir:  stateDir,
		pidExists: process.PidExists,
	}
}

// List returns persistent domains from the config directory and transient
// ones that only have a status file in the state directory.
func (l *libvirtFiles) List(ctx context.Context) ([]Consumer, error) {
	names := make(map[string]bool)
	for _, dir := range []string{l.configDir, l.stateDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if dir == l.stateDir && os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("error listing %v: %w", dir, err)
		}
		for _, entry := range entries {
			name, found := strings.CutSuffix(entry.Name(), ".xml")
			if !found || entry.IsDir() {
				continue
			}
			names[name] = true
		}
	}

	var consumers []Consumer
	for name := range names {
		c, err := l.load(name)
		if err != nil {
			return nil, err
		}
		consumers = append(consumers, *c)
	}

	sort.Slice(consumers, func(i, j int) bool {
		return consumers[i].ID < consumers[j].ID
	})
	return consumers, nil
}

func (l *libvirtFiles) Get(ctx context.Context, id string) (*Consumer, error) {
	if id == "" || strings.ContainsRune(id, filepath.Separator) {
		return nil, fmt.Errorf("%w: invalid domain name %q", ErrNotFound, id)
	}
	if !exists(l.configPath(id)) && !exists(l.statusPath(id)) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	return l.load(id)
}

// load prefers the live definition of a running domain and falls back to
// its persistent definition.
func (l *libvirtFiles) load(name string) (*Consumer, error) {
	live, pid, err := l.loadStatus(name)
	if err != nil {
		return nil, err
	}
	running, err := l.isRunning(name, pid)
	if err != nil {
		return nil, err
	}

	c := live
	if c == nil || (!running && exists(l.configPath(name))) {
		content, err := os.ReadFile(l.configPath(name))
		if err != nil {
			return nil, fmt.Errorf("error reading definition of %v: %w", name, err)
		}
		c, err = ParseDomainXML(string(content))
		if err != nil {
			return nil, fmt.Errorf("error parsing definition of %v: %w", name, err)
		}
	}
	c.ID = name
	c.Running = running
	return c, nil
}

func (l *libvirtFiles) loadStatus(name string) (*Consumer, int32, error) {
	content, err := os.ReadFile(l.statusPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("error reading status of %v: %w", name, err)
	}
	c, pid, err := ParseDomainStatusXML(string(content))
	if err != nil {
		return nil, 0, fmt.Errorf("error parsing status of %v: %w", name, err)
	}
	return c, pid, nil
}

// isRunning checks the pid file of the domain, or the pid recorded in its
// status file when there is no pid file.
func (l *libvirtFiles) isRunning(name string, statusPID int32) (bool, error) {
	pid := int64(statusPID)
	content, err := os.ReadFile(filepath.Join(l.stateDir, name+".pid"))
	switch {
	case err == nil:
		pid, err = strconv.ParseInt(strings.TrimSpace(string(content)), 10, 32)
		if err != nil {
			return false, nil
		}
	case !os.IsNotExist(err):
		return false, fmt.Errorf("error reading pid file of %v: %w", name, err)
	}
	if pid <= 0 {
		return false, nil
	}

	exists, err := l.pidExists(int32(pid))
	if err != nil {
		return false, fmt.Errorf("error checking process %d of %v: %w", pid, name, err)
	}
	return exists, nil
}

func (l *libvirtFiles) configPath(name string) string {
	return filepath.Join(l.configDir, name+".xml")
}

func (l *libvirtFiles) statusPath(name string) string {
	return filepath.Join(l.stateDir, name+".xml")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

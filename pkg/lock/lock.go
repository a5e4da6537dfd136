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

package lock

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Defaults used when no option overrides them.
const (
	DefaultPath         = "/run/nvidia-passthrough-hook.lock"
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = time.Second

	ownerFile   = "owner"
	breakSuffix = ".break"
)

// ErrTimeout is returned when the lock could not be acquired in time.
var ErrTimeout = errors.New("timed out waiting for lock")

// Holder describes the process holding the lock.
type Holder struct {
	PID        int
	AcquiredAt time.Time
	// Stale is set when the holding process no longer exists.
	Stale bool
}

// Mutex is a host-wide lock backed by a marker directory. Creating the
// directory is atomic, so at most one process holds the lock.
type Mutex struct {
	path           string
	pollInterval   time.Duration
	staleDetection bool
	logger         logrus.FieldLogger

	pid       int
	now       func() time.Time
	pidExists func(int) (bool, error)
}

// Guard represents a held lock. Release must be deferred right after Acquire succeeds.
type Guard struct {
	mutex    *Mutex
	released bool
}

// Option is a functional option for the Mutex constructor.
type Option func(*Mutex)

// WithLogger sets the logger used for lock diagnostics.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(m *Mutex) {
		m.logger = logger
	}
}

// WithPollInterval sets how often a held lock is re-checked.
func WithPollInterval(interval time.Duration) Option {
	return func(m *Mutex) {
		m.pollInterval = interval
	}
}

// WithStaleDetection enables breaking a lock whose holder process has exited.
func WithStaleDetection(enabled bool) Option {
	return func(m *Mutex) {
		m.staleDetection = enabled
	}
}

// New creates a Mutex with its marker at path.
func New(path string, opts ...Option) *Mutex {
	if path == "" {
		path = DefaultPath
	}
	m := &Mutex{
		path:           path,
		pollInterval:   DefaultPollInterval,
		staleDetection: true,
		logger:         logrus.StandardLogger(),
		pid:            os.Getpid(),
		now:            time.Now,
		pidExists:      pidExists,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the location of the marker directory.
func (m *Mutex) Path() string {
	return m.path
}

// Acquire blocks until the lock is held, the timeout expires, or ctx is done.
func (m *Mutex) Acquire(ctx context.Context, timeout time.Duration) (*Guard, error) {
	deadline := time.Now().Add(timeout)
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return nil, fmt.Errorf("error creating lock directory: %w", err)
	}

	for {
		err := os.Mkdir(m.path, 0700)
		if err == nil {
			if err := m.writeOwner(); err != nil {
				_ = os.RemoveAll(m.path)
				return nil, err
			}
			m.logger.Debugf("Acquired lock %v", m.path)
			return &Guard{mutex: m}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("error creating lock %v: %w", m.path, err)
		}

		if m.staleDetection && m.breakIfStale() {
			continue
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w %v after %v", ErrTimeout, m.path, timeout)
		}

		m.logger.Debugf("Lock %v is held; retrying in %v", m.path, m.pollInterval)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("error acquiring lock %v: %w", m.path, ctx.Err())
		case <-time.After(m.pollInterval):
		}
	}
}

// Inspect returns the current holder of the lock, or nil if it is free.
func (m *Mutex) Inspect() (*Holder, error) {
	if _, err := os.Stat(m.path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error inspecting lock %v: %w", m.path, err)
	}

	holder, err := m.readOwner()
	if err != nil {
		// A marker without owner information is still a held lock.
		return &Holder{}, nil
	}

	exists, err := m.pidExists(holder.PID)
	if err == nil && !exists {
		holder.Stale = true
	}
	return holder, nil
}

// Break removes the marker regardless of who holds it.
func (m *Mutex) Break() error {
	if err := os.RemoveAll(m.path); err != nil {
		return fmt.Errorf("error removing lock %v: %w", m.path, err)
	}
	return nil
}

// Release removes the lock marker. Releasing more than once is a no-op.
func (g *Guard) Release() error {
	if g == nil || g.released {
		return nil
	}
	g.released = true
	if err := g.mutex.Break(); err != nil {
		return err
	}
	g.mutex.logger.Debugf("Released lock %v", g.mutex.path)
	return nil
}

func (m *Mutex) breakIfStale() bool {
	holder, err := m.readOwner()
	if err != nil || holder.PID <= 0 {
		// The owner file is written right after the marker is created.
		return false
	}
	exists, err := m.pidExists(holder.PID)
	if err != nil || exists {
		return false
	}

	unlock, err := m.lockBreaker()
	if err != nil {
		m.logger.Warnf("Unable to break stale lock %v: %v", m.path, err)
		return false
	}
	defer unlock()

	// Another process may have broken and re-acquired the marker since it
	// was read above. Only the marker naming the same dead holder is removed.
	current, err := m.readOwner()
	if err != nil || current.PID != holder.PID {
		return false
	}

	m.logger.Warnf("Breaking stale lock %v held by exited process %d since %v", m.path, holder.PID, holder.AcquiredAt.Format(time.RFC3339))
	if err := os.RemoveAll(m.path); err != nil {
		m.logger.Warnf("Unable to remove stale lock %v: %v", m.path, err)
		return false
	}
	return true
}

// lockBreaker serializes stale-lock breaking through an flock on a sidecar
// file next to the marker.
func (m *Mutex) lockBreaker() (func(), error) {
	path := m.path + breakSuffix
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("error opening %v: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("error locking %v: %w", path, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func (m *Mutex) writeOwner() error {
	content := fmt.Sprintf("pid=%d\nacquired_at=%s\n", m.pid, m.now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(m.path, ownerFile), []byte(content), 0600); err != nil {
		return fmt.Errorf("error recording lock owner: %w", err)
	}
	return nil
}

func (m *Mutex) readOwner() (*Holder, error) {
	content, err := os.ReadFile(filepath.Join(m.path, ownerFile))
	if err != nil {
		return nil, err
	}

	holder := &Holder{}
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), "=")
		if !found {
			continue
		}
		switch key {
		case "pid":
			holder.PID, err = strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("malformed pid %q: %w", value, err)
			}
		case "acquired_at":
			holder.AcquiredAt, err = time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("malformed acquired_at %q: %w", value, err)
			}
		}
	}
	return holder, scanner.Err()
}

func pidExists(pid int) (bool, error) {
	return process.PidExists(int32(pid))
}

/*
 * Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
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

package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// DefaultJobTimeout bounds how long a start or stop job may take.
const DefaultJobTimeout = 30 * time.Second

// UnitStatus is the runtime state of a unit as reported by systemd.
type UnitStatus struct {
	Name        string
	LoadState   string
	ActiveState string
	SubState    string
}

// Exists returns false if systemd has no unit with this name.
func (s *UnitStatus) Exists() bool {
	return s.LoadState != "" && s.LoadState != "not-found"
}

// Active returns true if the unit is running or about to be.
func (s *UnitStatus) Active() bool {
	switch s.ActiveState {
	case "active", "activating", "reloading":
		return true
	}
	return false
}

// Conn is a connection to the system manager.
type Conn struct {
	conn       *dbus.Conn
	jobTimeout time.Duration
}

// Connect opens a connection to systemd over the system bus.
func Connect(ctx context.Context) (*Conn, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("error connecting to systemd: %w", err)
	}
	return &Conn{conn: conn, jobTimeout: DefaultJobTimeout}, nil
}

func (c *Conn) Close() error {
	c.conn.Close()
	return nil
}

// Status returns the state of a unit. Unknown units are reported with a
// LoadState of "not-found" rather than an error.
func (c *Conn) Status(ctx context.Context, unit string) (*UnitStatus, error) {
	units, err := c.conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return nil, fmt.Errorf("error getting status of %s: %w", unit, err)
	}
	if len(units) == 0 {
		return &UnitStatus{Name: unit, LoadState: "not-found"}, nil
	}
	return &UnitStatus{
		Name:        unit,
		LoadState:   units[0].LoadState,
		ActiveState: units[0].ActiveState,
		SubState:    units[0].SubState,
	}, nil
}

// Start starts a unit and waits for the job to finish.
func (c *Conn) Start(ctx context.Context, unit string) error {
	return c.runJob(ctx, "start", unit, c.conn.StartUnitContext)
}

// Stop stops a unit and waits for the job to finish.
func (c *Conn) Stop(ctx context.Context, unit string) error {
	return c.runJob(ctx, "stop", unit, c.conn.StopUnitContext)
}

type jobFunc func(ctx context.Context, name string, mode string, ch chan<- string) (int, error)

func (c *Conn) runJob(ctx context.Context, action string, unit string, job jobFunc) error {
	ctx, cancel := context.WithTimeout(ctx, c.jobTimeout)
	defer cancel()

	ch := make(chan string, 1)
	if _, err := job(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("error queueing %s of %s: %w", action, unit, err)
	}

	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("%s of %s finished with result %q", action, unit, result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("error waiting for %s of %s: %w", action, unit, ctx.Err())
	}
}

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

package display

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/NVIDIA/gpu-passthrough-hook/internal/systemd"
)

// Collaborator is a host process that holds the GPU while the host owns it,
// such as a display manager. Both operations are best-effort and report
// whether they took effect.
type Collaborator interface {
	TryStop(ctx context.Context) bool
	TryStart(ctx context.Context) bool
}

// Noop is used when the host has no such process.
type Noop struct{}

var _ Collaborator = Noop{}

func (Noop) TryStop(context.Context) bool  { return false }
func (Noop) TryStart(context.Context) bool { return false }

// unitManager is the subset of systemd operations needed to control a unit.
type unitManager interface {
	Status(context.Context, string) (*systemd.UnitStatus, error)
	Start(context.Context, string) error
	Stop(context.Context, string) error
	Close() error
}

type systemdUnit struct {
	unit       string
	logger     logrus.FieldLogger
	newManager func(context.Context) (unitManager, error)
}

var _ Collaborator = (*systemdUnit)(nil)

// NewSystemd creates a Collaborator controlling a systemd unit over D-Bus.
// The D-Bus connection is only opened when an operation is requested.
func NewSystemd(unit string, logger logrus.FieldLogger) Collaborator {
	return &systemdUnit{
		unit:   unit,
		logger: logger,
		newManager: func(ctx context.Context) (unitManager, error) {
			c, err := systemd.Connect(ctx)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}

// TryStop stops the unit if it is active.
func (s *systemdUnit) TryStop(ctx context.Context) bool {
	m, err := s.newManager(ctx)
	if err != nil {
		s.logger.Warnf("Unable to stop %v: %v", s.unit, err)
		return false
	}
	defer m.Close()

	status, err := m.Status(ctx, s.unit)
	if err != nil {
		s.logger.Warnf("Unable to get status of %v: %v", s.unit, err)
		return false
	}
	if !status.Exists() {
		s.logger.Infof("Skipping %v (no-exist)", s.unit)
		return false
	}
	if !status.Active() {
		s.logger.Infof("Skipping %v (inactive)", s.unit)
		return false
	}

	s.logger.Infof("Stopping %v", s.unit)
	if err := m.Stop(ctx, s.unit); err != nil {
		s.logger.Warnf("Unable to stop %v: %v", s.unit, err)
		return false
	}
	return true
}

// TryStart starts the unit unless it does not exist.
func (s *systemdUnit) TryStart(ctx context.Context) bool {
	m, err := s.newManager(ctx)
	if err != nil {
		s.logger.Warnf("Unable to start %v: %v", s.unit, err)
		return false
	}
	defer m.Close()

	status, err := m.Status(ctx, s.unit)
	if err != nil {
		s.logger.Warnf("Unable to get status of %v: %v", s.unit, err)
		return false
	}
	if !status.Exists() {
		s.logger.Infof("Skipping %v (no-exist)", s.unit)
		return false
	}
	if status.Active() {
		return true
	}

	s.logger.Infof("Starting %v", s.unit)
	if err := m.Start(ctx, s.unit); err != nil {
		s.logger.Warnf("Unable to start %v: %v", s.unit, err)
		return false
	}
	return true
}

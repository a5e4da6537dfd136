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

package unlock

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/NVIDIA/gpu-passthrough-hook/cmd/nvidia-passthrough-hook/util"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/lock"
)

var log = logrus.New()

func GetLogger() *logrus.Logger {
	return log
}

type Flags struct {
	Force bool
}

// Breaker inspects and removes the binding lock.
type Breaker interface {
	Path() string
	Inspect() (*lock.Holder, error)
	Break() error
}

func BuildCommand() *cli.Command {
	// Create a flags struct to hold our flags
	unlockFlags := Flags{}

	// Create the 'unlock' command
	unlock := cli.Command{}
	unlock.Name = "unlock"
	unlock.Usage = "Remove a binding lock left behind by an exited process"
	unlock.Action = func(c *cli.Context) error {
		return unlockWrapper(c, &unlockFlags)
	}

	// Setup the flags for this command
	unlock.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:        "force",
			Usage:       "Remove the lock even if its holder is still running",
			Destination: &unlockFlags.Force,
		},
	}

	return &unlock
}

func unlockWrapper(c *cli.Context, f *Flags) error {
	spec, err := util.LoadSpec(c)
	if err != nil {
		return err
	}
	return Unlock(os.Stdout, lock.New(spec.Lock.Path, lock.WithLogger(log)), f.Force)
}

// Unlock removes the lock if it is stale, or unconditionally when force is set.
func Unlock(w io.Writer, b Breaker, force bool) error {
	holder, err := b.Inspect()
	if err != nil {
		return err
	}
	if holder == nil {
		fmt.Fprintf(w, "Lock %v is free\n", b.Path())
		return nil
	}
	if !holder.Stale && !force {
		return fmt.Errorf("lock %v is held by running process %d (use --force to remove it anyway)", b.Path(), holder.PID)
	}

	log.Warnf("Removing lock %v held by pid %d since %v", b.Path(), holder.PID, holder.AcquiredAt.Format(time.RFC3339))
	if err := b.Break(); err != nil {
		return err
	}
	fmt.Fprintf(w, "Lock %v removed\n", b.Path())
	return nil
}

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

package exportmetrics

import (
	"fmt"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/NVIDIA/gpu-passthrough-hook/cmd/nvidia-passthrough-hook/util"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/binding"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/dispatcher"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/lock"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/metrics"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/sysfs"
)

var log = logrus.New()

func GetLogger() *logrus.Logger {
	return log
}

type Flags struct {
	Textfile string
}

func BuildCommand() *cli.Command {
	// Create a flags struct to hold our flags
	exportFlags := Flags{}

	// Create the 'export-metrics' command
	export := cli.Command{}
	export.Name = "export-metrics"
	export.Usage = "Write device ownership metrics for the node exporter textfile collector"
	export.Action = func(c *cli.Context) error {
		return exportWrapper(c, &exportFlags)
	}

	// Setup the flags for this command
	export.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "textfile",
			Aliases:     []string{"t"},
			Usage:       "Path of the textfile to write (default: metrics-textfile from the config file)",
			Destination: &exportFlags.Textfile,
			EnvVars:     []string{"PASSTHROUGH_METRICS_TEXTFILE"},
		},
	}

	return &export
}

func exportWrapper(c *cli.Context, f *Flags) error {
	spec, err := util.LoadSpec(c)
	if err != nil {
		return err
	}

	path := f.Textfile
	if path == "" {
		path = spec.MetricsTextfile
	}
	if path == "" {
		_ = cli.ShowSubcommandHelp(c)
		return fmt.Errorf("missing required flags 'textfile'")
	}

	devices, err := spec.ManagedDevices()
	if err != nil {
		return fmt.Errorf("error reading managed devices: %w", err)
	}
	controller := binding.New(
		sysfs.New(),
		binding.WithPassthroughDriver(spec.PassthroughDriver),
		binding.WithLogger(log),
	)
	states := dispatcher.Snapshot(controller, devices, log)

	publisher := metrics.NewTextfilePublisher(path, lock.New(spec.Lock.Path, lock.WithLogger(log)))
	if err := publisher.Publish(c.Context, states); err != nil {
		return fmt.Errorf("error writing metrics: %w", err)
	}
	log.Infof("Wrote metrics for %d devices to %v", len(states), path)
	return nil
}

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

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/NVIDIA/gpu-passthrough-hook/cmd/nvidia-passthrough-hook/bind"
	"github.com/NVIDIA/gpu-passthrough-hook/cmd/nvidia-passthrough-hook/discover"
	"github.com/NVIDIA/gpu-passthrough-hook/cmd/nvidia-passthrough-hook/exportmetrics"
	"github.com/NVIDIA/gpu-passthrough-hook/cmd/nvidia-passthrough-hook/hook"
	"github.com/NVIDIA/gpu-passthrough-hook/cmd/nvidia-passthrough-hook/status"
	"github.com/NVIDIA/gpu-passthrough-hook/cmd/nvidia-passthrough-hook/unlock"
	"github.com/NVIDIA/gpu-passthrough-hook/cmd/nvidia-passthrough-hook/util"
	"github.com/NVIDIA/gpu-passthrough-hook/internal/info"
)

const envFileEnv = "PASSTHROUGH_ENV_FILE"

type Flags struct {
	Debug      bool
	ConfigFile string
	EnvFile    string
}

func main() {
	// Variables from the env file apply to every flag below.
	envFile := os.Getenv(envFileEnv)
	if envFile == "" {
		envFile = util.DefaultEnvFile
	}
	if err := loadEnvFile(envFile); err != nil {
		log.Warnf("Ignoring env file: %v", err)
	}

	// Create a flags struct to hold our flags
	flags := Flags{}

	// Create the top-level CLI
	c := cli.NewApp()
	c.Name = "nvidia-passthrough-hook"
	c.UseShortOptionHandling = true
	c.EnableBashCompletion = true
	c.Usage = "Switch NVIDIA GPUs between host drivers and VFIO passthrough around virtual machine lifecycle events"
	c.Version = info.GetVersionString()

	// Setup the flags for this command
	c.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:        "debug",
			Aliases:     []string{"d"},
			Usage:       "Enable debug-level logging",
			Destination: &flags.Debug,
			EnvVars:     []string{"PASSTHROUGH_DEBUG"},
		},
		&cli.StringFlag{
			Name:        util.ConfigFileFlag,
			Aliases:     []string{"f"},
			Usage:       "Path to the configuration file",
			Value:       util.DefaultConfigFile,
			Destination: &flags.ConfigFile,
			EnvVars:     []string{"PASSTHROUGH_CONFIG_FILE"},
		},
		&cli.StringFlag{
			Name:        "env-file",
			Usage:       "Path to a file of environment variables to load",
			Value:       util.DefaultEnvFile,
			Destination: &flags.EnvFile,
			EnvVars:     []string{envFileEnv},
		},
	}

	// Register the subcommands with the top-level CLI
	c.Commands = []*cli.Command{
		hook.BuildCommand(),
		status.BuildCommand(),
		bind.BuildCommand(),
		unlock.BuildCommand(),
		discover.BuildCommand(),
		exportmetrics.BuildCommand(),
	}

	// Set log-level for all subcommands
	c.Before = func(c *cli.Context) error {
		if c.IsSet("env-file") && flags.EnvFile != envFile {
			if err := loadEnvFile(flags.EnvFile); err != nil {
				return err
			}
		}

		logLevel := log.InfoLevel
		if flags.Debug {
			logLevel = log.DebugLevel
		}
		hookLog := hook.GetLogger()
		hookLog.SetLevel(logLevel)
		statusLog := status.GetLogger()
		statusLog.SetLevel(logLevel)
		bindLog := bind.GetLogger()
		bindLog.SetLevel(logLevel)
		unlockLog := unlock.GetLogger()
		unlockLog.SetLevel(logLevel)
		discoverLog := discover.GetLogger()
		discoverLog.SetLevel(logLevel)
		exportLog := exportmetrics.GetLogger()
		exportLog.SetLevel(logLevel)
		return nil
	}

	// Run the CLI
	err := c.Run(os.Args)
	if err != nil {
		log.Fatal(util.Capitalize(err.Error()))
	}
}

// loadEnvFile sets variables from path that are not already set. A missing
// file is not an error.
func loadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("error loading env file %v: %w", path, err)
}

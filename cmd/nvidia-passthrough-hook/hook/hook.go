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

package hook

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	hooks "github.com/NVIDIA/gpu-passthrough-hook/api/hooks/v1"
	v1 "github.com/NVIDIA/gpu-passthrough-hook/api/spec/v1"
	"github.com/NVIDIA/gpu-passthrough-hook/cmd/nvidia-passthrough-hook/util"
	"github.com/NVIDIA/gpu-passthrough-hook/internal/logging"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/dispatcher"
)

var log = logrus.New()

func GetLogger() *logrus.Logger {
	return log
}

type Flags struct {
	util.RegistryFlags
	HooksFile string
}

func BuildCommand() *cli.Command {
	// Create a flags struct to hold our flags
	hookFlags := Flags{}

	// Create the 'hook' command
	hook := cli.Command{}
	hook.Name = "hook"
	hook.Usage = "Switch managed devices for a consumer lifecycle event"
	hook.ArgsUsage = "<instance-id> <pre-start|post-start|pre-stop|post-stop>"
	hook.Action = func(c *cli.Context) error {
		return hookWrapper(c, &hookFlags)
	}

	// Setup the flags for this command
	hook.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "hooks-file",
			Aliases:     []string{"k"},
			Usage:       "Path to the hooks file",
			Destination: &hookFlags.HooksFile,
			EnvVars:     []string{"PASSTHROUGH_HOOKS_FILE"},
		},
		&cli.StringFlag{
			Name:        "hypervisor",
			Usage:       "Override the hypervisor set in the config file [proxmox | libvirt]",
			Destination: &hookFlags.Hypervisor,
			EnvVars:     []string{"PASSTHROUGH_HYPERVISOR"},
		},
		&cli.StringFlag{
			Name:        "libvirt-uri",
			Usage:       "Connection URI of the libvirt daemon",
			Destination: &hookFlags.LibvirtURI,
			EnvVars:     []string{"PASSTHROUGH_LIBVIRT_URI"},
		},
	}

	return &hook
}

func CheckFlags(c *cli.Context, f *Flags) error {
	if c.NArg() != 2 {
		return fmt.Errorf("expected 2 arguments <instance-id> <phase>, got %d", c.NArg())
	}
	switch f.Hypervisor {
	case "", v1.HypervisorProxmox, v1.HypervisorLibvirt:
	default:
		return fmt.Errorf("unrecognized 'hypervisor' value '%v'", f.Hypervisor)
	}
	return nil
}

func hookWrapper(c *cli.Context, f *Flags) error {
	err := CheckFlags(c, f)
	if err != nil {
		_ = cli.ShowSubcommandHelp(c)
		return err
	}
	instanceID := c.Args().Get(0)
	phase := dispatcher.ParsePhase(c.Args().Get(1))

	spec, err := util.LoadSpec(c)
	if err != nil {
		return err
	}

	closer, err := logging.Setup(log, spec.LogFile)
	if err != nil {
		log.Warnf("Logging to stderr only: %v", err)
	}
	defer closer.Close()

	host, err := util.NewHost(spec, f.RegistryFlags, true, log)
	if err != nil {
		return err
	}

	var hooksMap hooks.HooksMap
	if f.HooksFile != "" {
		hooksSpec, err := hooks.ParseFile(f.HooksFile)
		if err != nil {
			return fmt.Errorf("error parsing hooks file: %w", err)
		}
		hooksMap = hooksSpec.Hooks
	}

	d, err := dispatcher.New(
		dispatcher.WithController(host.Controller),
		dispatcher.WithDevices(host.Devices...),
		dispatcher.WithDisplay(util.NewDisplay(spec, log)),
		dispatcher.WithHookOutput(os.Stderr),
		dispatcher.WithHooks(hooksMap),
		dispatcher.WithLockTimeout(spec.GetLockTimeout()),
		dispatcher.WithLogger(log),
		dispatcher.WithMutex(host.Mutex),
		dispatcher.WithPublishers(util.NewPublishers(spec, host.Mutex, log)...),
		dispatcher.WithRegistry(host.Registry),
	)
	if err != nil {
		return err
	}

	if err := d.Handle(c.Context, instanceID, phase); err != nil {
		return fmt.Errorf("error handling %v for %v: %w", phase, instanceID, err)
	}
	return nil
}

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

package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	"sigs.k8s.io/yaml"

	"github.com/NVIDIA/gpu-passthrough-hook/cmd/nvidia-passthrough-hook/util"
	"github.com/NVIDIA/gpu-passthrough-hook/internal/nvml"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/refcount"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/status"
)

var log = logrus.New()

func GetLogger() *logrus.Logger {
	return log
}

// Supported output formats.
const (
	TableFormat = "table"
	YAMLFormat  = "yaml"
	JSONFormat  = "json"
)

type Flags struct {
	util.RegistryFlags
	OutputFormat string
	NoNVML       bool
}

func BuildCommand() *cli.Command {
	// Create a flags struct to hold our flags
	statusFlags := Flags{}

	// Create the 'status' command
	status := cli.Command{}
	status.Name = "status"
	status.Usage = "Show the owner of every managed device and the state of the binding lock"
	status.Action = func(c *cli.Context) error {
		return statusWrapper(c, &statusFlags)
	}

	// Setup the flags for this command
	status.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "Output format [table | yaml | json]",
			Destination: &statusFlags.OutputFormat,
			Value:       TableFormat,
			EnvVars:     []string{"PASSTHROUGH_STATUS_OUTPUT"},
		},
		&cli.StringFlag{
			Name:        "hypervisor",
			Usage:       "Override the hypervisor set in the config file [proxmox | libvirt]",
			Destination: &statusFlags.Hypervisor,
			EnvVars:     []string{"PASSTHROUGH_HYPERVISOR"},
		},
		&cli.StringFlag{
			Name:        "libvirt-uri",
			Usage:       "Connection URI of the libvirt daemon",
			Destination: &statusFlags.LibvirtURI,
			EnvVars:     []string{"PASSTHROUGH_LIBVIRT_URI"},
		},
		&cli.BoolFlag{
			Name:        "no-nvml",
			Usage:       "Do not query NVML for the names of host-owned GPUs",
			Destination: &statusFlags.NoNVML,
		},
	}

	return &status
}

func CheckFlags(f *Flags) error {
	f.OutputFormat = strings.ToLower(f.OutputFormat)
	switch f.OutputFormat {
	case TableFormat, YAMLFormat, JSONFormat:
	default:
		return fmt.Errorf("unrecognized 'output' value '%v'", f.OutputFormat)
	}
	return nil
}

func statusWrapper(c *cli.Context, f *Flags) error {
	err := CheckFlags(f)
	if err != nil {
		_ = cli.ShowSubcommandHelp(c)
		return err
	}

	spec, err := util.LoadSpec(c)
	if err != nil {
		return err
	}

	host, err := util.NewHost(spec, f.RegistryFlags, false, log)
	if err != nil {
		return err
	}

	opts := []status.Option{status.WithLogger(log)}
	if !f.NoNVML {
		opts = append(opts, status.WithNVML(nvml.New()))
	}
	builder := status.NewBuilder(host.Devices, host.Controller, refcount.New(host.Registry), host.Mutex, opts...)

	report, err := builder.Build(c.Context)
	if err != nil {
		return fmt.Errorf("error building status report: %w", err)
	}

	return WriteOutput(os.Stdout, report, f.OutputFormat)
}

// WriteOutput renders a report in the requested format.
func WriteOutput(w io.Writer, report *status.Report, format string) error {
	switch format {
	case YAMLFormat:
		output, err := yaml.Marshal(report)
		if err != nil {
			return fmt.Errorf("error marshaling status to YAML: %v", err)
		}
		if _, err := w.Write(output); err != nil {
			return fmt.Errorf("error writing YAML output: %w", err)
		}
	case JSONFormat:
		output, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("error marshaling status to JSON: %v", err)
		}
		if _, err := w.Write(append(output, '\n')); err != nil {
			return fmt.Errorf("error writing JSON output: %w", err)
		}
	default:
		return writeTable(w, report)
	}
	return nil
}

func writeTable(w io.Writer, report *status.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tID\tDRIVER\tOWNER\tIN-USE\tCONSUMERS\tNAME")
	for _, d := range report.Devices {
		name := d.Name
		if d.Error != "" {
			name = "error: " + d.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			d.Address,
			dash(d.VendorDevice),
			dash(d.Driver),
			d.Owner,
			d.InUse,
			dash(consumers(d.Consumers)),
			dash(name),
		)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("error writing table output: %w", err)
	}

	l := report.Lock
	switch {
	case !l.Held:
		_, err := fmt.Fprintf(w, "\nLock %s: free\n", l.Path)
		return err
	case l.Stale:
		_, err := fmt.Fprintf(w, "\nLock %s: held by exited pid %d since %s (stale, run 'unlock')\n", l.Path, l.PID, acquiredAt(l.AcquiredAt))
		return err
	default:
		_, err := fmt.Fprintf(w, "\nLock %s: held by pid %d since %s\n", l.Path, l.PID, acquiredAt(l.AcquiredAt))
		return err
	}
}

func consumers(reports []status.ConsumerReport) string {
	var parts []string
	for _, c := range reports {
		s := c.ID
		if c.Name != "" && c.Name != c.ID {
			s += "(" + c.Name + ")"
		}
		if c.Running {
			s += "*"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ",")
}

func acquiredAt(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

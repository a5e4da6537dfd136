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

package discover

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/NVIDIA/go-nvlib/pkg/nvpci"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	"sigs.k8s.io/yaml"

	v1 "github.com/NVIDIA/gpu-passthrough-hook/api/spec/v1"
	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

var log = logrus.New()

func GetLogger() *logrus.Logger {
	return log
}

// PCI base class of display controllers.
const displayControllerClass = 0x03

// Host driver of HDMI/DP audio functions.
const audioHostDriver = "snd_hda_intel"

type Flags struct {
	GPUsOnly bool
}

// Lister enumerates NVIDIA PCI functions.
type Lister interface {
	GetAllDevices() ([]*nvpci.NvidiaPCIDevice, error)
	GetGPUs() ([]*nvpci.NvidiaPCIDevice, error)
}

func BuildCommand() *cli.Command {
	// Create a flags struct to hold our flags
	discoverFlags := Flags{}

	// Create the 'discover' command
	discover := cli.Command{}
	discover.Name = "discover"
	discover.Usage = "List NVIDIA PCI functions and print a devices block for the config file"
	discover.Action = func(c *cli.Context) error {
		return discoverWrapper(c, &discoverFlags)
	}

	// Setup the flags for this command
	discover.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:        "gpus-only",
			Usage:       "Skip functions that are not display controllers",
			Destination: &discoverFlags.GPUsOnly,
		},
	}

	return &discover
}

func discoverWrapper(c *cli.Context, f *Flags) error {
	return Discover(os.Stdout, nvpci.New(), f)
}

// Discover writes a table of NVIDIA PCI functions followed by a devices
// block ready to paste into the config file.
func Discover(w io.Writer, lister Lister, f *Flags) error {
	var devices []*nvpci.NvidiaPCIDevice
	var err error
	if f.GPUsOnly {
		devices, err = lister.GetGPUs()
	} else {
		devices, err = lister.GetAllDevices()
	}
	if err != nil {
		return fmt.Errorf("error enumerating NVIDIA PCI devices: %v", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "No NVIDIA PCI devices found")
		return nil
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address < devices[j].Address
	})

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tID\tCLASS\tDRIVER\tIOMMU-GROUP")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t0x%06x\t%s\t%d\n",
			d.Address,
			types.NewDeviceID(d.Device, d.Vendor),
			d.Class,
			dash(d.Driver),
			d.IommuGroup,
		)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("error writing table output: %w", err)
	}

	specs, err := DeviceSpecs(devices)
	if err != nil {
		return err
	}
	output, err := yaml.Marshal(struct {
		Devices []v1.DeviceSpec `json:"devices"`
	}{specs})
	if err != nil {
		return fmt.Errorf("error marshaling devices to YAML: %v", err)
	}
	fmt.Fprintln(w)
	_, err = w.Write(output)
	return err
}

// DeviceSpecs converts discovered functions into config file entries.
// Functions other than display controllers are marked secondary.
func DeviceSpecs(devices []*nvpci.NvidiaPCIDevice) ([]v1.DeviceSpec, error) {
	var specs []v1.DeviceSpec
	for _, d := range devices {
		address, err := types.ParsePCIAddress(d.Address)
		if err != nil {
			log.Warnf("Skipping device with unparsable address %q: %v", d.Address, err)
			continue
		}
		spec := v1.DeviceSpec{
			PCIAddress:   address.String(),
			VendorDevice: types.NewDeviceID(d.Device, d.Vendor).String(),
		}
		if d.Class>>16 != displayControllerClass {
			spec.Secondary = true
			if d.Driver == audioHostDriver {
				spec.HostDrivers = []string{audioHostDriver}
			}
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no usable devices found")
	}
	return specs, nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

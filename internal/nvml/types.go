/*
 * Copyright (c) 2021, NVIDIA CORPORATION.  All rights reserved.
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


package nvml

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

type Return = nvml.Return

const (
	SUCCESS         = nvml.SUCCESS
	ERROR_NOT_FOUND = nvml.ERROR_NOT_FOUND
)

// Interface is the subset of NVML used to describe GPUs owned by the
// nvidia driver.
type Interface interface {
	Init() Return
	Shutdown() Return
	SystemGetDriverVersion() (string, Return)
	DeviceGetHandleByPciBusId(string) (Device, Return)
}

type Device interface {
	GetName() (string, Return)
	GetUUID() (string, Return)
}

// BusID returns the PCI bus id of an address in the form NVML expects.
func BusID(addr types.PCIAddress) string {
	return fmt.Sprintf("%08x:%02x:%02x.%x", addr.Domain, addr.Bus, addr.Slot, addr.Function)
}

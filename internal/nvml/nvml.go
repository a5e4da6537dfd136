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

package nvml

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/sirupsen/logrus"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

type nvmlLib struct {
	nvml.Interface
}

var _ Interface = (*nvmlLib)(nil)

// New returns an Interface backed by libnvidia-ml.
func New() Interface {
	return &nvmlLib{nvml.New()}
}

func (n *nvmlLib) DeviceGetHandleByPciBusId(busID string) (Device, Return) {
	device, ret := n.Interface.DeviceGetHandleByPciBusId(busID)
	if ret != nvml.SUCCESS {
		return nil, ret
	}
	return device, ret
}

// DeviceInfo is what NVML reports about a single GPU.
type DeviceInfo struct {
	Name string
	UUID string
}

// Describe looks up each address with NVML. Addresses NVML does not know
// about are left out of the result. NVML is initialized for the duration of
// the call.
func Describe(lib Interface, addrs []types.PCIAddress, logger logrus.FieldLogger) (map[types.PCIAddress]DeviceInfo, error) {
	ret := lib.Init()
	if ret != SUCCESS {
		return nil, fmt.Errorf("error initializing NVML: %v", ret)
	}
	defer func() {
		ret := lib.Shutdown()
		if ret != SUCCESS {
			logger.Warnf("error shutting down NVML: %v", ret)
		}
	}()

	infos := make(map[types.PCIAddress]DeviceInfo)
	for _, addr := range addrs {
		device, ret := lib.DeviceGetHandleByPciBusId(BusID(addr))
		if ret == ERROR_NOT_FOUND {
			continue
		}
		if ret != SUCCESS {
			return nil, fmt.Errorf("error getting device handle for %v: %v", addr, ret)
		}

		name, ret := device.GetName()
		if ret != SUCCESS {
			return nil, fmt.Errorf("error getting device name for %v: %v", addr, ret)
		}
		uuid, ret := device.GetUUID()
		if ret != SUCCESS {
			return nil, fmt.Errorf("error getting device uuid for %v: %v", addr, ret)
		}
		infos[addr] = DeviceInfo{Name: name, UUID: uuid}
	}
	return infos, nil
}

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
	"strings"

	"github.com/google/uuid"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

type MockHost struct {
	Devices       map[string]*MockDevice
	DriverVersion string
	InitReturn    Return
	Initialized   bool
}

type MockDevice struct {
	Name string
	UUID string
}

var _ Interface = (*MockHost)(nil)
var _ Device = (*MockDevice)(nil)

func NewMockHost() *MockHost {
	return &MockHost{
		Devices:       make(map[string]*MockDevice),
		DriverVersion: "550.54.14",
		InitReturn:    SUCCESS,
	}
}

// AddDevice makes a GPU with the given name visible at addr.
func (m *MockHost) AddDevice(addr types.PCIAddress, name string) *MockDevice {
	device := &MockDevice{
		Name: name,
		UUID: "GPU-" + uuid.New().String(),
	}
	m.Devices[BusID(addr)] = device
	return device
}

func (m *MockHost) Init() Return {
	if m.InitReturn != SUCCESS {
		return m.InitReturn
	}
	m.Initialized = true
	return SUCCESS
}

func (m *MockHost) Shutdown() Return {
	m.Initialized = false
	return SUCCESS
}

func (m *MockHost) SystemGetDriverVersion() (string, Return) {
	return m.DriverVersion, SUCCESS
}

func (m *MockHost) DeviceGetHandleByPciBusId(busID string) (Device, Return) {
	device, exists := m.Devices[strings.ToLower(busID)]
	if !exists {
		return nil, ERROR_NOT_FOUND
	}
	return device, SUCCESS
}

func (d *MockDevice) GetName() (string, Return) {
	return d.Name, SUCCESS
}

func (d *MockDevice) GetUUID() (string, Return) {
	return d.UUID, SUCCESS
}

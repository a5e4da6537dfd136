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

package dispatcher

import (
	"strings"
)

// PhaseKind identifies a lifecycle transition of a consumer.
type PhaseKind int

// Possible values of 'PhaseKind'.
const (
	Unknown PhaseKind = iota
	PreStart
	PostStart
	PreStop
	PostStop
)

// Phase is a decoded lifecycle transition. Raw keeps the name it was decoded
// from so unknown phases can be reported verbatim.
type Phase struct {
	Kind PhaseKind
	Raw  string
}

var phaseNames = map[PhaseKind]string{
	PreStart:  "PRE_START",
	PostStart: "POST_START",
	PreStop:   "PRE_STOP",
	PostStop:  "POST_STOP",
}

// libvirt qemu hook operations mapped onto the phase with the same meaning.
var libvirtOperations = map[string]PhaseKind{
	"prepare": PreStart,
	"started": PostStart,
	"stopped": PreStop,
	"release": PostStop,
}

// ParsePhase decodes a phase name. PRE_START, pre-start and pre_start are
// equivalent, as are the libvirt qemu hook operations for the same step.
// Anything else decodes to an Unknown phase.
func ParsePhase(s string) Phase {
	if kind, ok := libvirtOperations[s]; ok {
		return Phase{Kind: kind, Raw: s}
	}
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for kind, name := range phaseNames {
		if normalized == name {
			return Phase{Kind: kind, Raw: s}
		}
	}
	return Phase{Kind: Unknown, Raw: s}
}

// String returns the canonical name of a phase, or its raw name if unknown.
func (p Phase) String() string {
	if name, ok := phaseNames[p.Kind]; ok {
		return name
	}
	return p.Raw
}

// Mutating returns whether the phase changes device bindings.
func (p Phase) Mutating() bool {
	return p.Kind == PreStart || p.Kind == PostStop
}

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


package v1

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"
)

const Version = "v1"

// Names of the hooks run around a device transition.
const (
	PrePassthroughHook  = "pre-passthrough"
	PostPassthroughHook = "post-passthrough"
	PreHostReturnHook   = "pre-host-return"
	PostHostReturnHook  = "post-host-return"
)

// Environment variables passed to every hook.
const (
	InstanceIDEnv = "PASSTHROUGH_INSTANCE_ID"
	PhaseEnv      = "PASSTHROUGH_PHASE"
	DevicesEnv    = "PASSTHROUGH_DEVICES"
)

type Spec struct {
	Version string   `json:"version"`
	Hooks   HooksMap `json:"hooks"`
}

type HookSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Envs    EnvsMap  `json:"envs,omitempty"`
	Workdir string   `json:"workdir,omitempty"`
}

type EnvsMap map[string]string
type HooksMap map[string][]HookSpec

// ParseFile reads a hooks file. Unknown fields are rejected.
func ParseFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading hooks file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a hooks file.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.UnmarshalStrict(data, &spec); err != nil {
		return nil, fmt.Errorf("error parsing hooks file: %w", err)
	}
	if spec.Version != Version {
		return nil, fmt.Errorf("unknown hooks version: %q", spec.Version)
	}
	for name, hooks := range spec.Hooks {
		for i, hook := range hooks {
			if hook.Command == "" {
				return nil, fmt.Errorf("hook %v[%d] has no command", name, i)
			}
		}
	}
	return &spec, nil
}

// Run runs every command registered under name in order, stopping at the
// first failure. A name with no commands is a no-op.
func (h HooksMap) Run(ctx context.Context, name string, envs EnvsMap, output io.Writer) error {
	hooks, exists := h[name]
	if !exists {
		return nil
	}
	for i, hook := range hooks {
		err := hook.Run(ctx, envs, output)
		if err != nil {
			return fmt.Errorf("error running hook %v[%d] (%v): %w", name, i, hook.Command, err)
		}
	}
	return nil
}

// Run runs a single hook command. The hook inherits the caller's environment
// with the hook's own envs and then envs layered on top. Output is discarded
// when output is nil.
func (h *HookSpec) Run(ctx context.Context, envs EnvsMap, output io.Writer) error {
	cmd := exec.CommandContext(ctx, h.Command, h.Args...)
	cmd.Env = append(os.Environ(), h.Envs.Combine(envs).Format()...)
	cmd.Dir = h.Workdir
	if output != nil {
		cmd.Stdout = output
		cmd.Stderr = output
	}
	return cmd.Run()
}

func (e1 EnvsMap) Combine(e2 EnvsMap) EnvsMap {
	combined := make(EnvsMap)
	for k, v := range e1 {
		combined[k] = v
	}
	for k, v := range e2 {
		combined[k] = v
	}
	return combined
}

// Format renders the map as sorted KEY=value pairs.
func (e EnvsMap) Format() []string {
	var envs []string
	for k, v := range e {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(envs)
	return envs
}

// TransitionEnvs builds the variables describing a device transition.
func TransitionEnvs(instanceID string, phase string, devices []string) EnvsMap {
	return EnvsMap{
		InstanceIDEnv: instanceID,
		PhaseEnv:      phase,
		DevicesEnv:    strings.Join(devices, ","),
	}
}

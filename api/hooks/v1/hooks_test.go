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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"
)

func TestMarshallUnmarshall(t *testing.T) {
	spec := Spec{
		Version: "v1",
		Hooks: HooksMap{
			PrePassthroughHook: []HookSpec{
				{
					Workdir: "/wherever0",
					Command: "whatever0",
					Args:    []string{"a0", "a1"},
					Envs: EnvsMap{
						"env0": "val0",
						"env1": "val1",
					},
				},
			},
			PostHostReturnHook: []HookSpec{
				{
					Workdir: "/wherever0",
					Command: "whatever0",
					Args:    []string{"a0", "a1"},
				},
				{
					Command: "whatever1",
				},
			},
		},
	}

	y, err := yaml.Marshal(spec)
	require.Nil(t, err, "Unexpected failure yaml.Marshal")

	s, err := Parse(y)
	require.Nil(t, err, "Unexpected failure Parse")
	require.Equal(t, spec, *s)
}

func TestParse(t *testing.T) {
	testCases := []struct {
		Description     string
		Input           string
		expectedFailure bool
	}{
		{
			"Valid",
			`
version: v1
hooks:
  pre-passthrough:
  - command: /bin/true
`,
			false,
		},
		{
			"Wrong version",
			`
version: v2
hooks: {}
`,
			true,
		},
		{
			"Unknown field",
			`
version: v1
hooks:
  pre-passthrough:
  - command: /bin/true
    timeout: 10s
`,
			true,
		},
		{
			"Missing command",
			`
version: v1
hooks:
  pre-passthrough:
  - args: [a]
`,
			true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.Description, func(t *testing.T) {
			_, err := Parse([]byte(tc.Input))
			if tc.expectedFailure {
				require.NotNil(t, err, "Unexpected success Parse")
			} else {
				require.Nil(t, err, "Unexpected failure Parse")
			}
		})
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: v1\nhooks: {}\n"), 0600))

	spec, err := ParseFile(path)
	require.NoError(t, err)
	require.Equal(t, Version, spec.Version)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRunHooks(t *testing.T) {
	testCases := []struct {
		Description     string
		Hook            HookSpec
		Envs            EnvsMap
		expectedOutput  string
		expectedFailure bool
	}{
		{
			"Echo Hello",
			HookSpec{
				Command: "/bin/sh",
				Args:    []string{"-c", "echo Hello"},
			},
			EnvsMap{},
			"Hello\n",
			false,
		},
		{
			"Transition environment",
			HookSpec{
				Command: "/bin/sh",
				Args:    []string{"-c", "echo $PASSTHROUGH_INSTANCE_ID $PASSTHROUGH_PHASE $PASSTHROUGH_DEVICES"},
			},
			TransitionEnvs("100", "PRE_START", []string{"0000:01:00.0", "0000:01:00.1"}),
			"100 PRE_START 0000:01:00.0,0000:01:00.1\n",
			false,
		},
		{
			"Call environment overrides hook environment",
			HookSpec{
				Command: "/bin/sh",
				Args:    []string{"-c", "echo $VALUE"},
				Envs:    EnvsMap{"VALUE": "hook"},
			},
			EnvsMap{"VALUE": "call"},
			"call\n",
			false,
		},
		{
			"Nonexistent Command",
			HookSpec{
				Command: "/doesnotexist",
			},
			EnvsMap{},
			"",
			true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.Description, func(t *testing.T) {
			var output bytes.Buffer
			err := tc.Hook.Run(context.Background(), tc.Envs, &output)
			if !tc.expectedFailure {
				require.Nil(t, err, "Unexpected failure Hook.Run")
				require.Equal(t, tc.expectedOutput, output.String())
			} else {
				require.NotNil(t, err, "Unexpected success Hook.Run")
			}
		})
	}
}

func TestHooksMapRun(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")

	hooks := HooksMap{
		PreHostReturnHook: []HookSpec{
			{Command: "/bin/sh", Args: []string{"-c", "echo first >> " + marker}},
			{Command: "/bin/sh", Args: []string{"-c", "exit 3"}},
			{Command: "/bin/sh", Args: []string{"-c", "echo third >> " + marker}},
		},
	}

	require.NoError(t, hooks.Run(context.Background(), PostHostReturnHook, nil, nil))

	err := hooks.Run(context.Background(), PreHostReturnHook, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "pre-host-return[1]")

	content, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, "first\n", string(content))
}

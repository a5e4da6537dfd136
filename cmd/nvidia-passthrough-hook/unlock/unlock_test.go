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

package unlock

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/lock"
)

func TestUnlock(t *testing.T) {
	testCases := []struct {
		description    string
		held           bool
		force          bool
		expectedError  bool
		expectedOutput string
		expectedHeld   bool
	}{
		{
			"Free lock",
			false,
			false,
			false,
			"is free",
			false,
		},
		{
			"Live holder is kept",
			true,
			false,
			true,
			"",
			true,
		},
		{
			"Force removes a live holder",
			true,
			true,
			false,
			"removed",
			false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			m := lock.New(filepath.Join(t.TempDir(), "passthrough.lock"))
			if tc.held {
				_, err := m.Acquire(context.Background(), time.Second)
				require.NoError(t, err)
			}

			var buf bytes.Buffer
			err := Unlock(&buf, m, tc.force)
			if tc.expectedError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.Contains(t, buf.String(), tc.expectedOutput)
			}

			holder, err := m.Inspect()
			require.NoError(t, err)
			require.Equal(t, tc.expectedHeld, holder != nil)
		})
	}
}

type fakeBreaker struct {
	holder *lock.Holder
	broken bool
}

func (f *fakeBreaker) Path() string                   { return "/run/test.lock" }
func (f *fakeBreaker) Inspect() (*lock.Holder, error) { return f.holder, nil }
func (f *fakeBreaker) Break() error {
	f.broken = true
	return nil
}

func TestUnlockStale(t *testing.T) {
	b := &fakeBreaker{holder: &lock.Holder{PID: 4242, AcquiredAt: time.Now(), Stale: true}}

	var buf bytes.Buffer
	require.NoError(t, Unlock(&buf, b, false))
	require.True(t, b.broken)
	require.Equal(t, "Lock /run/test.lock removed\n", buf.String())
}

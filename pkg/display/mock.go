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

package display

import (
	"context"
	"sync"
)

// Mock is a Collaborator that counts calls.
type Mock struct {
	sync.Mutex
	Stops  int
	Starts int
	// Result is returned from both operations.
	Result bool
}

var _ Collaborator = (*Mock)(nil)

func (m *Mock) TryStop(context.Context) bool {
	m.Lock()
	defer m.Unlock()
	m.Stops++
	return m.Result
}

func (m *Mock) TryStart(context.Context) bool {
	m.Lock()
	defer m.Unlock()
	m.Starts++
	return m.Result
}

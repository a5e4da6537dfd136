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

package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LineFormatter renders each entry as a single line:
//
//	<RFC3339 timestamp> <LEVEL> <message> key=value ...
type LineFormatter struct{}

var _ logrus.Formatter = (*LineFormatter)(nil)

// Format implements logrus.Formatter.
func (f *LineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	b.WriteString(entry.Time.Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(entry.Level.String()))
	b.WriteByte(' ')
	b.WriteString(strings.TrimRight(entry.Message, "\n"))

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%s", k, quote(fmt.Sprint(entry.Data[k])))
	}
	b.WriteByte('\n')

	return b.Bytes(), nil
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// Setup configures logger to write single-line entries to stderr and, when
// path is non-empty, append them to the file at path. The returned closer
// must be called once logging is finished.
func Setup(logger *logrus.Logger, path string) (io.Closer, error) {
	logger.SetFormatter(&LineFormatter{})
	if path == "" {
		logger.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.SetOutput(os.Stderr)
		return nopCloser{}, fmt.Errorf("error opening log file %v: %w", path, err)
	}
	logger.SetOutput(io.MultiWriter(file, os.Stderr))
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

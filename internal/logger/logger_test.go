// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextFormatMatchesExpectedShape(t *testing.T) {
	var buf bytes.Buffer
	f := newLoggerFactory(&buf, "text", LevelInfo)
	f.log(LevelInfo, "hello: world")

	re := regexp.MustCompile(`^time="[^"]+" severity=INFO message="hello: world"\n$`)
	assert.Regexp(t, re, buf.String())
}

func TestJSONFormatMatchesExpectedShape(t *testing.T) {
	var buf bytes.Buffer
	f := newLoggerFactory(&buf, "json", LevelInfo)
	f.log(LevelError, "boom")

	re := regexp.MustCompile(`^\{"timestamp":\{"seconds":\d+,"nanos":\d+\},"severity":"ERROR","message":"boom"\}\n$`)
	assert.Regexp(t, re, buf.String())
}

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	f := newLoggerFactory(&buf, "text", LevelWarn)

	f.log(LevelInfo, "suppressed")
	assert.Empty(t, buf.String())

	f.log(LevelWarn, "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLevelOffSuppressesEverything(t *testing.T) {
	var buf bytes.Buffer
	f := newLoggerFactory(&buf, "text", LevelOff)

	f.log(LevelError, "never")
	assert.Empty(t, buf.String())
}

func TestLegacyWriterStripsTrailingNewline(t *testing.T) {
	var buf bytes.Buffer
	defaultFactory = newLoggerFactory(&buf, "text", LevelInfo)

	w := legacyWriter{level: LevelError, prefix: "fuse: "}
	n, err := w.Write([]byte("bad thing happened\n"))

	assert.NoError(t, err)
	assert.Equal(t, len("bad thing happened\n"), n)
	assert.Contains(t, buf.String(), `message="fuse: bad thing happened"`)
}

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

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// These exercise cobra's own arg-count gate, which runs before RunE, so
// they never reach run() and never attempt a real mount.

func TestRootCmdRejectsTooFewArgs(t *testing.T) {
	rootCmd.SetArgs([]string{})
	err := rootCmd.Execute()
	assert.Error(t, err)
}

func TestRootCmdRejectsTooManyArgs(t *testing.T) {
	rootCmd.SetArgs([]string{"one", "two"})
	err := rootCmd.Execute()
	assert.Error(t, err)
}

func TestInitConfigResolvesMissingConfigFileToError(t *testing.T) {
	orig := cfgFile
	defer func() { cfgFile = orig; bindErr = nil }()

	cfgFile = "/no/such/config/file.yaml"
	initConfig()

	assert.Error(t, bindErr)
}

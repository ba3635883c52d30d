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

package fsnode

import (
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTableHasRoot(t *testing.T) {
	tbl := NewTable()
	tbl.Lock()
	defer tbl.Unlock()

	root := tbl.LookUpByID(fuseops.RootInodeID)
	require.NotNil(t, root)
	assert.Equal(t, "/", root.Path)
}

func TestLookUpChildMintsStableID(t *testing.T) {
	tbl := NewTable()
	tbl.Lock()
	defer tbl.Unlock()

	root := tbl.LookUpByID(fuseops.RootInodeID)
	a := tbl.LookUpChild(root, "a")
	b := tbl.LookUpChild(root, "a")

	assert.Equal(t, a.ID, b.ID)
	assert.EqualValues(t, 2, b.LookupCount)
}

func TestForgetRemovesAtZero(t *testing.T) {
	tbl := NewTable()
	tbl.Lock()
	defer tbl.Unlock()

	root := tbl.LookUpByID(fuseops.RootInodeID)
	child := tbl.LookUpChild(root, "a")

	tbl.Forget(child, 1)
	assert.Nil(t, tbl.LookUpByPath("/a"))
}

func TestRenameMovesSubtree(t *testing.T) {
	tbl := NewTable()
	tbl.Lock()
	defer tbl.Unlock()

	root := tbl.LookUpByID(fuseops.RootInodeID)
	dir := tbl.LookUpChild(root, "t4")
	child := tbl.LookUpChild(dir, "inner")

	tbl.Rename("/t4", "/t4_new")

	assert.Nil(t, tbl.LookUpByPath("/t4"))
	assert.NotNil(t, tbl.LookUpByPath("/t4_new"))
	moved := tbl.LookUpByPath("/t4_new/inner")
	require.NotNil(t, moved)
	assert.Equal(t, child.ID, moved.ID)
}

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

// Package fsnode is the path<->inode naming cache shared by the master and
// slave FUSE adapters. jacobsa/fuse addresses objects by fuseops.InodeID,
// not by path, but unlike the teacher's GCS-object-backed inodes there is
// no generation to track: the backing store is the sole source of truth,
// so this table only remembers which VirtualPath an InodeID names and how
// many outstanding kernel lookups reference it.
package fsnode

import (
	"fmt"
	"path/filepath"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"
)

// Node is one entry in the table: the virtual path an inode names and the
// kernel's outstanding lookup count for it.
type Node struct {
	ID         fuseops.InodeID
	Path       string
	LookupCount uint64
}

// Table is the per-mount path<->inode bookkeeping structure. Guarded by a
// syncutil.InvariantMutex, matching the teacher's own lock-ordering
// discipline for fileSystem.mu in fs/fs.go.
type Table struct {
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	byID map[fuseops.InodeID]*Node

	// GUARDED_BY(mu)
	byPath map[string]*Node

	// GUARDED_BY(mu)
	nextID fuseops.InodeID
}

// NewTable returns a Table with only the root inode registered.
func NewTable() *Table {
	t := &Table{
		byID:   make(map[fuseops.InodeID]*Node),
		byPath: make(map[string]*Node),
		nextID: fuseops.RootInodeID + 1,
	}
	root := &Node{ID: fuseops.RootInodeID, Path: "/", LookupCount: 1}
	t.byID[root.ID] = root
	t.byPath[root.Path] = root
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *Table) checkInvariants() {
	if len(t.byID) != len(t.byPath) {
		panic(fmt.Sprintf("fsnode: byID has %d entries, byPath has %d", len(t.byID), len(t.byPath)))
	}
	for id, n := range t.byID {
		if id != n.ID {
			panic(fmt.Sprintf("fsnode: byID key %d does not match node ID %d", id, n.ID))
		}
		if id >= t.nextID {
			panic(fmt.Sprintf("fsnode: inode %d >= nextID %d", id, t.nextID))
		}
	}
}

// Lock acquires the table's invariant mutex.
func (t *Table) Lock() { t.mu.Lock() }

// Unlock releases the table's invariant mutex.
func (t *Table) Unlock() { t.mu.Unlock() }

// LookUpByID returns the node for id, or nil if absent. Caller must hold
// the lock.
func (t *Table) LookUpByID(id fuseops.InodeID) *Node {
	return t.byID[id]
}

// LookUpByPath returns the node for p, or nil if absent. Caller must hold
// the lock.
func (t *Table) LookUpByPath(p string) *Node {
	return t.byPath[p]
}

// LookUpChild returns the node for the child named name under parent,
// minting a fresh inode ID and registering it if this is the first time
// the kernel has asked about it. Caller must hold the lock.
func (t *Table) LookUpChild(parent *Node, name string) *Node {
	childPath := filepath.Join(parent.Path, name)
	if n, ok := t.byPath[childPath]; ok {
		n.LookupCount++
		return n
	}

	n := &Node{ID: t.nextID, Path: childPath, LookupCount: 1}
	t.nextID++
	t.byID[n.ID] = n
	t.byPath[n.Path] = n
	return n
}

// Forget decrements n's lookup count by delta, removing it from the table
// once it reaches zero. The root inode is never removed. Caller must hold
// the lock.
func (t *Table) Forget(n *Node, delta uint64) {
	if n.ID == fuseops.RootInodeID {
		return
	}
	if delta >= n.LookupCount {
		delete(t.byID, n.ID)
		delete(t.byPath, n.Path)
		return
	}
	n.LookupCount -= delta
}

// Rename updates the table after a successful rename from oldPath to
// newPath, reattaching the node (and its subtree, if it was a directory)
// at its new path without changing its inode ID. Caller must hold the
// lock.
func (t *Table) Rename(oldPath, newPath string) {
	n, ok := t.byPath[oldPath]
	if !ok {
		return
	}
	prefix := oldPath
	if prefix != "/" {
		prefix += "/"
	}
	for p, node := range t.byPath {
		if p == oldPath || (prefix != "/" && len(p) > len(prefix) && p[:len(prefix)] == prefix) {
			delete(t.byPath, p)
			if p == oldPath {
				node.Path = newPath
			} else {
				node.Path = newPath + p[len(oldPath):]
			}
			t.byPath[node.Path] = node
		}
	}
	_ = n
}

// Remove drops the node at p entirely (used after a successful rmdir or
// unlink so a subsequent create of the same name mints a fresh inode
// rather than resurrecting a forgotten one's stale ID). Caller must hold
// the lock.
func (t *Table) Remove(p string) {
	n, ok := t.byPath[p]
	if !ok {
		return
	}
	delete(t.byID, n.ID)
	delete(t.byPath, p)
}

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

// Package replication holds the wire format of one replicated or
// load-balanced operation (Command), its single-shot result handoff
// (Rendezvous), and the per-slave FIFO it travels through (Queue).
package replication

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the variant a Command carries. Go has no closed sum
// type, so the union is modeled the usual way: an enum tag plus a
// pointer-shaped set of optional payload fields, dispatched with a switch.
type Kind int

const (
	Mkdir Kind = iota
	Create
	Open
	Write
	Truncate
	Release
	Rename
	Rmdir
	Unlink
	Chmod
	Read
	Link
	Symlink
	Utimens
	Mknod
)

func (k Kind) String() string {
	switch k {
	case Mkdir:
		return "Mkdir"
	case Create:
		return "Create"
	case Open:
		return "Open"
	case Write:
		return "Write"
	case Truncate:
		return "Truncate"
	case Release:
		return "Release"
	case Rename:
		return "Rename"
	case Rmdir:
		return "Rmdir"
	case Unlink:
		return "Unlink"
	case Chmod:
		return "Chmod"
	case Read:
		return "Read"
	case Link:
		return "Link"
	case Symlink:
		return "Symlink"
	case Utimens:
		return "Utimens"
	case Mknod:
		return "Mknod"
	default:
		return "Unknown"
	}
}

// Command is the closed tagged union over every replicated or
// load-balanced operation. Only the fields relevant to Kind are populated;
// the rest are left zero.
type Command struct {
	ID   uuid.UUID
	Kind Kind

	// SlaveIndex is assigned by the master on enqueue.
	SlaveIndex int

	// Done is closed by the slave once the mutation has been applied; the
	// master's barrier waits on every copy's Done channel. Unused by Read.
	Done chan struct{}

	// Rendezvous is populated for Read only.
	Rendezvous *Rendezvous

	// Path / NewPath cover every path-bearing variant.
	Path    string
	NewPath string

	Mode  os.FileMode
	Dev   int
	Flags int

	// MasterFD is the authoritative descriptor from the master's local
	// apply, which the slave keys its local SlaveHandle by.
	MasterFD int

	Buf    []byte
	Offset int64
	Length int64

	Atime time.Time
	Mtime time.Time

	// SymlinkTarget is Symlink's target argument; Path is the link path,
	// POSIX (target, linkpath) order.
	SymlinkTarget string
}

// NewMutation builds a Command carrying a fresh completion signal, ready to
// be cloned per slave by Clone.
func NewMutation(kind Kind) *Command {
	return &Command{
		ID:   uuid.New(),
		Kind: kind,
		Done: make(chan struct{}),
	}
}

// NewRead builds a Read Command with a fresh Rendezvous.
func NewRead(path string, length int64, offset int64, masterFD int) *Command {
	return &Command{
		ID:         uuid.New(),
		Kind:       Read,
		Path:       path,
		Length:     length,
		Offset:     offset,
		MasterFD:   masterFD,
		Rendezvous: NewRendezvous(),
	}
}

// Clone produces an independent copy for one slave queue, with its own
// completion signal so the barrier tracks each slave separately. Read
// commands are never broadcast, so Clone is for mutations only.
func (c *Command) Clone(slaveIndex int) *Command {
	clone := *c
	clone.SlaveIndex = slaveIndex
	clone.Done = make(chan struct{})
	return &clone
}

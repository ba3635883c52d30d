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

package slave

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicafs/replicafs/internal/replication"
)

func newTestSlave(t *testing.T) *FileSystem {
	t.Helper()
	q := replication.NewQueue()
	fs := New(0, t.TempDir(), q)
	return fs
}

func TestMutationsRejectedAtKernelSurface(t *testing.T) {
	fs := newTestSlave(t)

	assert.Equal(t, syscall.EPERM, fs.MkDir(&fuseops.MkDirOp{}))
	assert.Equal(t, syscall.EPERM, fs.CreateFile(&fuseops.CreateFileOp{}))
	assert.Equal(t, syscall.EPERM, fs.CreateSymlink(&fuseops.CreateSymlinkOp{}))
	assert.Equal(t, syscall.EPERM, fs.CreateLink(&fuseops.CreateLinkOp{}))
	assert.Equal(t, syscall.EPERM, fs.Rename(&fuseops.RenameOp{}))
	assert.Equal(t, syscall.EPERM, fs.RmDir(&fuseops.RmDirOp{}))
	assert.Equal(t, syscall.EPERM, fs.Unlink(&fuseops.UnlinkOp{}))
	assert.Equal(t, syscall.EPERM, fs.SetInodeAttributes(&fuseops.SetInodeAttributesOp{}))
	assert.Equal(t, syscall.EPERM, fs.WriteFile(&fuseops.WriteFileOp{}))
}

func TestOpenFileRejectsWriteFlags(t *testing.T) {
	fs := newTestSlave(t)

	fs.table.Lock()
	root := fs.table.LookUpByID(fuseops.RootInodeID)
	fs.table.Unlock()

	err := fs.OpenFile(&fuseops.OpenFileOp{Inode: root.ID, Flags: syscall.O_RDWR})
	assert.Equal(t, syscall.EACCES, err)

	err = fs.OpenFile(&fuseops.OpenFileOp{Inode: root.ID, Flags: syscall.O_WRONLY})
	assert.Equal(t, syscall.EACCES, err)
}

func TestReplayMkdirThenLookup(t *testing.T) {
	fs := newTestSlave(t)
	go fs.Run()

	fs.table.Lock()
	root := fs.table.LookUpByID(fuseops.RootInodeID)
	fs.table.Unlock()

	cmd := replication.NewMutation(replication.Mkdir)
	cmd.Path = "/sub"
	cmd.Mode = os.FileMode(0755) | os.ModeDir
	fs.queue.Push(cmd)

	select {
	case <-cmd.Done:
	case <-time.After(time.Second):
		t.Fatal("replay of Mkdir never closed Done")
	}

	op := &fuseops.LookUpInodeOp{Parent: root.ID, Name: "sub"}
	require.NoError(t, fs.LookUpInode(op))
	assert.True(t, op.Entry.Attributes.Mode.IsDir())

	fs.queue.Close()
}

func TestReplayCreateWriteReleaseLifecycle(t *testing.T) {
	fs := newTestSlave(t)
	go fs.Run()

	createCmd := replication.NewMutation(replication.Create)
	createCmd.Path = "/f"
	createCmd.Mode = 0644
	createCmd.MasterFD = 42
	fs.queue.Push(createCmd)
	<-createCmd.Done

	localFD, ok := fs.lookupFD(42)
	require.True(t, ok)
	assert.GreaterOrEqual(t, localFD, 0)

	writeCmd := replication.NewMutation(replication.Write)
	writeCmd.MasterFD = 42
	writeCmd.Buf = []byte("hello")
	writeCmd.Offset = 0
	fs.queue.Push(writeCmd)
	<-writeCmd.Done

	releaseCmd := replication.NewMutation(replication.Release)
	releaseCmd.MasterFD = 42
	fs.queue.Push(releaseCmd)
	<-releaseCmd.Done

	_, ok = fs.lookupFD(42)
	assert.False(t, ok, "fd_map entry should be removed after Release replay")

	fs.queue.Close()
}

func TestReplayReadProvidesRendezvous(t *testing.T) {
	fs := newTestSlave(t)
	go fs.Run()

	createCmd := replication.NewMutation(replication.Create)
	createCmd.Path = "/g"
	createCmd.Mode = 0644
	createCmd.MasterFD = 7
	fs.queue.Push(createCmd)
	<-createCmd.Done

	writeCmd := replication.NewMutation(replication.Write)
	writeCmd.MasterFD = 7
	writeCmd.Buf = []byte("payload")
	writeCmd.Offset = 0
	fs.queue.Push(writeCmd)
	<-writeCmd.Done

	// Create binds a write-only descriptor, so the read goes through a
	// separate read-only Open replay.
	openCmd := replication.NewMutation(replication.Open)
	openCmd.Path = "/g"
	openCmd.Flags = os.O_RDONLY
	openCmd.MasterFD = 8
	fs.queue.Push(openCmd)
	<-openCmd.Done

	readCmd := replication.NewRead("/g", int64(len("payload")), 0, 8)
	fs.queue.Push(readCmd)

	got := readCmd.Rendezvous.Get()
	assert.Equal(t, "payload", string(got))

	fs.queue.Close()
}

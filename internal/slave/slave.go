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

// Package slave is the read-only mirror mount: it answers kernel reads
// directly against its own backing adapter, refuses kernel mutations, and
// separately replays the master's broadcast Commands against that same
// backing adapter, translating MasterHandle to its own local descriptor
// through fd_map.
package slave

import (
	"os"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"

	"github.com/replicafs/replicafs/internal/backing"
	"github.com/replicafs/replicafs/internal/fsnode"
	"github.com/replicafs/replicafs/internal/logger"
	"github.com/replicafs/replicafs/internal/replication"
)

const (
	wrFlagMask = syscall.O_WRONLY | syscall.O_RDWR
)

// FileSystem implements fuseutil.FileSystem for one slave mount.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	Index   int
	backing *backing.Adapter
	table   *fsnode.Table

	// fdMu guards fdMap (MasterFD -> local slave fd) and handles
	// (the slave's own kernel-issued HandleID -> local fd), per spec.md
	// §9's "promote to per-instance + locked" correction.
	fdMu    syncutil.InvariantMutex
	fdMap   map[int]int
	handles map[fuseops.HandleID]int

	nextHandleID fuseops.HandleID

	queue *replication.Queue
}

// New constructs a slave FileSystem rooted at root, replaying commands
// dequeued from queue.
func New(index int, root string, queue *replication.Queue) *FileSystem {
	fs := &FileSystem{
		Index:        index,
		backing:      backing.New(root),
		table:        fsnode.NewTable(),
		fdMap:        make(map[int]int),
		handles:      make(map[fuseops.HandleID]int),
		nextHandleID: 1,
		queue:        queue,
	}
	fs.fdMu = syncutil.NewInvariantMutex(fs.checkFDInvariants)
	return fs
}

func (fs *FileSystem) checkFDInvariants() {}

// Run drains the queue, replaying each Command until the queue is closed.
// Meant to run on its own goroutine, per spec.md §5's "one worker thread
// per slave".
func (fs *FileSystem) Run() {
	for {
		cmd, ok := fs.queue.Pop()
		if !ok {
			return
		}
		if !fs.replay(cmd) {
			return
		}
	}
}

// replay applies cmd to the local backing adapter. It returns false only for
// an unknown command kind, which stops the worker.
func (fs *FileSystem) replay(cmd *replication.Command) bool {
	var err error
	switch cmd.Kind {
	case replication.Mkdir:
		err = fs.backing.Mkdir(cmd.Path, cmd.Mode)
	case replication.Create:
		var fd int
		fd, err = fs.backing.Create(cmd.Path, cmd.Mode)
		if err == nil {
			fs.bindFD(cmd.MasterFD, fd)
		}
	case replication.Open:
		var fd int
		fd, err = fs.backing.Open(cmd.Path, cmd.Flags)
		if err == nil {
			fs.bindFD(cmd.MasterFD, fd)
		}
	case replication.Write:
		if fd, ok := fs.lookupFD(cmd.MasterFD); ok {
			_, err = fs.backing.Write(fd, cmd.Buf, cmd.Offset)
		}
	case replication.Truncate:
		err = fs.backing.Truncate(cmd.Path, cmd.Length)
	case replication.Release:
		if fd, ok := fs.lookupFD(cmd.MasterFD); ok {
			err = fs.backing.Release(fd)
			fs.unbindFD(cmd.MasterFD)
		}
	case replication.Rename:
		err = fs.backing.Rename(cmd.Path, cmd.NewPath)
		if err == nil {
			fs.table.Lock()
			fs.table.Rename(cmd.Path, cmd.NewPath)
			fs.table.Unlock()
		}
	case replication.Rmdir:
		err = fs.backing.Rmdir(cmd.Path)
		if err == nil {
			fs.table.Lock()
			fs.table.Remove(cmd.Path)
			fs.table.Unlock()
		}
	case replication.Unlink:
		err = fs.backing.Unlink(cmd.Path)
		if err == nil {
			fs.table.Lock()
			fs.table.Remove(cmd.Path)
			fs.table.Unlock()
		}
	case replication.Chmod:
		err = fs.backing.Chmod(cmd.Path, cmd.Mode)
	case replication.Utimens:
		err = fs.backing.Utimens(cmd.Path, cmd.Atime, cmd.Mtime)
	case replication.Mknod:
		err = fs.backing.Mknod(cmd.Path, uint32(cmd.Mode), cmd.Dev)
	case replication.Link:
		err = fs.backing.Link(cmd.Path, cmd.NewPath)
	case replication.Symlink:
		err = fs.backing.Symlink(cmd.SymlinkTarget, cmd.Path)
	case replication.Read:
		var buf []byte
		if fd, ok := fs.lookupFD(cmd.MasterFD); ok {
			buf = make([]byte, cmd.Length)
			n, rerr := fs.backing.Read(fd, buf, cmd.Offset)
			if rerr == nil {
				buf = buf[:n]
			} else {
				err = rerr
				buf = nil
			}
		}
		cmd.Rendezvous.Provide(buf)
		return true
	default:
		logger.Errorf("slave %d: unknown command kind %v, aborting worker", fs.Index, cmd.Kind)
		return false
	}

	if err != nil {
		logger.Errorf("slave %d: replay of %s %s (command %s) failed: %v", fs.Index, cmd.Kind, cmd.Path, cmd.ID, err)
	}
	if cmd.Done != nil {
		close(cmd.Done)
	}
	return true
}

func (fs *FileSystem) bindFD(masterFD, localFD int) {
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()
	fs.fdMap[masterFD] = localFD
}

func (fs *FileSystem) unbindFD(masterFD int) {
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()
	delete(fs.fdMap, masterFD)
}

func (fs *FileSystem) lookupFD(masterFD int) (int, bool) {
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()
	fd, ok := fs.fdMap[masterFD]
	return fd, ok
}

// --- kernel-facing read-only surface ---

func (fs *FileSystem) Init(op *fuseops.InitOp) error {
	return nil
}

func (fs *FileSystem) LookUpInode(op *fuseops.LookUpInodeOp) error {
	fs.table.Lock()
	defer fs.table.Unlock()

	parent := fs.table.LookUpByID(op.Parent)
	if parent == nil {
		return syscall.ENOENT
	}
	child := fs.table.LookUpChild(parent, op.Name)

	attr, err := fs.backing.Getattr(child.Path)
	if err != nil {
		fs.table.Forget(child, 1)
		return syscall.ENOENT
	}

	op.Entry.Child = child.ID
	op.Entry.Attributes = toInodeAttributes(attr)
	return nil
}

func (fs *FileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) error {
	fs.table.Lock()
	n := fs.table.LookUpByID(op.Inode)
	fs.table.Unlock()
	if n == nil {
		return syscall.ENOENT
	}

	attr, err := fs.backing.Getattr(n.Path)
	if err != nil {
		return err
	}
	op.Attributes = toInodeAttributes(attr)
	return nil
}

func (fs *FileSystem) ForgetInode(op *fuseops.ForgetInodeOp) error {
	fs.table.Lock()
	defer fs.table.Unlock()
	n := fs.table.LookUpByID(op.ID)
	if n != nil {
		fs.table.Forget(n, uint64(op.N))
	}
	return nil
}

func (fs *FileSystem) OpenDir(op *fuseops.OpenDirOp) error {
	fs.table.Lock()
	n := fs.table.LookUpByID(op.Inode)
	fs.table.Unlock()
	if n == nil {
		return syscall.ENOENT
	}
	op.Handle = fs.allocHandle(-1)
	return nil
}

func (fs *FileSystem) ReadDir(op *fuseops.ReadDirOp) error {
	fs.table.Lock()
	n := fs.table.LookUpByID(op.Inode)
	fs.table.Unlock()
	if n == nil {
		return syscall.ENOENT
	}

	entries, err := fs.backing.Readdir(n.Path)
	if err != nil {
		return err
	}
	if int(op.Offset) >= len(entries) {
		op.Data = nil
		return nil
	}

	var buf []byte
	for i := int(op.Offset); i < len(entries); i++ {
		e := entries[i]
		de := fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Name:   e.Name,
		}
		if e.IsDir {
			de.Type = fuseutil.DT_Directory
		} else {
			de.Type = fuseutil.DT_File
		}
		n := fuseutil.WriteDirent(buf[len(buf):cap(buf)], de)
		if n == 0 {
			break
		}
		buf = buf[:len(buf)+n]
	}
	op.Data = buf
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) error {
	fs.releaseHandle(op.Handle)
	return nil
}

func (fs *FileSystem) OpenFile(op *fuseops.OpenFileOp) error {
	if uint32(op.Flags)&wrFlagMask != 0 {
		return syscall.EACCES
	}

	fs.table.Lock()
	n := fs.table.LookUpByID(op.Inode)
	fs.table.Unlock()
	if n == nil {
		return syscall.ENOENT
	}

	fd, err := fs.backing.Open(n.Path, int(op.Flags))
	if err != nil {
		return err
	}
	op.Handle = fs.allocHandle(fd)
	return nil
}

func (fs *FileSystem) ReadFile(op *fuseops.ReadFileOp) error {
	fd, ok := fs.handleFD(op.Handle)
	if !ok {
		return syscall.EBADF
	}
	buf := make([]byte, op.Size)
	n, err := fs.backing.Read(fd, buf, op.Offset)
	if err != nil {
		return err
	}
	op.Data = buf[:n]
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) error {
	if fd, ok := fs.handleFD(op.Handle); ok && fd >= 0 {
		fs.backing.Release(fd)
	}
	fs.releaseHandle(op.Handle)
	return nil
}

func (fs *FileSystem) ReadSymlink(op *fuseops.ReadSymlinkOp) error {
	fs.table.Lock()
	n := fs.table.LookUpByID(op.Inode)
	fs.table.Unlock()
	if n == nil {
		return syscall.ENOENT
	}
	target, err := fs.backing.Readlink(n.Path)
	if err != nil {
		return err
	}
	op.Target = target
	return nil
}

func (fs *FileSystem) StatFS(op *fuseops.StatFSOp) error {
	st, err := fs.backing.Statfs()
	if err != nil {
		return err
	}
	op.BlockSize = uint32(st.Bsize)
	op.IoSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.Inodes = st.Files
	op.InodesFree = st.Ffree
	return nil
}

// --- kernel-facing mutation surface: all rejected ---

func (fs *FileSystem) MkDir(op *fuseops.MkDirOp) error          { return syscall.EPERM }
func (fs *FileSystem) MkNode(op *fuseops.MkNodeOp) error         { return syscall.EPERM }
func (fs *FileSystem) CreateFile(op *fuseops.CreateFileOp) error { return syscall.EPERM }
func (fs *FileSystem) CreateSymlink(op *fuseops.CreateSymlinkOp) error {
	return syscall.EPERM
}
func (fs *FileSystem) CreateLink(op *fuseops.CreateLinkOp) error { return syscall.EPERM }
func (fs *FileSystem) Rename(op *fuseops.RenameOp) error         { return syscall.EPERM }
func (fs *FileSystem) RmDir(op *fuseops.RmDirOp) error           { return syscall.EPERM }
func (fs *FileSystem) Unlink(op *fuseops.UnlinkOp) error         { return syscall.EPERM }
func (fs *FileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) error {
	return syscall.EPERM
}
func (fs *FileSystem) WriteFile(op *fuseops.WriteFileOp) error { return syscall.EPERM }
func (fs *FileSystem) SyncFile(op *fuseops.SyncFileOp) error   { return nil }
func (fs *FileSystem) FlushFile(op *fuseops.FlushFileOp) error { return nil }

func (fs *FileSystem) allocHandle(fd int) fuseops.HandleID {
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()
	id := fs.nextHandleID
	fs.nextHandleID++
	fs.handles[id] = fd
	return id
}

func (fs *FileSystem) handleFD(id fuseops.HandleID) (int, bool) {
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()
	fd, ok := fs.handles[id]
	return fd, ok
}

func (fs *FileSystem) releaseHandle(id fuseops.HandleID) {
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()
	delete(fs.handles, id)
}

func toInodeAttributes(attr backing.Attr) fuseops.InodeAttributes {
	mode := attr.Mode
	if attr.IsDir {
		mode |= os.ModeDir
	}
	return fuseops.InodeAttributes{
		Size:  uint64(attr.Size),
		Nlink: attr.Nlink,
		Mode:  mode,
		Atime: attr.Atime,
		Mtime: attr.Mtime,
		Ctime: attr.Ctime,
		Uid:   attr.Uid,
		Gid:   attr.Gid,
	}
}

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

// Package master is the writable primary mount: every mutation applies
// locally first, then broadcasts to all slave queues and blocks on their
// completion signals (the barrier); every read instead round-robins to one
// slave's queue and blocks on its rendezvous.
package master

import (
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/replicafs/replicafs/clock"
	"github.com/replicafs/replicafs/common"
	"github.com/replicafs/replicafs/internal/backing"
	"github.com/replicafs/replicafs/internal/fsnode"
	"github.com/replicafs/replicafs/internal/replication"
)

// kindOpName maps a Command's Kind to the matching FUSE operation-name
// constant in common/constants.go, so Prometheus labels use the FUSE
// operation names rather than a separate naming scheme.
func kindOpName(k replication.Kind) string {
	switch k {
	case replication.Mkdir:
		return common.OpMkDir
	case replication.Create:
		return common.OpCreateFile
	case replication.Open:
		return common.OpOpenFile
	case replication.Write:
		return common.OpWriteFile
	case replication.Truncate:
		return common.OpSetInodeAttributes
	case replication.Release:
		return common.OpReleaseFileHandle
	case replication.Rename:
		return common.OpRename
	case replication.Rmdir:
		return common.OpRmDir
	case replication.Unlink:
		return common.OpUnlink
	case replication.Chmod:
		return common.OpSetInodeAttributes
	case replication.Read:
		return common.OpReadFile
	case replication.Link:
		return common.OpCreateLink
	case replication.Symlink:
		return common.OpCreateSymlink
	case replication.Utimens:
		return common.OpSetInodeAttributes
	case replication.Mknod:
		return common.OpMkNode
	default:
		return k.String()
	}
}

// Metrics groups the Prometheus collectors the dispatcher updates.
type Metrics struct {
	BarrierWaitSeconds prometheus.Histogram
	ReadsBySlave       *prometheus.CounterVec
	MutationsByKind    *prometheus.CounterVec
}

// NewMetrics constructs and registers Metrics against reg. Pass a fresh
// prometheus.Registry when serving /metrics; pass nil to disable
// registration (Metrics is still usable, just not exported).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BarrierWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replicafs_master_barrier_wait_seconds",
			Help:    "Time the master blocked waiting for all slaves to acknowledge a broadcast mutation.",
			Buckets: prometheus.DefBuckets,
		}),
		ReadsBySlave: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replicafs_master_reads_total",
			Help: "Reads dispatched from the master, by target slave index.",
		}, []string{"slave_index"}),
		MutationsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replicafs_master_mutations_total",
			Help: "Mutating operations applied on the master, by Command kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.BarrierWaitSeconds, m.ReadsBySlave, m.MutationsByKind)
	}
	return m
}

// FileSystem implements fuseutil.FileSystem for the master mount.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	backing *backing.Adapter
	table   *fsnode.Table

	handleMu     syncutil.InvariantMutex
	handles      map[fuseops.HandleID]int
	nextHandleID fuseops.HandleID

	queues  []*replication.Queue
	metrics *Metrics
	clock   clock.Clock

	nextReadSlave atomic.Int64
}

// New constructs the master FileSystem rooted at root, broadcasting
// mutations and round-robining reads across queues (one per slave).
func New(root string, queues []*replication.Queue, metrics *Metrics, c clock.Clock) *FileSystem {
	if c == nil {
		c = clock.RealClock{}
	}
	fs := &FileSystem{
		backing:      backing.New(root),
		table:        fsnode.NewTable(),
		handles:      make(map[fuseops.HandleID]int),
		nextHandleID: 1,
		queues:       queues,
		metrics:      metrics,
		clock:        c,
	}
	fs.handleMu = syncutil.NewInvariantMutex(func() {})
	return fs
}

// broadcast clones cmd once per slave queue, enqueues each copy, and blocks
// until every copy's Done channel has closed: the barrier.
func (fs *FileSystem) broadcast(cmd *replication.Command) {
	start := fs.clock.Now()
	clones := make([]*replication.Command, len(fs.queues))
	for i, q := range fs.queues {
		clone := cmd.Clone(i)
		clones[i] = clone
		q.Push(clone)
	}
	for _, clone := range clones {
		<-clone.Done
	}
	if fs.metrics != nil {
		fs.metrics.BarrierWaitSeconds.Observe(fs.clock.Now().Sub(start).Seconds())
		fs.metrics.MutationsByKind.WithLabelValues(kindOpName(cmd.Kind)).Inc()
	}
}

// dispatchRead builds a Read command, enqueues it on the next slave in
// round-robin order, and blocks on its rendezvous.
func (fs *FileSystem) dispatchRead(path string, length, offset int64, masterFD int) []byte {
	idx := int(fs.nextReadSlave.Add(1)-1) % len(fs.queues)
	cmd := replication.NewRead(path, length, offset, masterFD)
	fs.queues[idx].Push(cmd)
	if fs.metrics != nil {
		fs.metrics.ReadsBySlave.WithLabelValues(itoa(idx)).Inc()
	}
	return cmd.Rendezvous.Get()
}

func (fs *FileSystem) allocHandle(fd int) fuseops.HandleID {
	fs.handleMu.Lock()
	defer fs.handleMu.Unlock()
	id := fs.nextHandleID
	fs.nextHandleID++
	fs.handles[id] = fd
	return id
}

func (fs *FileSystem) handleFD(id fuseops.HandleID) (int, bool) {
	fs.handleMu.Lock()
	defer fs.handleMu.Unlock()
	fd, ok := fs.handles[id]
	return fd, ok
}

func (fs *FileSystem) releaseHandle(id fuseops.HandleID) {
	fs.handleMu.Lock()
	defer fs.handleMu.Unlock()
	delete(fs.handles, id)
}

// --- pure reads: answered from the master's own backing, never routed ---

func (fs *FileSystem) Init(op *fuseops.InitOp) error { return nil }

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
		de := fuseutil.Dirent{Offset: fuseops.DirOffset(i + 1), Name: e.Name}
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

// --- mutations: local apply first, then broadcast with barrier ---

func (fs *FileSystem) MkDir(op *fuseops.MkDirOp) error {
	fs.table.Lock()
	parent := fs.table.LookUpByID(op.Parent)
	fs.table.Unlock()
	if parent == nil {
		return syscall.ENOENT
	}
	childPath := joinPath(parent.Path, op.Name)

	if err := fs.backing.Mkdir(childPath, op.Mode); err != nil {
		return err
	}

	fs.table.Lock()
	child := fs.table.LookUpChild(parent, op.Name)
	fs.table.Unlock()

	attr, err := fs.backing.Getattr(childPath)
	if err != nil {
		return err
	}
	op.Entry.Child = child.ID
	op.Entry.Attributes = toInodeAttributes(attr)

	cmd := replication.NewMutation(replication.Mkdir)
	cmd.Path = childPath
	cmd.Mode = op.Mode
	fs.broadcast(cmd)
	return nil
}

func (fs *FileSystem) CreateFile(op *fuseops.CreateFileOp) error {
	fs.table.Lock()
	parent := fs.table.LookUpByID(op.Parent)
	fs.table.Unlock()
	if parent == nil {
		return syscall.ENOENT
	}
	childPath := joinPath(parent.Path, op.Name)

	fd, err := fs.backing.Create(childPath, op.Mode)
	if err != nil {
		return err
	}

	fs.table.Lock()
	child := fs.table.LookUpChild(parent, op.Name)
	fs.table.Unlock()

	attr, err := fs.backing.Getattr(childPath)
	if err != nil {
		return err
	}
	op.Entry.Child = child.ID
	op.Entry.Attributes = toInodeAttributes(attr)
	op.Handle = fs.allocHandle(fd)

	cmd := replication.NewMutation(replication.Create)
	cmd.Path = childPath
	cmd.Mode = op.Mode
	cmd.MasterFD = fd
	fs.broadcast(cmd)
	return nil
}

func (fs *FileSystem) MkNode(op *fuseops.MkNodeOp) error {
	fs.table.Lock()
	parent := fs.table.LookUpByID(op.Parent)
	fs.table.Unlock()
	if parent == nil {
		return syscall.ENOENT
	}
	childPath := joinPath(parent.Path, op.Name)

	if err := fs.backing.Mknod(childPath, uint32(op.Mode), 0); err != nil {
		return err
	}

	fs.table.Lock()
	child := fs.table.LookUpChild(parent, op.Name)
	fs.table.Unlock()

	attr, err := fs.backing.Getattr(childPath)
	if err != nil {
		return err
	}
	op.Entry.Child = child.ID
	op.Entry.Attributes = toInodeAttributes(attr)

	cmd := replication.NewMutation(replication.Mknod)
	cmd.Path = childPath
	cmd.Mode = op.Mode
	fs.broadcast(cmd)
	return nil
}

func (fs *FileSystem) CreateSymlink(op *fuseops.CreateSymlinkOp) error {
	fs.table.Lock()
	parent := fs.table.LookUpByID(op.Parent)
	fs.table.Unlock()
	if parent == nil {
		return syscall.ENOENT
	}
	childPath := joinPath(parent.Path, op.Name)

	if err := fs.backing.Symlink(op.Target, childPath); err != nil {
		return err
	}

	fs.table.Lock()
	child := fs.table.LookUpChild(parent, op.Name)
	fs.table.Unlock()

	attr, err := fs.backing.Getattr(childPath)
	if err != nil {
		return err
	}
	op.Entry.Child = child.ID
	op.Entry.Attributes = toInodeAttributes(attr)

	cmd := replication.NewMutation(replication.Symlink)
	cmd.Path = childPath
	cmd.SymlinkTarget = op.Target
	fs.broadcast(cmd)
	return nil
}

func (fs *FileSystem) CreateLink(op *fuseops.CreateLinkOp) error {
	fs.table.Lock()
	parent := fs.table.LookUpByID(op.Parent)
	target := fs.table.LookUpByID(op.Target)
	fs.table.Unlock()
	if parent == nil || target == nil {
		return syscall.ENOENT
	}
	childPath := joinPath(parent.Path, op.Name)

	if err := fs.backing.Link(target.Path, childPath); err != nil {
		return err
	}

	fs.table.Lock()
	child := fs.table.LookUpChild(parent, op.Name)
	fs.table.Unlock()

	attr, err := fs.backing.Getattr(childPath)
	if err != nil {
		return err
	}
	op.Entry.Child = child.ID
	op.Entry.Attributes = toInodeAttributes(attr)

	cmd := replication.NewMutation(replication.Link)
	cmd.Path = target.Path
	cmd.NewPath = childPath
	fs.broadcast(cmd)
	return nil
}

func (fs *FileSystem) RmDir(op *fuseops.RmDirOp) error {
	fs.table.Lock()
	parent := fs.table.LookUpByID(op.Parent)
	fs.table.Unlock()
	if parent == nil {
		return syscall.ENOENT
	}
	childPath := joinPath(parent.Path, op.Name)

	if err := fs.backing.Rmdir(childPath); err != nil {
		return err
	}

	fs.table.Lock()
	fs.table.Remove(childPath)
	fs.table.Unlock()

	cmd := replication.NewMutation(replication.Rmdir)
	cmd.Path = childPath
	fs.broadcast(cmd)
	return nil
}

func (fs *FileSystem) Unlink(op *fuseops.UnlinkOp) error {
	fs.table.Lock()
	parent := fs.table.LookUpByID(op.Parent)
	fs.table.Unlock()
	if parent == nil {
		return syscall.ENOENT
	}
	childPath := joinPath(parent.Path, op.Name)

	if err := fs.backing.Unlink(childPath); err != nil {
		return err
	}

	fs.table.Lock()
	fs.table.Remove(childPath)
	fs.table.Unlock()

	cmd := replication.NewMutation(replication.Unlink)
	cmd.Path = childPath
	fs.broadcast(cmd)
	return nil
}

func (fs *FileSystem) Rename(op *fuseops.RenameOp) error {
	fs.table.Lock()
	oldParent := fs.table.LookUpByID(op.OldParent)
	newParent := fs.table.LookUpByID(op.NewParent)
	fs.table.Unlock()
	if oldParent == nil || newParent == nil {
		return syscall.ENOENT
	}
	oldPath := joinPath(oldParent.Path, op.OldName)
	newPath := joinPath(newParent.Path, op.NewName)

	if err := fs.backing.Rename(oldPath, newPath); err != nil {
		return err
	}

	fs.table.Lock()
	fs.table.Rename(oldPath, newPath)
	fs.table.Unlock()

	cmd := replication.NewMutation(replication.Rename)
	cmd.Path = oldPath
	cmd.NewPath = newPath
	fs.broadcast(cmd)
	return nil
}

func (fs *FileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) error {
	fs.table.Lock()
	n := fs.table.LookUpByID(op.Inode)
	fs.table.Unlock()
	if n == nil {
		return syscall.ENOENT
	}

	if op.Mode != nil {
		if err := fs.backing.Chmod(n.Path, *op.Mode); err != nil {
			return err
		}
		cmd := replication.NewMutation(replication.Chmod)
		cmd.Path = n.Path
		cmd.Mode = *op.Mode
		fs.broadcast(cmd)
	}
	if op.Atime != nil || op.Mtime != nil {
		var atime, mtime time.Time
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if err := fs.backing.Utimens(n.Path, atime, mtime); err != nil {
			return err
		}
		cmd := replication.NewMutation(replication.Utimens)
		cmd.Path = n.Path
		cmd.Atime = atime
		cmd.Mtime = mtime
		fs.broadcast(cmd)
	}
	if op.Size != nil {
		if err := fs.backing.Truncate(n.Path, int64(*op.Size)); err != nil {
			return err
		}
		cmd := replication.NewMutation(replication.Truncate)
		cmd.Path = n.Path
		cmd.Length = int64(*op.Size)
		fs.broadcast(cmd)
	}

	attr, err := fs.backing.Getattr(n.Path)
	if err != nil {
		return err
	}
	op.Attributes = toInodeAttributes(attr)
	return nil
}

// --- file handles: open/create already handled above for Create; OpenFile
// is the pure-open path for pre-existing files ---

func (fs *FileSystem) OpenFile(op *fuseops.OpenFileOp) error {
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

	cmd := replication.NewMutation(replication.Open)
	cmd.Path = n.Path
	cmd.Flags = int(op.Flags)
	cmd.MasterFD = fd
	fs.broadcast(cmd)
	return nil
}

func (fs *FileSystem) ReadFile(op *fuseops.ReadFileOp) error {
	fs.table.Lock()
	n := fs.table.LookUpByID(op.Inode)
	fs.table.Unlock()
	if n == nil {
		return syscall.ENOENT
	}
	fd, _ := fs.handleFD(op.Handle)
	op.Data = fs.dispatchRead(n.Path, int64(op.Size), op.Offset, fd)
	return nil
}

func (fs *FileSystem) WriteFile(op *fuseops.WriteFileOp) error {
	fd, ok := fs.handleFD(op.Handle)
	if !ok {
		return syscall.EBADF
	}

	if _, err := fs.backing.Write(fd, op.Data, op.Offset); err != nil {
		return err
	}

	fs.table.Lock()
	n := fs.table.LookUpByID(op.Inode)
	fs.table.Unlock()

	cmd := replication.NewMutation(replication.Write)
	if n != nil {
		cmd.Path = n.Path
	}
	cmd.Buf = append([]byte(nil), op.Data...)
	cmd.Offset = op.Offset
	cmd.MasterFD = fd
	fs.broadcast(cmd)
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) error {
	fd, ok := fs.handleFD(op.Handle)
	if ok && fd >= 0 {
		fs.backing.Release(fd)
	}
	fs.releaseHandle(op.Handle)

	cmd := replication.NewMutation(replication.Release)
	cmd.MasterFD = fd
	fs.broadcast(cmd)
	return nil
}

// --- sync points: handled locally on the master only, never replicated ---

func (fs *FileSystem) SyncFile(op *fuseops.SyncFileOp) error {
	fd, _ := fs.handleFD(op.Handle)
	return fs.backing.Fsync(fd)
}

func (fs *FileSystem) FlushFile(op *fuseops.FlushFileOp) error {
	fd, _ := fs.handleFD(op.Handle)
	return fs.backing.Flush(fd)
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
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

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

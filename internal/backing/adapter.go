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

// Package backing is the uniform POSIX operation set every node (master or
// slave) runs against its own BackingRoot, translating a VirtualPath into a
// host path before touching the filesystem.
package backing

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Attr is the stat tuple getattr returns: mode, size, uid, gid, times, nlink.
type Attr struct {
	Mode    os.FileMode
	Size    int64
	Uid     uint32
	Gid     uint32
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Nlink   uint32
	Inode   uint64
	IsDir   bool
	IsLink  bool
}

// Adapter exposes the full operation set against one BackingRoot. Timestamps
// reported by Getattr come from the host filesystem itself (the kernel
// stamps them on every host-side write); the adapter has no clock of its
// own to reconcile against.
type Adapter struct {
	Root string
}

// New returns an Adapter rooted at root.
func New(root string) *Adapter {
	return &Adapter{Root: root}
}

// translate maps a VirtualPath to its BackingPath: strip the leading
// separator and join with Root. No escape handling beyond filepath.Clean;
// per spec, the core trusts the host to canonicalize.
func (a *Adapter) translate(p string) string {
	clean := filepath.Clean("/" + p)
	return filepath.Join(a.Root, strings.TrimPrefix(clean, "/"))
}

// Getattr stats p without following a trailing symlink.
func (a *Adapter) Getattr(p string) (Attr, error) {
	fi, err := os.Lstat(a.translate(p))
	if err != nil {
		return Attr{}, err
	}
	return attrFromFileInfo(fi), nil
}

func attrFromFileInfo(fi os.FileInfo) Attr {
	st := fi.Sys().(*syscall.Stat_t)
	return Attr{
		Mode:   fi.Mode(),
		Size:   fi.Size(),
		Uid:    st.Uid,
		Gid:    st.Gid,
		Atime:  time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime:  fi.ModTime(),
		Ctime:  time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		Nlink:  uint32(st.Nlink),
		Inode:  st.Ino,
		IsDir:  fi.IsDir(),
		IsLink: fi.Mode()&os.ModeSymlink != 0,
	}
}

// DirEntry is one entry yielded by Readdir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Readdir yields ".", "..", then host directory entries; no ordering
// guarantee beyond what os.ReadDir gives.
func (a *Adapter) Readdir(p string) ([]DirEntry, error) {
	entries, err := os.ReadDir(a.translate(p))
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries)+2)
	out = append(out, DirEntry{Name: ".", IsDir: true}, DirEntry{Name: "..", IsDir: true})
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}

// Readlink returns the symlink target at p. Absolute targets are
// relativized against this mount's virtual root; relative targets are
// returned verbatim.
func (a *Adapter) Readlink(p string) (string, error) {
	target, err := os.Readlink(a.translate(p))
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(target) {
		rel, err := filepath.Rel(a.Root, target)
		if err == nil {
			return "/" + rel, nil
		}
	}
	return target, nil
}

// Chmod changes permission bits on p.
func (a *Adapter) Chmod(p string, mode os.FileMode) error {
	return os.Chmod(a.translate(p), mode)
}

// Statfs reports filesystem-level statistics for the backing root.
func (a *Adapter) Statfs() (unix.Statfs_t, error) {
	var st unix.Statfs_t
	err := unix.Statfs(a.Root, &st)
	return st, err
}

// Utimens sets atime/mtime on p.
func (a *Adapter) Utimens(p string, atime, mtime time.Time) error {
	return os.Chtimes(a.translate(p), atime, mtime)
}

// Mknod creates a special/regular file via the host's mknod(2).
func (a *Adapter) Mknod(p string, mode uint32, dev int) error {
	return unix.Mknod(a.translate(p), mode, dev)
}

// Link creates a hard link at newPath pointing at oldPath.
func (a *Adapter) Link(oldPath, newPath string) error {
	return os.Link(a.translate(oldPath), a.translate(newPath))
}

// Symlink creates a symlink at linkPath pointing at target, POSIX argument
// order (target, linkpath).
func (a *Adapter) Symlink(target, linkPath string) error {
	return os.Symlink(target, a.translate(linkPath))
}

// Rename moves oldPath to newPath.
func (a *Adapter) Rename(oldPath, newPath string) error {
	return os.Rename(a.translate(oldPath), a.translate(newPath))
}

// Mkdir creates directory p with mode.
func (a *Adapter) Mkdir(p string, mode os.FileMode) error {
	return os.Mkdir(a.translate(p), mode)
}

// Rmdir removes empty directory p.
func (a *Adapter) Rmdir(p string) error {
	return os.Remove(a.translate(p))
}

// Unlink removes file p.
func (a *Adapter) Unlink(p string) error {
	return os.Remove(a.translate(p))
}

// Open opens p with the given host flags, returning the raw descriptor.
func (a *Adapter) Open(p string, flags int) (int, error) {
	fd, err := unix.Open(a.translate(p), flags, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// Create opens p with write-create flags and the given mode, returning the
// raw descriptor. The kernel's fi argument is accepted upstream and ignored
// here.
func (a *Adapter) Create(p string, mode os.FileMode) (int, error) {
	fd, err := unix.Open(a.translate(p), unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, uint32(mode))
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// Read reads up to len(buf) bytes from fh at offset off.
func (a *Adapter) Read(fh int, buf []byte, off int64) (int, error) {
	return unix.Pread(fh, buf, off)
}

// Write writes buf to fh at offset off.
func (a *Adapter) Write(fh int, buf []byte, off int64) (int, error) {
	return unix.Pwrite(fh, buf, off)
}

// Truncate truncates p to length len by path.
func (a *Adapter) Truncate(p string, length int64) error {
	return os.Truncate(a.translate(p), length)
}

// Flush fsyncs fh.
func (a *Adapter) Flush(fh int) error {
	return unix.Fsync(fh)
}

// Fsync fsyncs fh.
func (a *Adapter) Fsync(fh int) error {
	return unix.Fsync(fh)
}

// Release closes fh.
func (a *Adapter) Release(fh int) error {
	return unix.Close(fh)
}

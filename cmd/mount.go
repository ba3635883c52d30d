// Copyright 2024 Google LLC
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
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/replicafs/replicafs/internal/cfg"
	"github.com/replicafs/replicafs/internal/logger"
	"github.com/replicafs/replicafs/internal/master"
	"github.com/replicafs/replicafs/internal/replication"
	"github.com/replicafs/replicafs/internal/slave"
)

const (
	masterName      = "master"
	slavePrefix     = "slave"
	masterMountName = "master"
	slaveMountName  = "slave"
)

// mountOne mounts fsys at mountPoint under fsName, wiring its error/debug
// loggers through the package logger and running single-threaded (the host
// library is never told to parallelize dispatch per mount).
func mountOne(fsName, mountPoint string, fsys fuseutil.FileSystem) (*fuse.MountedFileSystem, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("creating mount point %q: %w", mountPoint, err)
	}

	mountCfg := &fuse.MountConfig{
		FSName:      fsName,
		Subtype:     "replicafs",
		VolumeName:  fsName,
		ErrorLogger: logger.NewLegacyLogger(logger.LevelError, "fuse: "),
		DebugLogger: logger.NewLegacyLogger(logger.LevelTrace, "fuse_debug: "),
	}

	server := fuseutil.NewFileSystemServer(fsys)
	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		return nil, fmt.Errorf("mounting %q at %q: %w", fsName, mountPoint, err)
	}
	return mfs, nil
}

// replicaFS is one running instance, held as the errgroup tracking every
// node's mount-dispatch and slave-replay goroutines.
type replicaFS struct {
	group *errgroup.Group
}

// wait blocks until every goroutine in the group has returned and reports
// the first error any of them returned; a failing node does not make it
// return early.
func (r *replicaFS) wait() error {
	return r.group.Wait()
}

// startReplicaFS builds N replication queues, one master and N slaves,
// mounts every node, and starts each slave's replay worker. It returns once
// every mount has succeeded; the caller waits on the result afterward.
func startReplicaFS(c *cfg.Config) (*replicaFS, error) {
	backingRoot, err := filepath.Abs(c.BackingStore)
	if err != nil {
		return nil, fmt.Errorf("resolving backing store path: %w", err)
	}
	mountRoot, err := filepath.Abs(c.MountRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving mount root path: %w", err)
	}

	var registry *prometheus.Registry
	var metrics *master.Metrics
	if c.MetricsAddr != "" {
		registry = prometheus.NewRegistry()
		metrics = master.NewMetrics(registry)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(c.MetricsAddr, mux); err != nil {
				logger.Errorf("metrics listener on %s stopped: %v", c.MetricsAddr, err)
			}
		}()
	}

	queues := make([]*replication.Queue, c.NbrSlaves)
	slaves := make([]*slave.FileSystem, c.NbrSlaves)
	for i := 0; i < c.NbrSlaves; i++ {
		queues[i] = replication.NewQueue()
		slaveRoot := filepath.Join(backingRoot, fmt.Sprintf("%s%d", slavePrefix, i))
		if err := os.MkdirAll(slaveRoot, 0755); err != nil {
			return nil, fmt.Errorf("creating slave backing dir %q: %w", slaveRoot, err)
		}
		slaves[i] = slave.New(i, slaveRoot, queues[i])
	}

	masterRoot := filepath.Join(backingRoot, masterName)
	if err := os.MkdirAll(masterRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating master backing dir %q: %w", masterRoot, err)
	}
	masterFS := master.New(masterRoot, queues, metrics, nil)

	var group errgroup.Group

	for i, s := range slaves {
		s := s
		group.Go(func() error {
			s.Run()
			return nil
		})

		mountPoint := filepath.Join(mountRoot, fmt.Sprintf("%s%d", slaveMountName, i))
		mfs, err := mountOne(fmt.Sprintf("replicafs-slave-%d", i), mountPoint, s)
		if err != nil {
			queues[i].Close()
			return nil, err
		}
		group.Go(func() error {
			return mfs.Join(context.Background())
		})
	}

	masterMountPoint := filepath.Join(mountRoot, masterMountName)
	masterMfs, err := mountOne("replicafs-master", masterMountPoint, masterFS)
	if err != nil {
		for _, q := range queues {
			q.Close()
		}
		return nil, err
	}
	group.Go(func() error {
		return masterMfs.Join(context.Background())
	})

	return &replicaFS{group: &group}, nil
}

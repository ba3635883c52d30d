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

package master

import (
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicafs/replicafs/clock"
	"github.com/replicafs/replicafs/internal/replication"
)

func newTestMaster(t *testing.T, nbrSlaves int) (*FileSystem, []*replication.Queue) {
	t.Helper()
	queues := make([]*replication.Queue, nbrSlaves)
	for i := range queues {
		queues[i] = replication.NewQueue()
	}
	fs := New(t.TempDir(), queues, nil, clock.RealClock{})
	return fs, queues
}

// drainAcking pops every command off q and closes its Done channel (or
// provides its Rendezvous), simulating a slave worker without needing a
// real backing adapter.
func drainAcking(t *testing.T, q *replication.Queue, stop <-chan struct{}) {
	t.Helper()
	for {
		select {
		case <-stop:
			return
		default:
		}
		cmd, ok := q.Pop()
		if !ok {
			return
		}
		if cmd.Kind == replication.Read {
			cmd.Rendezvous.Provide([]byte("slave-data"))
			continue
		}
		close(cmd.Done)
	}
}

func TestMkdirBroadcastsToAllSlavesAndBarrierWaits(t *testing.T) {
	fs, queues := newTestMaster(t, 3)
	stop := make(chan struct{})
	defer close(stop)
	for _, q := range queues {
		go drainAcking(t, q, stop)
	}

	fs.table.Lock()
	root := fs.table.LookUpByID(fuseops.RootInodeID)
	fs.table.Unlock()

	op := &fuseops.MkDirOp{Parent: root.ID, Name: "sub", Mode: 0755}
	done := make(chan error, 1)
	go func() { done <- fs.MkDir(op) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("MkDir never returned; barrier likely stuck")
	}

	assert.NotZero(t, op.Entry.Child)
}

func TestReadRoundRobinsAcrossSlavesInOrder(t *testing.T) {
	fs, queues := newTestMaster(t, 3)

	var gotSlave []int
	for i, q := range queues {
		i, q := i, q
		go func() {
			cmd, ok := q.Pop()
			if !ok {
				return
			}
			gotSlave = append(gotSlave, i)
			cmd.Rendezvous.Provide([]byte("x"))
		}()
	}

	for i := 0; i < 3; i++ {
		data := fs.dispatchRead("/f", 1, 0, -1)
		assert.Equal(t, []byte("x"), data)
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, []int{0, 1, 2}, gotSlave)
}

func TestLocalMkdirFailureSkipsReplication(t *testing.T) {
	fs, queues := newTestMaster(t, 2)

	fs.table.Lock()
	root := fs.table.LookUpByID(fuseops.RootInodeID)
	fs.table.Unlock()

	// Create the directory once so the second attempt fails locally.
	require.NoError(t, fs.backing.Mkdir("/dup", 0755))

	op := &fuseops.MkDirOp{Parent: root.ID, Name: "dup", Mode: 0755}
	err := fs.MkDir(op)
	assert.Error(t, err)

	for _, q := range queues {
		assert.Equal(t, 0, q.Len(), "a failed local mkdir must not enqueue replication")
	}
}

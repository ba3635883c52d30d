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

package replication

import (
	"sync"

	"github.com/replicafs/replicafs/common"
)

// Queue is the per-slave, multi-producer/single-consumer FIFO of Commands.
// It wraps common.Queue's plain linked list with a mutex and a condition
// variable so Pop can block instead of polling.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	inner  common.Queue[*Command]
	closed bool
}

// NewQueue returns an empty, open Queue.
func NewQueue() *Queue {
	q := &Queue{inner: common.NewLinkedListQueue[*Command]()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues cmd and wakes one blocked Pop, if any.
func (q *Queue) Push(cmd *Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.inner.Push(cmd)
	q.cond.Signal()
}

// Pop blocks until a Command is available, then returns it. Returns
// ok=false only if the queue has been closed and drained.
func (q *Queue) Pop() (cmd *Command, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.inner.IsEmpty() && !q.closed {
		q.cond.Wait()
	}
	if q.inner.IsEmpty() {
		return nil, false
	}
	return q.inner.Pop(), true
}

// Len reports the number of Commands currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inner.Len()
}

// Close causes every blocked and future Pop to return ok=false once drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue()
	a := NewMutation(Mkdir)
	a.Path = "/a"
	b := NewMutation(Mkdir)
	b.Path = "/b"

	q.Push(a)
	q.Push(b)

	got1, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "/a", got1.Path)

	got2, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "/b", got2.Path)
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	result := make(chan *Command)

	go func() {
		cmd, _ := q.Pop()
		result <- cmd
	}()

	select {
	case <-result:
		t.Fatal("Pop returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}

	cmd := NewMutation(Rmdir)
	q.Push(cmd)

	select {
	case got := <-result:
		assert.Same(t, cmd, got)
	case <-time.After(time.Second):
		t.Fatal("Pop never unblocked after Push")
	}
}

func TestQueueCloseUnblocksPop(t *testing.T) {
	q := NewQueue()
	result := make(chan bool)

	go func() {
		_, ok := q.Pop()
		result <- ok
	}()

	q.Close()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop never unblocked after Close")
	}
}

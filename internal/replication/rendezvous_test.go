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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRendezvousGetBlocksUntilProvide(t *testing.T) {
	r := NewRendezvous()
	done := make(chan []byte)

	go func() {
		done <- r.Get()
	}()

	select {
	case <-done:
		t.Fatal("Get returned before Provide was called")
	case <-time.After(20 * time.Millisecond):
	}

	r.Provide([]byte("payload"))

	select {
	case got := <-done:
		assert.Equal(t, []byte("payload"), got)
	case <-time.After(time.Second):
		t.Fatal("Get never returned after Provide")
	}
}

func TestRendezvousProvideAtMostOnce(t *testing.T) {
	r := NewRendezvous()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Provide([]byte{byte(i)})
		}(i)
	}
	wg.Wait()

	got := r.Get()
	assert.Len(t, got, 1)
}

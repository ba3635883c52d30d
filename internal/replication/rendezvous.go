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

import "sync/atomic"

// Rendezvous is a single-shot producer/consumer handoff of one read result
// from a slave to the master. The source's two-lock dance (acquiring an
// unlocked lock to create a wait) is fragile; this replaces it with a
// buffered channel of size 1 guarded by an atomic "already provided" flag,
// which gives the same three guarantees without a lock-acquisition-order
// dependency: get blocks until provide runs, provide runs at most once, and
// the channel send/receive pair gives provide's writes release/acquire
// visibility to get.
type Rendezvous struct {
	ch       chan []byte
	provided atomic.Bool
}

// NewRendezvous returns a fresh, unprovided Rendezvous.
func NewRendezvous() *Rendezvous {
	return &Rendezvous{ch: make(chan []byte, 1)}
}

// Provide publishes value to the waiting consumer. Calling Provide more
// than once is a no-op after the first call.
func (r *Rendezvous) Provide(value []byte) {
	if r.provided.CompareAndSwap(false, true) {
		r.ch <- value
	}
}

// Get blocks until Provide has been called, then returns its value.
func (r *Rendezvous) Get() []byte {
	return <-r.ch
}

// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package tracker

import (
	"sync"

	"github.com/torrtrack/chihaya/tracker/models"
)

// HashJournal is a dirty set (C6) keyed by InfoHash: it records the
// pending persistence action for each touched key since the last drain.
// Multiple mutations of the same key coalesce naturally because the map
// only ever holds the latest action.
type HashJournal struct {
	mu      sync.Mutex
	pending map[models.InfoHash]models.UpdatesAction
}

// NewHashJournal returns an empty hash-keyed journal.
func NewHashJournal() *HashJournal {
	return &HashJournal{pending: make(map[models.InfoHash]models.UpdatesAction)}
}

// Record marks a key as needing the given action at the next drain.
// Add followed by Remove cancels out to Remove; any action followed by
// Update stays Update unless the pending action was Add, in which case it
// stays Add (a never-persisted row still only needs a single insert).
func (j *HashJournal) Record(key models.InfoHash, action models.UpdatesAction) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if action == models.Update {
		if prev, ok := j.pending[key]; ok && prev == models.Add {
			return
		}
	}
	j.pending[key] = action
}

// Forget removes a pending entry without recording a Remove action, used
// when remove_action is disabled and a client walks away before its
// Add was ever flushed.
func (j *HashJournal) Forget(key models.InfoHash) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.pending, key)
}

// Drain atomically swaps in a fresh empty journal and returns everything
// that was pending, so exactly one task can ever be draining at a time.
func (j *HashJournal) Drain() map[models.InfoHash]models.UpdatesAction {
	j.mu.Lock()
	defer j.mu.Unlock()
	drained := j.pending
	j.pending = make(map[models.InfoHash]models.UpdatesAction)
	return drained
}

// Restore re-adds entries that failed to persist, so the next drain
// retries them (at-least-once semantics).
func (j *HashJournal) Restore(entries map[models.InfoHash]models.UpdatesAction) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for k, v := range entries {
		if _, ok := j.pending[k]; !ok {
			j.pending[k] = v
		}
	}
}

// Len reports the number of pending entries.
func (j *HashJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// UserJournal is the C6 dirty set for the user store, keyed by UserID.
type UserJournal struct {
	mu      sync.Mutex
	pending map[models.UserID]models.UpdatesAction
}

// NewUserJournal returns an empty user-keyed journal.
func NewUserJournal() *UserJournal {
	return &UserJournal{pending: make(map[models.UserID]models.UpdatesAction)}
}

func (j *UserJournal) Record(key models.UserID, action models.UpdatesAction) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if action == models.Update {
		if prev, ok := j.pending[key]; ok && prev == models.Add {
			return
		}
	}
	j.pending[key] = action
}

func (j *UserJournal) Drain() map[models.UserID]models.UpdatesAction {
	j.mu.Lock()
	defer j.mu.Unlock()
	drained := j.pending
	j.pending = make(map[models.UserID]models.UpdatesAction)
	return drained
}

func (j *UserJournal) Restore(entries map[models.UserID]models.UpdatesAction) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for k, v := range entries {
		if _, ok := j.pending[k]; !ok {
			j.pending[k] = v
		}
	}
}

func (j *UserJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package zerra

import "sync"

// ReceiveCounter limits how many connections a Listener accepts over its
// lifetime. Once the limit is reached the Listener stops accepting, and
// Drained is closed when every accepted connection has completed.
//
// A nil *ReceiveCounter, the zero value and a limit of zero never stop
// receiving on their own.
type ReceiveCounter struct {
	mu        sync.Mutex
	limit     int64
	started   int64
	completed int64
	stopped   bool
	drained   chan struct{}
}

// NewReceiveCounter returns a ReceiveCounter that allows limit receives.
func NewReceiveCounter(limit int64) *ReceiveCounter {
	return &ReceiveCounter{limit: limit}
}

func (rc *ReceiveCounter) getDrainedLocked() chan struct{} {
	if rc.drained == nil {
		rc.drained = make(chan struct{})
	}
	return rc.drained
}

func (rc *ReceiveCounter) checkDrainedLocked() {
	if rc.stopped && rc.completed >= rc.started {
		drained := rc.getDrainedLocked()
		select {
		case <-drained:
		default:
			close(drained)
		}
	}
}

// BeginReceive records one receive. It returns false once the counter has
// stopped, after which it always returns false. The receive that uses up
// the limit stops the counter.
func (rc *ReceiveCounter) BeginReceive() bool {
	if rc == nil {
		return true
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.stopped {
		return false
	}
	rc.started++
	if rc.limit > 0 && rc.started >= rc.limit {
		rc.stopped = true
	}
	return true
}

// CompleteReceive marks a reserved receive as finished.
func (rc *ReceiveCounter) CompleteReceive() {
	if rc == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.completed++
	rc.checkDrainedLocked()
}

// Stop refuses further receives as if the limit had been reached.
func (rc *ReceiveCounter) Stop() {
	if rc == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.stopped = true
	rc.checkDrainedLocked()
}

// Stopped reports whether the counter refuses further receives.
func (rc *ReceiveCounter) Stopped() bool {
	if rc == nil {
		return false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stopped
}

// Drained returns a channel that is closed when receiving has stopped and
// every started receive has completed. It is nil for a nil *ReceiveCounter.
func (rc *ReceiveCounter) Drained() <-chan struct{} {
	if rc == nil {
		return nil
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.getDrainedLocked()
}

// Received returns the number of receives started.
func (rc *ReceiveCounter) Received() int64 {
	if rc == nil {
		return 0
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.started
}

// Completed returns the number of receives completed.
func (rc *ReceiveCounter) Completed() int64 {
	if rc == nil {
		return 0
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.completed
}

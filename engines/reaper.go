// Copyright (c) 2024 The Docserve Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package engines

import (
	"fmt"
	"log/slog"
	"time"
)

// This type is the zombie reaper: a background sweeper that removes stale
// terminal tasks from in-memory tracking. It never reclassifies non-terminal
// tasks and never touches any durable projection; it is belt-and-braces
// cleanup orthogonal to TTL-driven eviction in the external store.
type Reaper struct {
	tracker  *Tracker
	interval time.Duration
	maxAge   time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// starts a reaper sweeping the given tracker
func StartReaper(tracker *Tracker, interval, maxAge time.Duration) *Reaper {
	reaper := &Reaper{
		tracker:  tracker,
		interval: interval,
		maxAge:   maxAge,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go reaper.sweep()
	return reaper
}

// halts the reaper, waiting for an in-flight sweep to finish
func (reaper *Reaper) Stop() {
	close(reaper.stop)
	<-reaper.done
}

func (reaper *Reaper) sweep() {
	defer close(reaper.done)
	ticker := time.NewTicker(reaper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, taskId := range reaper.tracker.TerminalOlderThan(reaper.maxAge) {
				if reaper.tracker.Delete(taskId) {
					slog.Debug(fmt.Sprintf("Task %s: reaped stale terminal record", taskId))
				}
			}
		case <-reaper.stop:
			return
		}
	}
}

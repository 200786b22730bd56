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
	"sync"

	"github.com/docserve/docserve/tasks"
)

// the per-subscriber channel buffer; a subscriber that falls this far behind
// starts missing intermediate snapshots
const subscriberBuffer = 16

// This type is the subscriber bus: it delivers task snapshots to long-poll
// and streaming callers. Subscribers are indexed by task id on the bus (the
// task record holds no reference to them). Delivery is non-blocking: a full
// subscriber drops intermediate snapshots, but the terminal snapshot is
// always delivered, after which the subscription channel is closed.
type Bus struct {
	mutex       sync.Mutex
	subscribers map[string][]*subscriber
}

type subscriber struct {
	channel chan tasks.Task
	removed bool
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]*subscriber),
	}
}

// Registers a subscriber for the given task. The returned function cancels
// the subscription; it is safe to call after the bus has closed the channel.
func (bus *Bus) Subscribe(taskId string) (<-chan tasks.Task, func()) {
	sub := &subscriber{
		channel: make(chan tasks.Task, subscriberBuffer),
	}
	bus.mutex.Lock()
	bus.subscribers[taskId] = append(bus.subscribers[taskId], sub)
	bus.mutex.Unlock()

	cancel := func() {
		bus.mutex.Lock()
		defer bus.mutex.Unlock()
		if sub.removed {
			return
		}
		sub.removed = true
		subs := bus.subscribers[taskId]
		for i, s := range subs {
			if s == sub {
				bus.subscribers[taskId] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(bus.subscribers[taskId]) == 0 {
			delete(bus.subscribers, taskId)
		}
		close(sub.channel)
	}
	return sub.channel, cancel
}

// Delivers a snapshot to every subscriber of the task. Snapshots arrive in
// causal order; intermediate ones may be coalesced for slow subscribers. A
// terminal snapshot is delivered to every subscriber (evicting the oldest
// buffered snapshot if necessary) and ends the subscription.
func (bus *Bus) Publish(snapshot tasks.Task) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	subs := bus.subscribers[snapshot.Id]
	if snapshot.Completed() {
		for _, sub := range subs {
			sub.removed = true
			bus.deliver(sub, snapshot)
			close(sub.channel)
		}
		delete(bus.subscribers, snapshot.Id)
		return
	}
	for _, sub := range subs {
		select {
		case sub.channel <- snapshot:
		default: // subscriber is slow; it will catch up on a later snapshot
		}
	}
}

// delivers a snapshot even to a full subscriber by evicting its oldest
// buffered snapshot; must be called with the mutex held (the bus is the
// only sender, so the freed slot cannot be stolen)
func (bus *Bus) deliver(sub *subscriber, snapshot tasks.Task) {
	select {
	case sub.channel <- snapshot:
		return
	default:
	}
	select {
	case <-sub.channel:
	default:
	}
	sub.channel <- snapshot
}

// returns the number of subscribers registered for the task (used in tests)
func (bus *Bus) NumSubscribers(taskId string) int {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	return len(bus.subscribers[taskId])
}

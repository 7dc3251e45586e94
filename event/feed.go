// Copyright 2025 The etherdeck Authors
// This file is part of the etherdeck library.
//
// The etherdeck library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The etherdeck library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the etherdeck library. If not, see <http://www.gnu.org/licenses/>.

// Package event implements a typed event feed for one-to-many subscriptions.
package event

import (
	"sync"
)

// Subscription represents a stream of events. The carrier of the events is
// typically a channel, but isn't part of the interface.
//
// Subscriptions can fail while established. Failures are reported through the
// error channel. It receives a value if there is an issue with the
// subscription (e.g. the network connection delivering the events has been
// closed). Only one value will ever be sent.
//
// The error channel is closed when the subscription ends successfully (i.e.
// when the source of events is closed). It is also closed when Unsubscribe is
// called.
type Subscription interface {
	// Err returns the error channel.
	Err() <-chan error
	// Unsubscribe cancels the sending of events, closing the error channel.
	Unsubscribe()
}

// Feed implements one-to-many subscriptions where the carrier of events is a
// channel. Values sent to a Feed are delivered to all subscribed channels.
//
// The zero value is ready to use.
type Feed[T any] struct {
	mu   sync.Mutex
	subs map[*feedSub[T]]struct{}
}

// Subscribe adds a channel to the feed. Future sends will be delivered on the
// channel until the subscription is canceled.
//
// The channel should have ample buffer space to avoid blocking other
// subscribers. Slow subscribers are not dropped.
func (f *Feed[T]) Subscribe(channel chan<- T) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs == nil {
		f.subs = make(map[*feedSub[T]]struct{})
	}
	sub := &feedSub[T]{feed: f, channel: channel, err: make(chan error, 1), quit: make(chan struct{})}
	f.subs[sub] = struct{}{}
	return sub
}

// Send delivers to all subscribed channels simultaneously. It returns the
// number of subscribers that the value was sent to.
func (f *Feed[T]) Send(value T) (nsent int) {
	f.mu.Lock()
	subs := make([]*feedSub[T], 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	var wg sync.WaitGroup
	var cnt sync.Mutex
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *feedSub[T]) {
			defer wg.Done()
			select {
			case sub.channel <- value:
				cnt.Lock()
				nsent++
				cnt.Unlock()
			case <-sub.quit:
			}
		}(sub)
	}
	wg.Wait()
	return nsent
}

func (f *Feed[T]) remove(sub *feedSub[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
}

type feedSub[T any] struct {
	feed    *Feed[T]
	channel chan<- T
	errOnce sync.Once
	err     chan error
	quit    chan struct{}
}

func (sub *feedSub[T]) Unsubscribe() {
	sub.errOnce.Do(func() {
		sub.feed.remove(sub)
		close(sub.quit)
		close(sub.err)
	})
}

func (sub *feedSub[T]) Err() <-chan error {
	return sub.err
}

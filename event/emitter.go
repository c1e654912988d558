// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package event provides the multicast emitters used to publish transport
// events to any number of independent subscribers.
package event

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Handler receives one event value.
type Handler[T any] func(T)

// Subscription identifies a handler added to an Emitter.
type Subscription uint64

// Source is the subscriber side of an Emitter.
type Source[T any] interface {
	Add(h Handler[T]) Subscription
	Remove(s Subscription) bool
}

type entry[T any] struct {
	id Subscription
	fn Handler[T]
}

// Emitter delivers events to its handlers in the order they were added.
// A handler that panics is logged and skipped; the remaining handlers still
// receive the event. The zero value is ready to use.
type Emitter[T any] struct {
	mu       sync.RWMutex
	next     Subscription
	handlers []entry[T]
}

// Add registers h and returns the subscription needed to remove it.
// A nil handler is ignored and yields subscription 0.
func (e *Emitter[T]) Add(h Handler[T]) Subscription {
	if h == nil {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.next++
	e.handlers = append(e.handlers, entry[T]{id: e.next, fn: h})
	return e.next
}

// Remove unregisters a handler. It reports whether s was registered.
func (e *Emitter[T]) Remove(s Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, h := range e.handlers {
		if h.id == s {
			// copy so snapshots taken by in-flight Emit calls stay intact
			handlers := make([]entry[T], 0, len(e.handlers)-1)
			handlers = append(handlers, e.handlers[:i]...)
			e.handlers = append(handlers, e.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered handlers.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}

// Emit calls every handler registered at the time of the call, sequentially,
// on the calling goroutine.
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	for _, h := range handlers {
		invoke(h, v)
	}
}

// EmitAsync runs Emit on a new goroutine and returns a channel closed once
// every handler has returned.
func (e *Emitter[T]) EmitAsync(v T) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Emit(v)
	}()
	return done
}

func invoke[T any](h entry[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("subscription", h.id).Errorf("event handler panicked, %s", fmt.Sprint(r))
		}
	}()
	h.fn(v)
}

package realtime

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

type listener[V any] struct {
	fn   func(V)
	once bool
}

// emitter is a typed listener registry. Listeners for a specific event and
// listeners for every event are kept apart; emit calls the specific ones
// first, then the catch-all ones, on the dispatcher loop.
type emitter[E comparable, V any] struct {
	mu         sync.Mutex
	listeners  map[E][]*listener[V]
	all        []*listener[V]
	dispatcher *eventLoop
	logger     *logrus.Logger
}

func newEmitter[E comparable, V any](dispatcher *eventLoop, logger *logrus.Logger) *emitter[E, V] {
	return &emitter[E, V]{
		listeners:  map[E][]*listener[V]{},
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (e *emitter[E, V]) on(event E, fn func(V)) func() {
	return e.add(&event, &listener[V]{fn: fn})
}

func (e *emitter[E, V]) once(event E, fn func(V)) func() {
	return e.add(&event, &listener[V]{fn: fn, once: true})
}

func (e *emitter[E, V]) onAll(fn func(V)) func() {
	return e.add(nil, &listener[V]{fn: fn})
}

func (e *emitter[E, V]) onceAll(fn func(V)) func() {
	return e.add(nil, &listener[V]{fn: fn, once: true})
}

func (e *emitter[E, V]) add(event *E, l *listener[V]) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if event == nil {
		e.all = append(e.all, l)
	} else {
		e.listeners[*event] = append(e.listeners[*event], l)
	}

	key := event
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if key == nil {
			e.all = removeListener(e.all, l)
			return
		}
		remaining := removeListener(e.listeners[*key], l)
		if len(remaining) == 0 {
			delete(e.listeners, *key)
		} else {
			e.listeners[*key] = remaining
		}
	}
}

// offAll removes every listener.
func (e *emitter[E, V]) offAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = map[E][]*listener[V]{}
	e.all = nil
}

func (e *emitter[E, V]) emit(event E, value V) {
	e.mu.Lock()
	specific := e.listeners[event]
	targets := make([]*listener[V], 0, len(specific)+len(e.all))
	targets = append(targets, specific...)
	targets = append(targets, e.all...)

	e.listeners[event] = keepPersistent(specific)
	if len(e.listeners[event]) == 0 {
		delete(e.listeners, event)
	}
	e.all = keepPersistent(e.all)
	e.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	e.dispatcher.post(func() {
		for _, l := range targets {
			e.safeCall(event, l.fn, value)
		}
	})
}

func (e *emitter[E, V]) safeCall(event E, fn func(V), value V) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{
				"event": fmt.Sprint(event),
				"panic": fmt.Sprint(r),
			}).Error("listener panicked")
		}
	}()
	fn(value)
}

func removeListener[V any](list []*listener[V], target *listener[V]) []*listener[V] {
	out := make([]*listener[V], 0, len(list))
	for _, l := range list {
		if l != target {
			out = append(out, l)
		}
	}
	return out
}

func keepPersistent[V any](list []*listener[V]) []*listener[V] {
	out := make([]*listener[V], 0, len(list))
	for _, l := range list {
		if !l.once {
			out = append(out, l)
		}
	}
	return out
}

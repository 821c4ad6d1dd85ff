package realtime

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// eventLoop runs posted closures one at a time, in FIFO order, on a single
// goroutine. All connection, channel and presence state is owned by the
// client's protocol loop; listener callbacks run on a separate dispatcher loop.
type eventLoop struct {
	name   string
	logger *logrus.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newEventLoop(name string, logger *logrus.Logger) *eventLoop {
	l := &eventLoop{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// post enqueues fn without blocking. It returns false once the loop is stopped.
func (l *eventLoop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the loop and waits for it to finish. It must never be
// called from the loop itself.
func (l *eventLoop) call(fn func()) error {
	finished := make(chan struct{})
	posted := l.post(func() {
		defer close(finished)
		fn()
	})
	if !posted {
		return errClientClosed()
	}
	<-finished
	return nil
}

// stop lets the loop drain what is already queued and then exit.
func (l *eventLoop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// wait blocks until the loop goroutine has exited.
func (l *eventLoop) wait() {
	<-l.done
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			stopped := l.stopped
			l.mu.Unlock()
			if stopped {
				return
			}
			<-l.wake
			continue
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.execute(fn)
		}
	}
}

func (l *eventLoop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"loop":  l.name,
				"panic": fmt.Sprint(r),
			}).Error("recovered from panic in event loop: ", string(debug.Stack()))
		}
	}()
	fn()
}

// loopTimer fires its callback on the loop. stop must be called from the loop.
type loopTimer struct {
	timer   *time.Timer
	stopped bool
}

func (l *eventLoop) afterFunc(d time.Duration, fn func()) *loopTimer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

func (t *loopTimer) stop() {
	if t == nil {
		return
	}
	t.stopped = true
	t.timer.Stop()
}

func (t *loopTimer) active() bool {
	return t != nil && !t.stopped
}

func errClientClosed() *protocol.ErrorInfo {
	return protocol.NewErrorInfo(protocol.CodeConnectionClosed, "realtime client has been closed")
}

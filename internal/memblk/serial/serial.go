// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Serial package is a proxy for devices executing requests. It serializes all
// requests coming to the device by handing them to one go routine, which is
// the mutual exclusion discipline memblk itself leaves to its users. It also
// improves cache locality since the backing memory is always touched by the
// same go routine.
package serial

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/asch/memblk/internal/memblk"
)

// ErrClosed is the cause of requests refused by a closed proxy.
var ErrClosed = errors.New("serializer closed")

// Executes requests. Implemented by *memblk.Device.
type Dispatcher interface {
	Dispatch(req memblk.Request) memblk.Completion
}

// Proxy to the Dispatcher. Requests are executed one at a time in the order
// the worker receives them. Dispatches have high priority, exclusive access
// for whole device operations is served when no dispatch is waiting.
type Proxy struct {
	Instance Dispatcher

	// Channels for internal communication specific to one type of request.
	dispatchChan chan dispatchRequest

	// Low priority channel for exclusive access.
	lockChan chan lockRequest

	quit      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
}

// Internal request structures just for wrapping the function calls into the
// channel communication.

type dispatchRequest struct {
	req   memblk.Request
	reply chan memblk.Completion
}

type lockRequest struct {
	done chan struct{}
}

// Returns proxy which can be directly used. It spawns one worker which handles
// all serialized and prioritized requests until Close is called.
func New(instance Dispatcher) *Proxy {
	p := &Proxy{
		Instance:     instance,
		dispatchChan: make(chan dispatchRequest),
		lockChan:     make(chan lockRequest),
		quit:         make(chan struct{}),
		finished:     make(chan struct{}),
	}

	go p.worker()

	return p
}

// Dispatch hands req to the worker and waits for its completion. A closed
// proxy completes every request with an IO error without touching the device.
func (p *Proxy) Dispatch(req memblk.Request) memblk.Completion {
	reply := make(chan memblk.Completion, 1)

	select {
	case p.dispatchChan <- dispatchRequest{req, reply}:
	case <-p.quit:
		return memblk.Completion{Status: memblk.StatusIOError, Err: ErrClosed}
	}

	return <-reply
}

// Exclusive runs fn with the worker parked, hence no request is executed
// concurrently with fn. fn gets the proxied instance and may dispatch to it
// directly.
func (p *Proxy) Exclusive(fn func(d Dispatcher)) error {
	done := make(chan struct{})

	select {
	case p.lockChan <- lockRequest{done}:
	case <-p.quit:
		return ErrClosed
	}

	defer func() {
		<-done
	}()

	fn(p.Instance)

	return nil
}

// Close stops the worker and waits until it exits. Requests waiting for the
// worker are refused. Close can be called multiple times.
func (p *Proxy) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})

	<-p.finished
}

// Worker is doing prioritization and serialization of the requests. Dispatches
// have highest priority. Exclusive access requests are low priority.
func (p *Proxy) worker() {
	defer close(p.finished)

	for {
		select {
		case r := <-p.dispatchChan:
			p.dispatch(r)

		default:
			select {
			case r := <-p.dispatchChan:
				p.dispatch(r)

			case l := <-p.lockChan:
				l.done <- struct{}{}

			case <-p.quit:
				return
			}
		}
	}
}

func (p *Proxy) dispatch(r dispatchRequest) {
	r.reply <- p.Instance.Dispatch(r.req)
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package memblk

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/asch/memblk/internal/memblk/store"
)

const (
	// SectorSize is the addressing unit of the device in bytes. Capacity
	// and request offsets are expressed in sectors.
	SectorSize = 512

	maxCapacity = int64(^uint64(0)>>1) / SectorSize
)

// State of the device lifecycle. The only transitions are Uninitialized ->
// Ready -> TornDown.
type State int32

const (
	Uninitialized State = iota
	Ready
	TornDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case TornDown:
		return "torn down"
	}

	return fmt.Sprintf("state(%d)", int32(s))
}

// Registration makes a created device reachable by its users, e.g. as a node
// of the operating system. Register is called once the backing region exists
// and Unregister during teardown before the region is freed.
type Registration interface {
	Register(d *Device) error
	Unregister(d *Device) error
}

type options struct {
	allocator     store.Allocator
	registrations []Registration
}

// Option configures Create.
type Option func(*options)

// WithAllocator makes the device obtain its backing region from a instead of
// store.Default().
func WithAllocator(a store.Allocator) Option {
	return func(o *options) {
		o.allocator = a
	}
}

// WithRegistration adds r to the registrations performed by Create. They are
// registered in the order given and withdrawn in reverse.
func WithRegistration(r Registration) Option {
	return func(o *options) {
		o.registrations = append(o.registrations, r)
	}
}

// Device is one emulated block device. It exclusively owns its backing
// region from Create until Destroy.
type Device struct {
	capacity  int64
	store     *store.Store
	state     int32
	openCount int64

	// Guards lifecycle transitions and the release stack. Dispatch does
	// not touch it.
	mutex sync.Mutex

	// Release functions of the acquired sub-resources in the order of
	// acquisition.
	release []func() error
}

// Create allocates a device of capacity sectors and registers it. A failure
// at any step releases whatever was already acquired and returns the error,
// allocation failures wrap ErrAllocation. A zero capacity is valid.
func Create(capacity int64, opts ...Option) (dev *Device, err error) {
	o := options{allocator: store.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if capacity < 0 || capacity > maxCapacity {
		return nil, errors.Wrapf(ErrAllocation, "capacity of %d sectors", capacity)
	}

	d := &Device{capacity: capacity}

	defer func() {
		if err != nil {
			if uerr := d.unwind(); uerr != nil {
				log.Info().Err(uerr).Msg("Unwinding failed device creation.")
			}
			atomic.StoreInt32(&d.state, int32(TornDown))
			dev = nil
		}
	}()

	d.store, err = store.New(capacity*SectorSize, o.allocator)
	if err != nil {
		return nil, err
	}
	d.acquired(d.store.Release)

	atomic.StoreInt32(&d.state, int32(Ready))

	for _, r := range o.registrations {
		if err = r.Register(d); err != nil {
			return nil, errors.Wrap(err, "registering device")
		}

		r := r
		d.acquired(func() error {
			return r.Unregister(d)
		})
	}

	log.Info().
		Int64("sectors", capacity).
		Str("size", humanize.IBytes(uint64(d.store.Size()))).
		Msg("Device created.")

	return d, nil
}

// Destroy withdraws all registrations and then frees the backing region. It
// only acts on a Ready device, later calls are no-ops. Teardown always runs to
// the end, errors of withdrawn registrations are combined and returned.
func (d *Device) Destroy() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if State(atomic.LoadInt32(&d.state)) != Ready {
		return nil
	}

	atomic.StoreInt32(&d.state, int32(TornDown))
	err := d.releaseAll()

	log.Info().Err(err).Int64("sectors", d.capacity).Msg("Device destroyed.")

	return err
}

// Open records one more user holding the device open and returns the new
// count. It gates nothing.
func (d *Device) Open() int64 {
	return atomic.AddInt64(&d.openCount, 1)
}

// Close records one user less and returns the new count. The count never
// drops below zero.
func (d *Device) Close() int64 {
	for {
		n := atomic.LoadInt64(&d.openCount)
		if n == 0 {
			return 0
		}
		if atomic.CompareAndSwapInt64(&d.openCount, n, n-1) {
			return n - 1
		}
	}
}

// OpenCount returns the number of users holding the device open.
func (d *Device) OpenCount() int64 {
	return atomic.LoadInt64(&d.openCount)
}

// State returns the lifecycle state.
func (d *Device) State() State {
	return State(atomic.LoadInt32(&d.state))
}

// Capacity in sectors.
func (d *Device) Capacity() int64 {
	return d.capacity
}

// Size in bytes.
func (d *Device) Size() int64 {
	return d.capacity * SectorSize
}

func (d *Device) acquired(release func() error) {
	d.release = append(d.release, release)
}

func (d *Device) unwind() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.releaseAll()
}

// Runs the release stack from the most recently acquired resource down to
// the backing region.
func (d *Device) releaseAll() error {
	var err error
	for i := len(d.release) - 1; i >= 0; i-- {
		err = multierr.Append(err, d.release[i]())
	}
	d.release = nil
	d.store = nil

	return err
}

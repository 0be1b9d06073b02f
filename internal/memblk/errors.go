// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package memblk

import (
	"github.com/pkg/errors"

	"github.com/asch/memblk/internal/memblk/store"
)

var (
	// ErrAllocation is returned by Create when the backing region cannot
	// be obtained. Nothing is left allocated or registered.
	ErrAllocation = store.ErrAllocation

	// ErrSegmentFault is the cause of an IO error when a segment does not
	// describe valid caller memory.
	ErrSegmentFault = errors.New("invalid segment buffer")

	// ErrInvalidRequest is the cause of an IO error when the request
	// itself is malformed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotReady is the cause of an IO error when a request is
	// dispatched to a device which is not in the Ready state.
	ErrNotReady = errors.New("device not ready")
)

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package export uploads an image of the device to an object store. The image
// is meant for offline inspection, it is never read back by the daemon.
//
// An image consists of one object per dirty chunk of the device, keyed by the
// chunk index, and a manifest stored under ManifestKey. The manifest is
// uploaded last, so its presence means the image is complete.
package export

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/memblk/internal/blkdev/dirtymap"
	"github.com/asch/memblk/internal/memblk"
	"github.com/asch/memblk/internal/memblk/segment"
)

// Key of the object where the serialized manifest is stored.
const ManifestKey = -1

// Interface for the backend storage. Anything implementing this interface can
// be used as an export target.
type Uploader interface {
	// Uploads data in buf under the key identifier.
	Upload(key int64, buf []byte) error
}

// Optional interface of an Uploader which can delete objects left over from
// previous exports.
type Pruner interface {
	// Deletes all objects of the image except keys in keep.
	Prune(keep map[int64]struct{}) error
}

// Executes requests. Implemented by *memblk.Device and serial.Dispatcher.
type Dispatcher interface {
	Dispatch(req memblk.Request) memblk.Completion
}

// Proxy for the backend storage which prioritizes requests. Requests coming to
// the priority channel are handled first.
type Proxy struct {
	Instance Uploader

	// Number of go routines to spawn for handling upload requests.
	uploaders int

	// Internal channels.
	uploads     chan request
	uploadsPrio chan request
	quit        chan struct{}
	wg          sync.WaitGroup
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	key  int64
	data []byte
	done chan error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for upload workers. At least one worker is spawned.
func New(instance Uploader, uploaders int) *Proxy {
	if uploaders < 1 {
		uploaders = 1
	}

	p := &Proxy{
		Instance:    instance,
		uploaders:   uploaders,
		uploads:     make(chan request),
		uploadsPrio: make(chan request),
		quit:        make(chan struct{}),
	}

	p.wg.Add(p.uploaders)
	for i := 0; i < p.uploaders; i++ {
		go p.uploadWorker()
	}

	return p
}

// Proxy function for uploading the object with key. It selects the right
// channel according to prio and waits for reply.
func (p *Proxy) Upload(key int64, body []byte, prio bool) error {
	c := p.uploads
	if prio {
		c = p.uploadsPrio
	}

	done := make(chan error, 1)
	select {
	case c <- request{key: key, data: body, done: done}:
	case <-p.quit:
		return errors.Errorf("upload of object %d: proxy closed", key)
	}

	return <-done
}

// Stops all workers and waits for them.
func (p *Proxy) Close() {
	close(p.quit)
	p.wg.Wait()
}

// Prioritization of the requests. Returns false when the proxy is closed.
func (p *Proxy) receiveRequest() (request, bool) {
	var r request

	select {
	case r = <-p.uploadsPrio:
	default:
		select {
		case r = <-p.uploadsPrio:
		case r = <-p.uploads:
		case <-p.quit:
			return r, false
		}
	}

	return r, true
}

// Upload worker just calls Upload() on the instance provided in New().
func (p *Proxy) uploadWorker() {
	defer p.wg.Done()

	for {
		r, ok := p.receiveRequest()
		if !ok {
			return
		}
		r.done <- p.Instance.Upload(r.key, r.data)
	}
}

// Image reads every dirty chunk of m from d and uploads it through p, then
// uploads the manifest. At most inflight chunks are held in memory at once.
// The device must not be written during the export. The first failure stops
// the export and is returned, the manifest is not uploaded in that case.
func Image(p *Proxy, d Dispatcher, m *dirtymap.DirtyMap, inflight int) (dirtymap.Manifest, error) {
	manifest := m.Manifest()

	if inflight < 1 {
		inflight = 1
	}
	sem := make(chan struct{}, inflight)

	g, ctx := errgroup.WithContext(context.Background())

chunks:
	for _, chunk := range manifest.Chunks {
		chunk := chunk

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break chunks
		}

		g.Go(func() error {
			defer func() { <-sem }()

			buf, err := readChunk(d, m, chunk)
			if err != nil {
				return err
			}

			return p.Upload(chunk, buf, false)
		})
	}

	if err := g.Wait(); err != nil {
		return manifest, err
	}

	raw, err := manifest.Serialize()
	if err != nil {
		return manifest, err
	}

	if err := p.Upload(ManifestKey, raw, true); err != nil {
		return manifest, err
	}

	if pruner, ok := p.Instance.(Pruner); ok {
		keep := make(map[int64]struct{}, len(manifest.Chunks)+1)
		keep[ManifestKey] = struct{}{}
		for _, c := range manifest.Chunks {
			keep[c] = struct{}{}
		}

		if err := pruner.Prune(keep); err != nil {
			log.Info().Err(err).Msg("Pruning stale image objects failed.")
		}
	}

	return manifest, nil
}

// Reads chunk of the device into a fresh buffer. Chunks start on a sector
// boundary.
func readChunk(d Dispatcher, m *dirtymap.DirtyMap, chunk int64) ([]byte, error) {
	off, length := m.Chunk(chunk)
	if off%memblk.SectorSize != 0 {
		return nil, errors.Errorf("chunk %d at offset %d is not sector aligned", chunk, off)
	}

	buf := make([]byte, length)
	c := d.Dispatch(memblk.Request{
		Dir:      memblk.Read,
		Sector:   off / memblk.SectorSize,
		Segments: segment.Split(buf, 0),
	})

	if !c.OK() {
		return nil, errors.Wrapf(c.Err, "reading chunk %d", chunk)
	}

	if c.Bytes != length {
		return nil, errors.Errorf("reading chunk %d: %d of %d bytes", chunk, c.Bytes, length)
	}

	return buf, nil
}

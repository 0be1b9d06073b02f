// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blkdev

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/memblk/internal/blkdev/dirtymap"
	"github.com/asch/memblk/internal/blkdev/export"
	"github.com/asch/memblk/internal/blkdev/export/s3"
	"github.com/asch/memblk/internal/config"
	"github.com/asch/memblk/internal/memblk"
	"github.com/asch/memblk/internal/memblk/segment"
	"github.com/asch/memblk/internal/memblk/seq"
	"github.com/asch/memblk/internal/memblk/serial"
	"github.com/asch/memblk/internal/memblk/store"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	writeItemSize = 32

	// Sector is a linux constant, which is always 512, no matter how big
	// your sectors or blocks are. Please be careful since the terminology
	// is ambiguous.
	sectorUnit = 512
)

// ErrMalformedChunk is returned for write chunks whose metadata do not match
// the data they carry.
var ErrMalformedChunk = errors.New("malformed write chunk")

// One write parsed from the metadata section of the write chunk. Sector and
// Length are in blocks.
type extent struct {
	Sector int64
	Length int64
	SeqNo  int64
	Flag   int64
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	// Block size of the BUSE device, 512 or 4096.
	BlockSize int

	// Size of the write chunk handed over by BUSE in bytes. It determines
	// the size of the metadata section.
	WriteChunkSize int

	// Maximal size of one scatter-gather segment in bytes. Non-positive
	// value means one segment per request.
	SegmentSize int

	// Funnel all requests through one serializing worker.
	Serialize bool

	// Target of the image export on removal. Nil disables the export.
	Export export.Uploader

	// Number of upload workers and chunks held in memory during export.
	ExportUploaders int

	// Size of one exported image object in bytes.
	ExportChunkSize int64
}

// Device implements BuseReadWriter interface which can be passed to the buse
// package. Buse package wraps the communication with the BUSE kernel module
// and does all the necessary configuration and low level operations.
//
// Device owns the memblk device handed to New and destroys it in
// BusePostRemove.
type Device struct {
	dev *memblk.Device

	// Where requests are dispatched. Either the device itself or the
	// serializing proxy in front of it.
	dispatcher export.Dispatcher
	serial     *serial.Proxy

	// Sequence numbers of requests, for tracing only.
	seq seq.Counter

	dirty *dirtymap.DirtyMap

	// Set by BusePreRun. Only a device which was served to the kernel is
	// exported, otherwise the previous image would be replaced by an empty
	// one.
	served int32

	uploader        export.Uploader
	exportUploaders int

	blockSize   int64
	segmentSize int

	// Size of the chunk portion which contains all writes metadata. After
	// this offset real data are stored.
	metadataSize int
}

// Returns Device with configuration from config.Cfg. The memblk device is
// created with the configured capacity and memory limit, opts are passed to
// memblk.Create after them. If the export is enabled, S3 target is set up as
// well.
func NewWithDefaults(opts ...memblk.Option) (*Device, error) {
	var uploader export.Uploader
	if config.Cfg.Export.Enabled {
		s3Handler, err := s3.New(s3.Options{
			Remote:    config.Cfg.Export.Remote,
			Region:    config.Cfg.Export.Region,
			Bucket:    config.Cfg.Export.Bucket,
			AccessKey: config.Cfg.Export.AccessKey,
			SecretKey: config.Cfg.Export.SecretKey,
			Prefix:    config.Cfg.Export.Prefix,
		})
		if err != nil {
			return nil, err
		}
		uploader = s3Handler
	}

	opts = append([]memblk.Option{
		memblk.WithAllocator(store.MmapAllocator{Limit: config.Cfg.MaxMemory}),
	}, opts...)

	dev, err := memblk.Create(config.Cfg.Capacity, opts...)
	if err != nil {
		return nil, err
	}

	return New(dev, Options{
		BlockSize:       config.Cfg.BlockSize,
		WriteChunkSize:  config.Cfg.Write.ChunkSize,
		SegmentSize:     config.Cfg.SegmentSize,
		Serialize:       config.Cfg.Serialize,
		Export:          uploader,
		ExportUploaders: config.Cfg.Export.Uploaders,
		ExportChunkSize: int64(config.Cfg.Export.ChunkSize),
	}), nil
}

// Returns Device serving dev with options o.
func New(dev *memblk.Device, o Options) *Device {
	if o.BlockSize <= 0 {
		o.BlockSize = sectorUnit
	}

	b := &Device{
		dev:             dev,
		dispatcher:      dev,
		dirty:           dirtymap.New(dev.Size(), o.ExportChunkSize),
		uploader:        o.Export,
		exportUploaders: o.ExportUploaders,
		blockSize:       int64(o.BlockSize),
		segmentSize:     o.SegmentSize,
		metadataSize:    o.WriteChunkSize / o.BlockSize * writeItemSize,
	}

	if o.Serialize {
		b.serial = serial.New(dev)
		b.dispatcher = b.serial
	}

	return b
}

// Read extent starting at sector with length length to the buffer chunk.
// Both are in blocks. Parts of the extent beyond the end of the device are
// left untouched.
func (b *Device) BuseRead(sector, length int64, chunk []byte) error {
	if length < 0 || length > int64(len(chunk))/b.blockSize {
		return errors.Wrapf(ErrMalformedChunk, "read of %d blocks into %d bytes", length, len(chunk))
	}
	size := length * b.blockSize

	_, err := b.dispatch(memblk.Read, sector*b.blockSize, chunk[:size])

	return err
}

// Handle writes comming from the buse library. writes contain number write
// commands in this call and chunk contains memory where these commands are
// stored together with their data. First part of the chunk are metadata, until
// metadataSize and the rest are data of all writes in the same order.
//
// Every write becomes one request. The first failing write stops the batch.
func (b *Device) BuseWrite(writes int64, chunk []byte) error {
	if writes < 0 || writes*writeItemSize > int64(b.metadataSize) || len(chunk) < b.metadataSize {
		return errors.Wrapf(ErrMalformedChunk, "%d writes in chunk of %d bytes", writes, len(chunk))
	}

	metadata := chunk[:b.metadataSize]
	data := chunk[b.metadataSize:]

	for i := int64(0); i < writes; i++ {
		e := b.parseExtent(metadata[:writeItemSize])
		metadata = metadata[writeItemSize:]

		if e.Length < 0 || e.Length > int64(len(data))/b.blockSize {
			return errors.Wrapf(ErrMalformedChunk, "write %d of %d blocks exceeds chunk", i, e.Length)
		}
		size := e.Length * b.blockSize

		off := e.Sector * b.blockSize
		n, err := b.dispatch(memblk.Write, off, data[:size])
		b.dirty.Mark(off, n)
		if err != nil {
			return err
		}

		data = data[size:]
	}

	return nil
}

// Dispatches one request for buf at byte offset off. Returns number of bytes
// transferred.
func (b *Device) dispatch(dir memblk.Direction, off int64, buf []byte) (int64, error) {
	seqNo := b.seq.Next()

	c := b.dispatcher.Dispatch(memblk.Request{
		Dir:      dir,
		Sector:   off / memblk.SectorSize,
		Segments: segment.Split(buf, b.segmentSize),
	})

	log.Trace().
		Int64("seq", seqNo).
		Stringer("dir", dir).
		Int64("offset", off).
		Int("length", len(buf)).
		Stringer("status", c.Status).
		Int64("bytes", c.Bytes).
		Send()

	if !c.OK() {
		return c.Bytes, errors.Wrapf(c.Err, "%s request %d at offset %d", dir, seqNo, off)
	}

	if c.Bytes < int64(len(buf)) {
		log.Debug().
			Int64("seq", seqNo).
			Stringer("dir", dir).
			Int64("offset", off).
			Int64("bytes", c.Bytes).
			Int("length", len(buf)).
			Msg("Short transfer at the end of the device.")
	}

	return c.Bytes, nil
}

// Registers the daemon as a user of the device before the communication with
// the kernel starts.
func (b *Device) BusePreRun() {
	atomic.StoreInt32(&b.served, 1)
	b.dev.Open()

	log.Info().
		Str("size", humanize.IBytes(uint64(b.dev.Size()))).
		Int64("block size", b.blockSize).
		Bool("serialized", b.serial != nil).
		Bool("export", b.uploader != nil).
		Msg("Serving device.")
}

// After disconnecting from the kernel module and just before shuting the
// daemon down we export the image if configured and destroy the device. The
// memory content is lost afterwards. A device which was never served is only
// destroyed.
func (b *Device) BusePostRemove() {
	served := atomic.LoadInt32(&b.served) == 1

	if served && b.uploader != nil {
		if err := b.export(); err != nil {
			log.Info().Err(err).Msg("Image export failed.")
		}
	}

	if served {
		b.dev.Close()
	}

	log.Info().Int64("requests", b.seq.Current()).Msg("Device removed.")

	b.Destroy()
}

// Destroy stops the serializer and destroys the device without exporting
// anything.
func (b *Device) Destroy() {
	if b.serial != nil {
		b.serial.Close()
	}

	if err := b.dev.Destroy(); err != nil {
		log.Info().Err(err).Send()
	}
}

// Uploads all dirty chunks and the manifest. With serialization on, no
// request runs during the export.
func (b *Device) export() error {
	p := export.New(b.uploader, b.exportUploaders)
	defer p.Close()

	var manifest dirtymap.Manifest
	var err error

	run := func(d export.Dispatcher) {
		manifest, err = export.Image(p, d, b.dirty, b.exportUploaders)
	}

	if b.serial != nil {
		if xerr := b.serial.Exclusive(func(d serial.Dispatcher) { run(d) }); xerr != nil {
			return xerr
		}
	} else {
		run(b.dev)
	}

	if err != nil {
		return err
	}

	log.Info().
		Int("chunks", len(manifest.Chunks)).
		Int("dirty", b.dirty.Count()).
		Str("chunk size", humanize.IBytes(uint64(manifest.ChunkSize))).
		Msg("Image exported.")

	return nil
}

// Parses write extent information from 32 bytes of raw memory. Sector and
// length are converted from 512 B units to blocks.
func (b *Device) parseExtent(raw []byte) extent {
	unitsPerBlock := uint64(b.blockSize) / sectorUnit

	return extent{
		Sector: int64(binary.LittleEndian.Uint64(raw[:8]) / unitsPerBlock),
		Length: int64(binary.LittleEndian.Uint64(raw[8:16]) / unitsPerBlock),
		SeqNo:  int64(binary.LittleEndian.Uint64(raw[16:24])),
		Flag:   int64(binary.LittleEndian.Uint64(raw[24:32])),
	}
}

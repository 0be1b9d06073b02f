// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Dirtymap package records which chunks of the device were ever written. Only
// these chunks are worth exporting, the rest of the device reads as zeroes.
package dirtymap

import (
	"bytes"
	"encoding/gob"
	"sync"
)

// Map of written chunks. The chunk granularity keeps the map tiny, 1 bit of
// information per chunk, even for large devices. Concurrent Mark calls are
// safe.
type DirtyMap struct {
	mutex     sync.Mutex
	size      int64
	chunkSize int64
	chunks    []bool
	dirty     int
}

// Description of an exported image. It is serialized by gobs hence it has to
// be exported and all its attributes as well.
type Manifest struct {
	// Size of the device in bytes.
	Size int64

	// Size of one image chunk in bytes. The last chunk can be shorter.
	ChunkSize int64

	// Indices of chunks present in the image, sorted. Missing chunks are
	// zeroes.
	Chunks []int64
}

// Returns new map for device of size bytes split into chunks of chunkSize
// bytes.
func New(size, chunkSize int64) *DirtyMap {
	if chunkSize <= 0 {
		chunkSize = size
	}

	n := int64(0)
	if chunkSize > 0 {
		n = (size + chunkSize - 1) / chunkSize
	}

	return &DirtyMap{
		size:      size,
		chunkSize: chunkSize,
		chunks:    make([]bool, n),
	}
}

// Mark all chunks touched by length bytes at offset off as dirty. The range
// is clamped to the device.
func (m *DirtyMap) Mark(off, length int64) {
	if off < 0 || length <= 0 || off >= m.size {
		return
	}

	end := off + length
	if end > m.size || end < off {
		end = m.size
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i := off / m.chunkSize; i <= (end-1)/m.chunkSize; i++ {
		if !m.chunks[i] {
			m.chunks[i] = true
			m.dirty++
		}
	}
}

// Returns sorted indices of dirty chunks.
func (m *DirtyMap) Dirty() []int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	dirty := make([]int64, 0, m.dirty)
	for i, d := range m.chunks {
		if d {
			dirty = append(dirty, int64(i))
		}
	}

	return dirty
}

// Number of dirty chunks.
func (m *DirtyMap) Count() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.dirty
}

// Returns offset and length in bytes of chunk i.
func (m *DirtyMap) Chunk(i int64) (int64, int64) {
	off := i * m.chunkSize
	length := m.chunkSize
	if off+length > m.size {
		length = m.size - off
	}

	return off, length
}

// Returns manifest describing the current dirty chunks.
func (m *DirtyMap) Manifest() Manifest {
	return Manifest{
		Size:      m.size,
		ChunkSize: m.chunkSize,
		Chunks:    m.Dirty(),
	}
}

// Returns serialized version of the manifest with go gobs.
func (mf Manifest) Serialize() ([]byte, error) {
	var buf bytes.Buffer

	encoder := gob.NewEncoder(&buf)
	err := encoder.Encode(mf)

	return buf.Bytes(), err
}

// Decodes manifest previously serialized by Serialize().
func DecodeManifest(buf []byte) (Manifest, error) {
	var mf Manifest

	decoder := gob.NewDecoder(bytes.NewReader(buf))
	err := decoder.Decode(&mf)

	return mf, err
}

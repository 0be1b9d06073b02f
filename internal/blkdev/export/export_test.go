// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package export

import (
	"bytes"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/goleak"

	"github.com/asch/memblk/internal/blkdev/dirtymap"
	"github.com/asch/memblk/internal/memblk"
	"github.com/asch/memblk/internal/memblk/segment"
)

// In-memory object store.
type memUploader struct {
	mutex   sync.Mutex
	objects map[int64][]byte
	order   []int64
	failKey int64
	pruned  map[int64]struct{}
}

func newMemUploader() *memUploader {
	return &memUploader{objects: make(map[int64][]byte), failKey: -100}
}

func (u *memUploader) Upload(key int64, buf []byte) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if key == u.failKey {
		return errors.New("connection reset")
	}
	u.objects[key] = append([]byte(nil), buf...)
	u.order = append(u.order, key)

	return nil
}

func (u *memUploader) Prune(keep map[int64]struct{}) error {
	u.pruned = keep
	return nil
}

func newDevice(t *testing.T, capacity int64) *memblk.Device {
	t.Helper()

	d, err := memblk.Create(capacity)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Destroy() })

	return d
}

func write(t *testing.T, d *memblk.Device, sector int64, buf []byte) {
	t.Helper()

	c := d.Dispatch(memblk.Request{Dir: memblk.Write, Sector: sector, Segments: segment.Split(buf, 512)})
	if !c.OK() || c.Bytes != int64(len(buf)) {
		t.Fatalf("write at sector %d = %+v", sector, c)
	}
}

func TestImage(t *testing.T) {
	defer goleak.VerifyNone(t)

	// 10 sectors, chunks of 2 sectors.
	d := newDevice(t, 10)
	m := dirtymap.New(d.Size(), 1024)

	a := bytes.Repeat([]byte{0xaa}, 512)
	b := bytes.Repeat([]byte{0xbb}, 512)
	write(t, d, 1, a)
	m.Mark(512, 512)
	write(t, d, 9, b)
	m.Mark(9*512, 512)

	u := newMemUploader()
	p := New(u, 3)
	defer p.Close()

	manifest, err := Image(p, d, m, 2)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int64{0, 4}, manifest.Chunks); diff != "" {
		t.Errorf("manifest chunks mismatch (-want +got):\n%s", diff)
	}

	want0 := append(make([]byte, 512), a...)
	if !bytes.Equal(u.objects[0], want0) {
		t.Error("chunk 0 content mismatch")
	}
	want4 := append(make([]byte, 512), b...)
	if !bytes.Equal(u.objects[4], want4) {
		t.Error("chunk 4 content mismatch")
	}

	if u.order[len(u.order)-1] != ManifestKey {
		t.Errorf("manifest uploaded at position %v, want last", u.order)
	}
	decoded, err := dirtymap.DecodeManifest(u.objects[ManifestKey])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(manifest, decoded); diff != "" {
		t.Errorf("uploaded manifest mismatch (-want +got):\n%s", diff)
	}

	wantKeep := map[int64]struct{}{ManifestKey: {}, 0: {}, 4: {}}
	if diff := cmp.Diff(wantKeep, u.pruned); diff != "" {
		t.Errorf("pruned keep set mismatch (-want +got):\n%s", diff)
	}
}

func TestImageCleanDevice(t *testing.T) {
	d := newDevice(t, 8)
	m := dirtymap.New(d.Size(), 1024)

	u := newMemUploader()
	p := New(u, 1)
	defer p.Close()

	manifest, err := Image(p, d, m, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest.Chunks) != 0 {
		t.Errorf("manifest chunks = %v, want none", manifest.Chunks)
	}
	if len(u.objects) != 1 {
		t.Errorf("uploaded %d objects, want only the manifest", len(u.objects))
	}
}

func TestImageUploadFailureSkipsManifest(t *testing.T) {
	d := newDevice(t, 8)
	m := dirtymap.New(d.Size(), 512)
	for i := int64(0); i < 8; i++ {
		m.Mark(i*512, 1)
	}

	u := newMemUploader()
	u.failKey = 3
	p := New(u, 2)
	defer p.Close()

	if _, err := Image(p, d, m, 2); err == nil {
		t.Fatal("Image() succeeded despite failing upload")
	}
	if _, ok := u.objects[ManifestKey]; ok {
		t.Error("manifest uploaded for incomplete image")
	}
}

func TestImageReadFailure(t *testing.T) {
	d, err := memblk.Create(8)
	if err != nil {
		t.Fatal(err)
	}
	m := dirtymap.New(d.Size(), 512)
	m.Mark(0, 1)
	d.Destroy()

	u := newMemUploader()
	p := New(u, 1)
	defer p.Close()

	_, err = Image(p, d, m, 1)
	if !errors.Is(err, memblk.ErrNotReady) {
		t.Errorf("Image() of destroyed device = %v, want ErrNotReady", err)
	}
}

func TestImageUnalignedChunk(t *testing.T) {
	d := newDevice(t, 8)
	m := dirtymap.New(d.Size(), 1000)
	m.Mark(1500, 1)

	p := New(newMemUploader(), 1)
	defer p.Close()

	if _, err := Image(p, d, m, 1); err == nil {
		t.Error("Image() with unaligned chunk succeeded")
	}
}

func TestPriorityUpload(t *testing.T) {
	u := newMemUploader()
	p := New(u, 1)
	defer p.Close()

	if err := p.Upload(7, []byte("x"), true); err != nil {
		t.Fatal(err)
	}
	if err := p.Upload(8, []byte("y"), false); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{7, 8}, u.order); diff != "" {
		t.Errorf("upload order mismatch (-want +got):\n%s", diff)
	}
}

func TestClosedProxy(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(newMemUploader(), 4)
	p.Close()

	if err := p.Upload(1, nil, false); err == nil {
		t.Error("Upload() on closed proxy succeeded")
	}
}

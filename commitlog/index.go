package commitlog

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"github.com/tysontate/gommap"
)

const (
	offWidth = 4
	posWidth = 4

	entryWidth = offWidth + posWidth
)

// ErrIndexFull is returned when the index has no room for another entry.
var ErrIndexFull = errors.New("commitlog: index full")

// index maps batch base offsets, relative to the segment's base offset, to
// byte positions in the segment's log. The file is preallocated to its
// maximum size and memory mapped; it is trimmed to its entries on close.
type index struct {
	file *os.File
	mmap gommap.MMap
	// position of next write
	pos int64
}

// entry is relative to the index's base offset.
type entry struct {
	Off uint32
	Pos uint32
}

// openIndex maps path, growing it to maxBytes. Existing entries are
// discarded: the segment rebuilds them from its log.
func openIndex(path string, maxBytes int64) (*index, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open index failed")
	}
	maxBytes -= maxBytes % entryWidth
	if err := f.Truncate(maxBytes); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "size index failed")
	}
	mmap, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap index failed")
	}
	return &index{file: f, mmap: mmap}, nil
}

// Entries is the number of entries written.
func (i *index) Entries() int {
	return int(i.pos / entryWidth)
}

func (i *index) Full() bool {
	return int64(len(i.mmap)) < i.pos+entryWidth
}

// Read returns the n-th entry.
func (i *index) Read(n int) entry {
	p := i.mmap[int64(n)*entryWidth:]
	return entry{
		Off: binary.BigEndian.Uint32(p),
		Pos: binary.BigEndian.Uint32(p[offWidth:]),
	}
}

// Write appends an entry.
func (i *index) Write(e entry) error {
	if i.Full() {
		return ErrIndexFull
	}
	p := i.mmap[i.pos : i.pos+entryWidth]
	binary.BigEndian.PutUint32(p, e.Off)
	binary.BigEndian.PutUint32(p[offWidth:], e.Pos)
	i.pos += entryWidth
	return nil
}

// Reset drops every entry.
func (i *index) Reset() {
	i.pos = 0
}

func (i *index) Close() error {
	if err := i.mmap.Sync(gommap.MS_SYNC); err != nil {
		return errors.Wrap(err, "mmap sync failed")
	}
	if err := i.mmap.UnsafeUnmap(); err != nil {
		return errors.Wrap(err, "munmap failed")
	}
	if err := i.file.Truncate(i.pos); err != nil {
		return errors.Wrap(err, "trim index failed")
	}
	return i.file.Close()
}

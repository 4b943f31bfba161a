// Package commitlog stores a partition's record batches in append-only
// segment files, each with a memory-mapped offset index.
package commitlog

import (
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const (
	DefaultMaxSegmentBytes = 1 << 30
	DefaultMaxIndexBytes   = 10 << 20
	// MaxSegmentBytes bounds segment size since index entries hold 32-bit
	// positions.
	MaxSegmentBytes = math.MaxInt32
)

var (
	// ErrOffsetOutOfRange is returned when reading outside of
	// [OldestOffset, NewestOffset].
	ErrOffsetOutOfRange = errors.New("commitlog: offset out of range")
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("commitlog: closed")
)

type Options struct {
	Path string
	// MaxSegmentBytes is the size at which a new segment is started.
	MaxSegmentBytes int64
	// MaxIndexBytes is the preallocated size of each segment's index.
	MaxIndexBytes int64
}

type CommitLog struct {
	Options

	mu       sync.RWMutex
	segments []*Segment
	closed   bool
}

// New opens the log at opts.Path, creating it when needed, and recovers
// every existing segment.
func New(opts Options) (*CommitLog, error) {
	if opts.Path == "" {
		return nil, errors.New("commitlog: path is empty")
	}
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if opts.MaxSegmentBytes > MaxSegmentBytes {
		return nil, errors.Errorf("commitlog: segment size %d above %d", opts.MaxSegmentBytes, MaxSegmentBytes)
	}
	if opts.MaxIndexBytes < entryWidth {
		opts.MaxIndexBytes = DefaultMaxIndexBytes
	}
	if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, errors.Wrap(err, "mkdir failed")
	}

	l := &CommitLog{Options: opts}
	if err := l.open(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *CommitLog) open() error {
	files, err := ioutil.ReadDir(l.Path)
	if err != nil {
		return errors.Wrap(err, "read dir failed")
	}

	var bases []int64
	for _, file := range files {
		name := file.Name()
		if !strings.HasSuffix(name, logSuffix) {
			continue
		}
		base, err := strconv.ParseInt(strings.TrimSuffix(name, logSuffix), 10, 64)
		if err != nil {
			continue
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	for _, base := range bases {
		segment, err := newSegment(l.Path, base, l.MaxSegmentBytes, l.MaxIndexBytes)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, segment)
	}
	if len(l.segments) == 0 {
		segment, err := newSegment(l.Path, 0, l.MaxSegmentBytes, l.MaxIndexBytes)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, segment)
	}
	return nil
}

// Append assigns the next offsets to batch, rewriting its base offset in
// place, and stores it. It returns the base offset.
func (l *CommitLog) Append(b Batch) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if l.activeSegment().IsFull() {
		if err := l.split(); err != nil {
			return 0, err
		}
	}

	offset := l.activeSegment().NextOffset
	b.SetBaseOffset(offset)
	if err := l.activeSegment().Append(b); err != nil {
		return 0, err
	}
	return offset, nil
}

// Read returns whole batches beginning with the one holding offset, up to
// maxBytes (but at least one batch). Reading at NewestOffset returns no
// data and no error.
func (l *CommitLog) Read(offset int64, maxBytes int) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrClosed
	}
	if offset == l.newestOffset() {
		return nil, nil
	}
	if offset < l.oldestOffset() || offset > l.newestOffset() {
		return nil, ErrOffsetOutOfRange
	}
	s := l.segmentFor(offset)
	position, ok := s.findPosition(offset)
	if !ok {
		return nil, ErrOffsetOutOfRange
	}
	return s.ReadFrom(position, maxBytes)
}

// OffsetForTime returns the base offset of the first batch whose max
// timestamp is at or after ts.
func (l *CommitLog) OffsetForTime(ts int64) (offset, timestamp int64, found bool, err error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, s := range l.segments {
		err = s.scan(func(b Batch) bool {
			if b.MaxTimestamp() >= ts {
				offset, timestamp, found = b.BaseOffset(), b.MaxTimestamp(), true
				return false
			}
			return true
		})
		if err != nil || found {
			return offset, timestamp, found, err
		}
	}
	return -1, -1, false, nil
}

// NewestOffset is the offset the next record gets: the high watermark.
func (l *CommitLog) NewestOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.newestOffset()
}

// OldestOffset is the first offset still stored.
func (l *CommitLog) OldestOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.oldestOffset()
}

// Segments returns the number of segments.
func (l *CommitLog) Segments() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}

func (l *CommitLog) newestOffset() int64 {
	return l.activeSegment().NextOffset
}

func (l *CommitLog) oldestOffset() int64 {
	return l.segments[0].BaseOffset
}

func (l *CommitLog) activeSegment() *Segment {
	return l.segments[len(l.segments)-1]
}

// segmentFor returns the last segment whose base offset is at most offset.
func (l *CommitLog) segmentFor(offset int64) *Segment {
	i := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].BaseOffset > offset
	})
	if i == 0 {
		return l.segments[0]
	}
	return l.segments[i-1]
}

func (l *CommitLog) split() error {
	segment, err := newSegment(l.Path, l.newestOffset(), l.MaxSegmentBytes, l.MaxIndexBytes)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, segment)
	return nil
}

// Close closes every segment. The log cannot be used afterwards.
func (l *CommitLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var result error
	for _, s := range l.segments {
		if err := s.Close(); err != nil && result == nil {
			result = err
		}
	}
	return result
}

// Delete closes the log, removes each segment's files and then its
// directory.
func (l *CommitLog) Delete() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		for _, s := range l.segments {
			if err := s.Delete(); err != nil {
				return errors.Wrapf(err, "delete segment %d", s.BaseOffset)
			}
		}
		l.segments = nil
	}
	return os.RemoveAll(filepath.Clean(l.Path))
}

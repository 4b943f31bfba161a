package commitlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

const (
	fileFormat  = "%020d%s"
	logSuffix   = ".log"
	indexSuffix = ".index"
)

// Segment is one log file plus its offset index. Callers serialize writes.
type Segment struct {
	BaseOffset int64
	// NextOffset is the offset the next appended record gets.
	NextOffset int64
	// Position is the size of the log file.
	Position int64

	log      *os.File
	index    *index
	maxBytes int64
	path     string
}

func newSegment(path string, baseOffset, maxBytes, maxIndexBytes int64) (*Segment, error) {
	s := &Segment{
		BaseOffset: baseOffset,
		NextOffset: baseOffset,
		maxBytes:   maxBytes,
		path:       path,
	}
	log, err := os.OpenFile(s.logPath(), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open file failed")
	}
	s.log = log
	if s.index, err = openIndex(s.indexPath(), maxIndexBytes); err != nil {
		log.Close()
		return nil, err
	}
	if err := s.recover(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// recover rebuilds the index by walking the batch headers of the log. A
// torn batch at the tail is cut off.
func (s *Segment) recover() error {
	s.index.Reset()

	info, err := s.log.Stat()
	if err != nil {
		return errors.Wrap(err, "stat log failed")
	}
	size := info.Size()

	header := make([]byte, BatchHeaderLen)
	var position int64
	for position+BatchHeaderLen <= size {
		if _, err := s.log.ReadAt(header, position); err != nil {
			return errors.Wrap(err, "read batch header failed")
		}
		b := Batch(header)
		n := int64(b.Size())
		if n < BatchHeaderLen || position+n > size {
			break
		}
		if err := s.index.Write(entry{
			Off: uint32(b.BaseOffset() - s.BaseOffset),
			Pos: uint32(position),
		}); err != nil {
			return err
		}
		s.NextOffset = b.LastOffset() + 1
		position += n
	}

	if position != size {
		if err := s.log.Truncate(position); err != nil {
			return errors.Wrap(err, "truncate torn batch failed")
		}
	}
	s.Position = position
	return nil
}

// IsFull reports whether the segment should not take another batch.
func (s *Segment) IsFull() bool {
	return s.Position >= s.maxBytes || s.index.Full()
}

// Append writes a batch whose base offset has already been assigned.
func (s *Segment) Append(b Batch) error {
	if _, err := s.log.WriteAt(b, s.Position); err != nil {
		return errors.Wrap(err, "log write failed")
	}
	if err := s.index.Write(entry{
		Off: uint32(b.BaseOffset() - s.BaseOffset),
		Pos: uint32(s.Position),
	}); err != nil {
		return err
	}
	s.Position += int64(len(b))
	s.NextOffset = b.LastOffset() + 1
	return nil
}

// findPosition returns the position of the batch holding offset.
func (s *Segment) findPosition(offset int64) (int64, bool) {
	n := s.index.Entries()
	if n == 0 || offset < s.BaseOffset || offset >= s.NextOffset {
		return 0, false
	}
	rel := uint32(offset - s.BaseOffset)
	// first entry past rel, the batch before it holds rel
	i := sort.Search(n, func(i int) bool {
		return s.index.Read(i).Off > rel
	})
	if i == 0 {
		return 0, false
	}
	return int64(s.index.Read(i - 1).Pos), true
}

// ReadFrom returns whole batches starting at position. At least one batch is
// returned even when it is larger than maxBytes.
func (s *Segment) ReadFrom(position int64, maxBytes int) ([]byte, error) {
	header := make([]byte, BatchHeaderLen)
	end := position
	for end < s.Position {
		if _, err := s.log.ReadAt(header, end); err != nil {
			return nil, errors.Wrap(err, "read batch header failed")
		}
		n := int64(Batch(header).Size())
		if end > position && end+n-position > int64(maxBytes) {
			break
		}
		end += n
	}
	buf := make([]byte, end-position)
	if _, err := s.log.ReadAt(buf, position); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "read batches failed")
	}
	return buf, nil
}

// scan calls fn with the header of every batch until fn returns false.
func (s *Segment) scan(fn func(Batch) bool) error {
	header := make([]byte, BatchHeaderLen)
	for i, n := 0, s.index.Entries(); i < n; i++ {
		if _, err := s.log.ReadAt(header, int64(s.index.Read(i).Pos)); err != nil {
			return errors.Wrap(err, "read batch header failed")
		}
		if !fn(Batch(header)) {
			return nil
		}
	}
	return nil
}

func (s *Segment) Close() error {
	if err := s.log.Close(); err != nil {
		return err
	}
	return s.index.Close()
}

// Delete closes the segment and then deletes its log and index files.
func (s *Segment) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.logPath()); err != nil {
		return err
	}
	return os.Remove(s.indexPath())
}

func (s *Segment) logPath() string {
	return filepath.Join(s.path, fmt.Sprintf(fileFormat, s.BaseOffset, logSuffix))
}

func (s *Segment) indexPath() string {
	return filepath.Join(s.path, fmt.Sprintf(fileFormat, s.BaseOffset, indexSuffix))
}

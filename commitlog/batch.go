package commitlog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Byte offsets into a v2 record batch header.
const (
	baseOffsetPos      = 0
	batchLengthPos     = 8
	attributesPos      = 21
	lastOffsetDeltaPos = 23
	maxTimestampPos    = 35
	recordCountPos     = 57

	// BatchHeaderLen is the size of a v2 record batch header.
	BatchHeaderLen = 61
	// batchLengthOverhead counts the bytes batchLength itself leaves out.
	batchLengthOverhead = 12
)

var (
	ErrBatchTooShort  = errors.New("commitlog: record batch too short")
	ErrBatchMagic     = errors.New("commitlog: record batch magic is not 2")
	ErrBatchCorrupt   = errors.New("commitlog: record batch crc mismatch")
	ErrBatchNoRecords = errors.New("commitlog: record batch has no records")
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Batch is one v2 record batch as it appears on the wire and on disk.
type Batch []byte

func (b Batch) BaseOffset() int64 {
	return int64(binary.BigEndian.Uint64(b[baseOffsetPos:]))
}

// SetBaseOffset rewrites the base offset. The CRC does not cover it.
func (b Batch) SetBaseOffset(off int64) {
	binary.BigEndian.PutUint64(b[baseOffsetPos:], uint64(off))
}

func (b Batch) LastOffsetDelta() int32 {
	return int32(binary.BigEndian.Uint32(b[lastOffsetDeltaPos:]))
}

// LastOffset is the offset of the last record in the batch.
func (b Batch) LastOffset() int64 {
	return b.BaseOffset() + int64(b.LastOffsetDelta())
}

func (b Batch) MaxTimestamp() int64 {
	return int64(binary.BigEndian.Uint64(b[maxTimestampPos:]))
}

func (b Batch) RecordCount() int32 {
	return int32(binary.BigEndian.Uint32(b[recordCountPos:]))
}

// Size is the total size of the batch according to its header.
func (b Batch) Size() int {
	return batchSize(b)
}

func batchSize(header []byte) int {
	return int(int32(binary.BigEndian.Uint32(header[batchLengthPos:]))) + batchLengthOverhead
}

// Validate checks the magic byte and the CRC-32C of the batch.
func (b Batch) Validate() error {
	var rb kmsg.RecordBatch
	if err := rb.ReadFrom(b); err != nil {
		return errors.Wrap(ErrBatchTooShort, err.Error())
	}
	if rb.Magic != 2 {
		return ErrBatchMagic
	}
	if uint32(rb.CRC) != crc32.Checksum(b[attributesPos:], crc32cTable) {
		return ErrBatchCorrupt
	}
	if rb.NumRecords <= 0 || rb.LastOffsetDelta < 0 {
		return ErrBatchNoRecords
	}
	return nil
}

// SplitBatches splits a record set into its batches. Every batch must be
// complete.
func SplitBatches(records []byte) ([]Batch, error) {
	var batches []Batch
	for len(records) > 0 {
		if len(records) < BatchHeaderLen {
			return nil, ErrBatchTooShort
		}
		size := batchSize(records)
		if size < BatchHeaderLen || size > len(records) {
			return nil, ErrBatchTooShort
		}
		batches = append(batches, Batch(records[:size:size]))
		records = records[size:]
	}
	return batches, nil
}

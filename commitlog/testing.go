package commitlog

import (
	"encoding/binary"
	"hash/crc32"
)

// NewTestBatch encodes values as an uncompressed v2 record batch with base
// offset 0 and every record stamped ts.
func NewTestBatch(ts int64, values ...[]byte) Batch {
	var records []byte
	for i, v := range values {
		var body []byte
		body = append(body, 0) // attributes
		body = binary.AppendVarint(body, 0)
		body = binary.AppendVarint(body, int64(i))
		body = binary.AppendVarint(body, -1) // null key
		body = binary.AppendVarint(body, int64(len(v)))
		body = append(body, v...)
		body = binary.AppendVarint(body, 0) // headers
		records = binary.AppendVarint(records, int64(len(body)))
		records = append(records, body...)
	}

	b := make([]byte, BatchHeaderLen, BatchHeaderLen+len(records))
	binary.BigEndian.PutUint32(b[batchLengthPos:], uint32(BatchHeaderLen+len(records)-batchLengthOverhead))
	binary.BigEndian.PutUint32(b[12:], 0xffffffff) // partition leader epoch
	b[16] = 2
	binary.BigEndian.PutUint32(b[lastOffsetDeltaPos:], uint32(len(values)-1))
	binary.BigEndian.PutUint64(b[27:], uint64(ts))
	binary.BigEndian.PutUint64(b[maxTimestampPos:], uint64(ts))
	binary.BigEndian.PutUint64(b[43:], 0xffffffffffffffff) // producer id
	binary.BigEndian.PutUint16(b[51:], 0xffff)
	binary.BigEndian.PutUint32(b[53:], 0xffffffff)
	binary.BigEndian.PutUint32(b[recordCountPos:], uint32(len(values)))
	b = append(b, records...)
	binary.BigEndian.PutUint32(b[17:], crc32.Checksum(b[attributesPos:], crc32cTable))
	return b
}

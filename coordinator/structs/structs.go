// Package structs holds the records the coordination service replicates
// through raft and the msgpack codec used to ship them.
package structs

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

type MessageType uint8

const (
	RegisterBrokerRequestType   MessageType = 0
	DeregisterBrokerRequestType MessageType = 1
	SetMetaRequestType          MessageType = 2
)

const (
	// ClusterIDKey holds the id generated by the first leader.
	ClusterIDKey = "cluster.id"
)

type BrokerStatus string

const (
	BrokerAlive  BrokerStatus = "alive"
	BrokerLeft   BrokerStatus = "left"
	BrokerFailed BrokerStatus = "failed"
)

type RegisterBrokerRequest struct {
	Broker Broker
}

type DeregisterBrokerRequest struct {
	ID int32
}

type SetMetaRequest struct {
	Meta Meta
}

// msgpackHandle is a shared handle for encoding/decoding of structs
var msgpackHandle = &codec.MsgpackHandle{}

// Decode is used to decode a MsgPack object. The type prefix must already
// have been stripped.
func Decode(buf []byte, out interface{}) error {
	return codec.NewDecoder(bytes.NewReader(buf), msgpackHandle).Decode(out)
}

// Encode is used to encode a MsgPack object with type prefix
func Encode(t MessageType, msg interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(uint8(t))
	err := codec.NewEncoder(&buf, msgpackHandle).Encode(msg)
	return buf.Bytes(), err
}

type RaftIndex struct {
	CreateIndex uint64
	ModifyIndex uint64
}

// Broker is a broker registered with the coordination service.
type Broker struct {
	ID     int32
	Node   string
	Addr   string
	Status BrokerStatus

	RaftIndex
}

// Meta is a cluster-wide key/value pair.
type Meta struct {
	Key   string
	Value string

	RaftIndex
}

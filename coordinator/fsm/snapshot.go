package fsm

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/hashicorp/raft"
	"github.com/thatguystone/kafkalocal/coordinator/structs"
	"github.com/ugorji/go/codec"
)

// msgpackHandle is a shared handle for encoding/decoding of snapshots.
var msgpackHandle = &codec.MsgpackHandle{}

type snapshotHeader struct {
	// LastIndex is the last index that affects the data.
	LastIndex uint64
}

type restorer func(header *snapshotHeader, restore *Restore, dec *codec.Decoder) error

// restorers maps the type byte written before every snapshot record to the
// function that loads it.
var restorers = map[structs.MessageType]restorer{
	structs.RegisterBrokerRequestType: func(_ *snapshotHeader, restore *Restore, dec *codec.Decoder) error {
		var b structs.Broker
		if err := dec.Decode(&b); err != nil {
			return err
		}
		return restore.Broker(&b)
	},
	structs.SetMetaRequestType: func(_ *snapshotHeader, restore *Restore, dec *codec.Decoder) error {
		var m structs.Meta
		if err := dec.Decode(&m); err != nil {
			return err
		}
		return restore.Meta(&m)
	},
}

// Snapshot is used to provide a point-in-time snapshot. It works by starting
// a read transaction against the whole state store.
type Snapshot struct {
	tx        *memdb.Txn
	lastIndex uint64
}

func (s *Store) Snapshot() *Snapshot {
	tx := s.db.Txn(false)

	var tables []string
	for table := range s.schema.Tables {
		tables = append(tables, table)
	}
	return &Snapshot{tx, maxIndexTxn(tx, tables...)}
}

// LastIndex returns the last index that affects the snapshotted data.
func (s *Snapshot) LastIndex() uint64 {
	return s.lastIndex
}

// Close performs cleanup of a state snapshot.
func (s *Snapshot) Close() {
	s.tx.Abort()
}

// Restore is used to manage restoring a large amount of data into the state
// store. It works by doing all the restores inside of a single transaction.
type Restore struct {
	tx *memdb.Txn
}

func (s *Store) Restore() *Restore {
	return &Restore{s.db.Txn(true)}
}

// Abort abandons the changes made by a restore.
func (r *Restore) Abort() {
	r.tx.Abort()
}

// Commit commits the changes made by a restore.
func (r *Restore) Commit() {
	r.tx.Commit()
}

func (r *Restore) Broker(b *structs.Broker) error {
	if err := r.tx.Insert(tableBrokers, b); err != nil {
		return fmt.Errorf("failed restoring broker: %s", err)
	}
	return r.bumpIndex(tableBrokers, b.ModifyIndex)
}

func (r *Restore) Meta(m *structs.Meta) error {
	if err := r.tx.Insert(tableMeta, m); err != nil {
		return fmt.Errorf("failed restoring meta: %s", err)
	}
	return r.bumpIndex(tableMeta, m.ModifyIndex)
}

func (r *Restore) bumpIndex(table string, idx uint64) error {
	if idx <= maxIndexTxn(r.tx, table) {
		return nil
	}
	if err := r.tx.Insert(tableIndex, &IndexEntry{table, idx}); err != nil {
		return fmt.Errorf("failed updating index: %s", err)
	}
	return nil
}

// snapshot is the raft.FSMSnapshot of the store.
type snapshot struct {
	state *Snapshot
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.persist(sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) persist(sink raft.SnapshotSink) error {
	encoder := codec.NewEncoder(sink, msgpackHandle)

	header := snapshotHeader{LastIndex: s.state.LastIndex()}
	if err := encoder.Encode(&header); err != nil {
		return err
	}

	for _, table := range []struct {
		name string
		msg  structs.MessageType
	}{
		{tableBrokers, structs.RegisterBrokerRequestType},
		{tableMeta, structs.SetMetaRequestType},
	} {
		it, err := s.state.tx.Get(table.name, "id")
		if err != nil {
			return err
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			if _, err := sink.Write([]byte{byte(table.msg)}); err != nil {
				return err
			}
			if err := encoder.Encode(obj); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *snapshot) Release() {
	s.state.Close()
}

package fsm

import (
	"bytes"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"github.com/thatguystone/kafkalocal/coordinator/structs"
	"github.com/thatguystone/kafkalocal/log"
)

type sink struct {
	bytes.Buffer
	cancelled bool
}

func (s *sink) ID() string    { return "test" }
func (s *sink) Cancel() error { s.cancelled = true; return nil }
func (s *sink) Close() error  { return nil }

func newFSM(t *testing.T) *FSM {
	fsm, err := New(log.NewNop(), nil)
	require.NoError(t, err)
	return fsm
}

func apply(t *testing.T, fsm *FSM, index uint64, msg structs.MessageType, req interface{}) {
	buf, err := structs.Encode(msg, req)
	require.NoError(t, err)
	require.Nil(t, fsm.Apply(&raft.Log{Index: index, Data: buf}))
}

func register(t *testing.T, fsm *FSM, index uint64, id int32, status structs.BrokerStatus) {
	apply(t, fsm, index, structs.RegisterBrokerRequestType, &structs.RegisterBrokerRequest{
		Broker: structs.Broker{ID: id, Node: "broker", Addr: "127.0.0.1:9092", Status: status},
	})
}

func TestRegisterBrokers(t *testing.T) {
	fsm := newFSM(t)

	register(t, fsm, 1, 2, structs.BrokerAlive)
	register(t, fsm, 2, 1, structs.BrokerAlive)

	idx, brokers, err := fsm.State().GetBrokers()
	require.NoError(t, err)
	require.Equal(t, uint64(2), idx)
	require.Len(t, brokers, 2)
	require.Equal(t, int32(1), brokers[0].ID)

	controller, err := fsm.State().Controller()
	require.NoError(t, err)
	require.Equal(t, int32(2), controller, "first registered broker is the controller")

	// re-registering keeps the creation index
	register(t, fsm, 3, 2, structs.BrokerFailed)
	_, b, err := fsm.State().GetBroker(2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), b.CreateIndex)
	require.Equal(t, uint64(3), b.ModifyIndex)

	controller, err = fsm.State().Controller()
	require.NoError(t, err)
	require.Equal(t, int32(1), controller, "failed brokers lose the controller")

	apply(t, fsm, 4, structs.DeregisterBrokerRequestType, &structs.DeregisterBrokerRequest{ID: 2})
	_, b, err = fsm.State().GetBroker(2)
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestControllerWithoutBrokers(t *testing.T) {
	controller, err := newFSM(t).State().Controller()
	require.NoError(t, err)
	require.Equal(t, int32(-1), controller)
}

func TestSnapshotRestore(t *testing.T) {
	fsm := newFSM(t)
	register(t, fsm, 1, 0, structs.BrokerAlive)
	apply(t, fsm, 2, structs.SetMetaRequestType, &structs.SetMetaRequest{
		Meta: structs.Meta{Key: structs.ClusterIDKey, Value: "abc"},
	})

	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	out := &sink{}
	require.NoError(t, snap.Persist(out))
	require.False(t, out.cancelled)

	restored := newFSM(t)
	abandoned := restored.State().AbandonCh()
	require.NoError(t, restored.Restore(io.NopCloser(&out.Buffer)))

	select {
	case <-abandoned:
	default:
		t.Fatal("old state not abandoned")
	}

	id, ok, err := restored.State().GetMeta(structs.ClusterIDKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc", id)

	idx, brokers, err := restored.State().GetBrokers()
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)
	require.Len(t, brokers, 1)
	require.Equal(t, "127.0.0.1:9092", brokers[0].Addr)
}

// Package fsm is the raft state machine of the coordination service: a
// go-memdb store of registered brokers and cluster metadata.
package fsm

import (
	"io"
	"sync"

	"github.com/hashicorp/raft"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/thatguystone/kafkalocal/coordinator/structs"
	"github.com/thatguystone/kafkalocal/log"
	"github.com/ugorji/go/codec"
)

var _ raft.FSM = (*FSM)(nil)

// FSM applies committed coordinator commands to a Store. The Store is
// swapped wholesale when a snapshot is restored.
type FSM struct {
	logger log.Logger
	tracer opentracing.Tracer

	mu    sync.RWMutex
	state *Store
}

func New(logger log.Logger, tracer opentracing.Tracer) (*FSM, error) {
	if tracer == nil {
		tracer = opentracing.NoopTracer{}
	}
	state, err := NewStore(tracer)
	if err != nil {
		return nil, err
	}
	return &FSM{
		logger: logger.With(log.Component("fsm")),
		tracer: tracer,
		state:  state,
	}, nil
}

// State returns the current store. Hold on to it only briefly: a restore
// abandons it.
func (c *FSM) State() *Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Apply decodes the command in l and runs it against the store. The
// result is nil or the store's error.
func (c *FSM) Apply(l *raft.Log) interface{} {
	if len(l.Data) == 0 {
		return nil
	}
	t, body := structs.MessageType(l.Data[0]), l.Data[1:]
	switch t {
	case structs.RegisterBrokerRequestType:
		return c.applyRegisterBroker(body, l.Index)
	case structs.DeregisterBrokerRequestType:
		return c.applyDeregisterBroker(body, l.Index)
	case structs.SetMetaRequestType:
		return c.applySetMeta(body, l.Index)
	}
	c.logger.Error("skipping unknown command", log.Int("type", int(t)), log.Int64("index", int64(l.Index)))
	return nil
}

func (c *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &snapshot{c.State().Snapshot()}, nil
}

// Restore replaces the store with the brokers and metadata read from rc.
func (c *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	state, err := NewStore(c.tracer)
	if err != nil {
		return err
	}
	r := state.Restore()
	defer r.Abort()

	dec := codec.NewDecoder(rc, msgpackHandle)
	var header snapshotHeader
	if err := dec.Decode(&header); err != nil {
		return errors.Wrap(err, "fsm: read snapshot header")
	}

	t := make([]byte, 1)
	for {
		if _, err := rc.Read(t); err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, "fsm: read snapshot")
		}
		restore, ok := restorers[structs.MessageType(t[0])]
		if !ok {
			return errors.Errorf("fsm: unknown snapshot record type %d", t[0])
		}
		if err := restore(&header, r, dec); err != nil {
			return err
		}
	}
	r.Commit()

	c.mu.Lock()
	old := c.state
	c.state = state
	c.mu.Unlock()
	old.Abandon()
	return nil
}

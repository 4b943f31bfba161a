package fsm

import (
	"github.com/pkg/errors"
	"github.com/thatguystone/kafkalocal/coordinator/structs"
	"github.com/thatguystone/kafkalocal/log"
)

// A command that cannot be decoded was written by a different build; the
// log cannot be replayed past it.
func mustDecode(buf []byte, v interface{}) {
	if err := structs.Decode(buf, v); err != nil {
		panic(errors.Wrapf(err, "fsm: decode %T", v))
	}
}

func (c *FSM) applyRegisterBroker(buf []byte, index uint64) interface{} {
	var req structs.RegisterBrokerRequest
	mustDecode(buf, &req)
	if err := c.state.EnsureBroker(index, &req.Broker); err != nil {
		c.logger.Error("register broker", log.Int32("broker", req.Broker.ID), log.Error("error", err))
		return err
	}
	return nil
}

func (c *FSM) applyDeregisterBroker(buf []byte, index uint64) interface{} {
	var req structs.DeregisterBrokerRequest
	mustDecode(buf, &req)
	if err := c.state.DeleteBroker(index, req.ID); err != nil {
		c.logger.Error("deregister broker", log.Int32("broker", req.ID), log.Error("error", err))
		return err
	}
	return nil
}

func (c *FSM) applySetMeta(buf []byte, index uint64) interface{} {
	var req structs.SetMetaRequest
	mustDecode(buf, &req)
	if err := c.state.EnsureMeta(index, &req.Meta); err != nil {
		c.logger.Error("set meta", log.String("key", req.Meta.Key), log.Error("error", err))
		return err
	}
	return nil
}

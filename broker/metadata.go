package broker

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/thatguystone/kafkalocal/log"
)

func (b *Broker) handleMetadata(ctx context.Context, req *kmsg.MetadataRequest) *kmsg.MetadataResponse {
	sp, _ := b.span(ctx, "metadata")
	defer sp.Finish()

	resp := req.ResponseKind().(*kmsg.MetadataResponse)
	for _, br := range b.brokers() {
		host, portStr, err := net.SplitHostPort(br.BrokerAddr)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		rb := kmsg.NewMetadataResponseBroker()
		rb.NodeID = br.ID.Int32()
		rb.Host = host
		rb.Port = int32(port)
		resp.Brokers = append(resp.Brokers, rb)
	}
	clusterID := b.clusterID
	resp.ClusterID = &clusterID
	resp.ControllerID = b.controller()

	var names []string
	if req.Topics == nil || (req.Version == 0 && len(req.Topics) == 0) {
		names = b.Topics()
	} else {
		for _, t := range req.Topics {
			if t.Topic != nil {
				names = append(names, *t.Topic)
			}
		}
	}
	autoCreate := b.config.AutoCreateTopics && (req.Version < 4 || req.AllowAutoTopicCreation)

	for _, name := range names {
		rt := kmsg.NewMetadataResponseTopic()
		rt.Topic = kmsg.StringPtr(name)

		ps := b.partitions(name)
		if ps == nil {
			if err := validTopicName(name); err != nil {
				rt.ErrorCode = kerr.InvalidTopicException.Code
				resp.Topics = append(resp.Topics, rt)
				continue
			}
			if !autoCreate {
				rt.ErrorCode = kerr.UnknownTopicOrPartition.Code
				resp.Topics = append(resp.Topics, rt)
				continue
			}
			var err error
			if ps, err = b.createTopic(name, b.config.NumPartitions); err != nil && !errors.Is(err, ErrTopicExists) {
				b.logger.Error("failed to auto create topic", log.String("topic", name), log.Error("error", err))
				rt.ErrorCode = kerr.UnknownServerError.Code
				resp.Topics = append(resp.Topics, rt)
				continue
			}
			if ps == nil {
				ps = b.partitions(name)
			}
		}

		for _, p := range ps {
			rp := kmsg.NewMetadataResponseTopicPartition()
			rp.Partition = p.ID
			rp.Leader = b.config.ID
			rp.LeaderEpoch = 0
			rp.Replicas = []int32{b.config.ID}
			rp.ISR = []int32{b.config.ID}
			rt.Partitions = append(rt.Partitions, rp)
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}

package broker

import (
	"context"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/thatguystone/kafkalocal/log"
)

func (b *Broker) handleCreateTopics(ctx context.Context, req *kmsg.CreateTopicsRequest) *kmsg.CreateTopicsResponse {
	sp, _ := b.span(ctx, "create topics")
	defer sp.Finish()

	resp := req.ResponseKind().(*kmsg.CreateTopicsResponse)
	for _, t := range req.Topics {
		rt := kmsg.NewCreateTopicsResponseTopic()
		rt.Topic = t.Topic
		partitions, rf, kerrErr := b.checkCreateTopic(t)
		if kerrErr == nil && !req.ValidateOnly {
			if _, err := b.createTopic(t.Topic, partitions); err != nil {
				switch {
				case errors.Is(err, ErrTopicExists):
					kerrErr = kerr.TopicAlreadyExists
				default:
					b.logger.Error("failed to create topic", log.String("topic", t.Topic), log.Error("error", err))
					kerrErr = kerr.UnknownServerError
				}
			}
		}
		if kerrErr != nil {
			rt.ErrorCode = kerrErr.Code
			if req.Version >= 1 {
				rt.ErrorMessage = kmsg.StringPtr(kerrErr.Description)
			}
		} else {
			rt.NumPartitions = partitions
			rt.ReplicationFactor = rf
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}

// checkCreateTopic resolves the partition count and replication factor of
// t, applying broker defaults for -1.
func (b *Broker) checkCreateTopic(t kmsg.CreateTopicsRequestTopic) (int32, int16, *kerr.Error) {
	if err := validTopicName(t.Topic); err != nil {
		return 0, 0, kerr.InvalidTopicException
	}
	if b.partitions(t.Topic) != nil {
		return 0, 0, kerr.TopicAlreadyExists
	}

	partitions, rf := t.NumPartitions, t.ReplicationFactor
	if len(t.ReplicaAssignment) > 0 {
		if partitions != -1 || rf != -1 {
			return 0, 0, kerr.InvalidRequest
		}
		partitions = int32(len(t.ReplicaAssignment))
		rf = int16(len(t.ReplicaAssignment[0].Replicas))
		for i, a := range t.ReplicaAssignment {
			if a.Partition != int32(i) || len(a.Replicas) != 1 || a.Replicas[0] != b.config.ID {
				return 0, 0, kerr.InvalidReplicaAssignment
			}
		}
	}
	if partitions == -1 {
		partitions = b.config.NumPartitions
	}
	if rf == -1 {
		rf = b.config.DefaultReplicationFactor
	}
	if partitions < 1 {
		return 0, 0, kerr.InvalidPartitions
	}
	if rf < 1 || int(rf) > len(b.brokers()) {
		return 0, 0, kerr.InvalidReplicationFactor
	}
	return partitions, rf, nil
}

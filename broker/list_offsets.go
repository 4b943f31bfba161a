package broker

import (
	"context"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/thatguystone/kafkalocal/log"
)

const (
	latestTimestamp   = -1
	earliestTimestamp = -2
)

func (b *Broker) handleListOffsets(ctx context.Context, req *kmsg.ListOffsetsRequest) *kmsg.ListOffsetsResponse {
	sp, _ := b.span(ctx, "list offsets")
	defer sp.Finish()

	resp := req.ResponseKind().(*kmsg.ListOffsetsResponse)
	for _, t := range req.Topics {
		rt := kmsg.NewListOffsetsResponseTopic()
		rt.Topic = t.Topic
		for _, p := range t.Partitions {
			rp := kmsg.NewListOffsetsResponseTopicPartition()
			rp.Partition = p.Partition
			rp.Timestamp = -1
			rp.Offset = -1

			part := b.partition(t.Topic, p.Partition)
			if part == nil {
				rp.ErrorCode = kerr.UnknownTopicOrPartition.Code
				rt.Partitions = append(rt.Partitions, rp)
				continue
			}

			switch p.Timestamp {
			case latestTimestamp:
				rp.Offset = part.Log.NewestOffset()
			case earliestTimestamp:
				rp.Offset = part.Log.OldestOffset()
			default:
				offset, ts, found, err := part.Log.OffsetForTime(p.Timestamp)
				if err != nil {
					b.logger.Error("offset lookup failed",
						log.String("topic", t.Topic), log.Int32("partition", p.Partition), log.Error("error", err))
					rp.ErrorCode = kerr.KafkaStorageError.Code
				} else if found {
					rp.Offset, rp.Timestamp = offset, ts
				}
			}
			rp.LeaderEpoch = 0
			if req.Version == 0 && rp.ErrorCode == 0 && rp.Offset >= 0 {
				rp.OldStyleOffsets = []int64{rp.Offset}
			}
			rt.Partitions = append(rt.Partitions, rp)
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}

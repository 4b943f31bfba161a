package broker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/thatguystone/kafkalocal/commitlog"
	"github.com/thatguystone/kafkalocal/log"
)

const fetchPollInterval = 10 * time.Millisecond

func (b *Broker) handleFetch(ctx context.Context, req *kmsg.FetchRequest) *kmsg.FetchResponse {
	sp, ctx := b.span(ctx, "fetch")
	defer sp.Finish()

	deadline := time.Now().Add(time.Duration(req.MaxWaitMillis) * time.Millisecond)
	for {
		resp, n, failed := b.fetch(req)
		if n >= int(req.MinBytes) || failed || !time.Now().Before(deadline) {
			return resp
		}

		t := time.NewTimer(fetchPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return resp
		case <-t.C:
		}
	}
}

// fetch reads once from every requested partition. It returns the
// response, the number of record bytes in it and whether any partition
// failed.
func (b *Broker) fetch(req *kmsg.FetchRequest) (*kmsg.FetchResponse, int, bool) {
	resp := req.ResponseKind().(*kmsg.FetchResponse)
	total, failed := 0, false
	for _, t := range req.Topics {
		rt := kmsg.NewFetchResponseTopic()
		rt.Topic = t.Topic
		for _, p := range t.Partitions {
			rp := kmsg.NewFetchResponseTopicPartition()
			rp.Partition = p.Partition

			part := b.partition(t.Topic, p.Partition)
			if part == nil {
				rp.ErrorCode = kerr.UnknownTopicOrPartition.Code
				rp.HighWatermark, rp.LastStableOffset, rp.LogStartOffset = -1, -1, -1
				rt.Partitions = append(rt.Partitions, rp)
				failed = true
				continue
			}

			hw := part.Log.NewestOffset()
			rp.HighWatermark = hw
			rp.LastStableOffset = hw
			rp.LogStartOffset = part.Log.OldestOffset()

			maxBytes := int(p.PartitionMaxBytes)
			if left := int(req.MaxBytes) - total; total > 0 && left < maxBytes {
				maxBytes = left
			}
			if maxBytes > 0 {
				buf, err := part.Log.Read(p.FetchOffset, maxBytes)
				switch {
				case errors.Is(err, commitlog.ErrOffsetOutOfRange):
					rp.ErrorCode = kerr.OffsetOutOfRange.Code
					failed = true
				case err != nil:
					b.logger.Error("read failed",
						log.String("topic", t.Topic), log.Int32("partition", p.Partition), log.Error("error", err))
					rp.ErrorCode = kerr.KafkaStorageError.Code
					failed = true
				default:
					rp.RecordBatches = buf
					total += len(buf)
				}
			}
			rt.Partitions = append(rt.Partitions, rp)
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp, total, failed
}

package broker

import (
	"context"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/thatguystone/kafkalocal/commitlog"
	"github.com/thatguystone/kafkalocal/log"
)

func (b *Broker) handleProduce(ctx context.Context, req *kmsg.ProduceRequest) *kmsg.ProduceResponse {
	sp, _ := b.span(ctx, "produce")
	defer sp.Finish()

	resp := req.ResponseKind().(*kmsg.ProduceResponse)
	validAcks := req.Acks == -1 || req.Acks == 0 || req.Acks == 1
	for _, t := range req.Topics {
		rt := kmsg.NewProduceResponseTopic()
		rt.Topic = t.Topic
		for _, p := range t.Partitions {
			rp := kmsg.NewProduceResponseTopicPartition()
			rp.Partition = p.Partition
			if !validAcks {
				rp.ErrorCode = kerr.InvalidRequiredAcks.Code
			} else {
				b.produce(t.Topic, p.Records, &rp)
			}
			rt.Partitions = append(rt.Partitions, rp)
		}
		resp.Topics = append(resp.Topics, rt)
	}
	return resp
}

// produce appends records to the partition and fills in rp. Every batch
// is checked before the first one is written.
func (b *Broker) produce(topic string, records []byte, rp *kmsg.ProduceResponseTopicPartition) {
	p := b.partition(topic, rp.Partition)
	if p == nil {
		rp.ErrorCode = kerr.UnknownTopicOrPartition.Code
		return
	}

	batches, err := commitlog.SplitBatches(records)
	if err == nil && len(batches) == 0 {
		err = commitlog.ErrBatchNoRecords
	}
	if err != nil {
		rp.ErrorCode = kerr.CorruptMessage.Code
		return
	}
	var count int32
	for _, batch := range batches {
		if batch.Size() > int(b.config.MessageMaxBytes) {
			rp.ErrorCode = kerr.MessageTooLarge.Code
			return
		}
		if err := batch.Validate(); err != nil {
			if errors.Is(err, commitlog.ErrBatchMagic) {
				rp.ErrorCode = kerr.UnsupportedForMessageFormat.Code
			} else {
				rp.ErrorCode = kerr.CorruptMessage.Code
			}
			return
		}
		count += batch.RecordCount()
	}

	rp.BaseOffset = -1
	for _, batch := range batches {
		offset, err := p.Log.Append(batch)
		if err != nil {
			b.logger.Error("append failed",
				log.String("topic", topic), log.Int32("partition", p.ID), log.Error("error", err))
			rp.ErrorCode = kerr.KafkaStorageError.Code
			return
		}
		if rp.BaseOffset < 0 {
			rp.BaseOffset = offset
		}
	}
	rp.LogAppendTime = -1
	rp.LogStartOffset = p.Log.OldestOffset()
	b.metrics.RecordsProduced.With("topic", topic).Add(float64(count))
}

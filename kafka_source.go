package dstreams

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// offsetRange is the half-open [From, To) span of offsets one instant
// consumed from one partition.
type offsetRange struct {
	From int64
	To   int64
}

// kafkaRecoveryState is the source's extra checkpoint payload: where to
// resume consuming, and which offsets each remembered instant covered.
type kafkaRecoveryState struct {
	NextOffsets map[int32]int64
	Ranges      map[Time]map[int32]offsetRange
}

// KafkaSource consumes a topic through franz-go, producing one batch of raw
// record values per tick. It tracks the offset ranges behind every produced
// instant and checkpoints them alongside its batches, so recovery resumes at
// the exact position the snapshot covered instead of wherever the consumer
// group happens to point.
type KafkaSource struct {
	*StreamCore

	brokers     []string
	topic       string
	group       string
	pollTimeout time.Duration

	mu          sync.Mutex
	client      *kgo.Client
	nextOffsets map[int32]int64
	ranges      map[Time]map[int32]offsetRange
}

// KafkaSourceOption configures a KafkaSource.
type KafkaSourceOption func(*KafkaSource)

// WithConsumerGroup joins the given consumer group instead of consuming with
// explicit offsets only.
var WithConsumerGroup = func(group string) KafkaSourceOption {
	return func(s *KafkaSource) {
		s.group = group
	}
}

// WithPollTimeout bounds how long one tick may block waiting for records.
// Must stay well below the batch duration.
var WithPollTimeout = func(d time.Duration) KafkaSourceOption {
	return func(s *KafkaSource) {
		s.pollTimeout = d
	}
}

// NewKafkaSource creates a Kafka-backed source on ctx.
func NewKafkaSource(ctx *Context, brokers []string, topic string, opts ...KafkaSourceOption) *KafkaSource {
	s := &KafkaSource{
		brokers:     brokers,
		topic:       topic,
		pollTimeout: 250 * time.Millisecond,
		nextOffsets: map[int32]int64{},
		ranges:      map[Time]map[int32]offsetRange{},
	}
	s.StreamCore = newCore(s, "kafka_source", ctx.batchDuration, nil)
	_ = s.StreamCore.setContext(ctx)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ensureClient builds the client lazily so restored offsets, if any, are
// known before the first fetch.
func (s *KafkaSource) ensureClient() error {
	if s.client != nil {
		return nil
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(s.brokers...),
	}
	if len(s.nextOffsets) > 0 {
		parts := make(map[int32]kgo.Offset, len(s.nextOffsets))
		for p, o := range s.nextOffsets {
			parts[p] = kgo.NewOffset().At(o)
		}
		opts = append(opts, kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{s.topic: parts}))
	} else {
		opts = append(opts, kgo.ConsumeTopics(s.topic))
		if s.group != "" {
			opts = append(opts, kgo.ConsumerGroup(s.group))
		}
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	s.client = client
	return nil
}

func (s *KafkaSource) Compute(t Time) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureClient(); err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithTimeout(context.Background(), s.pollTimeout)
	defer cancel()

	fetches := s.client.PollFetches(pollCtx)
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return nil, fmt.Errorf("fetch %s[%d]: %w", fe.Topic, fe.Partition, fe.Err)
	}

	var elems []any
	tickRanges := map[int32]offsetRange{}
	fetches.EachRecord(func(r *kgo.Record) {
		elems = append(elems, r.Value)
		rng, ok := tickRanges[r.Partition]
		if !ok {
			rng = offsetRange{From: r.Offset, To: r.Offset + 1}
		} else {
			rng.To = r.Offset + 1
		}
		tickRanges[r.Partition] = rng
		s.nextOffsets[r.Partition] = r.Offset + 1
	})

	if len(elems) == 0 {
		return nil, nil
	}
	s.ranges[t] = tickRanges
	return s.Core().ctx.engine.NewBatch(elems), nil
}

// CaptureCheckpointExtra snapshots the resume position and per-instant
// offset ranges.
func (s *KafkaSource) CaptureCheckpointExtra() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop range bookkeeping for instants already evicted from the cache.
	horizon := map[Time]struct{}{}
	for _, t := range s.Core().CachedTimes() {
		horizon[t] = struct{}{}
	}
	for t := range s.ranges {
		if _, ok := horizon[t]; !ok {
			delete(s.ranges, t)
		}
	}

	state := kafkaRecoveryState{
		NextOffsets: s.nextOffsets,
		Ranges:      s.ranges,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RestoreCheckpointExtra applies a snapshot written by
// CaptureCheckpointExtra. Must run before the first fetch; ensureClient
// turns the restored offsets into explicit consume positions.
func (s *KafkaSource) RestoreCheckpointExtra(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return fmt.Errorf("%w: kafka source already consuming", ErrAlreadyInitialized)
	}
	var state kafkaRecoveryState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return fmt.Errorf("decode kafka recovery state: %w", err)
	}
	if state.NextOffsets != nil {
		s.nextOffsets = state.NextOffsets
	}
	if state.Ranges != nil {
		s.ranges = state.Ranges
	}
	return nil
}

// Close tears down the Kafka client. Call after stopping the context.
func (s *KafkaSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	return nil
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the stream key RedisSink appends to.
const DefaultStream = "lockbox:audit"

// RedisSink appends records to a Redis stream, trimmed approximately to
// maxLen entries.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink returns a sink appending to stream on client. An empty
// stream uses DefaultStream; maxLen <= 0 disables trimming.
func NewRedisSink(client *redis.Client, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Write(ctx context.Context, rec Record) error {
	values := map[string]any{
		"actor":     rec.Actor,
		"action":    string(rec.Action),
		"status":    string(rec.Status),
		"source":    rec.SourceAddress,
		"timestamp": rec.Timestamp.UTC().UnixMilli(),
	}
	if len(rec.Metadata) > 0 {
		meta, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encoding audit metadata: %w", err)
		}
		values["metadata"] = string(meta)
	}
	args := &redis.XAddArgs{Stream: s.stream, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// ReadRecent returns up to count of the newest records in stream, oldest
// first.
func ReadRecent(ctx context.Context, client *redis.Client, stream string, count int64) ([]Record, error) {
	if stream == "" {
		stream = DefaultStream
	}
	msgs, err := client.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("reading audit stream: %w", err)
	}
	out := make([]Record, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		rec, err := decodeStreamValues(msgs[i].Values)
		if err != nil {
			return nil, fmt.Errorf("audit entry %s: %w", msgs[i].ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeStreamValues(v map[string]any) (Record, error) {
	str := func(k string) string {
		s, _ := v[k].(string)
		return s
	}
	rec := Record{
		Actor:         str("actor"),
		Action:        Action(str("action")),
		Status:        Status(str("status")),
		SourceAddress: str("source"),
	}
	if ts := str("timestamp"); ts != "" {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("timestamp: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ms).UTC()
	}
	if meta := str("metadata"); meta != "" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("metadata: %w", err)
		}
	}
	return rec, nil
}

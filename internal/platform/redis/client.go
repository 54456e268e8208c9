// Package redis wraps the go-redis client used for the capacity event stream
// and the persisted capacity settings.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Client is the go-redis client type.
type Client = goredis.Client

// NewClient parses a redis:// URL, connects and pings the server.
func NewClient(ctx context.Context, url string) (*Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// PublishToStream appends values to stream with XADD, stringifying each
// value. Streams are capped at maxLen entries (approximately) when maxLen > 0.
func PublishToStream(ctx context.Context, client *Client, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		s, err := streamValue(v)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", k, err)
		}
		fields[k] = s
	}
	args := &goredis.XAddArgs{Stream: stream, Values: fields}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return client.XAdd(ctx, args).Result()
}

// PublishJSONToStream publishes data as a single JSON "data" field with a
// unix "timestamp".
func PublishJSONToStream(ctx context.Context, client *Client, stream string, maxLen int64, data interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return PublishToStream(ctx, client, stream, maxLen, map[string]interface{}{
		"data":      raw,
		"timestamp": time.Now().Unix(),
	})
}

func streamValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	case fmt.Stringer:
		return val.String(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

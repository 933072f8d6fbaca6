package redis

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
)

// Mirror republishes stream messages on "pub:stream:{series}" so other
// gateway instances can relay the same feed.
type Mirror struct {
	client *goredis.Client
}

// NewMirror wraps client.
func NewMirror(client *goredis.Client) *Mirror {
	return &Mirror{client: client}
}

// Channel returns the pubsub channel for series.
func Channel(series string) string {
	return "pub:stream:" + series
}

// Publish sends msg on the series channel.
func (m *Mirror) Publish(ctx context.Context, series string, msg []byte) error {
	if err := m.client.Publish(ctx, Channel(series), msg).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH %s: %w", Channel(series), err)
	}
	return nil
}

package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	dialInitialInterval = 250 * time.Millisecond
	dialMaxInterval     = 5 * time.Second
)

// Dial connects to a hub endpoint, retrying with capped exponential backoff
// while the server is unreachable. The hub replays nothing across a
// disconnect, so a reconnecting client should re-fetch current state after
// Dial succeeds.
func Dial(ctx context.Context, url string, maxAttempts uint64) (*websocket.Conn, error) {
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	var conn *websocket.Conn
	attempt := func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return err
		}
		conn = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = dialInitialInterval
	bo.MaxInterval = dialMaxInterval
	bo.MaxElapsedTime = 0

	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx))
	if err != nil {
		return nil, fmt.Errorf("dial %s (after %d attempts): %w", url, maxAttempts, err)
	}
	return conn, nil
}

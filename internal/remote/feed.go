package remote

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sells-group/study-sync/internal/model"
)

// WebsocketFeed subscribes to the collection change feed over a websocket.
// Each message is one Document envelope. The feed reconnects with backoff
// until the context is cancelled; messages that fail to decode are dropped
// with a warning.
type WebsocketFeed struct {
	url    string
	apiKey string

	dialer         *websocket.Dialer
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewWebsocketFeed creates a feed client for the given ws:// or wss:// URL.
func NewWebsocketFeed(feedURL, apiKey string) *WebsocketFeed {
	return &WebsocketFeed{
		url:            feedURL,
		apiKey:         apiKey,
		dialer:         websocket.DefaultDialer,
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
	}
}

// Run connects and dispatches documents to handler until ctx is done. A lost
// connection is re-dialed with exponential backoff; the backoff resets after
// every successful connect.
func (f *WebsocketFeed) Run(ctx context.Context, handler func(model.Document)) error {
	backoff := f.initialBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		header := http.Header{}
		if f.apiKey != "" {
			header.Set("Authorization", "Bearer "+f.apiKey)
		}

		conn, resp, err := f.dialer.DialContext(ctx, f.url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			zap.L().Warn("change feed dial failed",
				zap.String("url", f.url),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, f.maxBackoff)
			continue
		}

		backoff = f.initialBackoff
		zap.L().Info("change feed connected", zap.String("url", f.url))
		f.readLoop(ctx, conn, handler)
		_ = conn.Close()
	}
}

func (f *WebsocketFeed) readLoop(ctx context.Context, conn *websocket.Conn, handler func(model.Document)) {
	// Unblock ReadJSON when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var doc model.Document
		if err := conn.ReadJSON(&doc); err != nil {
			if ctx.Err() == nil {
				zap.L().Warn("change feed read failed", zap.Error(err))
			}
			return
		}
		if !doc.Valid() {
			zap.L().Warn("skipping malformed change event",
				zap.String("data_type", string(doc.DataType)),
				zap.String("key", doc.Key),
			)
			continue
		}
		handler(doc)
	}
}

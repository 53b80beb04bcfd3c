package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const maxReconnectDelay = 30 * time.Second

// Events streams platform events until ctx is done, reconnecting with
// backoff when the socket drops. The channel is closed on return.
func (c *Client) Events(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		delay := c.reconnectDelay
		for {
			err := c.stream(ctx, out)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				delay = c.reconnectDelay
			} else {
				c.logger.Error(err, "event stream dropped", "retryIn", delay.String())
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxReconnectDelay)
		}
	}()
	return out
}

func (c *Client) websocketURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/rest/v2/websocket"
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/rest/v2/websocket"
	default:
		return c.baseURL + "/rest/v2/websocket"
	}
}

// stream holds one socket open and forwards decoded frames to out.
func (c *Client) stream(ctx context.Context, out chan<- Event) error {
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("gateway: websocket token: %w", err)
	}
	header := http.Header{}
	token.SetAuthHeader(&http.Request{Header: header})

	conn, resp, err := c.dialer.DialContext(ctx, c.websocketURL(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("gateway: websocket dial: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("gateway: websocket dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	c.logger.V(1).Info("event stream connected")
	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("gateway: websocket read: %w", err)
		}
		if event.Type == "" {
			continue
		}
		select {
		case out <- event:
		case <-ctx.Done():
			return nil
		}
	}
}

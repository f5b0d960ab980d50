package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/transitlabs/sirihub/models"
)

// TailDeltas attaches to the delta stream for an existing subscription slot
// and invokes handler for every delivery until the context ends or the
// connection drops. The slot must have been created with Subscribe first.
func (c *Client) TailDeltas(ctx context.Context, subscriptionID string, category models.Category, handler func(Delivery)) error {
	wsScheme := "ws"
	if c.baseURL.Scheme == "https" {
		wsScheme = "wss"
	}
	streamURL := url.URL{
		Scheme: wsScheme,
		Host:   c.baseURL.Host,
		Path:   "/v1/delta/stream",
		RawQuery: url.Values{
			"subscriptionId": {subscriptionID},
			"category":       {string(category)},
		}.Encode(),
	}

	header := http.Header{}
	if c.authToken != "" {
		header.Set("Authorization", "Bearer "+c.authToken)
	}

	dialer := *websocket.DefaultDialer
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		dialer.TLSClientConfig = transport.TLSClientConfig
	}

	conn, resp, err := dialer.DialContext(ctx, streamURL.String(), header)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "stream dial refused with status %d", resp.StatusCode)
		}
		return errors.Wrap(err, "stream dial failed")
	}
	defer conn.Close()

	c.logger.Info("delta stream attached", "subscription", subscriptionID, "category", string(category))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.Wrap(err, "stream read failed")
		}

		var delivery Delivery
		if err := json.Unmarshal(message, &delivery); err != nil {
			c.logger.Warn("undecodable delivery on stream, skipping", "error", err)
			continue
		}
		handler(delivery)
	}
}

// Package syncws streams to-device events from the homeserver over a
// JSON-framed WebSocket.
package syncws

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/gwillem/megolm-go/internal/event"
)

// Message frame types.
const (
	TypeEvents = "events"
	TypePing   = "ping"
	TypePong   = "pong"
)

// Message is one frame on the sync stream. Events frames carry to-device
// events and the batch token to acknowledge; ping and pong frames carry
// only an ID.
type Message struct {
	Type      string           `json:"type"`
	ID        uint64           `json:"id,omitempty"`
	Events    []event.ToDevice `json:"events,omitempty"`
	NextBatch string           `json:"next_batch,omitempty"`
}

// Conn wraps a WebSocket connection with JSON framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL. If tlsConf is
// non-nil, it is used for the TLS handshake. Optional HTTP headers are
// added to the upgrade request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("syncws: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// ReadMessage reads and unmarshals the next frame.
func (c *Conn) ReadMessage(ctx context.Context) (*Message, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncws: read: %w", err)
	}
	msg := new(Message)
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("syncws: unmarshal: %w", err)
	}
	return msg, nil
}

// WriteMessage marshals and sends a frame.
func (c *Conn) WriteMessage(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("syncws: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("syncws: write: %w", err)
	}
	return nil
}

// Ack acknowledges an events frame so the server can advance the stream.
func (c *Conn) Ack(ctx context.Context, nextBatch string) error {
	return c.WriteMessage(ctx, &Message{Type: TypeEvents, NextBatch: nextBatch})
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}

package invoke

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 1 << 24

// ErrRemoteCall is wrapped around errors the remote bridge reported for a
// single call.
var ErrRemoteCall = errors.New("remote call failed")

// ErrRemoteFatal is wrapped around errors that permanently poisoned the
// remote bridge; further calls through this client will keep failing.
var ErrRemoteFatal = errors.New("remote bridge failed")

// Client invokes a remote bridge's function over a single WebSocket
// connection, one call at a time.
type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger

	mut  sync.Mutex
	conn *websocket.Conn
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	c.Logger.Debugw("dialing WebSocket for invoke", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to invoke: %w", err)
	}
	wsConn.SetReadLimit(readLimit)
	c.conn = wsConn
	return wsConn, nil
}

// Invoke calls the remote function once. A nil result with a nil error means
// the call produced no output.
func (c *Client) Invoke(ctx context.Context, input []interface{}) ([]interface{}, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	req := callRequestMessage{ID: uuid.NewString(), Input: input}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		c.reset()
		return nil, fmt.Errorf("sending call: %w", err)
	}

	var resp callResponseMessage
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		c.reset()
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.ID != req.ID {
		c.reset()
		return nil, fmt.Errorf("response ID %q does not match request ID %q", resp.ID, req.ID)
	}
	if resp.Err != "" {
		if resp.Fatal {
			return nil, fmt.Errorf("%w: %s", ErrRemoteFatal, resp.Err)
		}
		return nil, fmt.Errorf("%w: %s", ErrRemoteCall, resp.Err)
	}
	if resp.NoResult {
		return nil, nil
	}
	return resp.Values, nil
}

func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close(websocket.StatusInternalError, "client error")
		c.conn = nil
	}
}

// Close closes the connection cleanly. The client can be reused; the next
// call reconnects.
func (c *Client) Close() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.conn = nil
	return err
}

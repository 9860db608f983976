package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/internal/protocol"
	"github.com/MrWong99/medscribe/pkg/audio"
)

// Status is the connection state shown to the user.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithDialOptions passes opts to every [Dial].
func WithDialOptions(opts ...DialOption) ClientOption {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithReconnector sets the retry policy. Default: [NewReconnector] with
// zero config.
func WithReconnector(r *Reconnector) ClientOption {
	return func(c *Client) { c.rc = r }
}

// WithStatusHook registers fn to be called on every status change. Hooks
// run on the goroutine that calls [Client.Run] and must not block.
func WithStatusHook(fn func(Status)) ClientOption {
	return func(c *Client) { c.hooks = append(c.hooks, fn) }
}

// WithMetrics records dropped audio frames in m.
func WithMetrics(m *observe.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client keeps one logical connection to url alive. Reconnects are
// transparent to readers of [Client.Messages]; session state held by the
// caller is not touched.
type Client struct {
	url      string
	dialOpts []DialOption
	rc       *Reconnector
	metrics  *observe.Metrics
	hooks    []func(Status)

	messages chan []byte
	runOnce  sync.Once

	mu     sync.Mutex
	conn   *Conn
	status Status
}

// NewClient returns a Client for url. Call [Client.Run] to connect.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:      url,
		messages: make(chan []byte, defaultInboundQueue),
	}
	for _, o := range opts {
		o(c)
	}
	if c.rc == nil {
		c.rc = NewReconnector(ReconnectConfig{})
	}
	return c
}

// URL returns the endpoint the client dials.
func (c *Client) URL() string { return c.url }

// Messages returns inbound text frames from every connection the client
// holds. It is closed when [Client.Run] returns.
func (c *Client) Messages() <-chan []byte { return c.messages }

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether a socket is up.
func (c *Client) Connected() bool { return c.Status() == StatusConnected }

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	prev := c.status
	c.status = s
	c.mu.Unlock()
	if prev == s {
		return
	}
	slog.Debug("transport: status changed", "url", c.url, "from", prev, "to", s)
	for _, fn := range c.hooks {
		fn(s)
	}
}

func (c *Client) current() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) setConn(conn *Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) dial(ctx context.Context) (*Conn, error) {
	return Dial(ctx, c.url, c.dialOpts...)
}

// Run connects and keeps the connection alive until ctx is cancelled, in
// which case it returns nil. It returns an error wrapping
// [ErrRetriesExhausted] when a reconnect cycle fails. Run may be called
// once.
func (c *Client) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("transport: client already running")
	}
	defer close(c.messages)

	c.setStatus(StatusConnecting)
	for {
		conn, err := c.rc.Connect(ctx, c.dial)
		if err != nil {
			if ctx.Err() != nil {
				c.setStatus(StatusDisconnected)
				return nil
			}
			c.setStatus(StatusError)
			return err
		}

		c.setConn(conn)
		c.setStatus(StatusConnected)
		slog.Info("transport: connected", "url", c.url)

		err = c.pump(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			return nil
		}
		slog.Warn("transport: connection lost", "url", c.url, "err", err)
		c.setStatus(StatusReconnecting)
	}
}

func (c *Client) pump(ctx context.Context, conn *Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-conn.Messages():
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return ErrClosed
			}
			select {
			case c.messages <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// SendAudio queues raw PCM on the current connection without blocking.
func (c *Client) SendAudio(pcm []byte) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendAudio(pcm)
}

// SendChunk sends one encoded audio chunk as a binary frame. Frames that
// cannot be queued are dropped and counted.
func (c *Client) SendChunk(ctx context.Context, chunk audio.Chunk) error {
	err := c.SendAudio(chunk.Bytes())
	switch {
	case errors.Is(err, ErrBackpressure):
		c.metrics.RecordChunkDropped(ctx, "backpressure")
	case err != nil:
		c.metrics.RecordChunkDropped(ctx, "disconnected")
	}
	return err
}

// SendJSON queues a control frame on the current connection.
func (c *Client) SendJSON(ctx context.Context, v any) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendJSON(ctx, v)
}

// RequestSuggestions asks the backend for suggestions over the socket.
func (c *Client) RequestSuggestions(ctx context.Context, ragType string, includePartial bool, text, sessionID string) error {
	return c.SendJSON(ctx, protocol.NewRequestSuggestions(ragType, includePartial, text, sessionID))
}

// SendDoctorReply sends a doctor_reply frame.
func (c *Client) SendDoctorReply(ctx context.Context, text, sessionID string) error {
	return c.SendJSON(ctx, protocol.NewDoctorReply(text, sessionID))
}

// SendDoctorMessage sends a doctormessage frame stamped with ts.
func (c *Client) SendDoctorMessage(ctx context.Context, msg, patientID, sessionID string, ts time.Time) error {
	return c.SendJSON(ctx, protocol.NewDoctorMessage(msg, patientID, sessionID, ts))
}

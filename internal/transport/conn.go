// Package transport owns the client's WebSocket connections to the speech
// backend.
//
// A [Conn] is one live socket with a dedicated read loop and write loop.
// Audio frames are queued without blocking and dropped when the queue is
// full; control frames wait for queue space. A [Client] keeps a Conn alive
// across disconnects using a [Reconnector] and publishes connection
// [Status] changes.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("transport: connection closed")

	// ErrNotConnected is returned by [Client] sends while no socket is up.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrBackpressure is returned by SendAudio when the outbound queue is
	// full. The frame is dropped.
	ErrBackpressure = errors.New("transport: outbound queue full")
)

const (
	defaultAudioQueue   = 256
	defaultControlQueue = 32
	defaultInboundQueue = 64
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1 << 20
)

// DialOption configures [Dial].
type DialOption func(*dialOptions)

type dialOptions struct {
	header       http.Header
	httpClient   *http.Client
	audioQueue   int
	inboundQueue int
	writeTimeout time.Duration
	readLimit    int64
}

// WithHeader sets extra HTTP headers for the upgrade request.
func WithHeader(h http.Header) DialOption {
	return func(o *dialOptions) { o.header = h }
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) DialOption {
	return func(o *dialOptions) { o.httpClient = c }
}

// WithAudioQueue sets the number of audio frames that may wait for the
// writer before new frames are dropped.
func WithAudioQueue(n int) DialOption {
	return func(o *dialOptions) {
		if n > 0 {
			o.audioQueue = n
		}
	}
}

// WithWriteTimeout bounds each socket write.
func WithWriteTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// Conn is a single WebSocket connection. It is safe for concurrent use.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	audio   chan []byte
	control chan frame
	inbound chan []byte

	done     chan struct{}
	failOnce sync.Once
	once     sync.Once
	readWG   sync.WaitGroup
	writeWG  sync.WaitGroup
	cancel   context.CancelFunc

	errMu sync.Mutex
	err   error
}

// Dial opens a WebSocket to url and starts its read and write loops. The
// loops outlive ctx; call [Conn.Close] to stop them.
func Dial(ctx context.Context, url string, opts ...DialOption) (*Conn, error) {
	o := dialOptions{
		audioQueue:   defaultAudioQueue,
		inboundQueue: defaultInboundQueue,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
	}
	for _, fn := range opts {
		fn(&o)
	}

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: o.header,
		HTTPClient: o.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	ws.SetReadLimit(o.readLimit)
	return newConn(ws, o), nil
}

func newConn(ws *websocket.Conn, o dialOptions) *Conn {
	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:           ws,
		writeTimeout: o.writeTimeout,
		audio:        make(chan []byte, o.audioQueue),
		control:      make(chan frame, defaultControlQueue),
		inbound:      make(chan []byte, o.inboundQueue),
		done:         make(chan struct{}),
		cancel:       cancel,
	}
	c.readWG.Add(1)
	c.writeWG.Add(1)
	go c.readLoop(loopCtx)
	go c.writeLoop(loopCtx)
	return c
}

// SendAudio queues one binary frame. It never blocks: when the queue is
// full the frame is dropped and [ErrBackpressure] is returned.
func (c *Conn) SendAudio(pcm []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.audio <- pcm:
		return nil
	default:
		return ErrBackpressure
	}
}

// SendJSON encodes v and queues it as a text frame, waiting for queue space
// until ctx is done.
func (c *Conn) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.control <- frame{typ: websocket.MessageText, data: data}:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages returns inbound text frames. The channel is closed when the
// connection ends.
func (c *Conn) Messages() <-chan []byte { return c.inbound }

// Done is closed when the connection fails or is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, or nil while it is up
// or after a clean [Conn.Close].
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// fail records err and signals both loops to stop.
func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

// Close terminates the connection. Queued control frames are flushed
// first; queued audio is discarded.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.fail(nil)
		c.writeWG.Wait()
		c.ws.Close(websocket.StatusNormalClosure, "client closed")
		c.cancel()
		c.readWG.Wait()
	})
	return nil
}

func (c *Conn) write(ctx context.Context, f frame) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, f.typ, f.data)
}

// writeLoop drains the control and audio queues onto the socket. Control
// frames are preferred so confirmations are not stuck behind audio.
func (c *Conn) writeLoop(ctx context.Context) {
	defer c.writeWG.Done()
	for {
		select {
		case f := <-c.control:
			if err := c.write(ctx, f); err != nil {
				c.fail(fmt.Errorf("transport: write: %w", err))
				return
			}
			continue
		default:
		}

		select {
		case f := <-c.control:
			if err := c.write(ctx, f); err != nil {
				c.fail(fmt.Errorf("transport: write: %w", err))
				return
			}
		case pcm := <-c.audio:
			if err := c.write(ctx, frame{typ: websocket.MessageBinary, data: pcm}); err != nil {
				c.fail(fmt.Errorf("transport: write: %w", err))
				return
			}
		case <-c.done:
			for {
				select {
				case f := <-c.control:
					if c.Err() != nil {
						return
					}
					_ = c.write(ctx, f)
				default:
					return
				}
			}
		}
	}
}

// readLoop forwards inbound text frames. Binary frames are not part of the
// downstream protocol and are skipped.
func (c *Conn) readLoop(ctx context.Context) {
	defer c.readWG.Done()
	defer close(c.inbound)

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.fail(fmt.Errorf("transport: read: %w", err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		select {
		case c.inbound <- data:
		case <-c.done:
			return
		}
	}
}

// Package transport carries protocol messages over a byte stream.
//
// A Conn wraps any io.ReadWriteCloser (a unix socket in production, a
// net.Pipe in tests). Writes are serialized so concurrent senders never
// interleave frames. Reads run in a dedicated goroutine so Receive can honor
// context cancellation.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/time/rate"

	"github.com/HyphaGroup/conduit/internal/metrics"
	"github.com/HyphaGroup/conduit/internal/protocol"
)

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("transport closed")

// Option configures a Conn.
type Option func(*Conn)

// WithCodec selects the wire codec. The default is JSON.
func WithCodec(codec protocol.Codec) Option {
	return func(c *Conn) {
		c.codec = codec
	}
}

// WithRateLimit throttles inbound messages to rps with the given burst.
// Messages over the limit are held back, never dropped. rps <= 0 disables
// limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Conn) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// Conn is a duplex message connection.
type Conn struct {
	rwc     io.ReadWriteCloser
	codec   protocol.Codec
	limiter *rate.Limiter

	writeMu sync.Mutex
	enc     protocol.Encoder

	incoming  chan protocol.Message
	readDone  chan struct{} // closed when the read loop exits; readErr is then set
	readErr   error
	closed    chan struct{}
	closeOnce sync.Once
}

// New wraps rwc and starts its read loop.
func New(rwc io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		rwc:      rwc,
		codec:    protocol.JSONCodec{},
		incoming: make(chan protocol.Message),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.enc = c.codec.NewEncoder(rwc)

	go c.readLoop(c.codec.NewDecoder(rwc))
	return c
}

// Codec returns the codec in use.
func (c *Conn) Codec() protocol.Codec {
	return c.codec
}

func (c *Conn) readLoop(dec protocol.Decoder) {
	defer close(c.readDone)

	for {
		var m protocol.Message
		if err := dec.Decode(&m); err != nil {
			select {
			case <-c.closed:
				err = ErrClosed
			default:
			}
			c.readErr = err
			return
		}

		select {
		case c.incoming <- m:
		case <-c.closed:
			c.readErr = ErrClosed
			return
		}
	}
}

// Send writes one message. It is safe for concurrent use.
func (c *Conn) Send(m protocol.Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.enc.Encode(&m); err != nil {
		select {
		case <-c.closed:
			return ErrClosed
		default:
		}
		return err
	}
	metrics.RecordTransportMessage("out", string(m.Type))
	return nil
}

// Receive returns the next inbound message. It returns io.EOF when the peer
// hung up, ErrClosed after Close, or ctx.Err().
func (c *Conn) Receive(ctx context.Context) (protocol.Message, error) {
	var m protocol.Message
	select {
	case m = <-c.incoming:
	case <-c.readDone:
		return protocol.Message{}, c.readErr
	case <-c.closed:
		return protocol.Message{}, ErrClosed
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return protocol.Message{}, err
		}
	}
	metrics.RecordTransportMessage("in", string(m.Type))
	return m, nil
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Close shuts the connection down. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.rwc.Close()
	})
	return err
}

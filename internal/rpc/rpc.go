// Package rpc correlates outbound requests with their responses.
//
// Each Call registers a pending entry keyed by a fresh request id, sends the
// request, and then waits for whichever comes first: the matching response,
// the per-call budget, or the caller's context. All three paths go through
// settle, which removes the entry under the lock and delivers exactly one
// outcome. A settle that finds the entry already gone is a no-op, so a
// response arriving at the same instant as the timeout can never settle a
// request twice.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/conduit/internal/metrics"
	"github.com/HyphaGroup/conduit/internal/protocol"
)

var (
	// ErrRequestTimeout matches every *RequestTimeoutError.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrShuttingDown rejects pending work during shutdown.
	ErrShuttingDown = errors.New("shutting down")
)

// RequestTimeoutError reports that no response arrived within the budget.
type RequestTimeoutError struct {
	RequestID string
	ChannelID string
	Kind      protocol.RequestKind
	Budget    time.Duration
}

func (e *RequestTimeoutError) Error() string {
	channel := e.ChannelID
	if channel == "" {
		channel = "<none>"
	}
	return fmt.Sprintf("%s request %s on channel %s timed out after %v", e.Kind, e.RequestID, channel, e.Budget)
}

func (e *RequestTimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}

// PeerError is a failure reported by the remote side in its response.
type PeerError struct {
	Kind    protocol.RequestKind
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer rejected %s request: %s", e.Kind, e.Message)
}

// Call describes one outbound request.
type Call struct {
	ChannelID string
	Kind      protocol.RequestKind
	Params    any
	Timeout   time.Duration // zero selects the default for Kind
}

// SendFunc writes a request message to the peer.
type SendFunc func(protocol.Message) error

type outcome struct {
	result json.RawMessage
	err    error
	status string
}

type pending struct {
	id        string
	channelID string
	kind      protocol.RequestKind
	started   time.Time
	done      chan outcome // buffered 1; written once by settle
}

// Correlator tracks outstanding requests. It is safe for concurrent use.
type Correlator struct {
	timeouts protocol.Timeouts

	mu      sync.Mutex
	pending map[string]*pending
}

// New creates a correlator using timeouts for calls without an override.
func New(timeouts protocol.Timeouts) *Correlator {
	return &Correlator{
		timeouts: timeouts,
		pending:  make(map[string]*pending),
	}
}

// Budget returns the effective timeout for call.
func (c *Correlator) Budget(call Call) time.Duration {
	if call.Timeout > 0 {
		return call.Timeout
	}
	return c.timeouts.For(call.Kind)
}

// Call sends the request and waits for its settlement.
func (c *Correlator) Call(ctx context.Context, call Call, send SendFunc) (json.RawMessage, error) {
	id := uuid.New().String()
	budget := c.Budget(call)

	msg, err := protocol.NewRequest(id, call.ChannelID, call.Kind, call.Params)
	if err != nil {
		return nil, err
	}

	p := &pending{
		id:        id,
		channelID: call.ChannelID,
		kind:      call.Kind,
		started:   time.Now(),
		done:      make(chan outcome, 1),
	}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
	metrics.PendingRequests.Inc()

	if err := send(msg); err != nil {
		c.settle(id, outcome{err: fmt.Errorf("failed to send %s request: %w", call.Kind, err), status: "error"})
		out := <-p.done
		return out.result, out.err
	}

	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			c.settle(id, outcome{err: fmt.Errorf("%s request cancelled: %w", call.Kind, ctx.Err()), status: "cancelled"})
		} else {
			c.settle(id, outcome{err: &RequestTimeoutError{
				RequestID: id,
				ChannelID: call.ChannelID,
				Kind:      call.Kind,
				Budget:    budget,
			}, status: "timeout"})
		}
		// Either our settle won, or a response/rejection got there first.
		out := <-p.done
		return out.result, out.err
	}
}

// settle removes id and delivers out. It reports whether it won.
func (c *Correlator) settle(id string, out outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.done <- out
	metrics.PendingRequests.Dec()
	metrics.RecordRPC(string(p.kind), out.status, time.Since(p.started))
	return true
}

// Resolve settles the request named by a response message. It reports
// whether a pending request matched.
func (c *Correlator) Resolve(m protocol.Message) bool {
	c.mu.Lock()
	p, ok := c.pending[m.RequestID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	switch {
	case m.Response == nil:
		return c.settle(m.RequestID, outcome{err: &PeerError{Kind: p.kind, Message: "empty response"}, status: "error"})
	case m.Response.Error != "":
		return c.settle(m.RequestID, outcome{err: &PeerError{Kind: p.kind, Message: m.Response.Error}, status: "error"})
	default:
		return c.settle(m.RequestID, outcome{result: m.Response.Result, status: "ok"})
	}
}

// RejectChannel rejects every pending request owned by channelID and returns
// how many were rejected.
func (c *Correlator) RejectChannel(channelID string, err error) int {
	return c.rejectWhere(err, func(p *pending) bool { return p.channelID == channelID })
}

// RejectAll rejects every pending request and returns how many were rejected.
func (c *Correlator) RejectAll(err error) int {
	return c.rejectWhere(err, func(*pending) bool { return true })
}

func (c *Correlator) rejectWhere(err error, match func(*pending) bool) int {
	c.mu.Lock()
	var ids []string
	for id, p := range c.pending {
		if match(p) {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, id := range ids {
		if c.settle(id, outcome{err: err, status: "rejected"}) {
			n++
		}
	}
	return n
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Has reports whether requestID is outstanding.
func (c *Correlator) Has(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[requestID]
	return ok
}

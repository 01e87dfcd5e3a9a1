package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/conduit/internal/protocol"
)

// capture records sent messages so tests can answer them.
type capture struct {
	mu   sync.Mutex
	sent []protocol.Message
	ch   chan protocol.Message
}

func newCapture() *capture {
	return &capture{ch: make(chan protocol.Message, 16)}
}

func (c *capture) send(m protocol.Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, m)
	c.mu.Unlock()
	c.ch <- m
	return nil
}

func reply(t *testing.T, requestID string, result any) protocol.Message {
	t.Helper()
	m, err := protocol.NewResult(requestID, result)
	require.NoError(t, err)
	return m
}

func TestCorrelator_ResolvesResponse(t *testing.T) {
	c := New(protocol.DefaultTimeouts())
	rec := newCapture()

	go func() {
		req := <-rec.ch
		c.Resolve(reply(t, req.RequestID, protocol.ToolPermissionResult{Behavior: protocol.BehaviorAllow}))
	}()

	raw, err := c.Call(context.Background(), Call{ChannelID: "c1", Kind: protocol.KindToolPermission}, rec.send)
	require.NoError(t, err)

	var got protocol.ToolPermissionResult
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, protocol.BehaviorAllow, got.Behavior)
	assert.Equal(t, 0, c.Pending())

	require.Len(t, rec.sent, 1)
	assert.Equal(t, protocol.TypeRequest, rec.sent[0].Type)
	assert.Equal(t, "c1", rec.sent[0].ChannelID)
}

// Scenario C: a 50ms budget against a handler that never replies.
func TestCorrelator_TimeoutNamesKindAndChannel(t *testing.T) {
	c := New(protocol.DefaultTimeouts())
	rec := newCapture()

	start := time.Now()
	_, err := c.Call(context.Background(), Call{
		ChannelID: "c1",
		Kind:      protocol.KindOpenDiff,
		Timeout:   50 * time.Millisecond,
	}, rec.send)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	var te *RequestTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, protocol.KindOpenDiff, te.Kind)
	assert.Equal(t, 50*time.Millisecond, te.Budget)
	assert.Contains(t, err.Error(), "open_diff")
	assert.Contains(t, err.Error(), "c1")
	assert.Contains(t, err.Error(), "50ms")

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	req := <-rec.ch
	assert.False(t, c.Has(req.RequestID))
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_LateResponseIsIgnored(t *testing.T) {
	c := New(protocol.DefaultTimeouts())
	rec := newCapture()

	_, err := c.Call(context.Background(), Call{Kind: protocol.KindOpenFile, Timeout: 10 * time.Millisecond}, rec.send)
	require.ErrorIs(t, err, ErrRequestTimeout)

	req := <-rec.ch
	assert.False(t, c.Resolve(reply(t, req.RequestID, protocol.Ack{OK: true})))
}

func TestCorrelator_PeerError(t *testing.T) {
	c := New(protocol.DefaultTimeouts())
	rec := newCapture()

	go func() {
		req := <-rec.ch
		c.Resolve(protocol.NewErrorResponse(req.RequestID, errors.New("user declined")))
	}()

	_, err := c.Call(context.Background(), Call{Kind: protocol.KindToolPermission}, rec.send)
	var pe *PeerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "user declined", pe.Message)
	assert.NotErrorIs(t, err, ErrRequestTimeout)
}

func TestCorrelator_CallerCancellation(t *testing.T) {
	c := New(protocol.DefaultTimeouts())
	rec := newCapture()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-rec.ch
		cancel()
	}()

	_, err := c.Call(ctx, Call{Kind: protocol.KindToolPermission}, rec.send)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_SendFailure(t *testing.T) {
	c := New(protocol.DefaultTimeouts())
	boom := errors.New("pipe closed")

	_, err := c.Call(context.Background(), Call{Kind: protocol.KindOpenFile}, func(protocol.Message) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_RejectChannelLeavesOthers(t *testing.T) {
	c := New(protocol.DefaultTimeouts())
	rec := newCapture()
	closed := errors.New("channel closed")

	errs := make(chan error, 2)
	for _, id := range []string{"c1", "c2"} {
		go func(id string) {
			_, err := c.Call(context.Background(), Call{ChannelID: id, Kind: protocol.KindToolPermission}, rec.send)
			errs <- err
		}(id)
	}
	reqs := map[string]protocol.Message{}
	for i := 0; i < 2; i++ {
		m := <-rec.ch
		reqs[m.ChannelID] = m
	}

	assert.Equal(t, 1, c.RejectChannel("c1", closed))
	assert.ErrorIs(t, <-errs, closed)
	assert.True(t, c.Has(reqs["c2"].RequestID))

	assert.True(t, c.Resolve(reply(t, reqs["c2"].RequestID, protocol.Ack{OK: true})))
	assert.NoError(t, <-errs)
}

func TestCorrelator_RejectAll(t *testing.T) {
	c := New(protocol.DefaultTimeouts())
	rec := newCapture()

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Call(context.Background(), Call{Kind: protocol.KindToolPermission}, rec.send)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		<-rec.ch
	}

	assert.Equal(t, n, c.RejectAll(ErrShuttingDown))
	for i := 0; i < n; i++ {
		assert.ErrorIs(t, <-errs, ErrShuttingDown)
	}
	assert.Equal(t, 0, c.Pending())
}

func TestRequestTimeoutError_NoChannel(t *testing.T) {
	err := &RequestTimeoutError{RequestID: "r", Kind: protocol.KindInitialize, Budget: 10 * time.Second}
	if !strings.Contains(err.Error(), "<none>") {
		t.Errorf("Error() = %q, want placeholder channel", err.Error())
	}
}

func TestCorrelator_SettlesWithinBudgetProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("every call settles within T+eps and leaves no entry", prop.ForAll(
		func(budgetMs, replyMs int) bool {
			c := New(protocol.DefaultTimeouts())
			budget := time.Duration(budgetMs) * time.Millisecond
			var reqID string
			var once sync.Once

			send := func(m protocol.Message) error {
				once.Do(func() { reqID = m.RequestID })
				go func() {
					time.Sleep(time.Duration(replyMs) * time.Millisecond)
					res, _ := protocol.NewResult(m.RequestID, protocol.Ack{OK: true})
					c.Resolve(res)
				}()
				return nil
			}

			start := time.Now()
			_, err := c.Call(context.Background(), Call{ChannelID: "p", Kind: protocol.KindOpenFile, Timeout: budget}, send)
			elapsed := time.Since(start)

			if elapsed > budget+200*time.Millisecond {
				return false
			}
			if err != nil && !errors.Is(err, ErrRequestTimeout) {
				return false
			}
			return !c.Has(reqID) && c.Pending() == 0
		},
		gen.IntRange(5, 40),
		gen.IntRange(0, 60),
	))

	properties.TestingRun(t)
}

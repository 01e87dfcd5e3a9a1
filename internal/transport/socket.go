package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/HyphaGroup/conduit/internal/logger"
)

// Listen opens a unix socket at path. A stale socket file left by a
// previous daemon is removed first, and the socket is restricted to the
// owning user.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove stale socket
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to chmod socket: %w", err)
	}
	return ln, nil
}

// Dial connects to the unix socket at path.
func Dial(ctx context.Context, path string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	return New(nc, opts...), nil
}

// Handler serves one accepted connection. It owns conn and should return
// when ctx is cancelled.
type Handler func(ctx context.Context, conn *Conn)

// Serve accepts connections until ctx is cancelled or ln fails, running
// handler in its own goroutine per connection. It waits for all handlers
// to return before returning.
func Serve(ctx context.Context, ln net.Listener, handler Handler, opts ...Option) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		conn := New(nc, opts...)
		logger.Info("Accepted client connection (codec=%s)", conn.Codec().Name())

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { _ = conn.Close() }()

			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			handler(connCtx, conn)
		}()
	}
}

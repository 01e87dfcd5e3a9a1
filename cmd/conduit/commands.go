package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/HyphaGroup/conduit/internal/auth"
	"github.com/HyphaGroup/conduit/internal/logger"
	"github.com/HyphaGroup/conduit/internal/mcp"
	"github.com/HyphaGroup/conduit/internal/protocol"
)

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	limit := fs.IntP("limit", "n", 50, "maximum number of entries")
	asJSON := fs.Bool("json", false, "print JSON")
	tokenOnly := fs.Bool("resume-token", false, "print only the latest resume token")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("usage: conduit history <channel-id>")
	}
	channelID := fs.Arg(0)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	s, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	raw, err := s.client.Request(ctx, "", protocol.KindChannelHistory, protocol.ChannelHistoryParams{ChannelID: channelID, Limit: *limit})
	if err != nil {
		return err
	}
	var result protocol.ChannelHistoryResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to decode history: %w", err)
	}
	if *tokenOnly {
		if result.ResumeToken == "" {
			return fmt.Errorf("no resume token recorded for %s", channelID)
		}
		fmt.Println(result.ResumeToken)
		return nil
	}
	if *asJSON {
		return printJSON(result)
	}
	if len(result.Entries) == 0 {
		fmt.Printf("No history for %s.\n", channelID)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AT\tEVENT\tREASON\tDETAIL\tRESUME TOKEN")
	for _, e := range result.Entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.At.Format(time.RFC3339), e.Event, orDash(e.Reason), orDash(e.Detail), orDash(e.ResumeToken))
	}
	return w.Flush()
}

func cmdModels(args []string) error {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	_ = fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	models := cfg.ListModels()
	if len(models) == 0 {
		fmt.Println("No model shorthands configured.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tMODEL\tPROVIDER\tDISPLAY NAME")
	for _, m := range models {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Name, m.Model, m.Provider, orDash(m.DisplayName))
	}
	return w.Flush()
}

// cmdMCP serves the daemon's channels as MCP tools. Over stdio nothing but
// protocol traffic may reach stdout, so logs go to stderr and the log dir.
func cmdMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	httpAddr := fs.String("http", "", "serve streamable HTTP on this address instead of stdio")
	cwd := fs.String("cwd", "", "default working directory for launched channels")
	allowTools := fs.Bool("allow-tools", false, "approve every tool request")
	_ = fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *httpAddr == "" {
		*httpAddr = cfg.MCP.HTTPAddress
	}
	if *cwd == "" {
		*cwd = cfg.MCP.Cwd
	}
	if *cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			*cwd = wd
		}
	}

	if err := logger.InitSlog(logger.SlogOptions{
		Dir:     cfg.Log.Dir,
		JSON:    cfg.Log.JSON,
		Level:   cfg.Log.Level,
		Console: os.Stderr,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.CloseSlog() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	bridge := mcp.NewBridge(s.client, mcp.BridgeOptions{
		Cwd:          *cwd,
		ReplyTimeout: cfg.MCP.ReplyTimeout.Std(),
		AllowTools:   *allowTools || cfg.MCP.AllowTools,
	})
	server := mcp.NewServer(bridge, Version)

	if *httpAddr == "" {
		logger.InfoContext(ctx, "serving MCP over stdio", "socket", cfg.Socket.Path)
		return mcp.ServeStdio(ctx, server)
	}

	httpOpts := mcp.HTTPOptions{}
	if cfg.MCP.RateLimit > 0 {
		httpOpts.Limiter = auth.NewRateLimiter(cfg.MCP.RateLimit, cfg.MCP.RateBurst)
		httpOpts.Limiter.StartCleanup(ctx, time.Minute, 10*time.Minute)
	}
	if cfg.MCP.RequireAuth {
		store, err := auth.NewStore(cfg.MCP.AuthDir)
		if err != nil {
			return fmt.Errorf("failed to open token store: %w", err)
		}
		defer func() { _ = store.Close() }()
		httpOpts.Auth = store
	} else {
		logger.WarnContext(ctx, "MCP HTTP endpoint is unauthenticated; set mcp.require_auth to require tokens")
	}

	httpServer := &http.Server{
		Addr:              *httpAddr,
		Handler:           mcp.HTTPHandler(server, httpOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "serving MCP over HTTP", "address", *httpAddr, "socket", cfg.Socket.Path)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	case <-s.runDone:
		logger.ErrorContext(ctx, "daemon connection lost")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

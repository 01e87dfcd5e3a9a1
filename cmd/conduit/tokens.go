package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/HyphaGroup/conduit/internal/audit"
	"github.com/HyphaGroup/conduit/internal/auth"
)

const tokenUsage = `Usage: conduit token <command> [flags]

Commands:
  create --name <name> --scope <scope> [--ttl 720h]
  list
  info <token-id>
  revoke <token-id>

Scopes:
  admin                   Every channel
  admin:ro                Every channel, listing and history only
  channels:<prefix>       Channels whose id starts with prefix
  channels:<prefix>:ro    Same, listing and history only
`

// cmdToken manages the bearer tokens checked by "conduit mcp --http" when
// mcp.require_auth is set.
func cmdToken(args []string) error {
	if len(args) < 1 {
		fmt.Print(tokenUsage)
		return errors.New("missing token command")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("token "+sub, flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	name := fs.String("name", "", "human-readable token name")
	scope := fs.String("scope", "", "token scope")
	ttl := fs.Duration("ttl", 0, "lifetime; zero never expires")
	_ = fs.Parse(rest)

	if sub == "help" || sub == "-h" || sub == "--help" {
		fmt.Print(tokenUsage)
		return nil
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	store, err := auth.NewStore(cfg.MCP.AuthDir)
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	defer func() { _ = store.Close() }()

	return runToken(os.Stdout, store, audit.Default(), sub, *name, *scope, *ttl, fs.Args())
}

func runToken(out io.Writer, store *auth.Store, auditLog *audit.Logger, sub, name, scope string, ttl time.Duration, args []string) error {
	switch sub {
	case "create":
		if name == "" || scope == "" {
			return errors.New("--name and --scope are required")
		}
		token, secret, err := store.CreateToken(name, scope, ttl)
		auditLog.Log(tokenEvent(audit.OpTokenCreate, token, err, map[string]any{"name": name, "scope": scope}))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ Token created\n\n")
		fmt.Fprintf(out, "  ID:     %s\n", token.ID)
		fmt.Fprintf(out, "  Name:   %s\n", token.Name)
		fmt.Fprintf(out, "  Scope:  %s\n", token.Scope)
		fmt.Fprintf(out, "  Secret: %s\n\n", secret)
		fmt.Fprintln(out, "Save the secret now. It cannot be shown again.")
		return nil

	case "list":
		tokens, err := store.ListTokens()
		if err != nil {
			return err
		}
		if len(tokens) == 0 {
			fmt.Fprintln(out, "No tokens. Create one with: conduit token create --name ci --scope channels:ci-")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSCOPE\tCREATED\tLAST USED\tEXPIRES")
		for _, t := range tokens {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Name, t.Scope, t.CreatedAt.Format("2006-01-02 15:04"),
				formatOptionalTime(t.LastUsedAt, "never"), formatOptionalTime(t.ExpiresAt, "never"))
		}
		return w.Flush()

	case "info":
		if len(args) != 1 {
			return errors.New("usage: conduit token info <token-id>")
		}
		token, err := store.GetToken(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(token)

	case "revoke":
		if len(args) != 1 {
			return errors.New("usage: conduit token revoke <token-id>")
		}
		err := store.RevokeToken(args[0])
		auditLog.Log(tokenEvent(audit.OpTokenRevoke, &auth.Token{ID: args[0]}, err, nil))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Token %s revoked.\n", args[0])
		return nil

	default:
		return fmt.Errorf("unknown token command: %s", sub)
	}
}

func tokenEvent(op audit.Operation, token *auth.Token, err error, details map[string]any) *audit.Event {
	event := &audit.Event{Operation: op, Success: err == nil, Details: details}
	if token != nil {
		event.TokenID = token.ID
		event.TokenScope = token.Scope
	}
	if err != nil {
		event.Error = err.Error()
	}
	return event
}

func formatOptionalTime(t *time.Time, none string) string {
	if t == nil {
		return none
	}
	return t.Local().Format("2006-01-02 15:04")
}

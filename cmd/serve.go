package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/convoy/internal/config"
	"github.com/zjrosen/convoy/internal/coordinator"
	"github.com/zjrosen/convoy/internal/log"
	"github.com/zjrosen/convoy/internal/mailbox"
	"github.com/zjrosen/convoy/internal/mailbox/memory"
	"github.com/zjrosen/convoy/internal/mailbox/sqlite"
	"github.com/zjrosen/convoy/internal/mcp"
	"github.com/zjrosen/convoy/internal/session"
	"github.com/zjrosen/convoy/internal/tracing"
)

var (
	serveSessionID string
	serveName      string
	serveDebug     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination MCP server on stdio",
	Long: `Creates a new session (or resumes one with --session) and serves the
coordination tool surface as MCP over stdin/stdout. Stdout carries the
protocol, so diagnostics go to stderr and the debug log file.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveSessionID, "session", "",
		"resume an existing session by ID instead of creating one")
	serveCmd.Flags().StringVar(&serveName, "name", "convoy session",
		"display name for a newly created session")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false,
		"write a debug log to <data_dir>/convoy.log")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(".convoy", "sessions")
	}

	if serveDebug || os.Getenv("CONVOY_DEBUG") != "" {
		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			return fmt.Errorf("creating data dir: %w", err)
		}
		cleanup, err := log.Init(filepath.Join(dataDir, "convoy.log"))
		if err != nil {
			return fmt.Errorf("initializing log: %w", err)
		}
		defer cleanup()
	}

	client, closeClient, err := openMailbox(cfg.Mailbox, dataDir)
	if err != nil {
		return err
	}
	defer closeClient()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store *session.Store
	if serveSessionID != "" {
		store, err = session.Resume(ctx, client, dataDir, serveSessionID, true)
	} else {
		store, err = session.Create(ctx, client, dataDir, serveName)
	}
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}

	// Flag writes from a second coordinator instead of silently interleaving.
	if err := store.WatchForeignWrites(ctx); err != nil {
		log.Warn(log.CatWatch, "Session file watcher unavailable", "error", err)
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = provider.Shutdown(cmd.Context()) }()

	coord := coordinator.New(store, client, nil)

	var opts []mcp.ServerOption
	if provider.Enabled() {
		opts = append(opts, mcp.WithTracer(provider.Tracer()))
	}
	srv := mcp.NewCoordinatorServer(coord, opts...)
	if cfg.Poll.WaitSeconds > 0 {
		srv.SetPollWait(time.Duration(cfg.Poll.WaitSeconds) * time.Second)
	}
	if cfg.Permissions.MaxAgeHours > 0 {
		srv.SetPermissionMaxAge(time.Duration(cfg.Permissions.MaxAgeHours * float64(time.Hour)))
	}

	// Stdout is the protocol channel; the resume hint goes to stderr.
	fmt.Fprintf(os.Stderr, "convoy: session %s (resume with --session %s)\n", store.ID(), store.ID())

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	return srv.Serve(os.Stdin, os.Stdout)
}

// openMailbox builds the configured mailbox backend. The sqlite backend
// defaults its database file into the data dir.
func openMailbox(mc config.MailboxConfig, dataDir string) (mailbox.Client, func(), error) {
	switch mc.Backend {
	case "", "memory":
		return memory.New(), func() {}, nil
	case "sqlite":
		path := mc.SQLitePath
		if path == "" {
			path = filepath.Join(dataDir, "mailbox.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("creating mailbox dir: %w", err)
		}
		// NewDB applies pending migrations itself.
		db, err := sqlite.NewDB(path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening mailbox database: %w", err)
		}
		return sqlite.New(db), func() { closeDB(db) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown mailbox backend %q", mc.Backend)
	}
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		log.ErrorErr(log.CatDB, "Failed to close mailbox database", err)
	}
}

package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/peerdoc/internal/config"
	"github.com/roach88/peerdoc/internal/docstore"
	"github.com/roach88/peerdoc/internal/logging"
	"github.com/roach88/peerdoc/internal/node"
)

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

// loadConfig reads --config and applies --data-dir, --verbose and any
// command overrides on top.
func loadConfig(opts *RootOptions, extra ...config.Override) (*config.Config, error) {
	overrides := []config.Override{config.WithDataDir(opts.DataDir)}
	if opts.Verbose {
		overrides = append(overrides, config.WithLogLevel("debug"))
	}
	return config.Load(opts.ConfigPath, append(overrides, extra...)...)
}

// session is an offline node opened for a single command.
type session struct {
	out    *OutputFormatter
	cfg    *config.Config
	logger *slog.Logger
	node   *node.Node
}

// openSession loads the config and opens the node's storage. Logs go to
// stderr and stay at warn unless --verbose is set. Failures are already
// reported when it returns.
func openSession(opts *RootOptions, cmd *cobra.Command) (*session, error) {
	out := newFormatter(opts, cmd)
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, out.Fail("load config", WrapExitError(ExitCommandError, "invalid configuration", err))
	}
	level := "warn"
	if opts.Verbose {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(cmd.ErrOrStderr(), level, cfg.Logging.Format, cfg.Logging.Service)
	if err != nil {
		return nil, out.Fail("configure logging", err)
	}
	n, err := node.Open(cfg, logger)
	if err != nil {
		return nil, out.Fail("open node", err)
	}
	out.VerboseLog("node %s (data dir %s)", n.ID(), cfg.Node.DataDir)
	return &session{out: out, cfg: cfg, logger: logger, node: n}, nil
}

func (s *session) Close() {
	if err := s.node.Close(); err != nil {
		s.logger.Warn("close node failed", "error", err)
	}
}

// database opens a database by address or local name.
func (s *session) database(ctx context.Context, token string) (*docstore.Database, error) {
	db, err := s.node.Manager().Open(ctx, token)
	if err != nil {
		return nil, s.out.Fail("open database", err)
	}
	return db, nil
}

// withDatabase runs fn against the database named by token.
func withDatabase(opts *RootOptions, cmd *cobra.Command, token string, fn func(ctx context.Context, s *session, db *docstore.Database) error) error {
	s, err := openSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := s.database(ctx, token)
	if err != nil {
		return err
	}
	return fn(ctx, s, db)
}

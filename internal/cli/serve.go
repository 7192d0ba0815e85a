package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/roach88/peerdoc/internal/config"
	"github.com/roach88/peerdoc/internal/docstore"
	"github.com/roach88/peerdoc/internal/ir"
	"github.com/roach88/peerdoc/internal/logging"
	"github.com/roach88/peerdoc/internal/node"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen        string
	Bootstrap     []string
	MetricsListen string
	Open          []string
}

// ServeInfo is printed once the node is reachable.
type ServeInfo struct {
	ID        string   `json:"id"`
	URL       string   `json:"url,omitempty"`
	Databases []string `json:"databases"`
}

func (s ServeInfo) String() string {
	url := s.URL
	if url == "" {
		url = "(not listening)"
	}
	return fmt.Sprintf("%s %s", s.ID, url)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a replicating node",
		Long: `Run a node that replicates every local database with its peers until
interrupted.

Databases named with --open are fetched from peers when they are not held
locally yet.

Example:
  peerdoc serve --listen 0.0.0.0:4100
  peerdoc serve --bootstrap ws://10.0.0.5:4100/ws --open /peerdoc/<hash>`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "address to accept peers on (overrides transport.listen)")
	cmd.Flags().StringSliceVar(&opts.Bootstrap, "bootstrap", nil, "peer urls to dial, added to transport.bootstrap")
	cmd.Flags().StringVar(&opts.MetricsListen, "metrics-listen", "", "address for /metrics (overrides metrics.listen)")
	cmd.Flags().StringSliceVar(&opts.Open, "open", nil, "database addresses to open and replicate")

	return cmd
}

func (opts *ServeOptions) override(c *config.Config) {
	if opts.Listen != "" {
		c.Transport.Listen = opts.Listen
	}
	c.Transport.Bootstrap = append(c.Transport.Bootstrap, opts.Bootstrap...)
	if opts.MetricsListen != "" {
		c.Metrics.Listen = opts.MetricsListen
	}
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)
	for _, token := range opts.Open {
		if !ir.IsAddress(token) {
			return out.Fail("serve", NewExitError(ExitCommandError, fmt.Sprintf("--open needs a database address, got %q", token)))
		}
	}

	cfg, err := loadConfig(opts.RootOptions, opts.override)
	if err != nil {
		return out.Fail("load config", WrapExitError(ExitCommandError, "invalid configuration", err))
	}
	logger, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Service)
	if err != nil {
		return out.Fail("configure logging", err)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.Open(cfg, logger)
	if err != nil {
		return out.Fail("open node", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Warn("close node failed", "error", err)
		}
	}()

	known, err := n.Manager().Known(ctx)
	if err != nil {
		return out.Fail("list databases", err)
	}
	for _, rec := range known {
		addr := ir.Address{Hash: rec.Hash}.String()
		if _, err := n.Manager().Open(ctx, addr); err != nil {
			logger.Warn("open database failed", "address", addr, "name", rec.Name, "error", err)
		}
	}

	var wg sync.WaitGroup
	ready := func(url string) {
		info := ServeInfo{ID: n.ID(), URL: url, Databases: []string{}}
		for _, db := range n.Manager().Databases() {
			info.Databases = append(info.Databases, db.Address().String())
		}
		if err := out.Success(info); err != nil {
			logger.Warn("write serve info failed", "error", err)
		}
		for _, token := range opts.Open {
			wg.Add(1)
			go func() {
				defer wg.Done()
				openRemote(ctx, n.Manager(), token, cfg, logger.With("address", token))
			}()
		}
	}

	err = n.Serve(ctx, ready)
	stop()
	wg.Wait()
	if err != nil {
		return out.Fail("serve", err)
	}
	return nil
}

// openRemote retries opening a database until its manifest arrives from a
// peer or ctx ends.
func openRemote(ctx context.Context, m *docstore.Manager, token string, cfg *config.Config, logger *slog.Logger) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialBackoff()
	policy.MaxInterval = cfg.MaxBackoff()
	policy.MaxElapsedTime = 0

	op := func() error {
		fetchCtx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout())
		defer cancel()
		_, err := m.Open(fetchCtx, token)
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Info("database not available yet", "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		if ctx.Err() == nil {
			logger.Warn("open database failed", "error", err)
		}
		return
	}
	logger.Info("database opened")
}

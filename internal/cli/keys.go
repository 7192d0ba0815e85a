package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/peerdoc/internal/identity"
)

// KeyResult is the output of keygen and id.
type KeyResult struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Created bool   `json:"created"`
}

func (r KeyResult) String() string { return r.ID }

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Out   string
	Force bool
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new node identity",
		Long: `Generate a new ed25519 keypair and write it as a PKCS#8 PEM file.

The key is written to node.key_path unless --out is given. An existing key
is kept unless --force is set.

Example:
  peerdoc keygen
  peerdoc keygen --out ./alice.key --force`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "key file path (default node.key_path)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing key")

	return cmd
}

func runKeygen(opts *KeygenOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	path := opts.Out
	if path == "" {
		cfg, err := loadConfig(opts.RootOptions)
		if err != nil {
			return out.Fail("load config", WrapExitError(ExitCommandError, "invalid configuration", err))
		}
		path = cfg.Node.KeyPath
	}

	if _, err := os.Stat(path); err == nil && !opts.Force {
		return out.Fail("keygen", NewExitError(ExitCommandError, fmt.Sprintf("%s already exists (use --force to replace it)", path)))
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return out.Fail("keygen", err)
	}

	kp, err := identity.Generate(nil)
	if err != nil {
		return out.Fail("generate key", err)
	}
	if err := kp.Save(path); err != nil {
		return out.Fail("save key", err)
	}
	out.VerboseLog("wrote %s", path)
	return out.Success(KeyResult{ID: kp.ID(), Path: path, Created: true})
}

// NewIDCommand creates the id command.
func NewIDCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print this node's identity",
		Long: `Print the public identity of this node, creating a key first when
node.key_path does not exist yet.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return out.Fail("load config", WrapExitError(ExitCommandError, "invalid configuration", err))
			}
			kp, created, err := identity.LoadOrCreate(cfg.Node.KeyPath)
			if err != nil {
				return out.Fail("load identity", err)
			}
			return out.Success(KeyResult{ID: kp.ID(), Path: cfg.Node.KeyPath, Created: created})
		},
	}
	return cmd
}

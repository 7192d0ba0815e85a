package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/peerdoc/internal/docstore"
	"github.com/roach88/peerdoc/internal/ir"
)

// DatabaseInfo summarizes an opened database.
type DatabaseInfo struct {
	Address  string         `json:"address"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	IndexBy  string         `json:"index_by,omitempty"`
	Records  int            `json:"records"`
	Identity string         `json:"identity"`
	Heads    docstore.Heads `json:"heads"`
	Access   ir.AccessSpec  `json:"access"`
}

func (d DatabaseInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "address:  %s\n", d.Address)
	fmt.Fprintf(&b, "name:     %s\n", d.Name)
	fmt.Fprintf(&b, "type:     %s\n", d.Type)
	if d.IndexBy != "" {
		fmt.Fprintf(&b, "index_by: %s\n", d.IndexBy)
	}
	fmt.Fprintf(&b, "records:  %d\n", d.Records)
	fmt.Fprintf(&b, "heads:    %d log, %d access", len(d.Heads.Log), len(d.Heads.Access))
	return b.String()
}

func describe(db *docstore.Database) DatabaseInfo {
	m := db.Manifest()
	return DatabaseInfo{
		Address:  db.Address().String(),
		Name:     m.Name,
		Type:     string(m.Type),
		IndexBy:  m.IndexBy,
		Records:  db.Len(),
		Identity: db.Identity(),
		Heads:    db.Heads(),
		Access:   m.Access,
	}
}

// CreateOptions holds flags for the create command.
type CreateOptions struct {
	*RootOptions
	Type    string
	IndexBy string
	Admins  []string
	Write   []string
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a database",
		Long: `Create a database and print its address.

This node is always an admin and a writer. Pass --write '*' to let any
identity write.

Example:
  peerdoc create movies --type documents --index-by _id
  peerdoc create settings --type keyvalue --write '*'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Type, "type", "t", string(ir.TypeDocuments), "database type (documents|keyvalue|events)")
	cmd.Flags().StringVar(&opts.IndexBy, "index-by", "", "document key field (documents only, default _id)")
	cmd.Flags().StringSliceVar(&opts.Admins, "admin", nil, "additional admin identities")
	cmd.Flags().StringSliceVar(&opts.Write, "write", nil, "additional writer identities")

	return cmd
}

func runCreate(opts *CreateOptions, cmd *cobra.Command, name string) error {
	typ := ir.DatabaseType(opts.Type)
	switch typ {
	case ir.TypeDocuments, ir.TypeKeyValue, ir.TypeEvents:
	default:
		out := newFormatter(opts.RootOptions, cmd)
		return out.Fail("create", NewExitError(ExitCommandError, fmt.Sprintf("unknown database type %q", opts.Type)))
	}

	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	db, err := s.node.Manager().Create(cmd.Context(), name, docstore.CreateOptions{
		Type:    typ,
		IndexBy: opts.IndexBy,
		Admins:  opts.Admins,
		Write:   opts.Write,
	})
	if err != nil {
		return s.out.Fail("create database", err)
	}
	return s.out.Success(describe(db))
}

// NewOpenCommand creates the open command.
func NewOpenCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open <db>",
		Short: "Show a database",
		Long: `Open a database by address or local name and print a summary.

A name resolves to the newest local database with that name.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(rootOpts, cmd, args[0], func(_ context.Context, s *session, db *docstore.Database) error {
				return s.out.Success(describe(db))
			})
		},
	}
}

// HeadsResult is the output of the heads command.
type HeadsResult struct {
	Address string         `json:"address"`
	Heads   docstore.Heads `json:"heads"`
}

func (h HeadsResult) String() string {
	var b strings.Builder
	for _, head := range h.Heads.Log {
		fmt.Fprintf(&b, "log     %s\n", head)
	}
	for _, head := range h.Heads.Access {
		fmt.Fprintf(&b, "access  %s\n", head)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// NewHeadsCommand creates the heads command.
func NewHeadsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "heads <db>",
		Short:         "Print the log heads of a database",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(rootOpts, cmd, args[0], func(_ context.Context, s *session, db *docstore.Database) error {
				return s.out.Success(HeadsResult{Address: db.Address().String(), Heads: db.Heads()})
			})
		},
	}
}

// CapsResult lists the current capability holders.
type CapsResult struct {
	Capabilities map[string][]string `json:"capabilities"`
}

func (c CapsResult) String() string {
	caps := make([]string, 0, len(c.Capabilities))
	for capability := range c.Capabilities {
		caps = append(caps, capability)
	}
	slices.Sort(caps)

	var lines []string
	for _, capability := range caps {
		for _, id := range c.Capabilities[capability] {
			lines = append(lines, fmt.Sprintf("%-6s %s", capability, id))
		}
	}
	return strings.Join(lines, "\n")
}

// NewCapsCommand creates the caps command.
func NewCapsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "caps <db>",
		Short:         "List capability holders",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(rootOpts, cmd, args[0], func(_ context.Context, s *session, db *docstore.Database) error {
				return s.out.Success(CapsResult{Capabilities: db.Access().Capabilities()})
			})
		},
	}
}

// EntryResult reports an appended entry.
type EntryResult struct {
	Hash  string `json:"hash"`
	Clock int64  `json:"clock"`
	Key   string `json:"key,omitempty"`
}

func (e EntryResult) String() string { return e.Hash }

func entryResult(e *ir.Entry) EntryResult {
	key, _ := ir.KeyOf(e.Op)
	return EntryResult{Hash: e.Hash, Clock: e.Clock, Key: key}
}

// NewGrantCommand creates the grant command.
func NewGrantCommand(rootOpts *RootOptions) *cobra.Command {
	return newCapabilityCommand(rootOpts, "grant", "Grant a capability to an identity")
}

// NewRevokeCommand creates the revoke command.
func NewRevokeCommand(rootOpts *RootOptions) *cobra.Command {
	return newCapabilityCommand(rootOpts, "revoke", "Revoke a capability from an identity")
}

func newCapabilityCommand(rootOpts *RootOptions, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <db> <write|admin> <identity>",
		Short: short,
		Long: short + `.

Only admins may change capabilities. The identity may be '*' to address
every writer.`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			capability, id := args[1], args[2]
			if capability != ir.CapWrite && capability != ir.CapAdmin {
				out := newFormatter(rootOpts, cmd)
				return out.Fail(verb, NewExitError(ExitCommandError, fmt.Sprintf("unknown capability %q", capability)))
			}
			return withDatabase(rootOpts, cmd, args[0], func(ctx context.Context, s *session, db *docstore.Database) error {
				apply := db.Grant
				if verb == "revoke" {
					apply = db.Revoke
				}
				e, err := apply(ctx, capability, id)
				if err != nil {
					return s.out.Fail(verb, err)
				}
				return s.out.Success(entryResult(e))
			})
		},
	}
}

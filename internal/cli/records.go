package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/peerdoc/internal/docstore"
	"github.com/roach88/peerdoc/internal/index"
	"github.com/roach88/peerdoc/internal/ir"
	"github.com/roach88/peerdoc/internal/query"
)

// RecordResult is one record in command output. Value holds plain JSON
// values so both output formats render it without IR types.
type RecordResult struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Hash  string `json:"hash,omitempty"`

	canonical string
}

func (r RecordResult) String() string {
	return r.Key + "\t" + r.canonical
}

func recordResult(key string, v ir.IRValue, hash string) RecordResult {
	canon, err := ir.MarshalCanonical(v)
	if err != nil {
		canon = []byte(fmt.Sprintf("%v", v))
	}
	return RecordResult{Key: key, Value: ir.ToAny(v), Hash: hash, canonical: string(canon)}
}

// RecordList is the output of all and query.
type RecordList []RecordResult

func (l RecordList) String() string {
	lines := make([]string, len(l))
	for i, r := range l {
		lines[i] = r.String()
	}
	return strings.Join(lines, "\n")
}

func recordList(recs []index.Record) RecordList {
	out := make(RecordList, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordResult(rec.Key, rec.Value, rec.Hash))
	}
	return out
}

// parseValue reads a JSON argument. Bad input is a command error.
func parseValue(raw string) (ir.IRValue, error) {
	v, err := ir.UnmarshalIRValue([]byte(raw))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid JSON value", err)
	}
	return v, nil
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <db> [key] <json>",
		Short: "Write a document or a key",
		Long: `Write a record.

Documents databases take a JSON object and key it by the index_by field.
Keyvalue databases take a key and any JSON value.

Example:
  peerdoc put movies '{"_id":"m1","title":"Metropolis"}'
  peerdoc put settings theme '"dark"'`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			value, err := parseValue(args[len(args)-1])
			if err != nil {
				return out.Fail("put", err)
			}
			return withDatabase(rootOpts, cmd, args[0], func(ctx context.Context, s *session, db *docstore.Database) error {
				var e *ir.Entry
				switch {
				case db.Type() == ir.TypeKeyValue && len(args) == 3:
					e, err = db.Set(ctx, args[1], value)
				case db.Type() == ir.TypeKeyValue:
					err = NewExitError(ExitCommandError, "keyvalue put takes <db> <key> <json>")
				case len(args) == 3:
					err = NewExitError(ExitCommandError, fmt.Sprintf("%s put takes <db> <json>", db.Type()))
				default:
					e, err = db.Put(ctx, value)
				}
				if err != nil {
					return s.out.Fail("put", err)
				}
				return s.out.Success(entryResult(e))
			})
		},
	}
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <db> <json>",
		Short: "Append an event",
		Long: `Append a JSON value to an events database. The event is keyed by its
entry hash, which is printed.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			value, err := parseValue(args[1])
			if err != nil {
				return out.Fail("add", err)
			}
			return withDatabase(rootOpts, cmd, args[0], func(ctx context.Context, s *session, db *docstore.Database) error {
				e, err := db.Add(ctx, value)
				if err != nil {
					return s.out.Fail("add", err)
				}
				return s.out.Success(entryResult(e))
			})
		},
	}
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <db> <key>",
		Short:         "Read one record",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(rootOpts, cmd, args[0], func(_ context.Context, s *session, db *docstore.Database) error {
				v, ok := db.Get(args[1])
				if !ok {
					return s.out.Fail("get", fmt.Errorf("key %q: %w", args[1], docstore.ErrNotFound))
				}
				return s.out.Success(recordResult(args[1], v, ""))
			})
		},
	}
}

// NewDelCommand creates the del command.
func NewDelCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "del <db> <key>",
		Short:         "Delete a document or key",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(rootOpts, cmd, args[0], func(ctx context.Context, s *session, db *docstore.Database) error {
				e, err := db.Delete(ctx, args[1])
				if err != nil {
					return s.out.Fail("delete", err)
				}
				return s.out.Success(entryResult(e))
			})
		},
	}
}

// AllOptions holds flags for the all command.
type AllOptions struct {
	*RootOptions
	Limit   int
	Reverse bool
}

// NewAllCommand creates the all command.
func NewAllCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AllOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "all <db>",
		Short: "List records",
		Long: `List every live record, by key for documents and keyvalue databases and
in causal order for events.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(rootOpts, cmd, args[0], func(_ context.Context, s *session, db *docstore.Database) error {
				iterOpts := []docstore.IterOption{docstore.Limit(opts.Limit)}
				if opts.Reverse {
					iterOpts = append(iterOpts, docstore.Reverse())
				}
				var recs []index.Record
				for rec := range db.Iterator(iterOpts...) {
					recs = append(recs, rec)
				}
				return s.out.Success(recordList(recs))
			})
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum records to print (0 for all)")
	cmd.Flags().BoolVarP(&opts.Reverse, "reverse", "r", false, "newest or highest key first")

	return cmd
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query <db> <condition>...",
		Short: "Find records matching conditions",
		Long: `Print the records whose value satisfies every condition.

Conditions are path=value (value is JSON, or a bare string), path~text
for substring match, and path>n or path<n for numeric comparison. Paths
are dotted field names.

Example:
  peerdoc query movies 'year>1920' 'title~Metro'`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			pred, err := query.Parse(args[1:]...)
			if err != nil {
				return out.Fail("query", WrapExitError(ExitCommandError, "invalid condition", err))
			}
			return withDatabase(rootOpts, cmd, args[0], func(_ context.Context, s *session, db *docstore.Database) error {
				recs, err := db.Query(pred)
				if err != nil {
					return s.out.Fail("query", WrapExitError(ExitCommandError, "invalid query", err))
				}
				return s.out.Success(recordList(recs))
			})
		},
	}
}

// Package schema validates document values against a CUE definition.
//
// A schema file declares a #Document definition; every document a node
// writes locally to a documents database must unify with it and be concrete.
// Files without #Document are used as a whole.
//
//	#Document: {
//		_id:   string
//		title: string & !=""
//		year:  int & >=1888
//	}
package schema

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/peerdoc/internal/ir"
)

// Definition is the CUE path documents are checked against.
const Definition = "#Document"

// Error reports a value that does not satisfy the schema, or a schema that
// does not compile.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Schema is a compiled document definition. It is safe for concurrent use.
type Schema struct {
	mu  sync.Mutex // cue.Context is not safe for concurrent use
	ctx *cue.Context
	def cue.Value
}

// Compile builds a schema from CUE source. name labels positions in errors.
func Compile(name, src string) (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(name))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err, "schema")
	}
	def := v.LookupPath(cue.ParsePath(Definition))
	if !def.Exists() {
		def = v
	}
	if err := def.Validate(); err != nil {
		return nil, formatCUEError(err, "schema")
	}
	return &Schema{ctx: ctx, def: def}, nil
}

// Load compiles the schema file at path.
func Load(path string) (*Schema, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Compile(path, string(src))
}

// Validate checks one document value.
func (s *Schema) Validate(doc ir.IRValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.Encode(ir.ToAny(doc))
	if err := data.Err(); err != nil {
		return formatCUEError(err, "value")
	}
	if err := s.def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err, "value")
	}
	return nil
}

// formatCUEError keeps the first CUE error with its path and position.
func formatCUEError(err error, field string) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &Error{Field: field, Message: err.Error()}
	}
	first := errs[0]
	if path := first.Path(); len(path) > 0 {
		field = strings.Join(path, ".")
	}
	format, args := first.Msg()
	out := &Error{Field: field, Message: fmt.Sprintf(format, args...)}
	if positions := errors.Positions(first); len(positions) > 0 {
		out.Pos = positions[0]
	}
	return out
}

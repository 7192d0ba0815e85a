package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/peerdoc/internal/ir"
)

const movieSchema = `
#Document: {
	_id:   string
	title: string & !=""
	year:  int & >=1888
	tags?: [...string]
}
`

func movie(id, title string, year int64) ir.IRObject {
	return ir.IRObject{"_id": ir.IRString(id), "title": ir.IRString(title), "year": ir.IRInt(year)}
}

func TestValidate(t *testing.T) {
	s, err := Compile("movie.cue", movieSchema)
	require.NoError(t, err)

	tests := []struct {
		name  string
		doc   ir.IRValue
		valid bool
	}{
		{"complete", movie("m1", "Metropolis", 1927), true},
		{"with tags", ir.IRObject{"_id": ir.IRString("m2"), "title": ir.IRString("Nosferatu"), "year": ir.IRInt(1922), "tags": ir.IRArray{ir.IRString("silent")}}, true},
		{"empty title", movie("m3", "", 1927), false},
		{"year too early", movie("m4", "Roundhay", 1887), false},
		{"missing year", ir.IRObject{"_id": ir.IRString("m5"), "title": ir.IRString("x")}, false},
		{"unknown field", ir.IRObject{"_id": ir.IRString("m6"), "title": ir.IRString("x"), "year": ir.IRInt(1999), "rating": ir.IRInt(5)}, false},
		{"not an object", ir.IRString("m7"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.doc)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var serr *Error
			assert.True(t, errors.As(err, &serr))
		})
	}
}

func TestValidateReportsField(t *testing.T) {
	s, err := Compile("movie.cue", movieSchema)
	require.NoError(t, err)

	err = s.Validate(movie("m1", "Metropolis", 1800))
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Field, "year")
}

func TestWholeFileSchema(t *testing.T) {
	s, err := Compile("num.cue", `int & >0`)
	require.NoError(t, err)
	assert.NoError(t, s.Validate(ir.IRInt(3)))
	assert.Error(t, s.Validate(ir.IRInt(-3)))
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile("bad.cue", `#Document: {`)
	require.Error(t, err)

	_, err = Compile("conflict.cue", `#Document: {a: 1 & 2}`)
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "movie.cue")
	require.NoError(t, os.WriteFile(path, []byte(movieSchema), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.NoError(t, s.Validate(movie("m1", "Metropolis", 1927)))

	_, err = Load(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}

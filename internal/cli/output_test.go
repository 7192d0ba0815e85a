package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/peerdoc/internal/docstore"
	"github.com/roach88/peerdoc/internal/gossip"
	"github.com/roach88/peerdoc/internal/oplog"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]string{"result": "success"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"result": "success"}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("PERMISSION_DENIED", "put: not a writer", map[string]string{"db": "movies"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "PERMISSION_DENIED", resp.Error.Code)
	assert.Equal(t, "put: not a writer", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	require.NoError(t, formatter.Success(EntryResult{Hash: "abc123"}))
	assert.Equal(t, "abc123\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: false,
	}

	require.NoError(t, formatter.Error("NOT_FOUND", "get: no such key", map[string]string{"key": "m1"}))
	assert.Equal(t, "Error [NOT_FOUND]: get: no such key\n", buf.String())
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	require.NoError(t, formatter.Error("NOT_FOUND", "get: no such key", map[string]string{"key": "m1"}))
	assert.Contains(t, buf.String(), "Error [NOT_FOUND]")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			errOut := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: errOut,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("opening %s", "movies")

			assert.Empty(t, out.String())
			if tt.wantLog {
				assert.Equal(t, "opening movies\n", errOut.String())
			} else {
				assert.Empty(t, errOut.String())
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantExit int
	}{
		{
			name:     "log error keeps its code",
			err:      fmt.Errorf("put: %w", &oplog.Error{Code: oplog.ErrCodePermissionDenied, Message: "not a writer"}),
			wantCode: "PERMISSION_DENIED",
			wantExit: ExitFailure,
		},
		{
			name:     "malformed payload",
			err:      &oplog.Error{Code: oplog.ErrCodeMalformedPayload, Message: "missing _id"},
			wantCode: "MALFORMED_PAYLOAD",
			wantExit: ExitFailure,
		},
		{
			name:     "sync incomplete",
			err:      &gossip.SyncIncompleteError{Peer: "p1", Missing: []string{"h1"}},
			wantCode: ErrCodeIncomplete,
			wantExit: ExitFailure,
		},
		{
			name:     "not found",
			err:      fmt.Errorf("key %q: %w", "m1", docstore.ErrNotFound),
			wantCode: ErrCodeNotFound,
			wantExit: ExitFailure,
		},
		{
			name:     "wrong type",
			err:      docstore.ErrWrongType,
			wantCode: ErrCodeWrongType,
			wantExit: ExitCommandError,
		},
		{
			name:     "unknown database",
			err:      fmt.Errorf("open %q: %w", "nope", docstore.ErrUnknownDatabase),
			wantCode: ErrCodeUnknownDB,
			wantExit: ExitCommandError,
		},
		{
			name:     "command error",
			err:      NewExitError(ExitCommandError, "bad flag"),
			wantCode: ErrCodeInvalidInput,
			wantExit: ExitCommandError,
		},
		{
			name:     "anything else",
			err:      errors.New("disk on fire"),
			wantCode: ErrCodeGeneric,
			wantExit: ExitFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, exit := classify(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantExit, exit)
		})
	}
}

func TestFailReportsOnceWithExitCode(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Fail("sync", &gossip.SyncIncompleteError{Peer: "p1", Missing: []string{"h1", "h2"}})
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.True(t, exitErr.reported)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeIncomplete, resp.Error.Code)
	assert.Equal(t, map[string]any{"peer": "p1", "missing": []any{"h1", "h2"}}, resp.Error.Details)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("wrapped: %w", WrapExitError(ExitFailure, "failed", errors.New("cause")))))
}

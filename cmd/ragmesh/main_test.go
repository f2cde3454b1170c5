package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/stream"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"ask", "resume", "compact", "session", "ingest"} {
		assert.True(t, names[name], "expected subcommand %q", name)
	}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ragmesh.yaml")
	cfg := `llm:
  provider: mock
store:
  driver: sqlite
  dsn: ` + filepath.Join(dir, "ragmesh.db") + `
logging:
  level: error
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_IngestAskShow(t *testing.T) {
	cfg := writeConfig(t)
	doc := filepath.Join(t.TempDir(), "monads.md")
	require.NoError(t, os.WriteFile(doc, []byte("A monad wraps a value.\n\nBind sequences computations."), 0o600))

	out, err := execute(t, "ingest", "-c", cfg, doc)
	require.NoError(t, err)
	assert.Equal(t, "ingested 1 chunks from 1 files\n", out)

	out, err = execute(t, "ask", "-c", cfg, "-t", "u1_fp", "monad", "value")
	require.NoError(t, err)

	dec := stream.NewDecoder(strings.NewReader(out))
	var evs []stream.Event
	for {
		ev, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		evs = append(evs, ev)
	}
	require.NotEmpty(t, evs)
	assert.Equal(t, stream.TypeStart, evs[0].Type)
	assert.Equal(t, stream.TypeDone, evs[len(evs)-1].Type)

	out, err = execute(t, "session", "show", "-c", cfg, "-t", "u1_fp")
	require.NoError(t, err)
	var sess core.Session
	require.NoError(t, json.Unmarshal([]byte(out), &sess))
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "monad value", sess.Messages[0].Content)

	out, err = execute(t, "compact", "-c", cfg, "-t", "u1_fp")
	require.NoError(t, err)
	assert.Equal(t, "action=none dropped=0 kept=2\n", out)
}

func TestCLI_AskSSE(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "ask", "-c", cfg, "-t", "u2_fp", "--format", "sse", "hello")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "data: {"), out)
	assert.Contains(t, out, `"type":"done"`)
}

func TestCLI_Errors(t *testing.T) {
	cfg := writeConfig(t)

	_, err := execute(t, "session", "show", "-c", cfg, "-t", "nobody")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = execute(t, "resume", "-c", cfg, "-t", "nobody", "-d", "approve")
	assert.ErrorIs(t, err, core.ErrNoPendingApproval)

	_, err = execute(t, "ask", "-c", filepath.Join(t.TempDir(), "missing.yaml"), "-t", "x", "hi")
	require.Error(t, err)

	_, err = execute(t, "ask", "-c", cfg, "-t", "x", "--format", "xml", "hi")
	require.Error(t, err)
}

func TestChunkText(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
		want []string
	}{
		{"empty", "  \n\n ", 100, nil},
		{"packs paragraphs", "one\n\ntwo\n\nthree", 100, []string{"one\n\ntwo\n\nthree"}},
		{"splits at size", "aaaa\n\nbbbb\n\ncccc", 10, []string{"aaaa\n\nbbbb", "cccc"}},
		{"long paragraph stays whole", "aaaaaaaaaaaa\n\nb", 5, []string{"aaaaaaaaaaaa", "b"}},
		{"windows newlines", "one\r\n\r\ntwo", 4, []string{"one", "two"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chunkText(tt.text, tt.size))
		})
	}
}

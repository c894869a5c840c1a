package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/engine"
	"github.com/liliang-cn/conceptdb/pkg/protocol"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseVector(t *testing.T) {
	vec, err := parseVector(" 0.5, -1,2 ")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1, 2}, vec)

	vec, err = parseVector("")
	require.NoError(t, err)
	assert.Nil(t, vec)

	_, err = parseVector("1,x")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	_, err := run(t, "token", "alice")
	assert.Error(t, err, "no secret configured")

	out, err := run(t, "token", "alice", "--secret", "shh", "--level", "write", "--ttl", "1h")
	require.NoError(t, err)

	sub, level, err := protocol.ParseToken([]byte("shh"), strings.TrimSpace(out), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)
	assert.Equal(t, protocol.LevelWrite, level)

	_, err = run(t, "token", "alice", "--secret", "shh", "--level", "root")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestOfflineCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := engine.DefaultConfig(dir)
	cfg.NoSync = true
	e, err := engine.Open(cfg, engine.WithoutReconcilers())
	require.NoError(t, err)
	ctx := context.Background()
	a, err := e.LearnConcept(ctx, "rain", []float32{1, 0})
	require.NoError(t, err)
	b, err := e.LearnConcept(ctx, "flood", []float32{0, 1})
	require.NoError(t, err)
	_, err = e.CreateAssociation(ctx, core.Association{Source: a, Target: b, Type: core.AssocCausal, Confidence: 0.8})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	out, err := run(t, "explore", a, "--data", dir, "--json")
	require.NoError(t, err)
	var reached []engine.Reached
	require.NoError(t, json.Unmarshal([]byte(out), &reached))
	require.Len(t, reached, 1)
	assert.Equal(t, b, reached[0].ConceptID)
	assert.InDelta(t, 0.8, reached[0].Score, 1e-9)

	path := filepath.Join(t.TempDir(), "out.db")
	out, err = run(t, "export", path, "--data", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "exported 2 concepts and 1 associations")

	_, err = run(t, "export", path, "--data", dir)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

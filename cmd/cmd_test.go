package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/reug-runtime/internal/events"
	"github.com/xkilldash9x/reug-runtime/internal/registry"
)

// execute runs a fresh command tree and returns everything it printed.
func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return buf.String(), err
}

// writeConfig writes a config that keeps the commands local: no database,
// no broker, quiet logs and a catalog file inside dir.
func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	t.Setenv("REUG_DATABASE_URL", "")
	t.Setenv("REUG_REDIS_ADDR", "")
	content := "logger:\n  level: error\nregistry:\n  export_path: " + filepath.Join(dir, "catalog.json") + "\n" + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := execute(t, context.Background(), "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestRootCmd_InvalidConfigIsRejected(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeConfig(t, dir, "bus:\n  buffer_size: 0\n")

	_, err := execute(t, context.Background(), "--config", cfgFile, "capabilities", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus.buffer_size")
}

func TestRootCmd_EnvironmentOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeConfig(t, dir, "")
	other := filepath.Join(dir, "elsewhere.json")
	t.Setenv("REUG_REGISTRY_EXPORT_PATH", other)

	seed := filepath.Join(dir, "seed.json")
	require.NoError(t, registry.WriteExport(seed, registry.ExportDocument{
		Capabilities: []registry.Capability{{Name: "fib", Code: "package tool"}},
	}))
	_, err := execute(t, context.Background(), "--config", cfgFile, "capabilities", "import", seed)
	require.NoError(t, err)

	_, err = os.Stat(other)
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "catalog.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCapabilitiesCmd_FileCatalogLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeConfig(t, dir, "")
	ctx := context.Background()

	seed := filepath.Join(dir, "seed.yaml")
	require.NoError(t, registry.WriteExport(seed, registry.ExportDocument{
		Total: 2,
		Capabilities: []registry.Capability{
			{Name: "fib", Type: registry.TypeTool, Status: registry.StatusActive, Version: "1.0.0",
				Description: "fibonacci numbers", Code: "package tool", Tags: []string{"math"}, UsageCount: 4},
			{Name: "slugify", Type: registry.TypeTool, Status: registry.StatusValidated, Version: "1.0.0",
				Description: "url slugs", Code: "package tool", Tags: []string{"text"}},
		},
	}))

	out, err := execute(t, ctx, "--config", cfgFile, "capabilities", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.NotContains(t, out, "fib")

	out, err = execute(t, ctx, "--config", cfgFile, "capabilities", "import", seed)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 capabilities, skipped 0")

	out, err = execute(t, ctx, "--config", cfgFile, "caps", "list", "--status", "active")
	require.NoError(t, err)
	assert.Contains(t, out, "fib")
	assert.NotContains(t, out, "slugify")

	out, err = execute(t, ctx, "--config", cfgFile, "caps", "search", "slugs")
	require.NoError(t, err)
	assert.Contains(t, out, "slugify")

	out, err = execute(t, ctx, "--config", cfgFile, "caps", "info", "fib")
	require.NoError(t, err)
	assert.Contains(t, out, "name: fib")
	assert.Contains(t, out, "usage_count: 4")

	out, err = execute(t, ctx, "--config", cfgFile, "caps", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "total: 2")

	_, err = execute(t, ctx, "--config", cfgFile, "caps", "deprecate", "slugify")
	require.NoError(t, err)
	out, err = execute(t, ctx, "--config", cfgFile, "caps", "list", "--status", "deprecated")
	require.NoError(t, err)
	assert.Contains(t, out, "slugify")

	// Importing the same names again is rejected by the default policy.
	out, err = execute(t, ctx, "--config", cfgFile, "caps", "import", seed)
	require.NoError(t, err)
	assert.Contains(t, out, "skipped 2")

	_, err = execute(t, ctx, "--config", cfgFile, "caps", "info", "nope")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestCapabilitiesCmd_RejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeConfig(t, dir, "")
	ctx := context.Background()

	_, err := execute(t, ctx, "--config", cfgFile, "caps", "list", "--status", "sleeping")
	assert.Error(t, err)

	_, err = execute(t, ctx, "--config", cfgFile, "caps", "list", "--from", "cloud")
	assert.Error(t, err)

	_, err = execute(t, ctx, "--config", cfgFile, "caps", "list", "--from", "db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}

func TestSubmitCmd_RequiresBroker(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeConfig(t, dir, "")

	_, err := execute(t, context.Background(), "--config", cfgFile, "submit", "--session", "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.addr")
}

func TestRunCmd_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeConfig(t, dir, "")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := execute(t, ctx, "--config", cfgFile, "run", "--metrics-addr", "127.0.0.1:0")
	assert.NoError(t, err)
}

// echoBroker answers every published turn with an unrelated event and then
// the matching turn outcome.
type echoBroker struct {
	out chan []byte
}

func (b *echoBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	evt, err := events.Unmarshal(payload)
	if err != nil {
		return err
	}
	if evt.Type != events.TypeUserTurn {
		return nil
	}
	noise, _ := events.Marshal(events.Event{ID: "n", Topic: events.TopicConversation, Type: events.TypeTurnComplete,
		ConversationID: "someone-else", Payload: events.TurnOutcome{Outcome: events.OutcomeFatal}})
	done, _ := events.Marshal(events.Event{ID: "d", Topic: events.TopicConversation, Type: events.TypeTurnComplete,
		SessionID: evt.SessionID, ConversationID: evt.ConversationID,
		Payload: events.TurnOutcome{Outcome: events.OutcomeSuccess, StepBudget: 100}})
	b.out <- payload
	b.out <- noise
	b.out <- done
	return nil
}

func (b *echoBroker) Receive(ctx context.Context, channels []string) (<-chan []byte, error) {
	return b.out, nil
}

func (b *echoBroker) Close() error { return nil }

func TestSubmitTurn(t *testing.T) {
	broker := &echoBroker{out: make(chan []byte, 3)}
	evt := events.Event{
		Topic: events.TopicConversation, Type: events.TypeUserTurn, SessionID: "s1", ConversationID: "c1",
		Payload: events.ConversationInput{Intent: events.IntentRespond, Text: "hi"},
	}

	out, err := submitTurn(context.Background(), broker, "", evt, time.Second)
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeSuccess, out.Outcome)
	assert.Equal(t, 100, out.StepBudget)
}

func TestSubmitTurn_TimesOut(t *testing.T) {
	broker := &silentBroker{}
	_, err := submitTurn(context.Background(), broker, "reug", events.Event{
		Topic: events.TopicConversation, Type: events.TypeUserTurn, SessionID: "s1", ConversationID: "c1",
	}, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type silentBroker struct{}

func (silentBroker) Publish(context.Context, string, []byte) error { return nil }
func (silentBroker) Receive(context.Context, []string) (<-chan []byte, error) {
	return make(chan []byte), nil
}
func (silentBroker) Close() error { return nil }

package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/adapters/memory"
	"github.com/AshkanYarmoradi/go-stoat/adapters/sqlite"
	"github.com/AshkanYarmoradi/go-stoat/bus"
	"github.com/AshkanYarmoradi/go-stoat/cli/config"
)

// ============================================================================
// Test Helpers
// ============================================================================

// configOption is a function that modifies a config
type configOption func(*config.Config)

func withStore(driver, dsn string) configOption {
	return func(c *config.Config) {
		c.Store.Driver = driver
		c.Store.DSN = dsn
	}
}

// writeConfig saves a SQLite configuration in a temporary directory and
// returns the path of the file and of the database.
func writeConfig(t *testing.T, opts ...configOption) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "events.db")

	cfg := config.DefaultConfig()
	cfg.Store.DSN = dbPath
	cfg.Log.Level = "error"
	for _, opt := range opts {
		opt(cfg)
	}

	path := filepath.Join(dir, config.ConfigFileName)
	require.NoError(t, cfg.SaveFile(path))
	return path, dbPath
}

// executeCommand runs the root command with args and returns its output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func todoRecords() []adapters.EventRecord {
	return []adapters.EventRecord{
		{EventID: "e1", AggregateType: "Todo", AggregateID: "t1", EventType: "TodoCreated", Payload: []byte(`{"title":"milk"}`)},
		{EventID: "e2", AggregateType: "Todo", AggregateID: "t1", EventType: "TodoCompleted", Payload: []byte(`{}`)},
		{EventID: "e3", AggregateType: "Todo", AggregateID: "t2", EventType: "TodoCreated", Payload: []byte(`{"title":"eggs"}`)},
	}
}

// seedSQLite creates the schema of the store configured in configPath and
// stores the todo records.
func seedSQLite(t *testing.T, configPath string) {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.LoadFile(configPath)
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Store.Driver)

	a, err := sqlite.NewAdapter(cfg.Store.DSN, sqlite.WithTable(cfg.Store.Table))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Initialize(ctx))
	_, err = a.Append(ctx, todoRecords())
	require.NoError(t, err)
}

func memoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store.Driver = "memory"
	cfg.Store.DSN = ""
	return cfg
}

func getSubcommandNames(cmd *cobra.Command) map[string]bool {
	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	return names
}

// ============================================================================
// Tests
// ============================================================================

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	assert.Equal(t, "stoat", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)

	names := getSubcommandNames(cmd)
	for _, name := range []string{"init", "migrate", "stats", "tail", "serve", "version"} {
		assert.True(t, names[name], "missing %s command", name)
	}

	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("no-color"))
}

func TestNewLogger(t *testing.T) {
	t.Run("json at warn level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

		logger.Info("hidden")
		logger.Warn("shown", "key", "value")

		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "shown", line["msg"])
		assert.Equal(t, "value", line["key"])
	})

	t.Run("text at debug level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(config.LogConfig{Level: "debug", Format: "text"}, &buf)

		logger.Debug("details")
		assert.Contains(t, buf.String(), "msg=details")
	})
}

func TestNewFactory_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Driver = "oracle"

	_, err := NewFactory(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestFactory_CreateSinks(t *testing.T) {
	cfg := memoryConfig()
	cfg.Sinks.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Sinks.Kafka.Topic = "stoat-events"
	cfg.Sinks.Webhook.URL = "http://localhost:9/hook"

	factory, err := NewFactory(cfg, nil)
	require.NoError(t, err)

	sinks, closers, err := factory.CreateSinks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sinks.Len())
	require.Len(t, closers, 1)
	assert.NoError(t, closers[0].Close())
}

func TestFactory_CreateTracer(t *testing.T) {
	cfg := memoryConfig()
	cfg.Tracing.Exporter = "stdout"

	factory, err := NewFactory(cfg, nil)
	require.NoError(t, err)

	tracer, shutdown, err := factory.CreateTracer(io.Discard)
	require.NoError(t, err)
	assert.NotNil(t, tracer)
	assert.NoError(t, shutdown(context.Background()))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory with metrics", func(t *testing.T) {
		rt, err := Open(ctx, memoryConfig(), nil)
		require.NoError(t, err)
		defer rt.Close(ctx)

		assert.IsType(t, &memory.MemoryAdapter{}, rt.Store)
		assert.NotSame(t, rt.Store, rt.Adapter)
		assert.NotNil(t, rt.Bus)
		assert.NotNil(t, rt.Metrics)
		assert.NotNil(t, rt.Registry)
		assert.Equal(t, 0, rt.Sinks.Len())
		assert.NotNil(t, rt.Publisher())
	})

	t.Run("without bus", func(t *testing.T) {
		rt, err := Open(ctx, memoryConfig(), nil, WithoutBus())
		require.NoError(t, err)
		defer rt.Close(ctx)

		assert.Nil(t, rt.Bus)
	})

	t.Run("metrics disabled", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.Metrics.Enabled = false

		rt, err := Open(ctx, cfg, nil)
		require.NoError(t, err)
		defer rt.Close(ctx)

		assert.Nil(t, rt.Metrics)
		assert.Nil(t, rt.Registry)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.Bus.Driver = "carrier-pigeon"

		_, err := Open(ctx, cfg, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestVersionCommand_Execute(t *testing.T) {
	out, err := executeCommand(t, "version")
	require.NoError(t, err)

	assert.Contains(t, out, "Version")
	assert.Contains(t, out, Version)
	assert.Contains(t, out, "OS/Arch")
}

func TestInitCommand_NonInteractive(t *testing.T) {
	dir := t.TempDir()

	out, err := executeCommand(t, "init", dir, "--non-interactive")
	require.NoError(t, err)
	assert.Contains(t, out, "Created")

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "memory", cfg.Bus.Driver)
}

func TestInitCommand_PostgresDriver(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	dir := t.TempDir()

	out, err := executeCommand(t, "init", dir, "--store=postgres", "--bus=pgnotify", "--non-interactive")
	require.NoError(t, err)
	assert.Contains(t, out, "DATABASE_URL")

	data, err := os.ReadFile(filepath.Join(dir, config.ConfigFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "${DATABASE_URL}")
	assert.Contains(t, string(data), "pgnotify")
}

func TestInitCommand_AlreadyExists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, config.DefaultConfig().Save(dir))

	out, err := executeCommand(t, "init", dir, "--non-interactive")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestInitCommand_InvalidDriver(t *testing.T) {
	dir := t.TempDir()

	_, err := executeCommand(t, "init", dir, "--store=oracle", "--non-interactive")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.False(t, config.Exists(dir))
}

func TestMigrateCommand(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		path, dbPath := writeConfig(t)

		out, err := executeCommand(t, "--config", path, "migrate", "--plain")
		require.NoError(t, err)
		assert.Contains(t, out, "Schema ready")
		assert.FileExists(t, dbPath)

		out, err = executeCommand(t, "--config", path, "migrate", "--plain")
		require.NoError(t, err, "migrate must be repeatable")
		assert.Contains(t, out, "Schema ready")
	})

	t.Run("memory", func(t *testing.T) {
		path, _ := writeConfig(t, withStore("memory", ""))

		out, err := executeCommand(t, "--config", path, "migrate")
		require.NoError(t, err)
		assert.Contains(t, out, "doesn't require migrations")
	})

	t.Run("status without versions", func(t *testing.T) {
		path, _ := writeConfig(t)

		out, err := executeCommand(t, "--config", path, "migrate", "status")
		require.NoError(t, err)
		assert.Contains(t, out, "creates its schema on migrate")
	})
}

func TestStatsCommand(t *testing.T) {
	path, _ := writeConfig(t)
	seedSQLite(t, path)

	t.Run("json", func(t *testing.T) {
		out, err := executeCommand(t, "--config", path, "stats", "--json")
		require.NoError(t, err)

		var summary StoreSummary
		require.NoError(t, json.Unmarshal([]byte(out), &summary))
		assert.Equal(t, "sqlite", summary.Driver)
		assert.False(t, summary.Empty)
		assert.Equal(t, int64(3), summary.Events)
		assert.Equal(t, int64(2), summary.Streams)
		assert.Zero(t, summary.FinalizedStreams)
		assert.Less(t, summary.Earliest, summary.Latest)
	})

	t.Run("table", func(t *testing.T) {
		out, err := executeCommand(t, "--config", path, "stats")
		require.NoError(t, err)
		assert.Contains(t, out, "Event store")
		assert.Contains(t, out, "sqlite")
		assert.Contains(t, out, "Finalized")
	})
}

func TestSeedSQLite_UsesConfiguredTable(t *testing.T) {
	path, dbPath := writeConfig(t)
	seedSQLite(t, path)

	a, err := sqlite.NewAdapter(dbPath, sqlite.WithTable(config.DefaultConfig().Store.Table))
	require.NoError(t, err)
	defer a.Close()

	all, err := a.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSummarize_EmptyMemoryStore(t *testing.T) {
	summary, err := Summarize(context.Background(), "memory", memory.NewAdapter())
	require.NoError(t, err)

	assert.True(t, summary.Empty)
	assert.Zero(t, summary.Events)
	assert.Zero(t, summary.Streams)
}

func TestTailCommand_Count(t *testing.T) {
	path, _ := writeConfig(t)
	seedSQLite(t, path)

	out, err := executeCommand(t, "--config", path, "tail", "--count", "2", "--pattern", "events/Todo/t1/**")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "TodoCreated")
	assert.Contains(t, lines[0], "replay")
	assert.Contains(t, lines[1], "TodoCompleted")
	assert.NotContains(t, out, "eggs")
}

func TestTailCommand_InvalidPattern(t *testing.T) {
	path, _ := writeConfig(t, withStore("memory", ""))

	_, err := executeCommand(t, "--config", path, "tail", "--pattern", "events/**/Todo")
	assert.ErrorIs(t, err, bus.ErrInvalidPattern)
}

func TestRenderPayload(t *testing.T) {
	data, err := renderPayload(adapters.StoredEvent{Payload: []byte(`{"a":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	data, err = renderPayload(adapters.StoredEvent{Payload: []byte{0x82, 0xa1}})
	require.NoError(t, err)
	assert.Equal(t, `"gqE="`, string(data))
}

func newTestServer(t *testing.T) (*Runtime, *Server, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rt, err := Open(ctx, memoryConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	_, err = rt.Adapter.Append(ctx, todoRecords())
	require.NoError(t, err)

	srv := NewServer(rt)
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { _ = srv.Close() })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return rt, srv, ts
}

func TestServer_Streams(t *testing.T) {
	rt, srv, ts := newTestServer(t)

	get := func(t *testing.T, path string) (int, []byte) {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, body
	}

	t.Run("returns the stream", func(t *testing.T) {
		status, body := get(t, "/streams/Todo/t1")
		require.Equal(t, http.StatusOK, status)

		var envelopes []bus.Envelope
		require.NoError(t, json.Unmarshal(body, &envelopes))
		require.Len(t, envelopes, 2)
		assert.Equal(t, "TodoCreated", envelopes[0].EventType)
		assert.JSONEq(t, `{"title":"milk"}`, string(envelopes[0].Data))
		assert.Equal(t, "e1", envelopes[1].PreviousID)
	})

	t.Run("second read is cached", func(t *testing.T) {
		before := srv.Cache().Len()
		status, _ := get(t, "/streams/Todo/t1")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, before, srv.Cache().Len())
		assert.Positive(t, before)
	})

	t.Run("notification drops cached reads of the type", func(t *testing.T) {
		require.Positive(t, srv.Cache().Len())

		err := rt.Bus.Publish(context.Background(), bus.Message{
			Key:     bus.SequencedKey("Todo", "t1", 99),
			Payload: []byte(`{}`),
		})
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			return srv.Cache().Len() == 0
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("unknown stream", func(t *testing.T) {
		status, body := get(t, "/streams/Todo/missing")
		assert.Equal(t, http.StatusNotFound, status)
		assert.Contains(t, string(body), "not found")
	})

	t.Run("health", func(t *testing.T) {
		status, body := get(t, "/healthz")
		assert.Equal(t, http.StatusOK, status)
		assert.JSONEq(t, `{"status":"ok"}`, string(body))
	})

	t.Run("metrics", func(t *testing.T) {
		status, body := get(t, "/metrics")
		assert.Equal(t, http.StatusOK, status)
		assert.Contains(t, string(body), "stoat_cache_requests_total")
		assert.Contains(t, string(body), `prefix="stream/Todo"`)
	})
}

func TestServer_Feed(t *testing.T) {
	_, _, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?pattern=events/Todo/t2/**", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var frame []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		frame = append(frame, line)
	}

	require.Len(t, frame, 3)
	assert.Equal(t, "id: 3", frame[0])
	assert.Equal(t, "event: TodoCreated", frame[1])
	assert.Equal(t, `data: {"title":"eggs"}`, frame[2])
}

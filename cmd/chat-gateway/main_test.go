// ABOUTME: Tests for chat-gateway command helpers
// ABOUTME: Covers logging, config generation, and the client commands against an in-process gateway

package main

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

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/completion"
	"github.com/2389/chat-gateway/internal/config"
	"github.com/2389/chat-gateway/internal/gateway"
	"github.com/2389/chat-gateway/internal/store"
)

func init() {
	color.NoColor = true
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "gateway").Info("started", "port", 8080)
	logger.WithGroup("req").Warn("slow", "ms", 250)
	logger.Error("boom")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF started component=gateway port=8080")
	assert.Contains(t, out, "WRN slow req.ms=250")
	assert.Contains(t, out, "ERR boom")
	assert.Equal(t, 3, strings.Count(out, "\n"))
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.Debug("hello", "user_id", 7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, float64(7), rec["user_id"])
}

func TestRenderConfigLoads(t *testing.T) {
	dir := t.TempDir()

	t.Run("mock provider", func(t *testing.T) {
		path := filepath.Join(dir, "mock.yaml")
		require.NoError(t, os.WriteFile(path, []byte(renderConfig(initAnswers{
			GRPCAddr:  "localhost:50051",
			HTTPAddr:  "localhost:8080",
			DBPath:    filepath.Join(dir, "chat.db"),
			Provider:  "mock",
			LogLevel:  "debug",
			LogFormat: "json",
			Metrics:   true,
		})), 0600))

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, config.ProviderMock, cfg.Completion.Provider)
		assert.Equal(t, 10*time.Millisecond, cfg.Session.ChunkDelay)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, "json", cfg.Logging.Format)
	})

	t.Run("openai provider with tailscale", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-test")
		path := filepath.Join(dir, "openai.yaml")
		require.NoError(t, os.WriteFile(path, []byte(renderConfig(initAnswers{
			DBPath:     filepath.Join(dir, "chat.db"),
			Provider:   "openai",
			BaseURL:    "https://api.groq.com/openai/v1",
			Model:      "llama3-8b-8192",
			Tailscale:  true,
			TSHostname: "chat",
			TSFunnel:   true,
			LogLevel:   "info",
			LogFormat:  "text",
		})), 0600))

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, "sk-test", cfg.Completion.APIKey)
		assert.Equal(t, "llama3-8b-8192", cfg.Completion.Model)
		assert.True(t, cfg.Tailscale.Funnel)
		assert.Equal(t, 2*time.Minute, cfg.Completion.Timeout)
	})
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)
	path := filepath.Join(dir, "conf", "gateway.yaml")

	answers := strings.Join([]string{
		path,                       // config path
		"",                         // grpc default
		"127.0.0.1:9090",           // http
		filepath.Join(dir, "x.db"), // db
		"mock",                     // provider
		"",                         // tailscale default no
		"debug",                    // log level
		"",                         // log format default
		"",                         // metrics default yes
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(answers), &out))
	assert.Contains(t, out.String(), "Config written to "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestRunInit_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0600))

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(path+"\nno\n"), &out))
	assert.Contains(t, out.String(), "Aborted.")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestPromptDefaults(t *testing.T) {
	var out bytes.Buffer
	reader := bufio.NewReader(strings.NewReader("\n  custom  \n"))

	assert.Equal(t, "dflt", prompt(reader, &out, "Q", "dflt"))
	assert.Equal(t, "custom", prompt(reader, &out, "Q", "dflt"))
	assert.Equal(t, "dflt", prompt(reader, &out, "Q", "dflt"), "EOF falls back to default")
	assert.Contains(t, out.String(), "Q [dflt]: ")
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws/3", wsURL("http://localhost:8080", 3))
	assert.Equal(t, "wss://chat.example.ts.net/ws/9", wsURL("https://chat.example.ts.net", 9))
}

func TestBaseURL_AddrFlag(t *testing.T) {
	old := addr
	t.Cleanup(func() { addr = old })

	addr = "localhost:8080"
	got, err := baseURL()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", got)

	addr = "https://chat.example.ts.net/"
	got, err = baseURL()
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.ts.net", got)
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "init", "health", "status", "chat"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

// testServer runs an in-process gateway over a mock store and completion port.
func testServer(t *testing.T, port completion.Port) (*httptest.Server, *store.MockStore) {
	t.Helper()

	s := store.NewMockStore()
	cfg := &config.Config{
		Server:  config.ServerConfig{GRPCAddr: "127.0.0.1:0", HTTPAddr: "127.0.0.1:0"},
		Session: config.SessionConfig{ExchangeTimeout: 10 * time.Second},
	}
	gw, err := gateway.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), gateway.WithStore(s), gateway.WithCompletion(port))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return srv, s
}

func TestRunHealth(t *testing.T) {
	srv, _ := testServer(t, &completion.MockPort{})

	var out bytes.Buffer
	require.NoError(t, runHealth(context.Background(), srv.Client(), srv.URL, &out))
	assert.Contains(t, out.String(), "/health")
	assert.Contains(t, out.String(), "healthy")
}

func TestRunHealth_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := runHealth(context.Background(), srv.Client(), srv.URL, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestRunStatus(t *testing.T) {
	srv, _ := testServer(t, &completion.MockPort{})

	var out bytes.Buffer
	require.NoError(t, runStatus(context.Background(), srv.Client(), srv.URL, 42, &out))
	assert.Equal(t, "user 42: offline (0 connection(s))\n", out.String())
}

func TestRunChat(t *testing.T) {
	srv, s := testServer(t, &completion.MockPort{Fragments: []string{"Hi ", "there"}})
	alice, err := s.CreateUser(context.Background(), "alice", "alice@example.com")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, runChat(ctx, srv.URL, alice.ID, nil, strings.NewReader("hello\n\nagain\n"), &out))

	text := out.String()
	assert.Contains(t, text, "Connected to chat server")
	assert.Contains(t, text, "[conversation ")
	assert.Equal(t, 1, strings.Count(text, "[conversation "), "second line continues the same conversation")
	assert.Equal(t, 2, strings.Count(text, "Hi there\n"))

	convs, err := s.ListConversations(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := s.ListMessages(context.Background(), convs[0].ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestRunChat_UnknownUser(t *testing.T) {
	srv, _ := testServer(t, &completion.MockPort{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := runChat(ctx, srv.URL, 999, nil, strings.NewReader(""), io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "4004 User not found")
}

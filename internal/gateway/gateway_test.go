// ABOUTME: Tests for the Gateway orchestrator lifecycle
// ABOUTME: Runs real listeners and checks HTTP health and gRPC health status

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/chat-gateway/internal/completion"
	"github.com/2389/chat-gateway/internal/config"
	"github.com/2389/chat-gateway/internal/session"
	"github.com/2389/chat-gateway/internal/store"
)

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	// Find available ports
	grpcListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available gRPC port: %v", err)
	}
	grpcAddr := grpcListener.Addr().String()
	grpcListener.Close()

	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := httpListener.Addr().String()
	httpListener.Close()

	return &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: grpcAddr,
			HTTPAddr: httpAddr,
		},
		Database: config.DatabaseConfig{
			Path: ":memory:",
		},
		Completion: config.CompletionConfig{
			Provider: config.ProviderMock,
		},
		Session: config.SessionConfig{
			ExchangeTimeout: 10 * time.Second,
			SendTimeout:     time.Second,
			ReadLimit:       64 * 1024,
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway builds a gateway over an in-memory mock store and a scripted completion port.
func newTestGateway(t *testing.T, port completion.Port) (*Gateway, *store.MockStore) {
	t.Helper()

	s := store.NewMockStore()
	gw, err := New(testConfig(t), testLogger(), WithStore(s), WithCompletion(port))
	require.NoError(t, err)
	t.Cleanup(func() { gw.responses.Close() })
	return gw, s
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.completion)
	assert.NotNil(t, gw.registry)
	assert.NotNil(t, gw.metrics)
}

func TestGatewayNew_UnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Completion.Provider = "carrier-pigeon"

	_, err := New(cfg, testLogger(), WithStore(store.NewMockStore()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestGatewayNew_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false

	gw, err := New(cfg, testLogger(), WithStore(store.NewMockStore()))
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Nil(t, gw.metrics)
}

// startGateway runs gw in the background until the test ends.
func startGateway(t *testing.T, gw *Gateway) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + gw.config.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("Run() returned unexpected error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("gateway did not shutdown in time")
		}
	})
}

func TestGatewayRunAndShutdown(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	// Give it time to start
	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestGatewayShutdown_DrainsInFlightExchange(t *testing.T) {
	cfg := testConfig(t)
	dbPath := filepath.Join(t.TempDir(), "chat.db")
	cfg.Database.Path = dbPath

	port := &completion.MockPort{Fragments: []string{"Hello", " world"}, Delay: 300 * time.Millisecond}
	gw, err := New(cfg, testLogger(), WithCompletion(port))
	require.NoError(t, err)

	alice, err := gw.store.CreateUser(context.Background(), "alice", "alice@example.com")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	base := "http://" + cfg.Server.HTTPAddr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	wsBase := "ws" + strings.TrimPrefix(base, "http")
	conn := dial(t, fmt.Sprintf("%s/ws/%d", wsBase, alice.ID))
	_ = readEvent(t, conn)

	// A second, idle connection must not hold shutdown open.
	idle := dial(t, fmt.Sprintf("%s/ws/%d", wsBase, alice.ID))
	_ = readEvent(t, idle)

	writeMessage(t, conn, map[string]any{"message": "hi"})
	for {
		if _, ok := readEvent(t, conn).(session.Chunk); ok {
			break
		}
	}

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}

	assert.Equal(t, 0, gw.registry.Total(), "sessions end before Run returns")

	reopened, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	convs, err := reopened.ListConversations(context.Background(), alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := reopened.ListMessages(context.Background(), convs[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "Hello world", msgs[1].Content)
}

func TestServeSession_RejectedWhileDraining(t *testing.T) {
	gw, s := newTestGateway(t, &completion.MockPort{})
	alice, err := s.CreateUser(context.Background(), "alice", "alice@example.com")
	require.NoError(t, err)

	require.NoError(t, gw.waitForSessions(context.Background()))

	err = gw.serveSession(context.Background(), alice, &closedTransport{})
	assert.ErrorIs(t, err, errShuttingDown)
	assert.Equal(t, 0, gw.registry.Count(alice.ID))
}

func TestGatewayRun_ListenError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = occupied.Addr().String()

	gw, err := New(cfg, testLogger(), WithStore(store.NewMockStore()))
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	err = gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestHealthEndpoints(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	startGateway(t, gw)

	base := "http://" + gw.config.Server.HTTPAddr

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(base + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyEndpoint_StoreDown(t *testing.T) {
	gw, s := newTestGateway(t, &completion.MockPort{})
	s.FailOn(store.OpPing, errors.New("disk gone"))

	rec := doRequest(t, gw, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGRPCHealth(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	startGateway(t, gw)

	conn, err := grpc.NewClient(gw.config.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, svc := range []string{"", ServiceName} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		require.NoError(t, err, "service %q", svc)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus(), "service %q", svc)
	}
}

func TestSetServing(t *testing.T) {
	gw, _ := newTestGateway(t, &completion.MockPort{})

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	gw.setServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
	gw.setServing(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/chat")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/chat", dir)

	t.Setenv("HOME", "/home/tester")
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, "/home/tester/.local/share/chat-gateway/tailscale", dir)
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	require.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestMetricsEndpoint(t *testing.T) {
	gw, s := newTestGateway(t, &completion.MockPort{Reply: "hi"})
	alice, err := s.CreateUser(context.Background(), "alice", "alice@example.com")
	require.NoError(t, err)

	rec := doRequest(t, gw, http.MethodPost, fmt.Sprintf("/chat/%d", alice.ID), `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "chat_gateway_active_connections 0")
	assert.Contains(t, body, `chat_gateway_exchanges_total{outcome="ok",surface="http"} 1`)
}

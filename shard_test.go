package ferry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FerryTeam/Ferry/discord"
	"github.com/FerryTeam/Ferry/rest"
	"github.com/coder/websocket"
)

// recordingHandler captures log records so tests can assert on emitted
// messages.
type recordingHandler struct {
	mu       sync.Mutex
	messages []string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, record.Message)

	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count(message string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := 0

	for _, m := range h.messages {
		if m == message {
			count++
		}
	}

	return count
}

func newTestApplication(t *testing.T, logger *slog.Logger) (*Ferry, *Application) {
	t.Helper()

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	f := NewFerry(logger, nil)
	f.Config.Store(&Configuration{Ferry: &NodeConfiguration{}})

	app := NewApplication(f, &ApplicationConfiguration{
		ApplicationIdentifier: "test",
		BotToken:              rest.NewToken("test-token"),
		Intents:               int32(discord.IntentGuilds),
	})

	gateway := &discord.GatewayBotResponse{URL: "", Shards: 1}
	gateway.SessionStartLimit.MaxConcurrency = 1
	gateway.SessionStartLimit.Remaining = 1000

	app.Gateway.Store(gateway)
	app.ShardCount.Store(1)

	return f, app
}

// mockGateway is an in-process gateway endpoint driven by a per-connection
// handler.
type mockGateway struct {
	server      *httptest.Server
	url         string
	connections atomic.Int32
}

func newMockGateway(t *testing.T, handler func(conn *websocket.Conn, connection int32)) *mockGateway {
	t.Helper()

	gateway := &mockGateway{}

	gateway.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		handler(conn, gateway.connections.Add(1))
	}))

	gateway.url = "ws" + strings.TrimPrefix(gateway.server.URL, "http")

	t.Cleanup(gateway.server.Close)

	return gateway
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Errorf("Unexpected error: %v", err)

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = conn.Write(ctx, websocket.MessageText, data)
}

type sentEnvelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

func readEnvelope(conn *websocket.Conn) (sentEnvelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var envelope sentEnvelope

	_, data, err := conn.Read(ctx)
	if err != nil {
		return envelope, err
	}

	err = json.Unmarshal(data, &envelope)

	return envelope, err
}

func helloPayload(intervalMs int) map[string]any {
	return map[string]any{
		"op": int(discord.GatewayOpHello),
		"d":  map[string]any{"heartbeat_interval": intervalMs},
	}
}

func readyPayload(sequence int, sessionID, resumeURL string) map[string]any {
	return map[string]any{
		"op": int(discord.GatewayOpDispatch),
		"s":  sequence,
		"t":  discord.DiscordEventReady,
		"d": map[string]any{
			"v":                  10,
			"user":               map[string]any{"id": "123", "username": "testbot", "bot": true},
			"session_id":         sessionID,
			"resume_gateway_url": resumeURL,
			"application":        map[string]any{"id": "123"},
			"guilds":             []any{},
		},
	}
}

func TestShardConnectAndBecomeReady(t *testing.T) {
	identified := make(chan discord.Identify, 1)

	var gateway *mockGateway

	gateway = newMockGateway(t, func(conn *websocket.Conn, connection int32) {
		sendJSON(t, conn, helloPayload(45000))

		envelope, err := readEnvelope(conn)
		if err != nil || envelope.Op != int(discord.GatewayOpIdentify) {
			t.Errorf("Expected identify, but got op %d (err %v)", envelope.Op, err)

			return
		}

		var identify discord.Identify
		_ = json.Unmarshal(envelope.D, &identify)
		identified <- identify

		sendJSON(t, conn, readyPayload(1, "session-abc", gateway.url))

		// Swallow heartbeats until the client goes away.
		for {
			if _, err := readEnvelope(conn); err != nil {
				return
			}
		}
	})

	f, app := newTestApplication(t, nil)

	events := app.SubscribeEvents()
	defer app.UnsubscribeEvents(events)

	shard := NewShard(f, app, 0)
	shard.resumeGatewayURL.Store(&gateway.url)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := shard.Connect(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	go shard.Start(ctx)

	if err := shard.waitForReady(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	select {
	case identify := <-identified:
		if identify.Token != "test-token" {
			t.Errorf("Expected test-token, but got %q", identify.Token)
		}

		if identify.Shard != [2]int32{0, 1} {
			t.Errorf("Expected shard [0 1], but got %v", identify.Shard)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for identify")
	}

	if sessionID := shard.sessionID.Load(); sessionID == nil || *sessionID != "session-abc" {
		t.Errorf("Expected session-abc, but got %v", sessionID)
	}

	if got := shard.ConnectionID.Load(); got != 1 {
		t.Errorf("Expected connection ID 1, but got %d", got)
	}

	if user := app.User.Load(); user == nil || !user.Bot {
		t.Errorf("Expected bot user to be captured")
	}

	// The READY dispatch reaches subscribers on the merged stream.
	deadline := time.After(5 * time.Second)

	for {
		select {
		case event := <-events:
			if event.Payload.Type != discord.DiscordEventReady {
				continue
			}

			if event.ShardID != 0 {
				t.Errorf("Expected shard 0, but got %d", event.ShardID)
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for READY event")
		}

		break
	}

	shard.Stop(ctx, websocket.StatusNormalClosure)

	if got := shard.ConnectionID.Load(); got != 2 {
		t.Errorf("Expected connection ID 2 after stop, but got %d", got)
	}

	if got := ShardStatus(shard.Status.Load()); got != ShardStatusStopped {
		t.Errorf("Expected Stopped, but got %s", got)
	}
}

func TestShardAuthenticationFailed(t *testing.T) {
	gateway := newMockGateway(t, func(conn *websocket.Conn, connection int32) {
		sendJSON(t, conn, helloPayload(45000))

		if _, err := readEnvelope(conn); err != nil {
			return
		}

		_ = conn.Close(discord.CloseAuthenticationFailed, "Authentication failed.")
	})

	recorder := &recordingHandler{}
	logger := slog.New(recorder)

	f, app := newTestApplication(t, logger)

	shard := NewShard(f, app, 0)
	shard.resumeGatewayURL.Store(&gateway.url)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := shard.Connect(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	go shard.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)

	for ShardStatus(shard.Status.Load()) != ShardStatusStopped {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for shard to stop, status %s", ShardStatus(shard.Status.Load()))
		}

		time.Sleep(10 * time.Millisecond)
	}

	if got := recorder.count(authenticationFailedMessage); got != 1 {
		t.Errorf("Expected exactly one critical log, but got %d", got)
	}

	if got := shard.ConnectionID.Load(); got != 2 {
		t.Errorf("Expected connection ID 2, but got %d", got)
	}

	// The mock never accepted a second connection.
	if got := gateway.connections.Load(); got != 1 {
		t.Errorf("Expected 1 connection, but got %d", got)
	}
}

func TestShardResumesAfterSilentLink(t *testing.T) {
	resumed := make(chan discord.Resume, 1)

	gateway := newMockGateway(t, func(conn *websocket.Conn, connection int32) {
		if connection == 1 {
			// A short heartbeat interval so the watchdog declares the silent
			// link a zombie quickly.
			sendJSON(t, conn, helloPayload(100))

			envelope, err := readEnvelope(conn)
			if err != nil || envelope.Op != int(discord.GatewayOpIdentify) {
				return
			}

			sendJSON(t, conn, readyPayload(1, "session-abc", ""))

			// Stay silent; never acknowledge heartbeats.
			for {
				if _, err := readEnvelope(conn); err != nil {
					return
				}
			}
		}

		sendJSON(t, conn, helloPayload(45000))

		for {
			envelope, err := readEnvelope(conn)
			if err != nil {
				return
			}

			if envelope.Op == int(discord.GatewayOpResume) {
				var resume discord.Resume
				_ = json.Unmarshal(envelope.D, &resume)

				select {
				case resumed <- resume:
				default:
				}

				sendJSON(t, conn, map[string]any{
					"op": int(discord.GatewayOpDispatch),
					"s":  2,
					"t":  discord.DiscordEventResumed,
					"d":  map[string]any{},
				})
			}
		}
	})

	f, app := newTestApplication(t, nil)

	shard := NewShard(f, app, 0)
	shard.resumeGatewayURL.Store(&gateway.url)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := shard.Connect(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	go shard.Start(ctx)

	if err := shard.waitForReady(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	select {
	case resume := <-resumed:
		if resume.SessionID != "session-abc" {
			t.Errorf("Expected session-abc, but got %q", resume.SessionID)
		}

		if resume.Sequence < 1 {
			t.Errorf("Expected sequence >= 1, but got %d", resume.Sequence)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Timed out waiting for resume")
	}

	if got := shard.ConnectionID.Load(); got < 2 {
		t.Errorf("Expected connection ID >= 2 after reconnect, but got %d", got)
	}

	shard.Stop(ctx, websocket.StatusNormalClosure)
}

func TestShardParseFailureKeepsConnection(t *testing.T) {
	gateway := newMockGateway(t, func(conn *websocket.Conn, connection int32) {
		sendJSON(t, conn, helloPayload(45000))

		if _, err := readEnvelope(conn); err != nil {
			return
		}

		sendJSON(t, conn, readyPayload(1, "session-abc", ""))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = conn.Write(ctx, websocket.MessageText, []byte("this is not json"))

		sendJSON(t, conn, map[string]any{
			"op": int(discord.GatewayOpDispatch),
			"s":  2,
			"t":  "TYPING_START",
			"d":  map[string]any{"channel_id": "1"},
		})

		for {
			if _, err := readEnvelope(conn); err != nil {
				return
			}
		}
	})

	f, app := newTestApplication(t, nil)

	events := app.SubscribeEvents()
	defer app.UnsubscribeEvents(events)

	parseFailures := app.SubscribeParseFailures()
	defer app.UnsubscribeParseFailures(parseFailures)

	shard := NewShard(f, app, 0)
	shard.resumeGatewayURL.Store(&gateway.url)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := shard.Connect(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	go shard.Start(ctx)

	if err := shard.waitForReady(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	select {
	case failure := <-parseFailures:
		if failure.ShardID != 0 {
			t.Errorf("Expected shard 0, but got %d", failure.ShardID)
		}

		if string(failure.Data) != "this is not json" {
			t.Errorf("Expected raw frame, but got %q", failure.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for parse failure")
	}

	// The connection survived: the next dispatch still arrives.
	deadline := time.After(5 * time.Second)

	for {
		select {
		case event := <-events:
			if event.Payload.Type != "TYPING_START" {
				continue
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for dispatch after parse failure")
		}

		break
	}

	if got := shard.ConnectionID.Load(); got != 1 {
		t.Errorf("Expected connection ID 1, but got %d", got)
	}

	shard.Stop(ctx, websocket.StatusNormalClosure)
}

func TestDispatchSequenceMonotonic(t *testing.T) {
	f, app := newTestApplication(t, nil)

	shard := NewShard(f, app, 0)

	ctx := context.Background()

	_ = gatewayOpDispatch(ctx, shard, discord.GatewayPayload{
		Op:       discord.GatewayOpDispatch,
		Type:     "TYPING_START",
		Data:     []byte(`{}`),
		Sequence: 5,
	})

	if got := shard.sequence.Load(); got != 5 {
		t.Errorf("Expected sequence 5, but got %d", got)
	}

	// A stale frame must not move the cursor backwards.
	_ = gatewayOpDispatch(ctx, shard, discord.GatewayPayload{
		Op:       discord.GatewayOpDispatch,
		Type:     "TYPING_START",
		Data:     []byte(`{}`),
		Sequence: 3,
	})

	if got := shard.sequence.Load(); got != 5 {
		t.Errorf("Expected sequence 5, but got %d", got)
	}
}

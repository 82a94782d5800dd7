package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/sanduku/internal/protocol"
	"github.com/jkaninda/sanduku/internal/provider"
)

// fakeRunner is an in-process runner daemon speaking the wire protocol.
// handle is called for each incoming envelope and may write any number of
// replies.
type fakeRunner struct {
	t      *testing.T
	handle func(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope)
}

func (f *fakeRunner) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		f.t.Errorf("accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			f.t.Errorf("unmarshal: %v", err)
			return
		}
		f.handle(ctx, conn, &env)
	}
}

func writeReply(t *testing.T, ctx context.Context, conn *websocket.Conn, req *protocol.Envelope, msgType protocol.MessageType, payload any) {
	t.Helper()
	reply, err := req.Reply(msgType, payload)
	if err != nil {
		t.Errorf("building reply: %v", err)
		return
	}
	data, _ := json.Marshal(reply)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Errorf("writing reply: %v", err)
	}
}

func newTestClient(t *testing.T, runner *fakeRunner) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(runner.serve))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	client := New(Config{RunnerURL: url, RequestTimeout: 5 * time.Second}, logger)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_CreateAndStatus(t *testing.T) {
	runner := &fakeRunner{}
	runner.handle = func(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) {
		switch env.Type {
		case protocol.MsgSessionCreate:
			var req protocol.SessionCreatePayload
			if err := env.Decode(&req); err != nil {
				t.Errorf("decode create: %v", err)
			}
			if req.Name != "analysis" {
				t.Errorf("session name = %q, want %q", req.Name, "analysis")
			}
			writeReply(t, ctx, conn, env, protocol.MsgSessionCreated, protocol.SessionCreatedPayload{SessionID: "sess-42"})
		case protocol.MsgSessionStatus:
			writeReply(t, ctx, conn, env, protocol.MsgSessionState, protocol.SessionStatePayload{
				SessionID: "sess-42",
				Status:    "READY",
			})
		}
	}
	runner.t = t
	client := newTestClient(t, runner)

	id, err := client.Create(context.Background(), "analysis", time.Minute)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "sess-42" {
		t.Errorf("session id = %q, want %q", id, "sess-42")
	}

	status, err := client.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != provider.StatusReady {
		t.Errorf("status = %q, want READY", status)
	}
}

func TestClient_InvokeSingle(t *testing.T) {
	runner := &fakeRunner{}
	runner.handle = func(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) {
		if env.Type != protocol.MsgSessionInvoke {
			t.Errorf("unexpected message %s", env.Type)
			return
		}
		content, _ := json.Marshal("42\n")
		writeReply(t, ctx, conn, env, protocol.MsgInvokeResult, protocol.InvokeResultPayload{Content: content})
	}
	runner.t = t
	client := newTestClient(t, runner)

	resp, err := client.Invoke(context.Background(), "sess-42", provider.OpExecuteCode, provider.InvokeArgs{
		Language: "python",
		Code:     "print(6*7)",
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	single, ok := resp.(provider.Single)
	if !ok {
		t.Fatalf("response shape = %T, want Single", resp)
	}
	if got, _ := single.Result.Content.(string); got != "42\n" {
		t.Errorf("content = %q, want %q", got, "42\n")
	}
}

func TestClient_InvokeStreamed(t *testing.T) {
	runner := &fakeRunner{}
	runner.handle = func(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) {
		chunk, _ := json.Marshal("partial")
		final, _ := json.Marshal("done")
		writeReply(t, ctx, conn, env, protocol.MsgInvokeFragment, protocol.InvokeFragmentPayload{
			Chunk: &protocol.InvokeResultPayload{Content: chunk},
		})
		writeReply(t, ctx, conn, env, protocol.MsgInvokeFragment, protocol.InvokeFragmentPayload{
			Result: &protocol.InvokeResultPayload{Content: final},
		})
		writeReply(t, ctx, conn, env, protocol.MsgInvokeComplete, nil)
	}
	runner.t = t
	client := newTestClient(t, runner)

	resp, err := client.Invoke(context.Background(), "sess-42", provider.OpExecuteCommand, provider.InvokeArgs{Command: "ls"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	streamed, ok := resp.(provider.Streamed)
	if !ok {
		t.Fatalf("response shape = %T, want Streamed", resp)
	}

	var frags []provider.Fragment
	for f := range streamed.Fragments {
		frags = append(frags, f)
	}
	if len(frags) != 2 {
		t.Fatalf("fragments = %d, want 2", len(frags))
	}
	if frags[0].Chunk == nil || frags[0].Chunk.Content != "partial" {
		t.Errorf("first fragment = %+v, want chunk %q", frags[0], "partial")
	}
	if frags[1].Result == nil || frags[1].Result.Content != "done" {
		t.Errorf("last fragment = %+v, want result %q", frags[1], "done")
	}
}

func TestClient_InvokeRunnerError(t *testing.T) {
	runner := &fakeRunner{}
	runner.handle = func(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) {
		writeReply(t, ctx, conn, env, protocol.MsgError, protocol.ErrorPayload{
			Code:    "SESSION_NOT_FOUND",
			Message: "no such session",
		})
	}
	runner.t = t
	client := newTestClient(t, runner)

	_, err := client.Invoke(context.Background(), "gone", provider.OpExecuteCommand, provider.InvokeArgs{Command: "ls"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "SESSION_NOT_FOUND") {
		t.Errorf("error = %v, want runner error code", err)
	}
}

func TestClient_TerminateRoundTrip(t *testing.T) {
	var terminated string
	runner := &fakeRunner{}
	runner.handle = func(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) {
		var ref protocol.SessionRefPayload
		if err := env.Decode(&ref); err != nil {
			t.Errorf("decode ref: %v", err)
		}
		terminated = ref.SessionID
		writeReply(t, ctx, conn, env, protocol.MsgSessionTerminated, nil)
	}
	runner.t = t
	client := newTestClient(t, runner)

	if err := client.Terminate(context.Background(), "sess-42"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if terminated != "sess-42" {
		t.Errorf("terminated session = %q, want %q", terminated, "sess-42")
	}
}

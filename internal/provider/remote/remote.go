// Package remote implements the execution provider against a remote sandbox
// runner daemon over WebSocket. One connection carries all sessions; replies
// and stream fragments are correlated back to callers by envelope ID.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/sanduku/internal/protocol"
	"github.com/jkaninda/sanduku/internal/provider"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultRequestTimeout = 5 * time.Minute

	// pendingBuffer sizes each per-request channel so the read loop never
	// blocks on a slow consumer draining a fragment stream.
	pendingBuffer = 32

	subprotocol = "sanduku-runner-v1"
)

// Config configures the runner client.
type Config struct {
	RunnerURL      string        // ws:// or wss:// endpoint of the runner daemon.
	Token          string        // Optional bearer token, sent as a query parameter.
	DialTimeout    time.Duration // Zero = 10s.
	RequestTimeout time.Duration // Per-request deadline. Zero = 5m.
}

// Client is the manager-side runner connection.
type Client struct {
	cfg    Config
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Envelope
}

// New creates a runner-backed execution provider. The connection is dialed
// lazily on first use and redialed after a failure.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]chan *protocol.Envelope),
	}
}

// Create asks the runner to provision a session.
func (c *Client) Create(ctx context.Context, name string, timeout time.Duration) (string, error) {
	reply, err := c.roundTrip(ctx, protocol.MsgSessionCreate, protocol.SessionCreatePayload{
		Name:           name,
		TimeoutSeconds: int(timeout.Seconds()),
	})
	if err != nil {
		return "", err
	}
	if reply.Type != protocol.MsgSessionCreated {
		return "", fmt.Errorf("runner answered %s, want %s", reply.Type, protocol.MsgSessionCreated)
	}
	var created protocol.SessionCreatedPayload
	if err := reply.Decode(&created); err != nil {
		return "", fmt.Errorf("decoding session.created: %w", err)
	}
	c.logger.Info("remote session created",
		slog.String("session", name),
		slog.String("session_id", created.SessionID),
	)
	return created.SessionID, nil
}

// Status queries the runner for the session's current state.
func (c *Client) Status(ctx context.Context, remoteID string) (provider.Status, error) {
	reply, err := c.roundTrip(ctx, protocol.MsgSessionStatus, protocol.SessionRefPayload{SessionID: remoteID})
	if err != nil {
		return "", err
	}
	if reply.Type != protocol.MsgSessionState {
		return "", fmt.Errorf("runner answered %s, want %s", reply.Type, protocol.MsgSessionState)
	}
	var state protocol.SessionStatePayload
	if err := reply.Decode(&state); err != nil {
		return "", fmt.Errorf("decoding session.state: %w", err)
	}
	if state.Status == string(provider.StatusReady) {
		return provider.StatusReady, nil
	}
	return provider.StatusNotReady, nil
}

// Invoke runs an operation in the remote session. The runner's first reply
// decides the response shape: invoke.result means a complete single answer,
// invoke.fragment opens a stream that runs until invoke.complete.
func (c *Client) Invoke(ctx context.Context, remoteID string, op provider.Operation, args provider.InvokeArgs) (provider.Response, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding invoke args: %w", err)
	}
	env, err := protocol.NewEnvelope(protocol.MsgSessionInvoke, protocol.InvokePayload{
		SessionID: remoteID,
		Operation: string(op),
		Args:      encoded,
	})
	if err != nil {
		return nil, err
	}

	ch, err := c.send(ctx, env)
	if err != nil {
		return nil, err
	}

	first, err := c.await(ctx, env.ID, ch)
	if err != nil {
		c.unregister(env.ID)
		return nil, err
	}

	switch first.Type {
	case protocol.MsgInvokeResult:
		c.unregister(env.ID)
		single, err := decodeSingle(first)
		if err != nil {
			return nil, err
		}
		return single, nil

	case protocol.MsgInvokeFragment:
		fragments := make(chan provider.Fragment, pendingBuffer)
		go c.pumpFragments(ctx, env.ID, ch, first, fragments)
		return provider.Streamed{Fragments: fragments}, nil

	case protocol.MsgError:
		c.unregister(env.ID)
		return nil, decodeError(first)

	default:
		c.unregister(env.ID)
		return nil, fmt.Errorf("runner answered %s to invoke", first.Type)
	}
}

// Terminate asks the runner to tear the session down.
func (c *Client) Terminate(ctx context.Context, remoteID string) error {
	reply, err := c.roundTrip(ctx, protocol.MsgSessionTerminate, protocol.SessionRefPayload{SessionID: remoteID})
	if err != nil {
		return err
	}
	if reply.Type != protocol.MsgSessionTerminated {
		return fmt.Errorf("runner answered %s, want %s", reply.Type, protocol.MsgSessionTerminated)
	}
	return nil
}

// Close shuts the runner connection down. Safe to call on a never-dialed client.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "manager shutting down")
	c.conn = nil
	return err
}

// pumpFragments forwards the already-received first fragment and every
// subsequent one onto the caller's stream until invoke.complete.
func (c *Client) pumpFragments(ctx context.Context, id string, ch chan *protocol.Envelope, first *protocol.Envelope, out chan<- provider.Fragment) {
	defer c.unregister(id)
	defer close(out)

	env := first
	for {
		switch env.Type {
		case protocol.MsgInvokeFragment:
			frag, err := decodeFragment(env)
			if err != nil {
				c.logger.Warn("dropping malformed invoke fragment",
					slog.String("request_id", id),
					slog.String("error", err.Error()),
				)
			} else {
				select {
				case out <- frag:
				case <-ctx.Done():
					return
				}
			}

		case protocol.MsgInvokeComplete:
			return

		case protocol.MsgError:
			c.logger.Warn("runner aborted stream",
				slog.String("request_id", id),
				slog.String("error", decodeError(env).Error()),
			)
			return

		default:
			c.logger.Debug("ignoring message type on stream",
				slog.String("request_id", id),
				slog.String("type", string(env.Type)),
			)
		}

		var err error
		env, err = c.await(ctx, id, ch)
		if err != nil {
			return
		}
	}
}

// roundTrip sends a request and waits for its single reply.
func (c *Client) roundTrip(ctx context.Context, msgType protocol.MessageType, payload any) (*protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	ch, err := c.send(ctx, env)
	if err != nil {
		return nil, err
	}
	defer c.unregister(env.ID)

	reply, err := c.await(ctx, env.ID, ch)
	if err != nil {
		return nil, err
	}
	if reply.Type == protocol.MsgError {
		return nil, decodeError(reply)
	}
	return reply, nil
}

// send registers a pending channel for the envelope's ID and writes it out.
func (c *Client) send(ctx context.Context, env *protocol.Envelope) (chan *protocol.Envelope, error) {
	conn, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Envelope, pendingBuffer)
	c.pendingMu.Lock()
	c.pending[env.ID] = ch
	c.pendingMu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		c.unregister(env.ID)
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.unregister(env.ID)
		return nil, fmt.Errorf("writing to runner: %w", err)
	}
	return ch, nil
}

// await blocks for the next envelope on the request's channel. A closed
// channel means the connection died under the request.
func (c *Client) await(ctx context.Context, id string, ch chan *protocol.Envelope) (*protocol.Envelope, error) {
	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("runner connection lost while waiting for %s", id)
		}
		return env, nil
	case <-timer.C:
		return nil, fmt.Errorf("runner did not answer within %s", c.cfg.RequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ensureConnected returns the live connection, dialing if needed.
func (c *Client) ensureConnected(ctx context.Context) (*websocket.Conn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	dialURL := c.cfg.RunnerURL
	if c.cfg.Token != "" {
		sep := "?"
		for _, ch := range dialURL {
			if ch == '?' {
				sep = "&"
				break
			}
		}
		dialURL += sep + "token=" + c.cfg.Token
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, dialURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing runner: %w", err)
	}
	c.conn = conn

	go c.readLoop(conn)

	c.logger.Info("connected to runner", slog.String("url", c.cfg.RunnerURL))
	return conn, nil
}

// readLoop dispatches incoming envelopes to their pending request channels.
// On connection failure it fails every pending request by closing its channel.
func (c *Client) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.dropConnection(conn, err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("invalid message from runner", slog.String("error", err.Error()))
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debug("unsolicited message from runner",
				slog.String("type", string(env.Type)),
				slog.String("id", env.ID),
			)
			continue
		}

		select {
		case ch <- &env:
		default:
			c.logger.Warn("pending channel full, dropping message",
				slog.String("type", string(env.Type)),
				slog.String("id", env.ID),
			)
		}
	}
}

func (c *Client) dropConnection(conn *websocket.Conn, cause error) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	conn.Close(websocket.StatusInternalError, "read failure")

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.logger.Warn("runner connection lost", slog.String("error", cause.Error()))
}

func (c *Client) unregister(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func decodeSingle(env *protocol.Envelope) (provider.Single, error) {
	var payload protocol.InvokeResultPayload
	if err := env.Decode(&payload); err != nil {
		return provider.Single{}, fmt.Errorf("decoding invoke.result: %w", err)
	}
	return provider.Single{Result: rawFromPayload(payload)}, nil
}

func decodeFragment(env *protocol.Envelope) (provider.Fragment, error) {
	var payload protocol.InvokeFragmentPayload
	if err := env.Decode(&payload); err != nil {
		return provider.Fragment{}, err
	}
	frag := provider.Fragment{Event: payload.Event}
	if payload.Result != nil {
		r := rawFromPayload(*payload.Result)
		frag.Result = &r
	}
	if payload.Chunk != nil {
		r := rawFromPayload(*payload.Chunk)
		frag.Chunk = &r
	}
	return frag, nil
}

// rawFromPayload keeps string content as a string and everything else as
// raw JSON for downstream serialization.
func rawFromPayload(p protocol.InvokeResultPayload) provider.RawResult {
	raw := provider.RawResult{IsError: p.IsError}
	if len(p.Content) == 0 {
		return raw
	}
	var s string
	if err := json.Unmarshal(p.Content, &s); err == nil {
		raw.Content = s
	} else {
		raw.Content = json.RawMessage(p.Content)
	}
	return raw
}

func decodeError(env *protocol.Envelope) error {
	var payload protocol.ErrorPayload
	if err := env.Decode(&payload); err != nil {
		return fmt.Errorf("runner error (undecodable payload)")
	}
	return fmt.Errorf("runner error %s: %s", payload.Code, payload.Message)
}

var _ provider.Provider = (*Client)(nil)

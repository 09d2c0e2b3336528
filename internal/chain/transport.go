package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrUnsupportedScheme = errors.New("chain: unsupported rpc url scheme")
	ErrIDMismatch        = errors.New("chain: response id mismatch")
)

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Transport carries one JSON-RPC call. result is decoded with UseNumber so
// loosely typed numeric fields survive as json.Number.
type Transport interface {
	Call(ctx context.Context, method string, params any, result any) error
	Close() error
}

// NewTransport picks HTTP or websocket from the url scheme.
func NewTransport(rawURL string, timeout time.Duration) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse rpc url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return NewHTTPTransport(rawURL, &http.Client{Timeout: timeout}), nil
	case "ws", "wss":
		return NewWSTransport(rawURL, timeout), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func decodeResult(resp rpcResponse, result any) error {
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(resp.Result))
	dec.UseNumber()
	if err := dec.Decode(result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

type httpTransport struct {
	url    string
	client *http.Client
	nextID atomic.Uint64
}

func NewHTTPTransport(url string, client *http.Client) Transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpTransport{url: url, client: client}
}

func (t *httpTransport) Call(ctx context.Context, method string, params any, result any) error {
	id := t.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%s: http %d: %s", method, res.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var resp rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if resp.ID != id {
		return fmt.Errorf("%s: %w", method, ErrIDMismatch)
	}
	if err := decodeResult(resp, result); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// wsTransport keeps one websocket open and serializes calls over it. A
// failed call drops the connection; the next call redials.
type wsTransport struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
}

func NewWSTransport(url string, timeout time.Duration) Transport {
	return &wsTransport{
		url:     url,
		timeout: timeout,
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
	}
}

func (t *wsTransport) Call(ctx context.Context, method string, params any, result any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
		if err != nil {
			return fmt.Errorf("dial %s: %w", t.url, err)
		}
		t.conn = conn
	}

	// zero deadline means none
	var deadline time.Time
	if t.timeout > 0 {
		deadline = time.Now().Add(t.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	_ = t.conn.SetReadDeadline(deadline)

	// cancellation closes the socket to unblock a pending read or write
	conn := t.conn
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	t.nextID++
	id := t.nextID
	if err := t.conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		t.dropLocked()
		return fmt.Errorf("%s: write: %w", method, ctxErrOr(ctx, err))
	}
	for {
		var resp rpcResponse
		if err := t.conn.ReadJSON(&resp); err != nil {
			t.dropLocked()
			return fmt.Errorf("%s: read: %w", method, ctxErrOr(ctx, err))
		}
		// stale replies from an earlier timed-out call
		if resp.ID < id {
			continue
		}
		if resp.ID != id {
			t.dropLocked()
			return fmt.Errorf("%s: %w", method, ErrIDMismatch)
		}
		if err := decodeResult(resp, result); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		return nil
	}
}

// ctxErrOr prefers the context error when the context ended the call.
func ctxErrOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (t *wsTransport) dropLocked() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

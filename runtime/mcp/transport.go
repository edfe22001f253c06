package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const rpcMethodInitializeName = "initialize"

type (
	// HTTPOptions configures an HTTP or SSE remote-tool connection.
	HTTPOptions struct {
		// Endpoint is the MCP server's JSON-RPC URL.
		Endpoint string
		// Headers carries static headers sent with every request (credentials,
		// tenant/project scoping, etc).
		Headers http.Header
		// HTTPClient overrides the transport's http.Client. A 30s-timeout
		// client is used when nil.
		HTTPClient *http.Client
	}

	// httpTransport is the shared plain-HTTP plumbing used by HTTPCaller and
	// SSECaller: request id allocation and the initialize handshake every MCP
	// session requires before tools/call is valid.
	httpTransport struct {
		endpoint string
		client   *http.Client
		headers  http.Header
		id       uint64
	}

	rpcRequest struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		ID      uint64 `json:"id"`
		Params  any    `json:"params,omitempty"`
	}

	rpcResponse struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *rpcError       `json:"error"`
		ID      uint64          `json:"id"`
	}

	rpcError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	// toolsCallResult is the MCP tools/call result shape: a list of content
	// blocks plus an error flag.
	toolsCallResult struct {
		Content []contentItem `json:"content"`
		IsError bool          `json:"isError"`
	}

	contentItem struct {
		Type     string  `json:"type"`
		Text     *string `json:"text,omitempty"`
		MimeType string  `json:"mimeType,omitempty"`
	}
)

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// callerError converts the rpcError into the public mcp.Error type.
func (e *rpcError) callerError() *Error {
	if e == nil {
		return nil
	}
	return &Error{Code: e.Code, Message: e.Message}
}

func newHTTPTransport(ctx context.Context, opts HTTPOptions) (*httpTransport, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("mcp: endpoint is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	t := &httpTransport{
		endpoint: opts.Endpoint,
		client:   client,
		headers:  opts.Headers,
	}
	if _, err := t.call(ctx, rpcMethodInitializeName, map[string]any{}); err != nil {
		return nil, fmt.Errorf("mcp: initialize handshake failed: %w", err)
	}
	return t, nil
}

func (t *httpTransport) nextID() uint64 {
	return atomic.AddUint64(&t.id, 1)
}

// call issues a plain (non-streaming) JSON-RPC request and returns the raw
// result payload.
func (t *httpTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: t.nextID(), Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	injectTraceHeaders(ctx, httpReq.Header)
	for k, vs := range t.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	resp, err := t.client.Do(httpReq) //nolint:gosec // endpoint is operator-supplied connection config, not user input
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mcp rpc status %d: %s", resp.StatusCode, string(raw))
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error.callerError()
	}
	return rpcResp.Result, nil
}

// decodeToolCallResult normalizes an MCP tools/call result into a
// CallResponse, surfacing the first text content block as Result and any
// non-text block as Structured. Text that is not valid JSON is encoded as a
// JSON string.
func decodeToolCallResult(raw json.RawMessage) (CallResponse, error) {
	var result toolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallResponse{}, err
	}
	resp := CallResponse{}
	for _, item := range result.Content {
		if item.Type == "text" && item.Text != nil {
			if resp.Result == nil {
				if json.Valid([]byte(*item.Text)) {
					resp.Result = json.RawMessage(*item.Text)
				} else if quoted, err := json.Marshal(*item.Text); err == nil {
					resp.Result = quoted
				}
			}
			continue
		}
		if resp.Structured == nil {
			if blob, err := json.Marshal(item); err == nil {
				resp.Structured = blob
			}
		}
	}
	if result.IsError {
		msg := "mcp tool call failed"
		if len(result.Content) > 0 && result.Content[0].Text != nil {
			msg = *result.Content[0].Text
		}
		return CallResponse{}, &Error{Code: JSONRPCInternalError, Message: msg}
	}
	return resp, nil
}

// HTTPCaller implements Caller with plain (non-streaming) JSON-RPC over HTTP.
type HTTPCaller struct{ transport *httpTransport }

// NewHTTPCaller creates an HTTP-based Caller and performs the MCP initialize
// handshake against the endpoint.
func NewHTTPCaller(ctx context.Context, opts HTTPOptions) (*HTTPCaller, error) {
	transport, err := newHTTPTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &HTTPCaller{transport: transport}, nil
}

// CallTool invokes tools/call over plain JSON-RPC HTTP.
func (c *HTTPCaller) CallTool(ctx context.Context, req CallRequest) (CallResponse, error) {
	params := map[string]any{
		"name":      req.Tool,
		"arguments": req.Payload,
	}
	addTraceMeta(ctx, params)
	raw, err := c.transport.call(ctx, "tools/call", params)
	if err != nil {
		return CallResponse{}, err
	}
	return decodeToolCallResult(raw)
}

// StdioOptions configures a subprocess-backed MCP connection speaking
// Content-Length framed JSON-RPC over stdin/stdout, the transport MCP servers
// distributed as local binaries use.
type StdioOptions struct {
	// Command is the executable to launch.
	Command string
	// Args are passed to Command.
	Args []string
	// Env overrides the subprocess environment (os.Environ() semantics: each
	// entry is "KEY=VALUE"). Nil inherits the parent process environment.
	Env []string
	// InitTimeout bounds the initialize handshake. Defaults to 10s.
	InitTimeout time.Duration
}

// StdioCaller implements Caller against a subprocess MCP server using
// Content-Length framed JSON-RPC, the same framing LSP servers use.
type StdioCaller struct {
	cmd    *exec.Cmd
	writer *bufio.Writer
	reader *bufio.Reader
	id     uint64
}

// NewStdioCaller launches the subprocess and performs the initialize
// handshake before returning.
func NewStdioCaller(ctx context.Context, opts StdioOptions) (*StdioCaller, error) {
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	c := &StdioCaller{
		cmd:    cmd,
		writer: bufio.NewWriter(stdin),
		reader: bufio.NewReader(stdout),
	}
	timeout := opts.InitTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := c.call(initCtx, rpcMethodInitializeName, map[string]any{}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp: initialize handshake failed: %w", err)
	}
	return c, nil
}

func (c *StdioCaller) nextID() uint64 {
	return atomic.AddUint64(&c.id, 1)
}

func (c *StdioCaller) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: c.nextID(), Params: params}
	if err := writeRPCFrame(c.writer, req); err != nil {
		return nil, err
	}
	type result struct {
		raw json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		frame, err := readFrame(c.reader)
		if err != nil {
			done <- result{err: err}
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			done <- result{err: err}
			return
		}
		if resp.Error != nil {
			done <- result{err: resp.Error.callerError()}
			return
		}
		done <- result{raw: resp.Result}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.raw, r.err
	}
}

// CallTool invokes tools/call over the stdio JSON-RPC connection.
func (c *StdioCaller) CallTool(ctx context.Context, req CallRequest) (CallResponse, error) {
	params := map[string]any{
		"name":      req.Tool,
		"arguments": req.Payload,
	}
	addTraceMeta(ctx, params)
	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return CallResponse{}, err
	}
	return decodeToolCallResult(raw)
}

// Close terminates the subprocess.
func (c *StdioCaller) Close() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	_ = c.cmd.Process.Kill()
	return c.cmd.Wait()
}

// writeRPCFrame encodes v as JSON and writes it with an LSP-style
// Content-Length header.
func writeRPCFrame(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}

// readFrame reads one Content-Length framed JSON payload.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var length int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if after, ok := strings.CutPrefix(line, "Content-Length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil {
				return nil, fmt.Errorf("mcp: invalid Content-Length: %w", err)
			}
			length = n
		}
	}
	if length <= 0 {
		return nil, fmt.Errorf("mcp: missing Content-Length header")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

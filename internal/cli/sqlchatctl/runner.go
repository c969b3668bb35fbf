// Package sqlchatctl implements the command line client for the chat
// server: service probes over plain HTTP plus one-shot and interactive
// conversations over the websocket.
package sqlchatctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jedib0t/go-pretty/v6/table"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

// frame is the client-side view of every outbound frame shape.
type frame struct {
	Status    string   `json:"status"`
	Kind      string   `json:"kind"`
	Message   string   `json:"message"`
	Final     bool     `json:"final"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Affected  int64    `json:"affected"`
	Operation string   `json:"operation"`
	ErrorCode string   `json:"error_code"`
}

type invocation struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	dialer  *websocket.Dialer
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	stdin := defaults.Stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}

	fs := flag.NewFlagSet("sqlchatctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "chat server base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 60*time.Second), "request and frame-read timeout (e.g. 30s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	inv := invocation{
		baseURL: *baseURL,
		apiKey:  *apiKey,
		timeout: *timeout,
		client:  defaults.HTTPClient,
		dialer:  defaults.Dialer,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}

	command := strings.TrimSpace(fs.Arg(0))
	switch command {
	case "health":
		return inv.get(ctx, "/v1/health")
	case "ready":
		return inv.get(ctx, "/v1/ready")
	case "ask":
		utterance := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
		if utterance == "" {
			_, _ = fmt.Fprintln(stderr, "ask requires a question")
			writeUsage(stderr)
			return 2
		}
		return inv.ask(ctx, utterance)
	case "chat":
		return inv.chat(ctx)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

func (inv invocation) get(ctx context.Context, path string) int {
	client := inv.client
	if client == nil {
		client = &http.Client{Timeout: inv.timeout}
	}

	endpoint := strings.TrimRight(inv.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		_, _ = fmt.Fprintf(inv.stderr, "request failed: %v\n", err)
		return 1
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(inv.apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(inv.apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		_, _ = fmt.Fprintf(inv.stderr, "request failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		_, _ = fmt.Fprintf(inv.stderr, "request failed: %v\n", err)
		return 1
	}
	if resp.StatusCode >= 400 {
		_, _ = fmt.Fprintf(inv.stderr, "http %d: %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		return 1
	}

	if pretty, ok := prettyJSON(body); ok {
		_, _ = fmt.Fprintln(inv.stdout, pretty)
		return 0
	}
	if len(body) > 0 {
		_, _ = fmt.Fprintln(inv.stdout, string(body))
	}
	return 0
}

func (inv invocation) ask(ctx context.Context, utterance string) int {
	conn, err := inv.dial(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(inv.stderr, "dial failed: %v\n", err)
		return 1
	}
	defer closeConn(conn)

	// The server greets before the first turn; a one-shot invocation
	// swallows the greeting.
	if _, err := readFrame(conn, inv.timeout); err != nil {
		_, _ = fmt.Fprintf(inv.stderr, "read welcome: %v\n", err)
		return 1
	}

	if err := conn.WriteJSON(map[string]string{"user_input": utterance}); err != nil {
		_, _ = fmt.Fprintf(inv.stderr, "send failed: %v\n", err)
		return 1
	}
	code, err := inv.streamTurn(conn)
	if err != nil {
		_, _ = fmt.Fprintf(inv.stderr, "connection failed: %v\n", err)
	}
	return code
}

func (inv invocation) chat(ctx context.Context) int {
	conn, err := inv.dial(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(inv.stderr, "dial failed: %v\n", err)
		return 1
	}
	defer closeConn(conn)

	welcome, err := readFrame(conn, inv.timeout)
	if err != nil {
		_, _ = fmt.Fprintf(inv.stderr, "read welcome: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(inv.stdout, welcome.Message)

	scanner := bufio.NewScanner(inv.stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		_, _ = fmt.Fprint(inv.stdout, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		if err := conn.WriteJSON(map[string]string{"user_input": line}); err != nil {
			_, _ = fmt.Fprintf(inv.stderr, "send failed: %v\n", err)
			return 1
		}
		if _, err := inv.streamTurn(conn); err != nil {
			_, _ = fmt.Fprintf(inv.stderr, "connection failed: %v\n", err)
			return 1
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = fmt.Fprintf(inv.stderr, "read input: %v\n", err)
		return 1
	}
	return 0
}

// streamTurn prints frames until the turn's final frame. The returned
// error reports a broken connection, not a failed turn.
func (inv invocation) streamTurn(conn *websocket.Conn) (int, error) {
	for {
		f, err := readFrame(conn, inv.timeout)
		if err != nil {
			return 1, err
		}
		inv.renderFrame(f)
		if f.Final {
			if f.Status == "error" {
				return 1, nil
			}
			return 0, nil
		}
	}
}

func (inv invocation) renderFrame(f frame) {
	switch f.Kind {
	case "rows":
		_, _ = fmt.Fprintln(inv.stdout, f.Message)
		renderTable(inv.stdout, f)
	case "error":
		_, _ = fmt.Fprintf(inv.stderr, "%s [%s]\n", f.Message, f.ErrorCode)
	default:
		_, _ = fmt.Fprintln(inv.stdout, f.Message)
	}
}

func renderTable(w io.Writer, f frame) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	header := make(table.Row, 0, len(f.Columns))
	for _, column := range f.Columns {
		header = append(header, column)
	}
	tw.AppendHeader(header)
	for _, row := range f.Rows {
		cells := make(table.Row, 0, len(row))
		for _, cell := range row {
			cells = append(cells, renderCell(cell))
		}
		tw.AppendRow(cells)
	}
	tw.Render()
}

func renderCell(value any) any {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case json.Number:
		return typed.String()
	default:
		return value
	}
}

func (inv invocation) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := chatEndpoint(inv.baseURL)
	if err != nil {
		return nil, err
	}

	dialer := inv.dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: inv.timeout}
	}
	header := http.Header{}
	if strings.TrimSpace(inv.apiKey) != "" {
		header.Set("X-API-Key", strings.TrimSpace(inv.apiKey))
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// chatEndpoint turns the HTTP base URL into the websocket endpoint.
func chatEndpoint(baseURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/chat"
	return parsed.String(), nil
}

// readFrame decodes one frame with json.Number cells so integer values
// keep their digits.
func readFrame(conn *websocket.Conn, timeout time.Duration) (frame, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return frame{}, err
	}

	var f frame
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func closeConn(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: sqlchatctl [flags] <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health          GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready           GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  ask <question>  send one question and print the reply")
	_, _ = fmt.Fprintln(w, "  chat            interactive chat session (exit/quit to leave)")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

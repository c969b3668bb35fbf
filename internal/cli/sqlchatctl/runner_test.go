package sqlchatctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRunHealthCommand(t *testing.T) {
	var gotMethod, gotPath, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"sqlchat-server"}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"-api-key", "k1",
		"health",
	}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotMethod != http.MethodGet || gotPath != "/v1/health" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotAPIKey != "k1" {
		t.Fatalf("api key header = %q", gotAPIKey)
	}
	if !strings.Contains(stdout.String(), "sqlchat-server") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunReadyCommandReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error_code":"NOT_READY"}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "ready"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stderr.String(), "NOT_READY") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

// chatScript upgrades the request, greets, then answers each inbound
// message with the next scripted frame.
func chatScript(t *testing.T, replies []map[string]any, sawUtterances *[]string) http.Handler {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()

		welcome := map[string]any{"status": "ok", "kind": "text", "message": "连接成功！", "final": true}
		if err := conn.WriteJSON(welcome); err != nil {
			return
		}
		for _, reply := range replies {
			var inbound map[string]string
			if err := conn.ReadJSON(&inbound); err != nil {
				return
			}
			*sawUtterances = append(*sawUtterances, inbound["user_input"])
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
		// Drain until the client closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
}

func TestRunAskRendersRows(t *testing.T) {
	var utterances []string
	rows := map[string]any{
		"status": "ok", "kind": "rows", "message": "查询成功，共 2 行。",
		"columns":   []string{"姓名", "工资"},
		"rows":      [][]any{{"张三", 5500}, {"李四", json.Number("4800.5")}},
		"row_count": 2, "final": true,
	}
	srv := httptest.NewServer(chatScript(t, []map[string]any{rows}, &utterances))
	defer srv.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"ask", "查询所有用户的工资",
	}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if len(utterances) != 1 || utterances[0] != "查询所有用户的工资" {
		t.Fatalf("utterances = %v", utterances)
	}
	out := stdout.String()
	for _, want := range []string{"查询成功，共 2 行。", "姓名", "张三", "5500", "4800.5"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout missing %q:\n%s", want, out)
		}
	}
}

func TestRunAskPrintsProgressThenResult(t *testing.T) {
	var utterances []string
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()
		_ = conn.WriteJSON(map[string]any{"status": "ok", "kind": "text", "message": "连接成功！", "final": true})

		var inbound map[string]string
		if err := conn.ReadJSON(&inbound); err != nil {
			return
		}
		utterances = append(utterances, inbound["user_input"])
		_ = conn.WriteJSON(map[string]any{"status": "ok", "kind": "text", "message": "正在生成SQL...", "final": false})
		_ = conn.WriteJSON(map[string]any{"status": "ok", "kind": "affected", "message": "更新成功，影响 3 行。", "affected": 3, "operation": "update", "final": true})
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "ask", "涨工资"}, Options{
		Stdout:  &stdout,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	out := stdout.String()
	progressAt := strings.Index(out, "正在生成SQL...")
	resultAt := strings.Index(out, "更新成功，影响 3 行。")
	if progressAt < 0 || resultAt < 0 || progressAt > resultAt {
		t.Fatalf("stdout order wrong:\n%s", out)
	}
}

func TestRunAskErrorFrameExitsNonZero(t *testing.T) {
	var utterances []string
	errorFrame := map[string]any{
		"status": "error", "kind": "error",
		"error_code": "synthesis_rejected",
		"message":    "生成的SQL未通过校验：表 products 不存在。",
		"final":      true,
	}
	srv := httptest.NewServer(chatScript(t, []map[string]any{errorFrame}, &utterances))
	defer srv.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "ask", "查产品"}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stderr.String(), "synthesis_rejected") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRunChatSessionStreamsTurns(t *testing.T) {
	var utterances []string
	first := map[string]any{"status": "ok", "kind": "text", "message": "好的，第一轮。", "final": true}
	second := map[string]any{"status": "ok", "kind": "text", "message": "好的，第二轮。", "final": true}
	srv := httptest.NewServer(chatScript(t, []map[string]any{first, second}, &utterances))
	defer srv.Close()

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "chat"}, Options{
		Stdin:   strings.NewReader("查询用户\n\n修改工资\nexit\n"),
		Stdout:  &stdout,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if len(utterances) != 2 || utterances[0] != "查询用户" || utterances[1] != "修改工资" {
		t.Fatalf("utterances = %v", utterances)
	}
	out := stdout.String()
	if !strings.Contains(out, "连接成功！") {
		t.Fatalf("welcome missing:\n%s", out)
	}
	if !strings.Contains(out, "好的，第一轮。") || !strings.Contains(out, "好的，第二轮。") {
		t.Fatalf("turn output missing:\n%s", out)
	}
}

func TestRunAskRequiresUtterance(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"ask"}, Options{Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected usage output")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"unknown"}, Options{Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected usage output")
	}
}

func TestChatEndpoint(t *testing.T) {
	cases := []struct {
		name    string
		baseURL string
		want    string
		wantErr bool
	}{
		{name: "http", baseURL: "http://localhost:8080", want: "ws://localhost:8080/v1/chat"},
		{name: "https", baseURL: "https://chat.example.com", want: "wss://chat.example.com/v1/chat"},
		{name: "trailing slash", baseURL: "http://localhost:8080/", want: "ws://localhost:8080/v1/chat"},
		{name: "ws passthrough", baseURL: "ws://localhost:8080", want: "ws://localhost:8080/v1/chat"},
		{name: "prefix path", baseURL: "http://localhost:8080/sqlchat", want: "ws://localhost:8080/sqlchat/v1/chat"},
		{name: "bad scheme", baseURL: "ftp://localhost", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := chatEndpoint(tc.baseURL)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("chatEndpoint() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("endpoint = %q, want %q", got, tc.want)
			}
		})
	}
}

package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	bk "github.com/okrause/bridgekeeper"
)

// fakeAPI captures Bot API requests and plays back canned responses.
type fakeAPI struct {
	status int
	body   string

	lastMethod string
	lastReq    sendMessageReq
}

func (f *fakeAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		f.lastMethod = parts[len(parts)-1]
		json.NewDecoder(r.Body).Decode(&f.lastReq)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		w.Write([]byte(f.body))
	})
}

func newFakeBot(t *testing.T, f *fakeAPI) *Bot {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return New("test-token", srv.URL)
}

// --- Send tests ---

func TestSendTextPostsSendMessage(t *testing.T) {
	f := &fakeAPI{status: 200, body: `{"ok":true,"result":{}}`}
	b := newFakeBot(t, f)

	if err := b.SendText(context.Background(), "chat-1", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if f.lastMethod != "sendMessage" {
		t.Errorf("method = %s", f.lastMethod)
	}
	if f.lastReq.ChatID != "chat-1" || f.lastReq.Text != "hello" {
		t.Errorf("req = %+v", f.lastReq)
	}
}

func TestSendEventRendersHTMLAndKeyboard(t *testing.T) {
	f := &fakeAPI{status: 200, body: `{"ok":true,"result":{}}`}
	b := newFakeBot(t, f)

	ev := bk.Event{
		Type:   bk.EventApprovalRequest,
		TaskID: "deploy-7",
		Title:  "Deploy <prod>?",
		Data:   bk.EventData{Options: []string{"Approve", "Deny", "Details"}},
	}
	if err := b.SendEvent(context.Background(), "chat-1", ev); err != nil {
		t.Fatalf("send: %v", err)
	}
	if f.lastReq.ParseMode != "HTML" {
		t.Errorf("parse mode = %s", f.lastReq.ParseMode)
	}
	if !strings.Contains(f.lastReq.Text, "Deploy &lt;prod&gt;?") {
		t.Errorf("title not escaped: %s", f.lastReq.Text)
	}
	kb := f.lastReq.ReplyMarkup
	if kb == nil || len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 3 {
		t.Fatalf("keyboard = %+v", kb)
	}
	want := []string{"approve_deploy-7", "deny_deploy-7", "details_deploy-7"}
	for i, btn := range kb.InlineKeyboard[0] {
		if btn.CallbackData != want[i] {
			t.Errorf("button %d = %q, want %q", i, btn.CallbackData, want[i])
		}
	}
}

func TestSendEventNoOptionsNoKeyboard(t *testing.T) {
	f := &fakeAPI{status: 200, body: `{"ok":true,"result":{}}`}
	b := newFakeBot(t, f)
	b.SendEvent(context.Background(), "c", bk.Event{Type: bk.EventTaskCompleted, Title: "done"})
	if f.lastReq.ReplyMarkup != nil {
		t.Error("keyboard attached without options")
	}
}

// --- Error mapping tests ---

func TestRateLimitMapsToTransientWithRetryAfter(t *testing.T) {
	f := &fakeAPI{
		status: 429,
		body:   `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":17}}`,
	}
	b := newFakeBot(t, f)
	err := b.SendText(context.Background(), "c", "x")

	var typed *bk.Error
	if !errors.As(err, &typed) {
		t.Fatalf("err = %v", err)
	}
	if typed.Code != bk.CodeRateLimited || !typed.Retryable {
		t.Errorf("error = %+v", typed)
	}
	if typed.RetryAfter != 17*time.Second {
		t.Errorf("retry after = %v", typed.RetryAfter)
	}
}

func TestServerErrorIsTransientRemote(t *testing.T) {
	f := &fakeAPI{status: 502, body: `{"ok":false,"error_code":502,"description":"Bad Gateway"}`}
	b := newFakeBot(t, f)
	err := b.SendText(context.Background(), "c", "x")

	var typed *bk.Error
	if !errors.As(err, &typed) || typed.Code != bk.CodeRemote || !typed.Retryable {
		t.Errorf("err = %v", err)
	}
}

func TestAuthErrorIsPermanent(t *testing.T) {
	f := &fakeAPI{status: 401, body: `{"ok":false,"error_code":401,"description":"Unauthorized"}`}
	b := newFakeBot(t, f)
	err := b.SendText(context.Background(), "c", "x")

	var typed *bk.Error
	if !errors.As(err, &typed) || typed.Code != bk.CodeAuthFailed {
		t.Fatalf("err = %v", err)
	}
	if typed.Retryable {
		t.Error("auth failure marked retryable")
	}
	if typed.Severity != bk.SeverityHigh {
		t.Errorf("severity = %s", typed.Severity)
	}
}

func TestConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections
	b := New("t", srv.URL)

	err := b.SendText(context.Background(), "c", "x")
	var typed *bk.Error
	if !errors.As(err, &typed) || typed.Code != bk.CodeConnection || !typed.Retryable {
		t.Errorf("err = %v", err)
	}
}

func TestCancellationSurfacesContextError(t *testing.T) {
	f := &fakeAPI{status: 200, body: `{"ok":true}`}
	b := newFakeBot(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.SendText(ctx, "c", "x")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// --- Option mapping tests ---

func TestActionFor(t *testing.T) {
	cases := map[string]string{
		"Approve": "approve", "YES": "approve", "ok": "approve",
		"Deny": "deny", "no": "deny", "Cancel": "deny",
		"Details": "details", "more": "details",
		"Snooze": "acknowledge",
	}
	for opt, want := range cases {
		if got := actionFor(opt); got != want {
			t.Errorf("actionFor(%q) = %q, want %q", opt, got, want)
		}
	}
}

// --- Rendering tests ---

func TestRenderEventSections(t *testing.T) {
	ev := bk.Event{
		Type:        bk.EventPerformanceAlert,
		Title:       "CPU high",
		Description: "builder box is saturated",
		Data: bk.EventData{
			Current:        93.5,
			Threshold:      80,
			AffectedFiles:  []string{"cmd/main.go"},
			TimeoutMinutes: 15,
		},
	}
	out := renderEvent(ev)
	for _, want := range []string{"<b>CPU high</b>", "builder box is saturated", "93.5", "80.0", "cmd/main.go", "15 min"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderEventFallsBackToTypeName(t *testing.T) {
	out := renderEvent(bk.Event{Type: bk.EventBuildFailed})
	if !strings.Contains(out, "build failed") {
		t.Errorf("no title fallback:\n%s", out)
	}
}

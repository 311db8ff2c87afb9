package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"splash-trader/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(config.TelegramConfig{
		BotToken:    "TOKEN",
		BaseURL:     srv.URL,
		PollTimeout: time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return c
}

func TestSendMessage_FormattedUsesHTML(t *testing.T) {
	var got map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/botTOKEN/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"chat":{"id":42}}}`))
	})

	if err := c.SendMessage(context.Background(), 42, "<b>hi</b>", true); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if got["parse_mode"] != "HTML" || got["text"] != "<b>hi</b>" || got["chat_id"] != float64(42) {
		t.Fatalf("unexpected payload: %v", got)
	}

	if err := c.SendMessage(context.Background(), 42, "plain", false); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if _, ok := got["parse_mode"]; ok {
		t.Fatalf("plain message must not set parse_mode: %v", got)
	}
}

func TestSendMessage_BusinessErrorNotRetried(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	})
	c.sendRetries = 2

	err := c.SendMessage(context.Background(), 1, "x", false)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 403 {
		t.Fatalf("expected APIError 403, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call for 4xx, got %d", calls)
	}
}

func TestPoll_DispatchesByType(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			_, _ = w.Write([]byte(`{"ok":true,"result":[
				{"update_id":10,"channel_post":{"message_id":5,"date":1700000000,"chat":{"id":-100,"type":"channel","username":"splash"},"text":"LA\nResult 14.11.2025 11:00 UTC"}},
				{"update_id":11,"message":{"message_id":6,"date":1700000001,"chat":{"id":7,"type":"private"},"from":{"id":7},"text":"/status"}}
			]}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	posts := make(chan Message, 1)
	messages := make(chan Message, 1)
	done := make(chan struct{})
	go func() {
		c.Poll(ctx, Handlers{
			OnChannelPost: func(ctx context.Context, m Message) { posts <- m },
			OnMessage:     func(ctx context.Context, m Message) { messages <- m },
		})
		close(done)
	}()

	select {
	case p := <-posts:
		if !MatchChannel(p.Chat, "@splash") || !strings.HasPrefix(p.Content(), "LA") {
			t.Errorf("unexpected channel post: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel post not dispatched")
	}
	select {
	case m := <-messages:
		if m.Text != "/status" || m.Chat.ID != 7 {
			t.Errorf("unexpected message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("private message not dispatched")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Poll did not stop after cancel")
	}
}

func TestPoll_SlowCommandDoesNotDelayChannelPost(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			_, _ = w.Write([]byte(`{"ok":true,"result":[
				{"update_id":20,"message":{"message_id":1,"date":1700000000,"chat":{"id":7,"type":"private"},"from":{"id":7},"text":"/balance"}}
			]}`))
		case 2:
			_, _ = w.Write([]byte(`{"ok":true,"result":[
				{"update_id":21,"channel_post":{"message_id":2,"date":1700000001,"chat":{"id":-100,"type":"channel","username":"splash"},"text":"LA\nResult 14.11.2025 11:00 UTC"}}
			]}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	release := make(chan struct{})
	posts := make(chan Message, 1)
	done := make(chan struct{})
	go func() {
		c.Poll(ctx, Handlers{
			OnChannelPost: func(ctx context.Context, m Message) { posts <- m },
			OnMessage: func(ctx context.Context, m Message) {
				close(started)
				<-release
			},
		})
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("private message not dispatched")
	}
	select {
	case p := <-posts:
		if p.MessageID != 2 {
			t.Errorf("unexpected channel post: %+v", p)
		}
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatalf("channel post waited for the private command handler")
	}

	close(release)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Poll did not stop after cancel")
	}
}

func TestMatchChannel(t *testing.T) {
	chat := Chat{ID: -1001, Username: "Splash"}
	if !MatchChannel(chat, "@splash") || !MatchChannel(chat, "-1001") {
		t.Fatalf("expected channel to match")
	}
	if MatchChannel(chat, "@other") || MatchChannel(chat, "") {
		t.Fatalf("unexpected match")
	}
}

package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	note := Notification{
		Bucket:    time.Now(),
		Kind:      KindPriceMove,
		PriceUSD:  decimal.NewFromInt(2100),
		PrevUSD:   decimal.NewFromInt(2000),
		ChangePct: decimal.NewFromInt(5),
		Threshold: decimal.NewFromInt(3),
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}
	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "2100.00") {
		t.Fatalf("text 应包含价格: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), Notification{Bucket: time.Now(), Kind: KindOracleUnhealthy}); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, Notification) error { return errors.New("down") }

func TestMultiJoinsErrors(t *testing.T) {
	m := Multi{NewLogNotifier(zerolog.Nop()), failingNotifier{}}
	if err := m.Notify(context.Background(), Notification{Kind: KindOracleUnhealthy}); err == nil {
		t.Fatal("expected joined error")
	}
}

package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dado-hash/fundings-screener/internal/market"
	"github.com/Dado-hash/fundings-screener/internal/opportunity"
	"github.com/Dado-hash/fundings-screener/internal/storage"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestNotifier(url string) *TelegramNotifier {
	return NewTelegramNotifier(TelegramOptions{
		BotToken:    "token",
		APIBase:     url,
		Timeout:     time.Second,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	}, testLogger())
}

func TestTelegramNotifierSuccess(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	if err := newTestNotifier(srv.URL).Send(context.Background(), 4242, "hello"); err != nil {
		t.Fatalf("Telegram Send 应成功: %v", err)
	}
	if received["chat_id"] != float64(4242) {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received["text"] != "hello" || received["parse_mode"] != "Markdown" {
		t.Fatalf("payload 不正确: %#v", received)
	}
}

func TestTelegramNotifierOKFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "weird"})
	}))
	defer srv.Close()

	if err := newTestNotifier(srv.URL).Send(context.Background(), 1, "x"); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	if err := newTestNotifier(srv.URL).Send(context.Background(), 1, "x"); err != nil {
		t.Fatalf("第三次应成功: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestTelegramNotifierGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := newTestNotifier(srv.URL).Send(context.Background(), 1, "x"); err == nil {
		t.Fatal("持续 500 应报错")
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestTelegramNotifierChatUnreachable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		desc   string
	}{
		{name: "blocked", status: http.StatusForbidden, desc: "Forbidden: bot was blocked by the user"},
		{name: "chat not found", status: http.StatusBadRequest, desc: "Bad Request: chat not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": tt.status, "description": tt.desc})
			}))
			defer srv.Close()

			err := newTestNotifier(srv.URL).Send(context.Background(), 1, "x")
			if !errors.Is(err, ErrChatUnreachable) {
				t.Fatalf("expected ErrChatUnreachable, got %v", err)
			}
			if calls.Load() != 1 {
				t.Fatalf("unreachable chats must not be retried, got %d calls", calls.Load())
			}
		})
	}
}

func TestRenderOpportunities(t *testing.T) {
	alert := storage.AlertConfig{Name: "my_alert", Interval: storage.Hours(5)}
	ops := []opportunity.Opportunity{
		{
			Market: market.Market{Symbol: "BTC"},
			Spread: opportunity.SpreadResult{HighSource: market.DYDX, LowSource: market.Hyperliquid, HighRate: 87.6, LowRate: -8.76, Spread: 96.36},
			Type:   opportunity.Arbitrage,
		},
		{
			Market: market.Market{Symbol: "ETH"},
			Spread: opportunity.SpreadResult{HighSource: market.Paradex, LowSource: market.Extended, HighRate: 40, LowRate: 20, Spread: 20},
			Type:   opportunity.LowSpread,
		},
	}
	now := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	msg := RenderOpportunities(alert, ops, now)

	for _, want := range []string{
		"🚨 *my\\_alert* 🚨",
		"Found 2 opportunities",
		"1️⃣ *BTC-USD*",
		"💰 Spread: *96.4 bps*",
		"📈 dYdX: +87.6 bps",
		"📉 Hyperliquid: -8.8 bps",
		"🎯 Best Arbitrage",
		"2️⃣ *ETH-USD*",
		"📊 Opportunity",
		"⏰ Updated: 09:30 UTC",
		"🔄 Next check in 5 hours",
		"/alerts",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}

	if got := RenderOpportunities(alert, nil, now); got != noOpportunitiesMessage {
		t.Fatalf("empty rendering wrong: %q", got)
	}
	single := RenderOpportunities(storage.AlertConfig{Interval: storage.Minutes(1)}, ops[:1], now)
	if !strings.Contains(single, "Found 1 opportunity:") || !strings.Contains(single, "*Alert*") || !strings.Contains(single, "1 minute") {
		t.Fatalf("singular rendering wrong:\n%s", single)
	}
}

func TestRenderEscapesMarkdownInTickers(t *testing.T) {
	ops := []opportunity.Opportunity{{
		Market: market.Market{Symbol: "MY_TOKEN*2"},
		Spread: opportunity.SpreadResult{HighSource: market.Exchange("venue_a"), LowSource: market.DYDX, HighRate: 10, LowRate: 1, Spread: 9},
		Type:   opportunity.LowSpread,
	}}
	msg := RenderOpportunities(storage.AlertConfig{Name: "x"}, ops, time.Now())
	for _, want := range []string{"*MY\\_TOKEN\\*2-USD*", "📈 venue\\_a: +10.0 bps"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "MY_TOKEN") {
		t.Fatalf("raw underscore leaked into markdown:\n%s", msg)
	}
}

func TestRenderTest(t *testing.T) {
	now := time.Now()
	if RenderTest(storage.AlertConfig{}, nil, now, false) != testUnavailableMessage {
		t.Fatal("unavailable snapshot should render the failure notice")
	}
	if RenderTest(storage.AlertConfig{}, nil, now, true) != testNoDataMessage {
		t.Fatal("no opportunities should render the working notice")
	}
	ops := []opportunity.Opportunity{{Market: market.Market{Symbol: "SOL"}, Type: opportunity.HighSpread}}
	if msg := RenderTest(storage.AlertConfig{Name: "Test Alert"}, ops, now, true); !strings.HasPrefix(msg, testHeader) || !strings.Contains(msg, "SOL-USD") {
		t.Fatalf("test rendering wrong:\n%s", msg)
	}
}

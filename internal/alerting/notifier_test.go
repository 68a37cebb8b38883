package alerting

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

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trm-dispatch-stats/internal/trm"
)

var testLoc = time.FixedZone("COT", -5*3600)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]any)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{
		Kind:   KindRateDegraded,
		Date:   time.Date(2024, 3, 5, 0, 0, 0, 0, testLoc),
		Rate:   decimal.NewFromInt(4000),
		Source: trm.SourceDefault,
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text, _ := received["text"].(string)
	if !strings.Contains(text, "2024-03-05") || !strings.Contains(text, "4000.00 COP/USD (default)") {
		t.Fatalf("text 内容不正确: %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{Kind: KindRecomputeFailed, Date: time.Now(), Err: "boom"}

	if err := notifier.Notify(context.Background(), note); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierStatusDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	err := notifier.Notify(context.Background(), Notification{Kind: KindRateDegraded, Date: time.Now()})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("错误信息应包含 description, 实际 %v", err)
	}
}

func TestRenderRecomputeFailed(t *testing.T) {
	msg := renderMessage(Notification{Kind: KindRecomputeFailed, Date: time.Date(2024, 3, 5, 0, 0, 0, 0, testLoc), Err: "statistics: aggregation failed"})
	if !strings.HasPrefix(msg, "[TRM Stats] Recompute failed") {
		t.Fatalf("标题不正确: %q", msg)
	}
	if strings.Contains(msg, "Rate:") {
		t.Fatalf("重算失败消息不应包含汇率: %q", msg)
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
	err   error
}

func (r *recordingNotifier) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return r.err
}

func TestDegradedRateObserverOncePerDate(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("unreachable")}
	obs := NewDegradedRateObserver(rec, time.Second, testLoc, testLogger())
	d1 := time.Date(2024, 3, 5, 0, 0, 0, 0, testLoc)
	d2 := d1.AddDate(0, 0, 1)

	obs.RateResolved(trm.Quote{Date: d1, Value: decimal.NewFromInt(4100), Source: trm.SourcePrimary})
	obs.RateResolved(trm.Quote{Date: d1, Value: decimal.NewFromInt(4000), Source: trm.SourceDefault})
	obs.RateResolved(trm.Quote{Date: d1, Value: decimal.NewFromInt(4000), Source: trm.SourceDefault})
	obs.RateResolved(trm.Quote{Date: d2, Value: decimal.NewFromInt(4120), Source: trm.SourceEmergency})
	obs.Wait()

	if len(rec.notes) != 2 {
		t.Fatalf("每个日期只应告警一次, 实际 %d", len(rec.notes))
	}
	for _, n := range rec.notes {
		if n.Kind != KindRateDegraded {
			t.Fatalf("告警类型不正确: %s", n.Kind)
		}
	}
}

func TestDegradedRateObserverWithoutNotifier(t *testing.T) {
	obs := NewDegradedRateObserver(nil, 0, nil, testLogger())
	obs.RateResolved(trm.Quote{Source: trm.SourceDefault})
	obs.Wait()
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

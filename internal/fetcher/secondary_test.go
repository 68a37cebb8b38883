package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func seriesHandler(calls *int32, series map[string]map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Meta Data":              map[string]string{"2. From Symbol": "USD"},
			"Time Series FX (Daily)": series,
		})
	}
}

func TestSecondaryIndexesByCurrentDate(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(seriesHandler(&calls, map[string]map[string]string{
		"2024-03-08": {"4. close": "3900.10"},
		"2024-03-10": {"4. close": "3955.25"},
	}))
	defer srv.Close()

	clock := fixedClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, testLoc)}
	s := NewSecondary(SecondaryOptions{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second, Location: testLoc}, clock, noopLogger())

	value, err := s.FetchRate(context.Background(), time.Date(2024, 3, 8, 0, 0, 0, 0, testLoc))
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if !value.Equal(decimal.RequireFromString("3955.25")) {
		t.Fatalf("应使用当天的数据点, 实际 %s", value)
	}
}

func TestSecondaryDailyFileCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(seriesHandler(&calls, map[string]map[string]string{
		"2024-03-10": {"4. close": "3955.25"},
	}))
	defer srv.Close()

	dir := t.TempDir()
	stale := filepath.Join(dir, "secondary_USDCOP_2024-03-09.json")
	if err := os.WriteFile(stale, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	clock := fixedClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, testLoc)}
	s := NewSecondary(SecondaryOptions{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second, CacheDir: dir, Location: testLoc}, clock, noopLogger())

	for i := 0; i < 3; i++ {
		if _, err := s.FetchRate(context.Background(), clock.now); err != nil {
			t.Fatalf("第 %d 次请求不应报错: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("同一天只应请求一次, 实际 %d", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "secondary_USDCOP_2024-03-10.json")); err != nil {
		t.Fatalf("应写入当天缓存文件: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("旧缓存文件应被清理")
	}
}

func TestSecondaryMissingTodayPoint(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(seriesHandler(&calls, map[string]map[string]string{
		"2024-03-08": {"4. close": "3900.10"},
	}))
	defer srv.Close()

	clock := fixedClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, testLoc)}
	s := NewSecondary(SecondaryOptions{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second, Location: testLoc}, clock, noopLogger())

	if _, err := s.FetchRate(context.Background(), clock.now); KindOf(err) != KindRejected {
		t.Fatalf("缺少当天数据点应归类为 rejected, 实际 %v", err)
	}
}

func TestSecondaryAPIErrorAndDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"Note": "rate limited"})
	}))
	defer srv.Close()

	s := NewSecondary(SecondaryOptions{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second}, nil, noopLogger())
	if _, err := s.FetchRate(context.Background(), time.Now()); KindOf(err) != KindRejected {
		t.Fatalf("API Note 应归类为 rejected, 实际 %v", err)
	}

	disabled := NewSecondary(SecondaryOptions{BaseURL: srv.URL}, nil, noopLogger())
	if _, err := disabled.FetchRate(context.Background(), time.Now()); KindOf(err) != KindDisabled {
		t.Fatalf("未配置 api key 应归类为 disabled, 实际 %v", err)
	}
}

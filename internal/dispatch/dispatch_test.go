package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trm-dispatch-stats/internal/trm"
)

var loc = time.FixedZone("COT", -5*3600)

func day(s string) time.Time {
	t, err := trm.ParseDate(s, loc)
	if err != nil {
		panic(err)
	}
	return t
}

func dayPtr(s string) *time.Time {
	t := day(s)
	return &t
}

func TestAddBusinessDaysSkipsWeekend(t *testing.T) {
	got := AddBusinessDays(day("2024-01-05"), 1)
	if got.Format(trm.DateLayout) != "2024-01-08" {
		t.Fatalf("周五加一个工作日应为周一, 实际 %s", got.Format(trm.DateLayout))
	}
	got = AddBusinessDays(day("2024-01-01"), 10)
	if got.Format(trm.DateLayout) != "2024-01-15" {
		t.Fatalf("加十个工作日结果不正确: %s", got.Format(trm.DateLayout))
	}
	if !AddBusinessDays(day("2024-01-06"), 0).Equal(day("2024-01-06")) {
		t.Fatal("n=0 应返回原日期")
	}
}

func TestResolveConfirmedBeatsEarlierTentative(t *testing.T) {
	r := NewDateResolver(0, 0, loc)
	events := []Event{
		{ID: 1, Type: EventTentative, DispatchDate: dayPtr("2024-03-01")},
		{ID: 2, Type: EventConfirmed, DispatchDate: dayPtr("2024-03-10"), RateText: "4.100,50"},
		{ID: 3, Type: EventConfirmed, DispatchDate: dayPtr("2024-03-05"), RateText: "4000"},
		{ID: 4, Type: EventConfirmed},
	}

	got := r.Resolve(events, day("2024-02-01"))
	if got.Source != DateFromConfirmed {
		t.Fatalf("应使用确认事件, 实际 %s", got.Source)
	}
	if got.Date.Format(trm.DateLayout) != "2024-03-05" {
		t.Fatalf("应取最早确认日期, 实际 %s", got.Date.Format(trm.DateLayout))
	}
	if got.Event == nil || got.Event.ID != 3 || got.RateText != "4000" {
		t.Fatalf("所选事件不正确: %#v", got)
	}
}

func TestResolveTentativeThenComputed(t *testing.T) {
	r := NewDateResolver(10, 15, loc)
	got := r.Resolve([]Event{
		{Type: EventTentative, DispatchDate: dayPtr("2024-04-09")},
		{Type: EventTentative, DispatchDate: dayPtr("2024-04-02")},
	}, day("2024-03-01"))
	if got.Source != DateFromTentative || got.Date.Format(trm.DateLayout) != "2024-04-02" {
		t.Fatalf("应取最早暂定日期: %#v", got)
	}
	if got.RateText != "" || got.Event != nil {
		t.Fatal("暂定日期不应携带汇率")
	}

	got = r.Resolve(nil, time.Date(2024, 1, 5, 16, 30, 0, 0, loc))
	if got.Source != DateComputed || got.Date.Format(trm.DateLayout) != "2024-01-19" {
		t.Fatalf("计算日期不正确: %s %s", got.Source, got.Date.Format(trm.DateLayout))
	}
}

func TestLookupStart(t *testing.T) {
	r := NewDateResolver(0, 0, loc)
	if got := r.LookupStart(day("2024-03-16")); !got.Equal(day("2024-03-01")) {
		t.Fatalf("缓冲窗口起点不正确: %s", got)
	}
}

type quoteStub struct {
	quote trm.Quote
	calls int
}

func (q *quoteStub) Resolve(ctx context.Context, date time.Time) trm.Quote {
	q.calls++
	q.quote.Date = date
	return q.quote
}

func TestEffectiveRateTiers(t *testing.T) {
	history := NewRateTable(map[string]decimal.Decimal{
		"2024-03-05": decimal.NewFromInt(4200),
		"2024-03-06": decimal.NewFromInt(3000),
	}, loc)
	if history.Len() != 2 {
		t.Fatalf("期望 2 个历史汇率, 实际 %d", history.Len())
	}
	var empty *RateTable
	if empty.Len() != 0 {
		t.Fatalf("nil 表长度应为 0")
	}
	quotes := &quoteStub{quote: trm.Quote{Value: decimal.NewFromInt(4300), Source: trm.SourcePrimary}}
	r := NewRateResolver(trm.DefaultBounds(), history, quotes)
	ctx := context.Background()

	cases := []struct {
		name      string
		rateText  string
		date      time.Time
		orderRate decimal.Decimal
		want      string
		tier      RateTier
	}{
		{"event", "4.150,25", day("2024-03-05"), decimal.Zero, "4150.25", RateFromEvent},
		{"event below min falls to historical", "3500", day("2024-03-05"), decimal.Zero, "4200", RateFromHistorical},
		{"invalid historical falls to resolver", "", day("2024-03-06"), decimal.Zero, "4300", RateFromResolver},
		{"missing historical falls to resolver", "N/A", day("2024-03-07"), decimal.Zero, "4300", RateFromResolver},
	}
	for _, tc := range cases {
		got := r.Resolve(ctx, tc.rateText, tc.date, tc.orderRate)
		if got.Tier != tc.tier || got.Value.String() != tc.want {
			t.Fatalf("%s: 期望 %s/%s, 实际 %s/%s", tc.name, tc.want, tc.tier, got.Value, got.Tier)
		}
	}
	if !r.Resolve(ctx, "4000", day("2024-03-05"), decimal.Zero).Custom() {
		t.Fatal("事件汇率应视为自定义")
	}
}

func TestEffectiveRateOrderAndDefault(t *testing.T) {
	quotes := &quoteStub{quote: trm.Quote{Value: decimal.NewFromInt(4500), Source: trm.SourceEmergency}}
	r := NewRateResolver(trm.DefaultBounds(), NewRateTable(nil, loc), quotes)
	ctx := context.Background()

	got := r.Resolve(ctx, "", day("2024-03-05"), decimal.NewFromInt(3900))
	if got.Tier != RateFromOrder || !got.Value.Equal(decimal.NewFromInt(3900)) {
		t.Fatalf("应使用订单汇率: %#v", got)
	}

	got = r.Resolve(ctx, "", day("2024-03-05"), decimal.NewFromInt(3800))
	if got.Tier != RateFromDefault || !got.Value.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("订单汇率等于下限时应使用默认值: %#v", got)
	}
	if got.Custom() {
		t.Fatal("默认汇率不应视为自定义")
	}

	noQuotes := NewRateResolver(trm.Bounds{}, nil, nil)
	if got := noQuotes.Resolve(ctx, "", day("2024-03-05"), decimal.Zero); got.Tier != RateFromDefault {
		t.Fatalf("无任何来源时应使用默认值: %#v", got)
	}
}

func TestOrderClassificationAndLines(t *testing.T) {
	override := decimal.NewFromInt(12)
	o := Order{ID: 1, Lines: []OrderLine{
		{ID: 10, OrderID: 1, ProductID: 100, Quantity: 5, ListPrice: decimal.NewFromInt(10), UnitPriceOverride: &override},
		{ID: 11, OrderID: 1, ProductID: 101, Quantity: 2, ListPrice: decimal.NewFromInt(7), IsSample: true},
	}}
	if o.Classify() != ClassMixed {
		t.Fatalf("应为混合订单: %s", o.Classify())
	}
	if !o.Lines[0].Value(3).Equal(decimal.NewFromInt(36)) {
		t.Fatalf("覆盖单价未生效: %s", o.Lines[0].Value(3))
	}
	if !o.Lines[1].Value(2).IsZero() {
		t.Fatal("样品价值应为零")
	}

	line, ok := o.Line(Event{ProductID: 101})
	if !ok || line.ID != 11 {
		t.Fatalf("按产品匹配失败: %#v", line)
	}
	events := []Event{
		{OrderID: 1, ProductLineID: 10},
		{OrderID: 1, ProductID: 100},
		{OrderID: 2, ProductID: 100},
		{OrderID: 1, ProductLineID: 11, ProductID: 100},
	}
	if got := EventsForLine(o.Lines[0], events); len(got) != 2 {
		t.Fatalf("行事件数量不正确: %d", len(got))
	}
}

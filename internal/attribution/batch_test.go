package attribution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/radiusdt/channel-roi/internal/storage"
	"github.com/shopspring/decimal"
)

func TestRecomputeWritesComputableHorizons(t *testing.T) {
	ctx := context.Background()
	f := newFixture("2024-03-03")
	ch := f.channel(t, "google")
	f.defaultRate(t, "1")
	f.defaultExpense(t, ch, "100")
	f.balance(t, ch, "m1", "2024-03-01", "2024-03-01", "100")
	f.balance(t, ch, "m1", "2024-03-01", "2024-03-02", "300")

	// Day 3 has an elapsed window but no snapshot on 2024-03-03.
	written, err := f.engine.Recompute(ctx, []time.Time{day("2024-03-01")}, nil, models.MaxHorizon)
	if err != nil {
		t.Fatalf("Recompute error: %v", err)
	}
	if written != 2 {
		t.Fatalf("written = %d, want 2", written)
	}
	if rec := f.stored(t, "2024-03-01", ch, 2); rec == nil || !rec.RoiPercentage.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("day 2 row = %+v", rec)
	}
	if rec := f.stored(t, "2024-03-01", ch, 3); rec != nil {
		t.Fatalf("unexpected day 3 row: %+v", rec)
	}
}

func TestRecomputeIsIdempotentAndClearsStaleRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture("2024-03-02")
	a := f.channel(t, "facebook")
	b := f.channel(t, "google")
	f.defaultRate(t, "2")
	f.defaultExpense(t, a, "100")
	f.defaultExpense(t, b, "50")
	f.balance(t, a, "m1", "2024-03-01", "2024-03-01", "100")
	f.balance(t, a, "m1", "2024-03-01", "2024-03-02", "120")
	f.balance(t, b, "m2", "2024-03-02", "2024-03-02", "10")

	stale := &models.RoiCalculation{Date: day("2024-03-01"), ChannelID: a, DayCount: 7, RoiPercentage: dec("999")}
	if err := f.roi.Upsert(ctx, stale); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	dates := []time.Time{day("2024-03-01"), day("2024-03-02")}
	first, err := f.engine.Recompute(ctx, dates, nil, models.MaxHorizon)
	if err != nil {
		t.Fatalf("Recompute error: %v", err)
	}
	before, _ := f.roi.List(ctx, storage.RoiQuery{From: day("2024-03-01"), To: day("2024-03-02")})

	second, err := f.engine.Recompute(ctx, dates, nil, models.MaxHorizon)
	if err != nil {
		t.Fatalf("second Recompute error: %v", err)
	}
	after, _ := f.roi.List(ctx, storage.RoiQuery{From: day("2024-03-01"), To: day("2024-03-02")})

	if first != second || len(before) != len(after) || len(after) != first {
		t.Fatalf("recompute not idempotent: first=%d second=%d rows %d -> %d", first, second, len(before), len(after))
	}
	for i := range before {
		if before[i].Key() != after[i].Key() || !before[i].RoiPercentage.Equal(after[i].RoiPercentage) {
			t.Fatalf("row %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
	if rec := f.stored(t, "2024-03-01", a, 7); rec != nil {
		t.Fatalf("stale row survived: %+v", rec)
	}
	// Each channel: days 1 and 2 for 2024-03-01, day 1 for 2024-03-02. Empty
	// cohorts with spend are computable at 0%.
	if first != 6 {
		t.Fatalf("written = %d, want 6", first)
	}
}

type flakyRoiRepo struct {
	*storage.InMemoryRoiRepo
	calls  int
	failOn int
}

func (r *flakyRoiRepo) UpsertBatch(ctx context.Context, recs []*models.RoiCalculation) error {
	r.calls++
	if r.calls == r.failOn {
		return errors.New("connection reset by peer")
	}
	return r.InMemoryRoiRepo.UpsertBatch(ctx, recs)
}

func TestRecomputeSkipsFailedChunk(t *testing.T) {
	ctx := context.Background()
	f := newFixture("2024-03-04")
	ch := f.channel(t, "facebook")
	f.defaultRate(t, "1")
	f.defaultExpense(t, ch, "100")
	dates := []time.Time{day("2024-03-01"), day("2024-03-02"), day("2024-03-03"), day("2024-03-04")}
	for _, d := range dates {
		f.balance(t, ch, "m-"+models.FormatDate(d), models.FormatDate(d), models.FormatDate(d), "10")
	}

	repo := &flakyRoiRepo{InMemoryRoiRepo: f.roi, failOn: 1}
	engine := f.newEngine(repo, 2)

	written, err := engine.Recompute(ctx, dates, []int64{ch}, 1)
	if err != nil {
		t.Fatalf("Recompute error: %v", err)
	}
	if written != 2 || repo.calls != 2 {
		t.Fatalf("written=%d calls=%d, want 2 and 2", written, repo.calls)
	}
	if rec := f.stored(t, "2024-03-01", ch, 1); rec != nil {
		t.Fatalf("row from failed chunk was stored: %+v", rec)
	}
	if rec := f.stored(t, "2024-03-04", ch, 1); rec == nil {
		t.Fatal("row from the second chunk is missing")
	}
}

func TestRecomputeLimitsHorizonsByMaxDays(t *testing.T) {
	ctx := context.Background()
	f := newFixture("2024-04-30")
	ch := f.channel(t, "facebook")
	f.defaultRate(t, "1")
	f.defaultExpense(t, ch, "10")
	for _, h := range models.Horizons {
		snap := models.FormatDate(models.AddDays(day("2024-03-01"), h-1))
		f.balance(t, ch, "m1", "2024-03-01", snap, "5")
	}

	written, err := f.engine.Recompute(ctx, []time.Time{day("2024-03-01")}, []int64{ch}, 7)
	if err != nil {
		t.Fatalf("Recompute error: %v", err)
	}
	if written != 5 {
		t.Fatalf("written = %d, want 5 (days 1, 2, 3, 5, 7)", written)
	}
	if rec := f.stored(t, "2024-03-01", ch, 14); rec != nil {
		t.Fatalf("day 14 should not be computed with max_days 7")
	}
}

func TestRecomputeEmptyScope(t *testing.T) {
	f := newFixture("2024-03-01")
	n, err := f.engine.Recompute(context.Background(), nil, nil, 0)
	if err != nil || n != 0 {
		t.Fatalf("Recompute on empty scope: n=%d err=%v", n, err)
	}
}

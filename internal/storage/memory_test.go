package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/shopspring/decimal"
)

func day(s string) time.Time {
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func txn(channelID int64, member, registered, inserted string, balance string) *models.Transaction {
	return &models.Transaction{
		ChannelID:        channelID,
		MemberID:         member,
		RegistrationTime: day(registered).Add(10 * time.Hour),
		BalanceDelta:     decimal.RequireFromString(balance),
		InsertDate:       day(inserted),
	}
}

func TestChannelEnsureByNameIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryChannelRepo()

	first, created, err := repo.EnsureByName(ctx, "Facebook")
	if err != nil || !created {
		t.Fatalf("EnsureByName error: %v created=%v", err, created)
	}
	second, created, err := repo.EnsureByName(ctx, "facebook")
	if err != nil {
		t.Fatalf("EnsureByName error: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected existing channel %d, got %d created=%v", first.ID, second.ID, created)
	}

	err = repo.Create(ctx, &models.Channel{Name: "FACEBOOK"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestChannelUpdateKeepsID(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryChannelRepo()
	c := &models.Channel{Name: "google"}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	c.Name = "google-ads"
	if err := repo.Update(ctx, c); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	got, _ := repo.GetByName(ctx, "google-ads")
	if got == nil || got.ID != c.ID {
		t.Fatalf("renamed channel not found by new name: %+v", got)
	}
	if old, _ := repo.GetByName(ctx, "google"); old != nil {
		t.Fatalf("old name still resolves: %+v", old)
	}
	if err := repo.Update(ctx, &models.Channel{ID: 99, Name: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransactionAppendSkipsDuplicatesAndUpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryTransactionStore()

	n, err := store.Append(ctx, []*models.Transaction{
		txn(1, "m1", "2024-01-01", "2024-01-01", "10"),
		txn(1, "m2", "2024-01-01", "2024-01-01", "5"),
	})
	if err != nil || n != 2 {
		t.Fatalf("Append: n=%d err=%v", n, err)
	}

	n, _ = store.Append(ctx, []*models.Transaction{txn(1, "m1", "2024-01-01", "2024-01-01", "99")})
	if n != 0 {
		t.Fatalf("expected duplicate to be skipped, inserted %d", n)
	}
	bal, _ := store.CohortBalance(ctx, CohortKey{ChannelID: 1, RegistrationDate: day("2024-01-01"), SnapshotDate: day("2024-01-01")})
	if !bal.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("balance after append = %s, want 15", bal)
	}

	n, _ = store.Upsert(ctx, []*models.Transaction{txn(1, "m1", "2024-01-01", "2024-01-01", "20")})
	if n != 1 {
		t.Fatalf("Upsert wrote %d rows", n)
	}
	bal, _ = store.CohortBalance(ctx, CohortKey{ChannelID: 1, RegistrationDate: day("2024-01-01"), SnapshotDate: day("2024-01-01")})
	if !bal.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("balance after upsert = %s, want 25", bal)
	}
}

func TestTransactionSnapshots(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryTransactionStore()

	if _, ok, _ := store.LatestSnapshot(ctx); ok {
		t.Fatal("expected no snapshot in empty store")
	}

	_, _ = store.Append(ctx, []*models.Transaction{
		txn(1, "m1", "2024-01-01", "2024-01-03", "1"),
		txn(1, "m1", "2024-01-01", "2024-01-01", "1"),
		txn(2, "m9", "2024-01-02", "2024-01-03", "1"),
	})

	dates, _ := store.SnapshotDates(ctx)
	if len(dates) != 2 || !dates[0].Equal(day("2024-01-01")) || !dates[1].Equal(day("2024-01-03")) {
		t.Fatalf("SnapshotDates = %v", dates)
	}
	latest, ok, _ := store.LatestSnapshot(ctx)
	if !ok || !latest.Equal(day("2024-01-03")) {
		t.Fatalf("LatestSnapshot = %v ok=%v", latest, ok)
	}
	if has, _ := store.HasSnapshot(ctx, day("2024-01-02")); has {
		t.Fatal("unexpected snapshot on 2024-01-02")
	}
}

func TestCohortBalancesOnlyReturnsExistingCombinations(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryTransactionStore()
	_, _ = store.Append(ctx, []*models.Transaction{
		txn(1, "m1", "2024-01-01", "2024-01-01", "100"),
		txn(1, "m1", "2024-01-01", "2024-01-02", "300"),
		txn(2, "m2", "2024-01-01", "2024-01-02", "7"),
	})

	got, err := store.CohortBalances(ctx, CohortQuery{
		ChannelIDs:        []int64{1, 2},
		RegistrationDates: []time.Time{day("2024-01-01")},
		SnapshotDates:     []time.Time{day("2024-01-01"), day("2024-01-02")},
	})
	if err != nil {
		t.Fatalf("CohortBalances error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 combinations, got %d: %v", len(got), got)
	}
	key := CohortKey{ChannelID: 1, RegistrationDate: day("2024-01-01"), SnapshotDate: day("2024-01-02")}
	if !got[key].Equal(decimal.NewFromInt(300)) {
		t.Fatalf("balance for %+v = %s", key, got[key])
	}
}

func TestDailyActivityUsesLatestRowPerMember(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryTransactionStore()
	_, _ = store.Append(ctx, []*models.Transaction{
		txn(1, "m1", "2024-01-01", "2024-01-01", "0"),
		txn(1, "m1", "2024-01-01", "2024-01-05", "50"),
		txn(1, "m2", "2024-01-01", "2024-01-01", "0"),
		txn(1, "m3", "2024-01-02", "2024-01-02", "10"),
		txn(2, "m4", "2024-01-01", "2024-01-02", "3"),
	})

	ch := int64(1)
	got, err := store.DailyActivity(ctx, ActivityQuery{From: day("2024-01-01"), To: day("2024-01-01"), ChannelID: &ch})
	if err != nil {
		t.Fatalf("DailyActivity error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one row, got %d", len(got))
	}
	a := got[0]
	if a.Registrations != 2 || a.PayingUsers != 1 || !a.Balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected activity: %+v", a)
	}
}

func TestRoiDeleteScope(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRoiRepo()
	recs := []*models.RoiCalculation{
		{Date: day("2024-01-01"), ChannelID: 1, DayCount: 1},
		{Date: day("2024-01-01"), ChannelID: 1, DayCount: 2},
		{Date: day("2024-01-01"), ChannelID: 2, DayCount: 1},
		{Date: day("2024-01-02"), ChannelID: 1, DayCount: 1},
	}
	if err := repo.UpsertBatch(ctx, recs); err != nil {
		t.Fatalf("UpsertBatch error: %v", err)
	}

	n, err := repo.DeleteScope(ctx, []time.Time{day("2024-01-01")}, []int64{1})
	if err != nil || n != 2 {
		t.Fatalf("DeleteScope: n=%d err=%v", n, err)
	}
	left, _ := repo.List(ctx, RoiQuery{From: day("2024-01-01"), To: day("2024-01-31")})
	if len(left) != 2 {
		t.Fatalf("expected 2 rows left, got %d", len(left))
	}
}

func TestRoiUpsertKeepsID(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRoiRepo()
	rec := &models.RoiCalculation{Date: day("2024-01-01"), ChannelID: 1, DayCount: 7, RoiPercentage: decimal.NewFromInt(10)}
	_ = repo.Upsert(ctx, rec)
	id := rec.ID

	again := &models.RoiCalculation{Date: day("2024-01-01"), ChannelID: 1, DayCount: 7, RoiPercentage: decimal.NewFromInt(20)}
	_ = repo.Upsert(ctx, again)
	if again.ID != id {
		t.Fatalf("upsert changed id: %d -> %d", id, again.ID)
	}
	got, _ := repo.Get(ctx, again.Key())
	if !got.RoiPercentage.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("roi = %s, want 20", got.RoiPercentage)
	}
}

func TestRecomputeGuard(t *testing.T) {
	ctx := context.Background()
	g := NewInMemoryRecomputeGuard()
	if rev, _ := g.Revision(ctx); rev != 0 {
		t.Fatalf("initial revision = %d", rev)
	}
	if rev, _ := g.Bump(ctx); rev != 1 {
		t.Fatalf("bumped revision = %d", rev)
	}
	if s, _ := g.Stamp(ctx, "all"); s != "" {
		t.Fatalf("unexpected stamp %q", s)
	}
	_ = g.Mark(ctx, "all", "1|2024-01-01")
	if s, _ := g.Stamp(ctx, "all"); s != "1|2024-01-01" {
		t.Fatalf("stamp = %q", s)
	}
}

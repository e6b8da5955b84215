package attribution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/radiusdt/channel-roi/internal/config"
	"github.com/radiusdt/channel-roi/internal/events"
	"github.com/radiusdt/channel-roi/internal/jobs"
	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/radiusdt/channel-roi/internal/storage"
	"go.uber.org/zap"
)

type captureScheduler struct {
	payloads []RecomputePayload
}

func (c *captureScheduler) ScheduleRecompute(_ context.Context, p RecomputePayload) (*jobs.Job, error) {
	c.payloads = append(c.payloads, p)
	return &jobs.Job{ID: "job-1", Type: JobRecompute, Status: jobs.StatusQueued}, nil
}

func TestChannelServiceConflicts(t *testing.T) {
	ctx := context.Background()
	svc := NewChannelService(storage.NewInMemoryChannelRepo())

	if err := svc.CreateChannel(ctx, &models.Channel{Name: "Facebook"}); err != nil {
		t.Fatalf("CreateChannel error: %v", err)
	}
	if err := svc.CreateChannel(ctx, &models.Channel{Name: "facebook"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := svc.CreateChannel(ctx, &models.Channel{Name: "  "}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := svc.GetChannel(ctx, 7); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func newReferenceService(f *fixture, sched RecomputeScheduler, pub events.Publisher) *ReferenceService {
	s := NewReferenceService(f.rates, f.expenses, f.channels, f.guard, sched, pub, 3, zap.NewNop())
	s.now = f.clock
	return s
}

func TestReferenceServiceSchedulesAffectedScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture("2024-03-10")
	ch := f.channel(t, "facebook")
	sched := &captureScheduler{}
	pub := events.NewMemoryPublisher()
	svc := newReferenceService(f, sched, pub)

	_, change, err := svc.SetExpense(ctx, day("2024-03-05"), ch, dec("120"))
	if err != nil {
		t.Fatalf("SetExpense error: %v", err)
	}
	if change.Job == nil || change.Job.ID != "job-1" {
		t.Fatalf("expected a queued job, got %+v", change)
	}
	p := sched.payloads[0]
	if len(p.Dates) != 1 || !p.Dates[0].Equal(day("2024-03-05")) || len(p.ChannelIDs) != 1 || p.ChannelIDs[0] != ch {
		t.Fatalf("expense payload = %+v", p)
	}

	if _, _, err := svc.SetRate(ctx, day("2024-03-05"), dec("92.5")); err != nil {
		t.Fatalf("SetRate error: %v", err)
	}
	if p := sched.payloads[1]; len(p.ChannelIDs) != 0 {
		t.Fatalf("rate change should cover all channels, got %v", p.ChannelIDs)
	}

	if _, _, err := svc.SetDefaultExpense(ctx, ch, dec("30")); err != nil {
		t.Fatalf("SetDefaultExpense error: %v", err)
	}
	p = sched.payloads[2]
	if len(p.Dates) != 3 || !p.Dates[0].Equal(day("2024-03-08")) || !p.Dates[2].Equal(day("2024-03-10")) {
		t.Fatalf("default expense lookback = %v", p.Dates)
	}

	if rev, _ := f.guard.Revision(ctx); rev != 3 {
		t.Fatalf("revision = %d, want 3", rev)
	}
	if n := len(pub.Events()); n != 3 {
		t.Fatalf("published %d events, want 3", n)
	}
	if pub.Events()[0].Type != events.TypeReferenceChanged {
		t.Fatalf("event type = %s", pub.Events()[0].Type)
	}
}

func TestReferenceServiceValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture("2024-03-10")
	ch := f.channel(t, "facebook")
	svc := newReferenceService(f, nil, nil)

	if _, _, err := svc.SetRate(ctx, day("2024-03-01"), dec("0")); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for zero rate, got %v", err)
	}
	if _, _, err := svc.SetExpense(ctx, day("2024-03-01"), ch, dec("-1")); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for negative expense, got %v", err)
	}
	if _, _, err := svc.SetExpense(ctx, day("2024-03-01"), 99, dec("1")); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
	if _, err := svc.DeleteRate(ctx, day("2024-03-01")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.GetDefaultRate(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unset default, got %v", err)
	}
	if rev, _ := f.guard.Revision(ctx); rev != 0 {
		t.Fatalf("failed writes bumped the revision to %d", rev)
	}
}

func newImportService(f *fixture) *ImportService {
	s := NewImportService(f.channels, f.txs, f.guard, nil, zap.NewNop(), 2)
	s.now = f.clock
	return s
}

func importRow(channel, member, registered, balance string) ImportRow {
	return ImportRow{
		ChannelName:      channel,
		MemberID:         member,
		RegistrationTime: day(registered).Add(8 * time.Hour),
		BalanceDelta:     dec(balance),
	}
}

func TestImportCreatesChannelsAndSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture("2024-03-02")
	svc := newImportService(f)

	req := ImportRequest{
		InsertDate: "2024-03-02",
		Rows: []ImportRow{
			importRow("Facebook", "m1", "2024-03-01", "10"),
			importRow("facebook", "m2", "2024-03-02", "20"),
			importRow("Google", "m3", "2024-03-01", "5"),
		},
	}
	res, err := svc.Import(ctx, req)
	if err != nil {
		t.Fatalf("Import error: %v", err)
	}
	if res.Written != 3 || len(res.ChannelsCreated) != 2 || len(res.ChannelIDs) != 2 || len(res.Dates) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = svc.Import(ctx, req)
	if err != nil {
		t.Fatalf("second Import error: %v", err)
	}
	if res.Written != 0 || res.Skipped != 3 || len(res.ChannelsCreated) != 0 {
		t.Fatalf("append did not skip duplicates: %+v", res)
	}

	req.Mode = models.ImportUpdateExisting
	req.Rows = req.Rows[:1]
	req.Rows[0].BalanceDelta = dec("99")
	res, err = svc.Import(ctx, req)
	if err != nil || res.Written != 1 {
		t.Fatalf("update_existing: res=%+v err=%v", res, err)
	}
	fb, _ := f.channels.GetByName(ctx, "facebook")
	bal, _ := f.txs.CohortBalance(ctx, storage.CohortKey{ChannelID: fb.ID, RegistrationDate: day("2024-03-01"), SnapshotDate: day("2024-03-02")})
	if !bal.Equal(dec("99")) {
		t.Fatalf("balance after update = %s, want 99", bal)
	}
	if rev, _ := f.guard.Revision(ctx); rev != 2 {
		t.Fatalf("revision = %d, want 2 (empty import must not bump)", rev)
	}
}

type flakyTransactionStore struct {
	*storage.InMemoryTransactionStore
	calls int
	fail  func(call int) bool
}

func (s *flakyTransactionStore) Append(ctx context.Context, txs []*models.Transaction) (int, error) {
	s.calls++
	if s.fail(s.calls) {
		return 0, errors.New("connection reset by peer")
	}
	return s.InMemoryTransactionStore.Append(ctx, txs)
}

func TestImportSkipsFailedChunk(t *testing.T) {
	ctx := context.Background()
	f := newFixture("2024-03-02")
	store := &flakyTransactionStore{InMemoryTransactionStore: f.txs, fail: func(call int) bool { return call == 2 }}
	svc := NewImportService(f.channels, store, f.guard, nil, zap.NewNop(), 2)
	svc.now = f.clock

	res, err := svc.Import(ctx, ImportRequest{
		InsertDate: "2024-03-02",
		Rows: []ImportRow{
			importRow("facebook", "m1", "2024-03-01", "10"),
			importRow("facebook", "m2", "2024-03-01", "20"),
			importRow("facebook", "m3", "2024-03-02", "30"),
			importRow("facebook", "m4", "2024-03-02", "40"),
			importRow("facebook", "m5", "2024-03-02", "50"),
		},
	})
	if err != nil {
		t.Fatalf("Import error: %v", err)
	}
	if store.calls != 3 || res.FailedChunks != 1 || res.Written != 3 || res.Skipped != 2 {
		t.Fatalf("calls=%d result=%+v", store.calls, res)
	}
	fb, _ := f.channels.GetByName(ctx, "facebook")
	bal, _ := f.txs.CohortBalance(ctx, storage.CohortKey{ChannelID: fb.ID, RegistrationDate: day("2024-03-02"), SnapshotDate: day("2024-03-02")})
	if !bal.Equal(dec("50")) {
		t.Fatalf("balance on 2024-03-02 = %s, want 50 (failed chunk m3/m4 must be absent)", bal)
	}
	if rev, _ := f.guard.Revision(ctx); rev != 1 {
		t.Fatalf("revision = %d, want 1", rev)
	}
}

func TestImportFailsWhenNothingWritten(t *testing.T) {
	ctx := context.Background()
	f := newFixture("2024-03-02")
	store := &flakyTransactionStore{InMemoryTransactionStore: f.txs, fail: func(int) bool { return true }}
	svc := NewImportService(f.channels, store, f.guard, nil, zap.NewNop(), 2)
	svc.now = f.clock

	_, err := svc.Import(ctx, ImportRequest{
		InsertDate: "2024-03-02",
		Rows: []ImportRow{
			importRow("facebook", "m1", "2024-03-01", "10"),
			importRow("facebook", "m2", "2024-03-01", "20"),
			importRow("facebook", "m3", "2024-03-02", "30"),
		},
	})
	if err == nil || errors.Is(err, ErrValidation) {
		t.Fatalf("expected a retryable import error, got %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("calls = %d, want every chunk attempted", store.calls)
	}
	if rev, _ := f.guard.Revision(ctx); rev != 0 {
		t.Fatalf("revision = %d, failed import must not bump", rev)
	}
}

func TestImportDefaultChunkSize(t *testing.T) {
	f := newFixture("2024-03-02")
	svc := NewImportService(f.channels, f.txs, f.guard, nil, zap.NewNop(), 0)
	if svc.chunkSize != config.DefaultImportChunkSize {
		t.Fatalf("chunkSize = %d, want %d", svc.chunkSize, config.DefaultImportChunkSize)
	}
	if config.Defaults().Roi.ImportChunkSize != config.DefaultImportChunkSize {
		t.Fatal("config default and service fallback differ")
	}
}

func TestImportValidation(t *testing.T) {
	svc := newImportService(newFixture("2024-03-02"))
	cases := map[string]ImportRequest{
		"empty":         {InsertDate: "2024-03-02"},
		"bad mode":      {Mode: "replace", Rows: []ImportRow{importRow("fb", "m1", "2024-03-01", "1")}},
		"bad date":      {InsertDate: "03/02/2024", Rows: []ImportRow{importRow("fb", "m1", "2024-03-01", "1")}},
		"no member":     {Rows: []ImportRow{importRow("fb", " ", "2024-03-01", "1")}},
		"future cohort": {InsertDate: "2024-03-01", Rows: []ImportRow{importRow("fb", "m1", "2024-03-02", "1")}},
	}
	for name, req := range cases {
		if _, err := svc.Import(context.Background(), req); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
	}
}

func newRefreshService(f *fixture, sched RecomputeScheduler) *RefreshService {
	s := NewRefreshService(f.engine, f.channels, f.guard, sched, nil, zap.NewNop(), models.MaxHorizon)
	s.now = f.clock
	return s
}

func TestRefreshGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture("2024-03-01")
	ch := f.channel(t, "facebook")
	f.defaultRate(t, "1")
	f.defaultExpense(t, ch, "100")
	f.balance(t, ch, "m1", "2024-03-01", "2024-03-01", "50")
	svc := newRefreshService(f, nil)
	req := RefreshRequest{From: day("2024-03-01"), To: day("2024-03-01")}

	res, err := svc.Refresh(ctx, req)
	if err != nil || res.Skipped || res.Written != 1 {
		t.Fatalf("first refresh: res=%+v err=%v", res, err)
	}
	if res, _ = svc.Refresh(ctx, req); !res.Skipped {
		t.Fatal("second refresh with unchanged inputs was not skipped")
	}

	req.Force = true
	if res, _ = svc.Refresh(ctx, req); res.Skipped || res.Written != 1 {
		t.Fatalf("forced refresh: %+v", res)
	}
	req.Force = false

	_, _ = f.guard.Bump(ctx)
	if res, _ = svc.Refresh(ctx, req); res.Skipped {
		t.Fatal("refresh after an input change was skipped")
	}

	f.today = day("2024-03-02")
	if res, _ = svc.Refresh(ctx, req); res.Skipped {
		t.Fatal("refresh on a new day was skipped")
	}
}

func TestRefreshAfterShorterHorizonRefreshRestoresRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture("2024-03-20")
	ch := f.channel(t, "facebook")
	f.defaultRate(t, "1")
	f.defaultExpense(t, ch, "100")
	f.balance(t, ch, "m1", "2024-03-01", "2024-03-01", "50")
	f.balance(t, ch, "m1", "2024-03-01", "2024-03-07", "80")
	svc := newRefreshService(f, nil)
	full := RefreshRequest{From: day("2024-03-01"), To: day("2024-03-01")}

	if res, err := svc.Refresh(ctx, full); err != nil || res.Written != 2 {
		t.Fatalf("full refresh: res=%+v err=%v", res, err)
	}
	_, _ = f.guard.Bump(ctx)

	short := full
	short.MaxDays = 1
	if res, err := svc.Refresh(ctx, short); err != nil || res.Skipped || res.Written != 1 {
		t.Fatalf("max_days=1 refresh: res=%+v err=%v", res, err)
	}
	if f.stored(t, "2024-03-01", ch, 7) != nil {
		t.Fatal("day 7 row survived a max_days=1 recompute")
	}

	res, err := svc.Refresh(ctx, full)
	if err != nil || res.Skipped || res.Written != 2 {
		t.Fatalf("full refresh after max_days=1: res=%+v err=%v", res, err)
	}
	if rec := f.stored(t, "2024-03-01", ch, 7); rec == nil || !rec.RoiPercentage.Equal(dec("80")) {
		t.Fatalf("day 7 row = %+v", rec)
	}
	if res, _ = svc.Refresh(ctx, full); !res.Skipped {
		t.Fatal("repeated full refresh was not skipped")
	}
}

func TestRefreshAsyncCarriesStamp(t *testing.T) {
	ctx := context.Background()
	f := newFixture("2024-03-05")
	ch := f.channel(t, "facebook")
	sched := &captureScheduler{}
	svc := newRefreshService(f, sched)

	res, err := svc.Refresh(ctx, RefreshRequest{From: day("2024-03-01"), To: day("2024-03-03"), ChannelID: &ch, Async: true})
	if err != nil || res.Job == nil {
		t.Fatalf("async refresh: res=%+v err=%v", res, err)
	}
	p := sched.payloads[0]
	if len(p.Dates) != 3 || p.Scope != res.Scope || p.Stamp != "0|2024-03-05" {
		t.Fatalf("payload = %+v", p)
	}

	missing := int64(77)
	if _, err := svc.Refresh(ctx, RefreshRequest{From: day("2024-03-01"), To: day("2024-03-01"), ChannelID: &missing}); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestTasksImportThenRecompute(t *testing.T) {
	ctx := context.Background()
	f := newFixture("2024-03-01")
	ch := f.channel(t, "facebook")
	f.defaultRate(t, "1")
	f.defaultExpense(t, ch, "100")

	queue := jobs.NewMemoryQueue()
	client := jobs.NewClient(queue, zap.NewNop())
	worker := jobs.NewWorker(queue, jobs.WorkerConfig{PollWait: 10 * time.Millisecond}, zap.NewNop(), nil)
	pub := events.NewMemoryPublisher()
	tasks := NewTasks(f.engine, newImportService(f), f.guard, client, pub, zap.NewNop(), models.MaxHorizon)
	tasks.Register(worker)

	job, err := tasks.SubmitImport(ctx, ImportRequest{
		InsertDate: "2024-03-01",
		Rows:       []ImportRow{importRow("Facebook", "m1", "2024-03-01", "25")},
	})
	if err != nil {
		t.Fatalf("SubmitImport error: %v", err)
	}

	for i := 0; i < 2; i++ {
		if found, err := worker.ProcessNext(ctx); !found || err != nil {
			t.Fatalf("ProcessNext %d: found=%v err=%v", i, found, err)
		}
	}

	got, _ := client.Get(ctx, job.ID)
	if got.Status != jobs.StatusSucceeded {
		t.Fatalf("import job status = %s (%s)", got.Status, got.Error)
	}
	rec := f.stored(t, "2024-03-01", ch, 1)
	if rec == nil || !rec.RoiPercentage.Equal(dec("25")) {
		t.Fatalf("roi after import = %+v", rec)
	}

	published := pub.Events()
	if len(published) != 2 || published[0].Type != events.TypeTransactionsImported || published[1].Type != events.TypeRoiRecomputed {
		t.Fatalf("published events = %+v", published)
	}
}

func TestSubmitImportRejectsInvalidRequest(t *testing.T) {
	f := newFixture("2024-03-01")
	client := jobs.NewClient(jobs.NewMemoryQueue(), zap.NewNop())
	tasks := NewTasks(f.engine, newImportService(f), f.guard, client, nil, zap.NewNop(), 0)

	if _, err := tasks.SubmitImport(context.Background(), ImportRequest{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSettleScopeBumpsAfterPartialRecompute(t *testing.T) {
	ctx := context.Background()
	f := newFixture("2024-03-05")

	settleScope(ctx, f.guard, zap.NewNop(), "full", "0|2024-03-05", models.MaxHorizon)
	if rev, _ := f.guard.Revision(ctx); rev != 0 {
		t.Fatalf("full recompute bumped revision to %d", rev)
	}
	if s, _ := f.guard.Stamp(ctx, "full"); s != "0|2024-03-05" {
		t.Fatalf("full stamp = %q", s)
	}

	settleScope(ctx, f.guard, zap.NewNop(), "short", "0|2024-03-05", 7)
	if rev, _ := f.guard.Revision(ctx); rev != 1 {
		t.Fatalf("revision after partial recompute = %d, want 1", rev)
	}
	if s, _ := f.guard.Stamp(ctx, "short"); s != "1|2024-03-05" {
		t.Fatalf("partial stamp = %q", s)
	}

	// Reference-triggered recomputes carry no scope but still invalidate stamps.
	settleScope(ctx, f.guard, zap.NewNop(), "", "", 1)
	if rev, _ := f.guard.Revision(ctx); rev != 2 {
		t.Fatalf("revision after unscoped partial recompute = %d, want 2", rev)
	}
}

package attribution

import (
	"context"
	"testing"
	"time"

	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/radiusdt/channel-roi/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func day(s string) time.Time {
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	channels *storage.InMemoryChannelRepo
	txs      *storage.InMemoryTransactionStore
	rates    *storage.InMemoryRateRepo
	expenses *storage.InMemoryExpenseRepo
	roi      *storage.InMemoryRoiRepo
	guard    *storage.InMemoryRecomputeGuard
	engine   *Engine
	today    time.Time
}

func newFixture(today string) *fixture {
	f := &fixture{
		channels: storage.NewInMemoryChannelRepo(),
		txs:      storage.NewInMemoryTransactionStore(),
		rates:    storage.NewInMemoryRateRepo(),
		expenses: storage.NewInMemoryExpenseRepo(),
		roi:      storage.NewInMemoryRoiRepo(),
		guard:    storage.NewInMemoryRecomputeGuard(),
		today:    day(today),
	}
	f.engine = f.newEngine(f.roi, 1000)
	return f
}

func (f *fixture) clock() time.Time { return f.today.Add(15 * time.Hour) }

func (f *fixture) newEngine(roi storage.RoiRepo, chunk int) *Engine {
	e := NewEngine(EngineDeps{
		Channels:     f.channels,
		Transactions: f.txs,
		Rates:        f.rates,
		Expenses:     f.expenses,
		Roi:          roi,
		Logger:       zap.NewNop(),
		ChunkSize:    chunk,
	})
	e.SetClock(f.clock)
	return e
}

func (f *fixture) reporting() *ReportingService {
	s := NewReportingService(f.channels, f.txs, f.rates, f.expenses, f.roi, zap.NewNop())
	s.now = f.clock
	return s
}

func (f *fixture) channel(t *testing.T, name string) int64 {
	t.Helper()
	c := &models.Channel{Name: name}
	if err := f.channels.Create(context.Background(), c); err != nil {
		t.Fatalf("Create channel error: %v", err)
	}
	return c.ID
}

func (f *fixture) rate(t *testing.T, date, rate string) {
	t.Helper()
	if err := f.rates.UpsertRate(context.Background(), &models.ExchangeRate{Date: day(date), Rate: dec(rate)}); err != nil {
		t.Fatalf("UpsertRate error: %v", err)
	}
}

func (f *fixture) defaultRate(t *testing.T, rate string) {
	t.Helper()
	if _, err := f.rates.SetDefaultRate(context.Background(), dec(rate)); err != nil {
		t.Fatalf("SetDefaultRate error: %v", err)
	}
}

func (f *fixture) expense(t *testing.T, date string, channelID int64, amount string) {
	t.Helper()
	e := &models.Expense{Date: day(date), ChannelID: channelID, Amount: dec(amount)}
	if err := f.expenses.UpsertExpense(context.Background(), e); err != nil {
		t.Fatalf("UpsertExpense error: %v", err)
	}
}

func (f *fixture) defaultExpense(t *testing.T, channelID int64, amount string) {
	t.Helper()
	if _, err := f.expenses.SetDefaultExpense(context.Background(), channelID, dec(amount)); err != nil {
		t.Fatalf("SetDefaultExpense error: %v", err)
	}
}

// balance records member's balance as seen by the snapshot on inserted.
func (f *fixture) balance(t *testing.T, channelID int64, member, registered, inserted, amount string) {
	t.Helper()
	_, err := f.txs.Append(context.Background(), []*models.Transaction{{
		ChannelID:        channelID,
		MemberID:         member,
		RegistrationTime: day(registered).Add(9 * time.Hour),
		BalanceDelta:     dec(amount),
		InsertDate:       day(inserted),
	}})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
}

func (f *fixture) stored(t *testing.T, date string, channelID int64, dayCount int) *models.RoiCalculation {
	t.Helper()
	rec, err := f.roi.Get(context.Background(), models.RoiKey{Date: day(date), ChannelID: channelID, DayCount: dayCount})
	if err != nil {
		t.Fatalf("Get roi error: %v", err)
	}
	return rec
}

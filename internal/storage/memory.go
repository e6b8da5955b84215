package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/shopspring/decimal"
)

// In-memory implementations, used when PostgreSQL is unavailable and in tests.

// InMemoryChannelRepo stores channels in memory.
type InMemoryChannelRepo struct {
	mu        sync.RWMutex
	nextID    int64
	channels  map[int64]*models.Channel
	nameIndex map[string]int64 // lower(name) -> id
}

func NewInMemoryChannelRepo() *InMemoryChannelRepo {
	return &InMemoryChannelRepo{
		channels:  make(map[int64]*models.Channel),
		nameIndex: make(map[string]int64),
	}
}

func (r *InMemoryChannelRepo) List(ctx context.Context) ([]*models.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*models.Channel, 0, len(r.channels))
	for _, c := range r.channels {
		cp := *c
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (r *InMemoryChannelRepo) GetByID(ctx context.Context, id int64) (*models.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.channels[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (r *InMemoryChannelRepo) GetByName(ctx context.Context, name string) (*models.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameIndex[strings.ToLower(name)]
	if !ok {
		return nil, nil
	}
	cp := *r.channels[id]
	return &cp, nil
}

func (r *InMemoryChannelRepo) Create(ctx context.Context, c *models.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(c)
}

func (r *InMemoryChannelRepo) createLocked(c *models.Channel) error {
	key := strings.ToLower(c.Name)
	if _, ok := r.nameIndex[key]; ok {
		return fmt.Errorf("%w: channel %q", ErrDuplicate, c.Name)
	}
	r.nextID++
	now := time.Now().UTC()
	c.ID = r.nextID
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	r.channels[c.ID] = &cp
	r.nameIndex[key] = c.ID
	return nil
}

func (r *InMemoryChannelRepo) Update(ctx context.Context, c *models.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.channels[c.ID]
	if !ok {
		return ErrNotFound
	}
	key := strings.ToLower(c.Name)
	if id, ok := r.nameIndex[key]; ok && id != c.ID {
		return fmt.Errorf("%w: channel %q", ErrDuplicate, c.Name)
	}
	delete(r.nameIndex, strings.ToLower(existing.Name))
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	r.channels[c.ID] = &cp
	r.nameIndex[key] = c.ID
	return nil
}

func (r *InMemoryChannelRepo) EnsureByName(ctx context.Context, name string) (*models.Channel, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.nameIndex[strings.ToLower(name)]; ok {
		cp := *r.channels[id]
		return &cp, false, nil
	}
	c := &models.Channel{Name: name}
	if err := r.createLocked(c); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// InMemoryRateRepo stores exchange rates in memory.
type InMemoryRateRepo struct {
	mu          sync.RWMutex
	rates       map[time.Time]*models.ExchangeRate
	defaultRate *models.DefaultRate
}

func NewInMemoryRateRepo() *InMemoryRateRepo {
	return &InMemoryRateRepo{rates: make(map[time.Time]*models.ExchangeRate)}
}

func (r *InMemoryRateRepo) UpsertRate(ctx context.Context, rate *models.ExchangeRate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rate
	cp.Date = models.DateOf(rate.Date)
	cp.UpdatedAt = time.Now().UTC()
	r.rates[cp.Date] = &cp
	return nil
}

func (r *InMemoryRateRepo) DeleteRate(ctx context.Context, date time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	date = models.DateOf(date)
	if _, ok := r.rates[date]; !ok {
		return false, nil
	}
	delete(r.rates, date)
	return true, nil
}

func (r *InMemoryRateRepo) ListRates(ctx context.Context, from, to time.Time) ([]*models.ExchangeRate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	from, to = models.DateOf(from), models.DateOf(to)
	var res []*models.ExchangeRate
	for d, rate := range r.rates {
		if d.Before(from) || d.After(to) {
			continue
		}
		cp := *rate
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Date.Before(res[j].Date) })
	return res, nil
}

func (r *InMemoryRateRepo) GetDefaultRate(ctx context.Context) (*models.DefaultRate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultRate == nil {
		return nil, nil
	}
	cp := *r.defaultRate
	return &cp, nil
}

func (r *InMemoryRateRepo) SetDefaultRate(ctx context.Context, rate decimal.Decimal) (*models.DefaultRate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultRate = &models.DefaultRate{Rate: rate, UpdatedAt: time.Now().UTC()}
	cp := *r.defaultRate
	return &cp, nil
}

type expenseKey struct {
	date      time.Time
	channelID int64
}

// InMemoryExpenseRepo stores channel spend in memory.
type InMemoryExpenseRepo struct {
	mu       sync.RWMutex
	expenses map[expenseKey]*models.Expense
	defaults map[int64]*models.DefaultExpense
}

func NewInMemoryExpenseRepo() *InMemoryExpenseRepo {
	return &InMemoryExpenseRepo{
		expenses: make(map[expenseKey]*models.Expense),
		defaults: make(map[int64]*models.DefaultExpense),
	}
}

func (r *InMemoryExpenseRepo) UpsertExpense(ctx context.Context, e *models.Expense) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	cp.Date = models.DateOf(e.Date)
	cp.UpdatedAt = time.Now().UTC()
	r.expenses[expenseKey{cp.Date, cp.ChannelID}] = &cp
	return nil
}

func (r *InMemoryExpenseRepo) DeleteExpense(ctx context.Context, date time.Time, channelID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := expenseKey{models.DateOf(date), channelID}
	if _, ok := r.expenses[key]; !ok {
		return false, nil
	}
	delete(r.expenses, key)
	return true, nil
}

func (r *InMemoryExpenseRepo) ListExpenses(ctx context.Context, q ExpenseQuery) ([]*models.Expense, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	from, to := models.DateOf(q.From), models.DateOf(q.To)
	channels := int64Set(q.ChannelIDs)
	var res []*models.Expense
	for k, e := range r.expenses {
		if k.date.Before(from) || k.date.After(to) {
			continue
		}
		if len(channels) > 0 {
			if _, ok := channels[k.channelID]; !ok {
				continue
			}
		}
		cp := *e
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].Date.Equal(res[j].Date) {
			return res[i].Date.Before(res[j].Date)
		}
		return res[i].ChannelID < res[j].ChannelID
	})
	return res, nil
}

func (r *InMemoryExpenseRepo) GetDefaultExpense(ctx context.Context, channelID int64) (*models.DefaultExpense, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.defaults[channelID]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

func (r *InMemoryExpenseRepo) SetDefaultExpense(ctx context.Context, channelID int64, amount decimal.Decimal) (*models.DefaultExpense, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &models.DefaultExpense{ChannelID: channelID, Amount: amount, UpdatedAt: time.Now().UTC()}
	r.defaults[channelID] = d
	cp := *d
	return &cp, nil
}

func (r *InMemoryExpenseRepo) ListDefaultExpenses(ctx context.Context, channelIDs []int64) ([]*models.DefaultExpense, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels := int64Set(channelIDs)
	var res []*models.DefaultExpense
	for id, d := range r.defaults {
		if len(channels) > 0 {
			if _, ok := channels[id]; !ok {
				continue
			}
		}
		cp := *d
		res = append(res, &cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ChannelID < res[j].ChannelID })
	return res, nil
}

// InMemoryRoiRepo stores ROI rows in memory.
type InMemoryRoiRepo struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[models.RoiKey]*models.RoiCalculation
}

func NewInMemoryRoiRepo() *InMemoryRoiRepo {
	return &InMemoryRoiRepo{rows: make(map[models.RoiKey]*models.RoiCalculation)}
}

func (r *InMemoryRoiRepo) Get(ctx context.Context, key models.RoiKey) (*models.RoiCalculation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key.Date = models.DateOf(key.Date)
	if rec, ok := r.rows[key]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (r *InMemoryRoiRepo) Upsert(ctx context.Context, rec *models.RoiCalculation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertLocked(rec)
	return nil
}

func (r *InMemoryRoiRepo) upsertLocked(rec *models.RoiCalculation) {
	cp := *rec
	cp.Date = models.DateOf(rec.Date)
	key := cp.Key()
	if existing, ok := r.rows[key]; ok {
		cp.ID = existing.ID
	} else {
		r.nextID++
		cp.ID = r.nextID
	}
	rec.ID = cp.ID
	r.rows[key] = &cp
}

func (r *InMemoryRoiRepo) UpsertBatch(ctx context.Context, recs []*models.RoiCalculation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		r.upsertLocked(rec)
	}
	return nil
}

func (r *InMemoryRoiRepo) DeleteScope(ctx context.Context, dates []time.Time, channelIDs []int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dateSet := dateSetOf(dates)
	channels := int64Set(channelIDs)
	var n int64
	for k := range r.rows {
		if _, ok := dateSet[k.Date]; !ok {
			continue
		}
		if _, ok := channels[k.ChannelID]; !ok {
			continue
		}
		delete(r.rows, k)
		n++
	}
	return n, nil
}

func (r *InMemoryRoiRepo) List(ctx context.Context, q RoiQuery) ([]*models.RoiCalculation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	from, to := models.DateOf(q.From), models.DateOf(q.To)
	var res []*models.RoiCalculation
	for k, rec := range r.rows {
		if k.Date.Before(from) || k.Date.After(to) {
			continue
		}
		if q.ChannelID != nil && k.ChannelID != *q.ChannelID {
			continue
		}
		cp := *rec
		res = append(res, &cp)
	}
	sortRoi(res)
	return res, nil
}

func sortRoi(res []*models.RoiCalculation) {
	sort.Slice(res, func(i, j int) bool {
		a, b := res[i], res[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.ChannelID != b.ChannelID {
			return a.ChannelID < b.ChannelID
		}
		return a.DayCount < b.DayCount
	})
}

// InMemoryRecomputeGuard keeps the input revision and scope stamps in memory.
type InMemoryRecomputeGuard struct {
	mu       sync.Mutex
	revision int64
	stamps   map[string]string
}

func NewInMemoryRecomputeGuard() *InMemoryRecomputeGuard {
	return &InMemoryRecomputeGuard{stamps: make(map[string]string)}
}

func (g *InMemoryRecomputeGuard) Bump(ctx context.Context) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revision++
	return g.revision, nil
}

func (g *InMemoryRecomputeGuard) Revision(ctx context.Context) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.revision, nil
}

func (g *InMemoryRecomputeGuard) Stamp(ctx context.Context, scope string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stamps[scope], nil
}

func (g *InMemoryRecomputeGuard) Mark(ctx context.Context, scope, stamp string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stamps[scope] = stamp
	return nil
}

func int64Set(ids []int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func dateSetOf(dates []time.Time) map[time.Time]struct{} {
	out := make(map[time.Time]struct{}, len(dates))
	for _, d := range dates {
		out[models.DateOf(d)] = struct{}{}
	}
	return out
}

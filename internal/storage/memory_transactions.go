package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/shopspring/decimal"
)

type memberSnapshotKey struct {
	channelID  int64
	memberID   string
	insertDate time.Time
}

// InMemoryTransactionStore provides in-memory storage for transaction snapshots.
type InMemoryTransactionStore struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[memberSnapshotKey]*models.Transaction

	// Indexes for faster lookups
	snapshots map[time.Time]int       // insert_date -> row count
	cohorts   map[CohortKey][]*models.Transaction
}

// NewInMemoryTransactionStore creates a new in-memory transaction store.
func NewInMemoryTransactionStore() *InMemoryTransactionStore {
	return &InMemoryTransactionStore{
		rows:      make(map[memberSnapshotKey]*models.Transaction),
		snapshots: make(map[time.Time]int),
		cohorts:   make(map[CohortKey][]*models.Transaction),
	}
}

func (s *InMemoryTransactionStore) Append(ctx context.Context, txs []*models.Transaction) (int, error) {
	return s.write(txs, false), nil
}

func (s *InMemoryTransactionStore) Upsert(ctx context.Context, txs []*models.Transaction) (int, error) {
	return s.write(txs, true), nil
}

func (s *InMemoryTransactionStore) write(txs []*models.Transaction, overwrite bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, tx := range txs {
		insertDate := models.DateOf(tx.InsertDate)
		key := memberSnapshotKey{tx.ChannelID, tx.MemberID, insertDate}
		if existing, ok := s.rows[key]; ok {
			if !overwrite {
				continue
			}
			existing.BalanceDelta = tx.BalanceDelta
			existing.Currency = tx.Currency
			tx.ID = existing.ID
			n++
			continue
		}

		s.nextID++
		cp := *tx
		cp.ID = s.nextID
		cp.InsertDate = insertDate
		tx.ID = cp.ID
		s.rows[key] = &cp
		s.snapshots[insertDate]++

		ck := CohortKey{ChannelID: cp.ChannelID, RegistrationDate: cp.RegistrationDate(), SnapshotDate: insertDate}
		s.cohorts[ck] = append(s.cohorts[ck], &cp)
		n++
	}
	return n
}

func (s *InMemoryTransactionStore) SnapshotDates(ctx context.Context) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]time.Time, 0, len(s.snapshots))
	for d := range s.snapshots {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *InMemoryTransactionStore) HasSnapshot(ctx context.Context, date time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[models.DateOf(date)] > 0, nil
}

func (s *InMemoryTransactionStore) LatestSnapshot(ctx context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	found := false
	for d := range s.snapshots {
		if !found || d.After(latest) {
			latest, found = d, true
		}
	}
	return latest, found, nil
}

func (s *InMemoryTransactionStore) CohortBalance(ctx context.Context, key CohortKey) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key.RegistrationDate = models.DateOf(key.RegistrationDate)
	key.SnapshotDate = models.DateOf(key.SnapshotDate)
	return sumBalances(s.cohorts[key]), nil
}

func (s *InMemoryTransactionStore) CohortBalances(ctx context.Context, q CohortQuery) (map[CohortKey]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[CohortKey]decimal.Decimal)
	regDates := models.UniqueDates(q.RegistrationDates)
	snapDates := models.UniqueDates(q.SnapshotDates)
	for _, ch := range q.ChannelIDs {
		for _, reg := range regDates {
			for _, snap := range snapDates {
				key := CohortKey{ChannelID: ch, RegistrationDate: reg, SnapshotDate: snap}
				if rows, ok := s.cohorts[key]; ok {
					out[key] = sumBalances(rows)
				}
			}
		}
	}
	return out, nil
}

func (s *InMemoryTransactionStore) DailyActivity(ctx context.Context, q ActivityQuery) ([]*DailyActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, to := models.DateOf(q.From), models.DateOf(q.To)

	type memberKey struct {
		channelID int64
		memberID  string
		regDate   time.Time
	}
	latest := make(map[memberKey]*models.Transaction)
	for _, tx := range s.rows {
		if q.ChannelID != nil && tx.ChannelID != *q.ChannelID {
			continue
		}
		reg := tx.RegistrationDate()
		if reg.Before(from) || reg.After(to) {
			continue
		}
		k := memberKey{tx.ChannelID, tx.MemberID, reg}
		if cur, ok := latest[k]; !ok || tx.InsertDate.After(cur.InsertDate) {
			latest[k] = tx
		}
	}

	type dayKey struct {
		date      time.Time
		channelID int64
	}
	agg := make(map[dayKey]*DailyActivity)
	for k, tx := range latest {
		dk := dayKey{k.regDate, k.channelID}
		a, ok := agg[dk]
		if !ok {
			a = &DailyActivity{Date: k.regDate, ChannelID: k.channelID}
			agg[dk] = a
		}
		a.Registrations++
		if tx.BalanceDelta.IsPositive() {
			a.PayingUsers++
		}
		a.Balance = a.Balance.Add(tx.BalanceDelta)
	}

	out := make([]*DailyActivity, 0, len(agg))
	for _, a := range agg {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out, nil
}

func sumBalances(rows []*models.Transaction) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range rows {
		sum = sum.Add(tx.BalanceDelta)
	}
	return sum
}

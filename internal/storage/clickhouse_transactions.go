package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/shopspring/decimal"
)

// ClickHouseTransactionStore implements TransactionStore on a
// ReplacingMergeTree table. Reads use FINAL so that overwritten rows are
// collapsed to their latest version.
type ClickHouseTransactionStore struct {
	conn driver.Conn
	now  func() time.Time
}

func NewClickHouseTransactionStore(conn driver.Conn) *ClickHouseTransactionStore {
	return &ClickHouseTransactionStore{conn: conn, now: time.Now}
}

type snapshotRowKey struct {
	channelID  int64
	memberID   string
	insertDate time.Time
}

func (s *ClickHouseTransactionStore) Append(ctx context.Context, txs []*models.Transaction) (int, error) {
	existing, err := s.existingKeys(ctx, txs)
	if err != nil {
		return 0, err
	}
	fresh := make([]*models.Transaction, 0, len(txs))
	seen := make(map[snapshotRowKey]struct{}, len(txs))
	for _, t := range txs {
		k := snapshotRowKey{t.ChannelID, t.MemberID, models.DateOf(t.InsertDate)}
		if _, ok := existing[k]; ok {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		fresh = append(fresh, t)
	}
	return s.insert(ctx, fresh)
}

func (s *ClickHouseTransactionStore) Upsert(ctx context.Context, txs []*models.Transaction) (int, error) {
	return s.insert(ctx, txs)
}

func (s *ClickHouseTransactionStore) existingKeys(ctx context.Context, txs []*models.Transaction) (map[snapshotRowKey]struct{}, error) {
	out := make(map[snapshotRowKey]struct{})
	if len(txs) == 0 {
		return out, nil
	}

	channels := make(map[int64]struct{})
	members := make(map[string]struct{})
	var dates []time.Time
	for _, t := range txs {
		channels[t.ChannelID] = struct{}{}
		members[t.MemberID] = struct{}{}
		dates = append(dates, t.InsertDate)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT channel_id, member_id, insert_date
		FROM roi_transactions
		WHERE channel_id IN (?) AND member_id IN (?) AND insert_date IN (?)
	`, keysInt64(channels), keysString(members), models.UniqueDates(dates))
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k snapshotRowKey
		if err := rows.Scan(&k.channelID, &k.memberID, &k.insertDate); err != nil {
			return nil, fmt.Errorf("failed to scan existing transaction: %w", err)
		}
		k.insertDate = models.DateOf(k.insertDate)
		out[k] = struct{}{}
	}
	return out, rows.Err()
}

func (s *ClickHouseTransactionStore) insert(ctx context.Context, txs []*models.Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO roi_transactions (
		channel_id, member_id, registration_time, registration_date,
		balance_delta, insert_date, currency, version
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare transaction batch: %w", err)
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	version := uint64(s.now().UnixNano())
	for _, t := range txs {
		if err := batch.Append(
			t.ChannelID,
			t.MemberID,
			t.RegistrationTime.UTC(),
			t.RegistrationDate(),
			t.BalanceDelta,
			models.DateOf(t.InsertDate),
			t.Currency,
			version,
		); err != nil {
			return 0, fmt.Errorf("failed to append transaction: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("failed to send transaction batch: %w", err)
	}
	return len(txs), nil
}

func (s *ClickHouseTransactionStore) SnapshotDates(ctx context.Context) ([]time.Time, error) {
	rows, err := s.conn.Query(ctx, `SELECT DISTINCT insert_date FROM roi_transactions ORDER BY insert_date`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot date: %w", err)
		}
		dates = append(dates, models.DateOf(d))
	}
	return dates, rows.Err()
}

func (s *ClickHouseTransactionStore) HasSnapshot(ctx context.Context, date time.Time) (bool, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, `
		SELECT count() FROM roi_transactions WHERE insert_date = ?
	`, models.DateOf(date)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check snapshot: %w", err)
	}
	return n > 0, nil
}

func (s *ClickHouseTransactionStore) LatestSnapshot(ctx context.Context) (time.Time, bool, error) {
	var (
		latest time.Time
		n      uint64
	)
	if err := s.conn.QueryRow(ctx, `SELECT max(insert_date), count() FROM roi_transactions`).Scan(&latest, &n); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	if n == 0 {
		return time.Time{}, false, nil
	}
	return models.DateOf(latest), true, nil
}

func (s *ClickHouseTransactionStore) CohortBalance(ctx context.Context, key CohortKey) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.conn.QueryRow(ctx, `
		SELECT sum(balance_delta) FROM roi_transactions FINAL
		WHERE channel_id = ? AND registration_date = ? AND insert_date = ?
	`, key.ChannelID, models.DateOf(key.RegistrationDate), models.DateOf(key.SnapshotDate)).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum cohort balance: %w", err)
	}
	return sum, nil
}

func (s *ClickHouseTransactionStore) CohortBalances(ctx context.Context, q CohortQuery) (map[CohortKey]decimal.Decimal, error) {
	out := make(map[CohortKey]decimal.Decimal)
	if len(q.ChannelIDs) == 0 || len(q.RegistrationDates) == 0 || len(q.SnapshotDates) == 0 {
		return out, nil
	}

	rows, err := s.conn.Query(ctx, `
		SELECT channel_id, registration_date, insert_date, sum(balance_delta)
		FROM roi_transactions FINAL
		WHERE channel_id IN (?) AND registration_date IN (?) AND insert_date IN (?)
		GROUP BY channel_id, registration_date, insert_date
	`, q.ChannelIDs, models.UniqueDates(q.RegistrationDates), models.UniqueDates(q.SnapshotDates))
	if err != nil {
		return nil, fmt.Errorf("failed to sum cohort balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key CohortKey
			sum decimal.Decimal
		)
		if err := rows.Scan(&key.ChannelID, &key.RegistrationDate, &key.SnapshotDate, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan cohort balance: %w", err)
		}
		key.RegistrationDate = models.DateOf(key.RegistrationDate)
		key.SnapshotDate = models.DateOf(key.SnapshotDate)
		out[key] = sum
	}
	return out, rows.Err()
}

func (s *ClickHouseTransactionStore) DailyActivity(ctx context.Context, q ActivityQuery) ([]*DailyActivity, error) {
	conds := []string{"registration_date BETWEEN ? AND ?"}
	args := []any{models.DateOf(q.From), models.DateOf(q.To)}
	if q.ChannelID != nil {
		conds = append(conds, "channel_id = ?")
		args = append(args, *q.ChannelID)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT registration_date, channel_id, count(), countIf(balance > 0), sum(balance)
		FROM (
			SELECT channel_id, member_id, registration_date,
				argMax(balance_delta, insert_date) AS balance
			FROM roi_transactions FINAL
			WHERE `+strings.Join(conds, " AND ")+`
			GROUP BY channel_id, member_id, registration_date
		)
		GROUP BY registration_date, channel_id
		ORDER BY registration_date, channel_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate daily activity: %w", err)
	}
	defer rows.Close()

	var out []*DailyActivity
	for rows.Next() {
		var (
			a            DailyActivity
			regs, paying uint64
		)
		if err := rows.Scan(&a.Date, &a.ChannelID, &regs, &paying, &a.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan daily activity: %w", err)
		}
		a.Date = models.DateOf(a.Date)
		a.Registrations = int64(regs)
		a.PayingUsers = int64(paying)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func keysInt64(m map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func keysString(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

package attribution

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/radiusdt/channel-roi/internal/config"
	"github.com/radiusdt/channel-roi/internal/metrics"
	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/radiusdt/channel-roi/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ImportRow is one member balance as delivered by the upstream extract.
type ImportRow struct {
	ChannelName      string          `json:"channel_name"`
	MemberID         string          `json:"member_id"`
	RegistrationTime time.Time       `json:"registration_time"`
	BalanceDelta     decimal.Decimal `json:"balance_delta"`
	Currency         string          `json:"currency,omitempty"`
}

// ImportRequest is a snapshot batch. InsertDate defaults to today.
type ImportRequest struct {
	InsertDate string            `json:"insert_date,omitempty"`
	Mode       models.ImportMode `json:"mode,omitempty"`
	Rows       []ImportRow       `json:"rows"`
}

// ImportResult summarizes a finished import.
type ImportResult struct {
	InsertDate      time.Time   `json:"insert_date"`
	Rows            int         `json:"rows"`
	Written         int         `json:"written"`
	Skipped         int         `json:"skipped"`
	FailedChunks    int         `json:"failed_chunks"`
	ChannelsCreated []string    `json:"channels_created,omitempty"`
	Dates           []time.Time `json:"registration_dates"`
	ChannelIDs      []int64     `json:"channel_ids"`
}

// ImportService loads transaction snapshots.
type ImportService struct {
	channels  storage.ChannelRepo
	txs       storage.TransactionStore
	guard     storage.RecomputeGuard
	metrics   *metrics.Metrics
	logger    *zap.Logger
	chunkSize int
	now       func() time.Time
}

func NewImportService(
	channels storage.ChannelRepo,
	txs storage.TransactionStore,
	guard storage.RecomputeGuard,
	m *metrics.Metrics,
	logger *zap.Logger,
	chunkSize int,
) *ImportService {
	if chunkSize <= 0 {
		chunkSize = config.DefaultImportChunkSize
	}
	return &ImportService{
		channels:  channels,
		txs:       txs,
		guard:     guard,
		metrics:   m,
		logger:    logger,
		chunkSize: chunkSize,
		now:       time.Now,
	}
}

// Normalize validates req in place, filling defaults. Errors wrap ErrValidation.
func (s *ImportService) Normalize(req *ImportRequest) (time.Time, error) {
	if req.Mode == "" {
		req.Mode = models.ImportAppend
	}
	if !req.Mode.Valid() {
		return time.Time{}, validationError("unknown import mode %q", req.Mode)
	}

	insertDate := models.DateOf(s.now())
	if req.InsertDate != "" {
		d, err := models.ParseDate(req.InsertDate)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s", ErrValidation, err)
		}
		insertDate = d
	}
	req.InsertDate = models.FormatDate(insertDate)

	if len(req.Rows) == 0 {
		return time.Time{}, validationError("rows must not be empty")
	}
	for i := range req.Rows {
		r := &req.Rows[i]
		r.ChannelName = strings.TrimSpace(r.ChannelName)
		r.MemberID = strings.TrimSpace(r.MemberID)
		switch {
		case r.ChannelName == "":
			return time.Time{}, validationError("row %d: channel_name is required", i)
		case r.MemberID == "":
			return time.Time{}, validationError("row %d: member_id is required", i)
		case r.RegistrationTime.IsZero():
			return time.Time{}, validationError("row %d: registration_time is required", i)
		case models.DateOf(r.RegistrationTime).After(insertDate):
			return time.Time{}, validationError("row %d: registration_time is after insert_date %s", i, req.InsertDate)
		}
	}
	return insertDate, nil
}

// Import writes req's rows in chunks. Channels are created on first sight,
// matched case-insensitively. A chunk that fails is logged and skipped; the
// import fails only when nothing could be written.
func (s *ImportService) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	insertDate, err := s.Normalize(&req)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{InsertDate: insertDate, Rows: len(req.Rows)}
	channelIDs := make(map[string]int64)
	dates := make(map[time.Time]struct{})
	touched := make(map[int64]struct{})

	txs := make([]*models.Transaction, 0, len(req.Rows))
	for _, r := range req.Rows {
		key := strings.ToLower(r.ChannelName)
		id, ok := channelIDs[key]
		if !ok {
			ch, created, err := s.channels.EnsureByName(ctx, r.ChannelName)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve channel %q: %w", r.ChannelName, err)
			}
			if created {
				res.ChannelsCreated = append(res.ChannelsCreated, ch.Name)
				s.logger.Info("channel created by import", zap.Int64("channel_id", ch.ID), zap.String("name", ch.Name))
			}
			id = ch.ID
			channelIDs[key] = id
		}

		tx := &models.Transaction{
			ChannelID:        id,
			MemberID:         r.MemberID,
			RegistrationTime: r.RegistrationTime.UTC(),
			BalanceDelta:     r.BalanceDelta,
			InsertDate:       insertDate,
			Currency:         r.Currency,
		}
		txs = append(txs, tx)
		dates[tx.RegistrationDate()] = struct{}{}
		touched[id] = struct{}{}
	}

	write := s.txs.Append
	if req.Mode == models.ImportUpdateExisting {
		write = s.txs.Upsert
	}
	for start := 0; start < len(txs); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(txs) {
			end = len(txs)
		}
		n, err := write(ctx, txs[start:end])
		if err != nil {
			res.FailedChunks++
			s.logger.Error("failed to write transaction chunk",
				zap.Int("offset", start),
				zap.Int("rows", end-start),
				zap.Error(err),
			)
			continue
		}
		res.Written += n
	}
	res.Skipped = res.Rows - res.Written
	s.metrics.RecordImport(res.Written, res.Skipped)

	if res.Written == 0 && res.FailedChunks > 0 {
		return nil, fmt.Errorf("import failed: no rows written, %d chunks could not be written", res.FailedChunks)
	}
	if res.Written > 0 {
		if _, err := s.guard.Bump(ctx); err != nil {
			s.logger.Error("failed to bump input revision", zap.Error(err))
		}
	}

	for d := range dates {
		res.Dates = append(res.Dates, d)
	}
	res.Dates = models.UniqueDates(res.Dates)
	for id := range touched {
		res.ChannelIDs = append(res.ChannelIDs, id)
	}
	sort.Slice(res.ChannelIDs, func(i, j int) bool { return res.ChannelIDs[i] < res.ChannelIDs[j] })

	s.logger.Info("transactions imported",
		zap.String("insert_date", req.InsertDate),
		zap.String("mode", string(req.Mode)),
		zap.Int("rows", res.Rows),
		zap.Int("written", res.Written),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed_chunks", res.FailedChunks),
	)
	return res, nil
}

package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/radiusdt/channel-roi/internal/storage"
	"github.com/shopspring/decimal"
)

// ---- Exchange rates ----

type rateRequest struct {
	Rate decimal.Decimal `json:"rate"`
}

func (s *Server) handleListRates(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryRange(r)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := s.reference.ListRates(r.Context(), from, to)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, list)
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	date, err := pathDate(r, "date")
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req rateRequest
	if !s.decode(w, r, &req) {
		return
	}
	rate, change, err := s.reference.SetRate(r.Context(), date, req.Rate)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, map[string]any{"exchange_rate": rate, "recompute": change.Job})
}

func (s *Server) handleDeleteRate(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "date") == "default" {
		s.errorResponse(w, "the default exchange rate cannot be deleted", http.StatusMethodNotAllowed)
		return
	}
	date, err := pathDate(r, "date")
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	change, err := s.reference.DeleteRate(r.Context(), date)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, map[string]any{"deleted": true, "recompute": change.Job})
}

func (s *Server) handleGetDefaultRate(w http.ResponseWriter, r *http.Request) {
	d, err := s.reference.GetDefaultRate(r.Context())
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, d)
}

func (s *Server) handleSetDefaultRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, change, err := s.reference.SetDefaultRate(r.Context(), req.Rate)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, map[string]any{"default_rate": d, "recompute": change.Job})
}

// ---- Expenses ----

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryRange(r)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	channelID, err := queryChannel(r)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := storage.ExpenseQuery{From: from, To: to}
	if channelID != nil {
		q.ChannelIDs = []int64{*channelID}
	}
	list, err := s.reference.ListExpenses(r.Context(), q)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, list)
}

func (s *Server) handleSetExpense(w http.ResponseWriter, r *http.Request) {
	date, err := pathDate(r, "date")
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	channelID, err := pathID(r, "channel_id")
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	e, change, err := s.reference.SetExpense(r.Context(), date, channelID, req.Amount)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, map[string]any{"expense": e, "recompute": change.Job})
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	date, err := pathDate(r, "date")
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	channelID, err := pathID(r, "channel_id")
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	change, err := s.reference.DeleteExpense(r.Context(), date, channelID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, map[string]any{"deleted": true, "recompute": change.Job})
}

package httpserver

import (
	"net/http"
	"strconv"

	"github.com/radiusdt/channel-roi/internal/attribution"
	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/radiusdt/channel-roi/internal/storage"
)

// ---- Transactions ----

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req attribution.ImportRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.tasks.SubmitImport(r.Context(), req)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

// ---- ROI ----

type recomputeRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	ChannelID *int64 `json:"channel_id,omitempty"`
	MaxDays   int    `json:"max_days,omitempty"`
	Force     bool   `json:"force"`
	Async     bool   `json:"async"`
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if !s.decode(w, r, &req) {
		return
	}
	from, err := models.ParseDate(req.From)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := models.ParseDate(req.To)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MaxDays < 0 || req.MaxDays > models.MaxHorizon {
		s.errorResponse(w, "max_days must be between 1 and 40", http.StatusBadRequest)
		return
	}

	res, err := s.refresh.Refresh(r.Context(), attribution.RefreshRequest{
		From:      from,
		To:        to,
		ChannelID: req.ChannelID,
		MaxDays:   req.MaxDays,
		Force:     req.Force || r.URL.Query().Get("force") == "true",
		Async:     req.Async,
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if res.Job != nil {
		s.writeJSON(w, http.StatusAccepted, res)
		return
	}
	s.jsonResponse(w, res)
}

func (s *Server) handleHorizon(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date, err := models.ParseDate(q.Get("date"))
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	channelID, err := queryChannel(r)
	if err != nil || channelID == nil {
		s.errorResponse(w, "channel_id is required", http.StatusBadRequest)
		return
	}
	dayCount, err := strconv.Atoi(q.Get("day_count"))
	if err != nil {
		s.errorResponse(w, "day_count must be an integer", http.StatusBadRequest)
		return
	}

	res, err := s.engine.ComputeHorizon(r.Context(), date, *channelID, dayCount)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, res)
}

func (s *Server) handleListRoi(w http.ResponseWriter, r *http.Request) {
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
	list, err := s.roi.List(r.Context(), storage.RoiQuery{From: from, To: to, ChannelID: channelID})
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, list)
}

// ---- Reports ----

func (s *Server) handleReport(policy attribution.SummaryPolicy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
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
		q := attribution.ReportQuery{From: from, To: to, ChannelID: channelID, Policy: policy}
		if p := r.URL.Query().Get("policy"); p != "" {
			q.Policy = attribution.SummaryPolicy(p)
		}

		report, err := s.reporting.Build(r.Context(), q)
		if err != nil {
			s.handleError(w, r, err)
			return
		}
		s.jsonResponse(w, report)
	}
}

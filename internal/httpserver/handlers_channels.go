package httpserver

import (
	"net/http"

	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/shopspring/decimal"
)

// ---- Channels ----

type channelRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	list, err := s.channels.ListChannels(r.Context())
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, list)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if !s.decode(w, r, &req) {
		return
	}
	c := &models.Channel{Name: req.Name, Description: req.Description}
	if err := s.channels.CreateChannel(r.Context(), c); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, err := s.channels.GetChannel(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, c)
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req channelRequest
	if !s.decode(w, r, &req) {
		return
	}

	c, err := s.channels.GetChannel(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	c.Name = req.Name
	c.Description = req.Description
	if err := s.channels.UpdateChannel(r.Context(), c); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, c)
}

// ---- Channel default expense ----

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) handleGetDefaultExpense(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := s.reference.GetDefaultExpense(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, d)
}

func (s *Server) handleSetDefaultExpense(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, change, err := s.reference.SetDefaultExpense(r.Context(), id, req.Amount)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, map[string]any{"default_expense": d, "recompute": change.Job})
}

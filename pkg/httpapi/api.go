package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"basket/pkg/basket"
)

// basketResponse is the JSON view of a basket.
type basketResponse struct {
	Items   basket.Basket `json:"items"`
	Version string        `json:"version"`
	Totals  basket.Totals `json:"totals"`
}

// fragmentsResponse carries re-rendered anchors for in-page patching.
type fragmentsResponse struct {
	Page      string            `json:"page"`
	Ran       []string          `json:"ran"`
	Fragments map[string]string `json:"fragments"`
	Version   string            `json:"version"`
}

// itemPayload keeps transport level parsing separate from core types.
type itemPayload struct {
	ProductID   string  `json:"id"`
	Name        string  `json:"name"`
	Color       string  `json:"color"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
}

func (s *Server) getBasket(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.peek(w, r)
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	v := s.view(ctx, sess.owner())
	s.respondJSON(w, http.StatusOK, basketResponse{Items: v.Snapshot.Items, Version: v.Snapshot.Version, Totals: v.Totals})
}

func (s *Server) addItem(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.resolve(w, r)
	var payload itemPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.logger.Debug("add item rejected: unable to decode payload", zap.Error(err))
		s.respondError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	item := basket.LineItem{
		ProductID:   payload.ProductID,
		Name:        payload.Name,
		Color:       payload.Color,
		Description: payload.Description,
		Price:       payload.Price,
	}
	if p, ok := findProduct(s.catalog, payload.ProductID); ok {
		item.Name = p.Name
		item.Price = p.Price
	}
	if !s.cfg.Features.PriceTotals {
		item.Price = 0
	}
	if !s.cfg.Features.ColorCapture {
		item.Color = ""
	}
	if !s.cfg.Features.Description {
		item.Description = ""
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stored, err := s.store.Add(ctx, sess.owner(), item)
	if err != nil {
		s.logger.Warn("add item failed", zap.String("owner", sess.owner()), zap.Error(err))
		s.respondError(w, err.Error(), statusFor(err))
		return
	}
	sess.notify(stored.Label() + " added to your basket")
	s.respondJSON(w, http.StatusCreated, stored)
}

func (s *Server) removeItem(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.peek(w, r)
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		s.respondError(w, "invalid index", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if _, err := s.store.RemoveAt(ctx, sess.owner(), index, r.URL.Query().Get("version")); err != nil {
		s.respondStoreError(w, "remove item", sess.owner(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeLine(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.peek(w, r)
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if _, err := s.store.RemoveLine(ctx, sess.owner(), r.PathValue("lineID")); err != nil {
		s.respondStoreError(w, "remove line", sess.owner(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearBasket(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.peek(w, r)
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.store.Clear(ctx, sess.owner()); err != nil {
		s.respondStoreError(w, "clear basket", sess.owner(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fragments re-runs every renderer for the named document.
func (s *Server) fragments(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.peek(w, r)
	name := r.URL.Query().Get("page")
	doc, ok := documents[name]
	if !ok {
		s.respondError(w, "unknown page", http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	v := s.view(ctx, sess.owner())
	res, err := s.engine.Refresh(doc, v)
	if err != nil {
		s.logger.Error("fragment render failed", zap.String("page", name), zap.Error(err))
		s.respondError(w, "unable to render", http.StatusInternalServerError)
		return
	}
	out := fragmentsResponse{Page: name, Ran: res.Ran, Fragments: make(map[string]string, len(res.Fragments)), Version: v.Version()}
	if out.Ran == nil {
		out.Ran = []string{}
	}
	for a, html := range res.Fragments {
		out.Fragments[string(a)] = string(html)
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) checkDiscount(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Features.DiscountCode {
		s.respondError(w, "discount codes are disabled", http.StatusNotFound)
		return
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	s.respondJSON(w, http.StatusOK, s.checker.Check(payload.Code))
}

func (s *Server) respondStoreError(w http.ResponseWriter, op, owner string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.String("owner", owner), zap.Error(err))
	} else {
		s.logger.Debug(op+" rejected", zap.String("owner", owner), zap.Error(err))
	}
	msg := err.Error()
	switch {
	case errors.Is(err, basket.ErrStaleSnapshot):
		msg = basket.ErrStaleSnapshot.Error()
	case errors.Is(err, basket.ErrIndexOutOfRange):
		msg = basket.ErrIndexOutOfRange.Error()
	case errors.Is(err, basket.ErrLineNotFound):
		msg = basket.ErrLineNotFound.Error()
	}
	s.respondError(w, msg, status)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response encode failed", zap.Error(err))
	}
}

// respondError keeps JSON formatting consistent across endpoints.
func (s *Server) respondError(w http.ResponseWriter, message string, status int) {
	s.respondJSON(w, status, map[string]string{"error": message})
}


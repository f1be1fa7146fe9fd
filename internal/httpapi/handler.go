// Package httpapi is the app- and staff-facing HTTP surface. Scans
// submitted here flow through the same reconciliation path as
// box-driven sessions.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/goyaoxiang/lib-return-backend/internal/catalog"
	"github.com/goyaoxiang/lib-return-backend/internal/eventlog"
	"github.com/goyaoxiang/lib-return-backend/internal/gateway"
	"github.com/goyaoxiang/lib-return-backend/internal/identity"
	"github.com/goyaoxiang/lib-return-backend/internal/ledger"
	"github.com/goyaoxiang/lib-return-backend/internal/reconcile"
	"github.com/goyaoxiang/lib-return-backend/internal/returns"
	"github.com/goyaoxiang/lib-return-backend/internal/sessions"
)

// Unlocker sends the physical unlock command to a return box.
type Unlocker interface {
	SendUnlock(ctx context.Context, boxID int64) error
}

// Reconciler applies a closed session's tags to the ledger.
type Reconciler interface {
	ReconcileSession(ctx context.Context, sess *sessions.Session, userID *int64) *reconcile.SessionResult
}

// EventStreamer reads the audit journal.
type EventStreamer interface {
	Stream(ctx context.Context, fromID int64, batchSize int) ([]eventlog.Event, error)
}

// Handler serves the HTTP API.
type Handler struct {
	catalog    catalog.Lookup
	ledger     ledger.Ledger
	recorder   returns.Recorder
	engine     Reconciler
	journal    EventStreamer
	resolver   identity.Resolver
	unlocker   Unlocker
	logger     *zap.Logger
	now        func() time.Time
	loanPeriod time.Duration
}

// NewHandler wires the HTTP surface.
func NewHandler(cat catalog.Lookup, ldg ledger.Ledger, rec returns.Recorder, eng Reconciler, journal EventStreamer, resolver identity.Resolver, unlocker Unlocker, loanPeriodDays int, loc *time.Location, logger *zap.Logger) *Handler {
	return &Handler{
		catalog:    cat,
		ledger:     ldg,
		recorder:   rec,
		engine:     eng,
		journal:    journal,
		resolver:   resolver,
		unlocker:   unlocker,
		logger:     logger,
		now:        func() time.Time { return time.Now().In(loc) },
		loanPeriod: time.Duration(loanPeriodDays) * 24 * time.Hour,
	}
}

// Routes builds the chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/api/health", h.handleHealth)

	r.Route("/api/returns", func(r chi.Router) {
		r.Post("/scan", h.handleScan)
		r.Get("/", h.handleListReturns)
		r.Get("/{id}", h.handleGetReturn)
		r.Post("/{id}/process", h.handleProcessReturn)
	})

	r.Route("/api/loans", func(r chi.Router) {
		r.Post("/", h.handleCheckout)
		r.Get("/active", h.handleActiveLoans)
		r.Get("/overdue", h.handleOverdueLoans)
	})

	r.Post("/api/boxes/{id}/unlock", h.handleUnlock)
	r.Get("/api/events", h.handleEvents)

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// currentUser resolves the Bearer token. Authorization beyond identity
// is the authentication collaborator's concern.
func (h *Handler) currentUser(r *http.Request) (int64, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return h.resolver.CurrentUser(r.Context(), token)
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	userID, err := h.currentUser(r)
	if err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	var req struct {
		ReturnBoxID int64    `json:"returnBoxId"`
		EPCTags     []string `json:"epcTags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.EPCTags) == 0 {
		http.Error(w, "no EPC tags provided", http.StatusBadRequest)
		return
	}
	if req.ReturnBoxID != 0 {
		if _, err := h.catalog.GetReturnBox(r.Context(), req.ReturnBoxID); err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				http.Error(w, "return box not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	now := h.now()
	sess := &sessions.Session{
		ID:       uuid.New(),
		DeviceID: gateway.DeviceID(req.ReturnBoxID),
		OpenedAt: now,
		ClosedAt: now,
		Tags:     dedupe(req.EPCTags),
	}
	result := h.engine.ReconcileSession(r.Context(), sess, &userID)

	resp := struct {
		*reconcile.SessionResult
		Transaction *returns.ReturnTransaction `json:"transaction,omitempty"`
	}{SessionResult: result}
	if result.ReturnID != 0 {
		txn, err := h.recorder.Get(r.Context(), result.ReturnID)
		if err != nil {
			h.logger.Error("load transaction after scan", zap.Error(err))
		} else {
			resp.Transaction = txn
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func dedupe(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func (h *Handler) handleListReturns(w http.ResponseWriter, r *http.Request) {
	if _, err := h.currentUser(r); err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	txns, err := h.recorder.ListByStatus(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

func (h *Handler) handleGetReturn(w http.ResponseWriter, r *http.Request) {
	if _, err := h.currentUser(r); err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid transaction id", http.StatusBadRequest)
		return
	}

	txn, err := h.recorder.Get(r.Context(), id)
	if errors.Is(err, returns.ErrNotFound) {
		http.Error(w, "return transaction not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) handleProcessReturn(w http.ResponseWriter, r *http.Request) {
	staffID, err := h.currentUser(r)
	if err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid transaction id", http.StatusBadRequest)
		return
	}

	var req struct {
		Notes string `json:"notes"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	txn, err := h.recorder.Process(r.Context(), id, staffID, h.now(), req.Notes)
	if errors.Is(err, returns.ErrNotFound) {
		http.Error(w, "no pending transaction with that id", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, err := h.currentUser(r)
	if err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	var req struct {
		CopyID  int64      `json:"copyId"`
		DueDate *time.Time `json:"dueDate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := h.now()
	due := now.Add(h.loanPeriod)
	if req.DueDate != nil {
		due = *req.DueDate
	}

	loan, err := h.ledger.Checkout(r.Context(), userID, req.CopyID, now, due)
	if errors.Is(err, ledger.ErrCopyUnavailable) {
		http.Error(w, "book copy is not available", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) handleActiveLoans(w http.ResponseWriter, r *http.Request) {
	userID, err := h.currentUser(r)
	if err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	loans, err := h.ledger.ActiveLoansByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (h *Handler) handleOverdueLoans(w http.ResponseWriter, r *http.Request) {
	userID, err := h.currentUser(r)
	if err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	now := h.now()
	if _, err := h.ledger.MarkOverdue(r.Context(), now); err != nil {
		h.logger.Warn("overdue sweep failed", zap.Error(err))
	}

	loans, err := h.ledger.ActiveLoansByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	overdue := loans[:0]
	for _, l := range loans {
		if l.DueDate.Before(now) {
			overdue = append(overdue, l)
		}
	}
	writeJSON(w, http.StatusOK, overdue)
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if _, err := h.currentUser(r); err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid box id", http.StatusBadRequest)
		return
	}
	if _, err := h.catalog.GetReturnBox(r.Context(), id); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			http.Error(w, "return box not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := h.unlocker.SendUnlock(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "unlock sent"})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := h.currentUser(r); err != nil {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 100
	}

	events, err := h.journal.Stream(r.Context(), after, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

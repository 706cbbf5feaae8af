// Package api exposes the workflow over HTTP. Caller identity arrives in the
// X-User-ID header; issuing sessions is someone else's job.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"billtracker/internal/domain"
	"billtracker/internal/httpx"
	"billtracker/internal/metrics"
	"billtracker/internal/overlay"
	"billtracker/internal/workflow"

	"github.com/araddon/dateparse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const userHeader = "X-User-ID"

// Identity maps a caller id to the actor the workflow authorizes.
type Identity interface {
	ActorFor(userID string) domain.Actor
}

type Server struct {
	svc      *workflow.Service
	identity Identity
	metrics  *metrics.Metrics
	board    *overlay.Reconciler
	loc      *time.Location
}

type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithBoard serves /board from a live reconciler instead of a fresh
// snapshot per request.
func WithBoard(r *overlay.Reconciler) Option {
	return func(s *Server) { s.board = r }
}

func WithLocation(loc *time.Location) Option {
	return func(s *Server) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func NewServer(svc *workflow.Service, identity Identity, opts ...Option) *Server {
	s := &Server{svc: svc, identity: identity, loc: time.UTC}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/stages", s.listStages)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)

		r.Get("/bills", s.listBills)
		r.Post("/bills", s.registerBill)
		r.Delete("/bills/{bill}", s.archiveBill)
		r.Post("/bills/{bill}/stage", s.requestChange)
		r.Post("/bills/{bill}/status", s.recordStatus)

		r.Get("/proposals", s.listProposals)
		r.Post("/proposals", s.propose)
		r.Post("/proposals/{id}/approve", s.approve)
		r.Post("/proposals/{id}/reject", s.reject)
		r.Delete("/proposals/{id}", s.withdraw)

		r.Post("/classify", s.classify)
		r.Get("/board", s.getBoard)

		r.Get("/flags", s.listFlags)
		r.Post("/flags/{id}/resolve", s.resolveFlag)
	})
	return r
}

type actorKey struct{}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(userHeader))
		if userID == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing "+userHeader+" header")
			return
		}
		if strings.EqualFold(userID, domain.ClassifierActor.UserID) {
			httpx.WriteError(w, http.StatusForbidden, "FORBIDDEN", "user id "+userID+" is reserved")
			return
		}
		actor := s.identity.ActorFor(userID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) domain.Actor {
	actor, _ := r.Context().Value(actorKey{}).(domain.Actor)
	return actor
}

// writeServiceError maps workflow sentinels onto status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		httpx.WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrStaleTransition):
		httpx.WriteError(w, http.StatusConflict, "STALE_TRANSITION", err.Error())
	case errors.Is(err, domain.ErrClassifierTimeout):
		httpx.WriteError(w, http.StatusGatewayTimeout, "CLASSIFIER_TIMEOUT", err.Error())
	default:
		log.Printf("api error method=%s path=%s err=%v", r.Method, r.URL.Path, err)
		httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (s *Server) billFromPath(r *http.Request) (domain.Bill, error) {
	return s.svc.FindBill(r.Context(), chi.URLParam(r, "bill"))
}

// parseObservedAt accepts any layout dateparse knows. Empty means now.
func (s *Server) parseObservedAt(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := dateparse.ParseIn(raw, s.loc)
	if err != nil {
		return time.Time{}, errors.Join(domain.ErrValidation, err)
	}
	return t, nil
}

func (s *Server) listStages(w http.ResponseWriter, r *http.Request) {
	tax := s.svc.Taxonomy()
	out := make([]stageView, 0, len(tax.Stages()))
	for i, st := range tax.Stages() {
		out = append(out, newStageView(i, st))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"stages": out})
}

func (s *Server) listBills(w http.ResponseWriter, r *http.Request) {
	bills, err := s.svc.Bills(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]billView, 0, len(bills))
	for _, b := range bills {
		out = append(out, newBillView(b))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"bills": out})
}

func (s *Server) registerBill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Number string `json:"number"`
		Title  string `json:"title"`
		Stage  string `json:"stage"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	bill, err := s.svc.RegisterBill(r.Context(), actorFrom(r), req.Number, req.Title, req.Stage)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, newBillView(bill))
}

func (s *Server) archiveBill(w http.ResponseWriter, r *http.Request) {
	bill, err := s.billFromPath(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := s.svc.ArchiveBill(r.Context(), actorFrom(r), bill.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requestChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stage string `json:"stage"`
		Note  string `json:"note"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	bill, err := s.billFromPath(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	res, err := s.svc.RequestChange(r.Context(), actorFrom(r), bill.ID, req.Stage, req.Note)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := changeView{Committed: res.Committed, FromStage: res.FromStage, Stage: res.Stage}
	if res.Proposal != nil {
		pv := newProposalView(*res.Proposal)
		out.Proposal = &pv
	}
	status := http.StatusOK
	if !res.Committed {
		status = http.StatusAccepted
	}
	httpx.WriteJSON(w, status, out)
}

func (s *Server) recordStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text       string `json:"text"`
		ObservedAt string `json:"observed_at"`
		Source     string `json:"source"`
		// Classify runs the automated path right away instead of queueing.
		Classify bool `json:"classify"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	observedAt, err := s.parseObservedAt(req.ObservedAt)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	bill, err := s.billFromPath(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !req.Classify {
		obs, err := s.svc.RecordObservation(r.Context(), bill.ID, req.Text, observedAt, req.Source)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"observation_id": obs.ID, "queued": true})
		return
	}
	res, err := s.svc.ClassifyObservation(r.Context(), bill.ID, req.Text, observedAt, req.Source)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newClassifyView(res))
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.svc.LoadProposals(r.Context(), actorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]proposalView, 0, len(proposals))
	for _, p := range proposals {
		out = append(out, newProposalView(p))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"proposals": out})
}

func (s *Server) propose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bill  string `json:"bill"`
		Stage string `json:"stage"`
		Note  string `json:"note"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	bill, err := s.svc.FindBill(r.Context(), req.Bill)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = errors.Join(domain.ErrValidation, err)
		}
		writeServiceError(w, r, err)
		return
	}
	p, err := s.svc.ProposeChange(r.Context(), actorFrom(r), bill.ID, bill.CurrentStage, req.Stage, req.Note)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, newProposalView(p))
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.ApproveProposal(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "already_resolved"})
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newProposalView(p))
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.RejectProposal(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "already_resolved"})
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newProposalView(p))
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.WithdrawProposal(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) classify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Bill       string `json:"bill"`
		Text       string `json:"text"`
		ObservedAt string `json:"observed_at"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	observedAt, err := s.parseObservedAt(req.ObservedAt)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	bill, err := s.svc.FindBill(r.Context(), req.Bill)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	res, decision, err := s.svc.Preview(r.Context(), bill.ID, req.Text, observedAt)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, previewView{
		BillID:       bill.ID,
		CurrentStage: bill.CurrentStage,
		Stage:        res.Stage,
		Confidence:   res.Confidence,
		Reasoning:    res.Reasoning,
		Rule:         res.Rule,
		Accepted:     decision.Accepted,
		Reason:       decision.Reason,
	})
}

func (s *Server) getBoard(w http.ResponseWriter, r *http.Request) {
	cards, err := overlay.Cards(r.Context(), s.svc.Taxonomy(), s.svc, s.board)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(overlay.FormatBoardText(s.svc.Taxonomy(), cards)))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"cards": cards})
}

func (s *Server) listFlags(w http.ResponseWriter, r *http.Request) {
	var billID int64
	if ref := r.URL.Query().Get("bill"); ref != "" {
		bill, err := s.svc.FindBill(r.Context(), ref)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		billID = bill.ID
	}
	openOnly := r.URL.Query().Get("all") != "true"
	flags, err := s.svc.ListFlags(r.Context(), actorFrom(r), billID, openOnly)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]flagView, 0, len(flags))
	for _, f := range flags {
		out = append(out, newFlagView(f))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"flags": out})
}

func (s *Server) resolveFlag(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "VALIDATION", "flag id must be numeric")
		return
	}
	var req struct {
		Stage string `json:"stage"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	flag, err := s.svc.ResolveFlag(r.Context(), actorFrom(r), id, req.Stage)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newFlagView(flag))
}

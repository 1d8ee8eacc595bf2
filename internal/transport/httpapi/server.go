// Package httpapi exposes governance over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"marscolony.ai/internal/governance/accounts"
	"marscolony.ai/internal/governance/defence"
	"marscolony.ai/internal/governance/hall"
	"marscolony.ai/internal/governance/institutions"
	"marscolony.ai/internal/governance/prereq"
	"marscolony.ai/internal/governance/proposals"
	"marscolony.ai/internal/governance/referendum"
	"marscolony.ai/internal/governance/resolution"
	"marscolony.ai/internal/logger"
	"marscolony.ai/internal/metrics"
	"marscolony.ai/internal/persistence/indexdb"
	plog "marscolony.ai/internal/persistence/log"
	"marscolony.ai/internal/protocol"
)

const maxBody = 1 << 20

// ResolutionIndex answers queries over past resolutions.
type ResolutionIndex interface {
	Recent(ctx context.Context, kind string, limit int) ([]protocol.AuditEntry, error)
	Summary(ctx context.Context) ([]indexdb.StatusCount, error)
}

type Deps struct {
	Registry     *institutions.Registry
	Proposals    *proposals.Store
	Defence      *defence.Store
	Orchestrator *resolution.Orchestrator
	Referenda    *referendum.Engine
	Hall         *hall.Hall
	Ledger       *accounts.Ledger
	Prereq       *prereq.Checker
	Index        ResolutionIndex
	Observer     http.Handler
	Broadcast    protocol.Broadcaster
	Audit        plog.AuditSink
	Metrics      *metrics.Metrics
	Log          *logger.Logger
	// Base outlives individual requests. Referenda run on it so a client
	// disconnect does not abort the poll, while shutdown still does.
	Base context.Context
}

type Server struct {
	d   Deps
	log *logger.Logger
}

func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Broadcast == nil {
		d.Broadcast = protocol.Discard
	}
	if d.Base == nil {
		d.Base = context.Background()
	}
	if d.Prereq == nil {
		d.Prereq = prereq.NewChecker()
	}
	return &Server{d: d, log: d.Log.With("component", "http")}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.d.Metrics != nil {
		r.Handle("/metrics", s.d.Metrics.Handler())
	}
	if s.d.Observer != nil {
		r.Handle("/ws", s.d.Observer)
	}

	r.Route("/proposals", func(r chi.Router) {
		r.Get("/{id}", s.listProposals)
		r.Post("/{id}", s.voteProposal)
		r.Post("/add/{id}", s.addProposal)
		r.Get("/history/{id}", s.proposalHistory)
		r.Get("/prerequisites/{id}", s.checkPrerequisites)
	})
	r.Route("/defence", func(r chi.Router) {
		r.Get("/proposals/{id}", s.listWeaponProposals)
		r.Post("/proposals/{id}", s.voteWeaponProposal)
		r.Post("/proposals/add/{id}", s.addWeaponProposal)
		r.Get("/proposals/history/{id}", s.weaponProposalHistory)
		r.Get("/weapons/{id}", s.listWeapons)
		r.Post("/weapons/{id}/rebuild", s.rebuildWeapon)
		r.Post("/weapons/{id}/consume", s.consumeWeapon)
	})
	r.Route("/institutions", func(r chi.Router) {
		r.Get("/", s.listInstitutions)
		r.Post("/", s.createInstitution)
		r.Get("/{id}", s.getInstitution)
		r.Post("/{id}/shares", s.buyShares)
		r.Post("/{id}/workforce", s.hire)
		r.Post("/{id}/destroy", s.destroyInstitution)
	})
	r.Route("/referendum", func(r chi.Router) {
		r.Get("/", s.getReferenda)
		r.Post("/", s.runReferendum)
	})
	r.Route("/hall", func(r chi.Router) {
		r.Get("/board", s.getBoard)
		r.Get("/policies", s.listPolicies)
		r.Post("/policies", s.createPolicy)
		r.Post("/policies/{id}/vote", s.votePolicy)
	})
	r.Get("/accounts/{identity}", s.getAccount)
	r.Post("/accounts/{identity}", s.upsertAccount)
	r.Get("/resolutions", s.recentResolutions)
	r.Get("/resolutions/summary", s.resolutionSummary)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.d.Metrics == nil || r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.d.Metrics.HTTPRequests.WithLabelValues(r.Method+" "+route, strconv.Itoa(rec.code)).Inc()
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.Error("handler panic", "method", r.Method, "path", r.URL.Path, "panic", fmt.Sprint(v))
				writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "failed")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, protocol.ErrorBody{Error: msg, Code: errCode})
}

// fail maps package errors to protocol codes. Anything unrecognised is
// logged and reported as a generic failure.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, errCode := classify(err)
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, code, errCode, "failed")
		return
	}
	writeError(w, code, errCode, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, institutions.ErrBadRequest),
		errors.Is(err, proposals.ErrBadRequest),
		errors.Is(err, defence.ErrBadRequest),
		errors.Is(err, defence.ErrNotDefence),
		errors.Is(err, accounts.ErrBadRequest),
		errors.Is(err, hall.ErrBadRequest),
		errors.Is(err, referendum.ErrBadRequest):
		return http.StatusBadRequest, protocol.ErrBadRequest
	case errors.Is(err, institutions.ErrNotFound),
		errors.Is(err, proposals.ErrNotFound),
		errors.Is(err, defence.ErrNotFound),
		errors.Is(err, defence.ErrInstNotFound),
		errors.Is(err, accounts.ErrNotFound),
		errors.Is(err, hall.ErrNotFound):
		return http.StatusNotFound, protocol.ErrNotFound
	case errors.Is(err, hall.ErrNotBoardMember):
		return http.StatusForbidden, protocol.ErrNoPermission
	case errors.Is(err, institutions.ErrSoldOut),
		errors.Is(err, resolution.ErrInsufficient),
		errors.Is(err, accounts.ErrInsufficient):
		return http.StatusConflict, protocol.ErrNoResource
	case errors.Is(err, institutions.ErrDestroyed),
		errors.Is(err, defence.ErrWrongStatus),
		errors.Is(err, hall.ErrClosed),
		errors.Is(err, referendum.ErrReferendumActive):
		return http.StatusConflict, protocol.ErrConflict
	}
	return http.StatusInternalServerError, protocol.ErrInternal
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// readBody returns the raw request body, capped at maxBody.
func readBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, badRequest("read body: %v", err)
	}
	if len(b) > maxBody {
		return nil, badRequest("body too large")
	}
	return b, nil
}

func decode(r *http.Request, v any) error {
	b, err := readBody(r)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return badRequest("empty body")
	}
	if err := json.Unmarshal(b, v); err != nil {
		return badRequest("invalid json: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid %s %q", name, raw)
	}
	return id, nil
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (s *Server) audit(e protocol.AuditEntry) {
	if s.d.Audit == nil {
		return
	}
	if e.Time == "" {
		e.Time = nowRFC3339()
	}
	if err := s.d.Audit.WriteAudit(e); err != nil {
		s.log.Warn("audit write failed", "kind", e.Kind, "subject", e.SubjectID, "error", err)
	}
}

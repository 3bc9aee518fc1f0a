package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/adreport-cli/internal/model"
	"github.com/sells-group/adreport-cli/internal/report"
	"github.com/sells-group/adreport-cli/internal/store"
)

type reportRunner interface {
	Run(ctx context.Context, reportID int64, sel model.Selection) (*model.Report, error)
	Resume(ctx context.Context, reportID int64, force bool) (*model.Report, error)
}

type reportDeliverer interface {
	Deliver(ctx context.Context, id int64, actor string) (*model.Report, error)
}

type reportReader interface {
	GetReport(ctx context.Context, id int64, opts ...store.ReadOption) (*model.Report, error)
}

type keyphraseWriter interface {
	Ingest(ctx context.Context, phrase string, regions []int64, devices []string, count int64) (*model.Keyphrase, error)
	SoftDelete(ctx context.Context, phrase string) error
}

// api serves the report HTTP surface. Runs started without ?wait=true
// continue on bg after the response and are tracked by wg.
type api struct {
	runner     reportRunner
	deliverer  reportDeliverer
	reports    reportReader
	keyphrases keyphraseWriter
	gatherer   prometheus.Gatherer

	bg context.Context
	wg sync.WaitGroup
}

func newRouter(a *api, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/reports/{id}", a.getReport)
	r.Post("/reports/{id}/generate", a.generateReport)
	r.Post("/reports/{id}/retry", a.retryReport)
	r.Post("/reports/{id}/deliver", a.deliverReport)
	r.Post("/keyphrases", a.ingestKeyphrase)
	r.Delete("/keyphrases/{phrase}", a.deleteKeyphrase)

	return r
}

func (a *api) getReport(w http.ResponseWriter, r *http.Request) {
	id, ok := reportID(w, r)
	if !ok {
		return
	}
	rep, err := a.reports.GetReport(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (a *api) generateReport(w http.ResponseWriter, r *http.Request) {
	id, ok := reportID(w, r)
	if !ok {
		return
	}
	var body struct {
		Artifacts []string `json:"artifacts"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	sel, err := parseSelection(body.Artifacts)
	if err != nil {
		respondError(w, err)
		return
	}

	a.dispatch(w, r, id, "generate", func(ctx context.Context) (*model.Report, error) {
		return a.runner.Run(ctx, id, sel)
	})
}

func (a *api) retryReport(w http.ResponseWriter, r *http.Request) {
	id, ok := reportID(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"

	a.dispatch(w, r, id, "retry", func(ctx context.Context) (*model.Report, error) {
		return a.runner.Resume(ctx, id, force)
	})
}

// dispatch runs fn inline when the caller asked to wait, otherwise in the
// background with a 202 response.
func (a *api) dispatch(w http.ResponseWriter, r *http.Request, id int64, op string, fn func(ctx context.Context) (*model.Report, error)) {
	if r.URL.Query().Get("wait") == "true" {
		rep, err := fn(r.Context())
		if rep != nil {
			respondJSON(w, http.StatusOK, rep)
			return
		}
		respondError(w, err)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		rep, err := fn(a.bg)
		if err != nil {
			zap.L().Error("report run failed",
				zap.String("op", op),
				zap.Int64("report_id", id),
				zap.Error(err),
			)
			return
		}
		zap.L().Info("report run complete",
			zap.String("op", op),
			zap.Int64("report_id", id),
			zap.String("status", string(rep.Status)),
		)
	}()

	respondJSON(w, http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"report_id": id,
	})
}

func (a *api) deliverReport(w http.ResponseWriter, r *http.Request) {
	id, ok := reportID(w, r)
	if !ok {
		return
	}
	var body struct {
		DeliveredBy string `json:"delivered_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	rep, err := a.deliverer.Deliver(r.Context(), id, body.DeliveredBy)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (a *api) ingestKeyphrase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Phrase  string   `json:"phrase"`
		Count   int64    `json:"count"`
		Regions []int64  `json:"regions"`
		Devices []string `json:"devices"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	k, err := a.keyphrases.Ingest(r.Context(), body.Phrase, body.Regions, body.Devices, body.Count)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, k)
}

func (a *api) deleteKeyphrase(w http.ResponseWriter, r *http.Request) {
	if err := a.keyphrases.SoftDelete(r.Context(), chi.URLParam(r, "phrase")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func reportID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return 0, false
	}
	return id, true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConcurrentModification),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, report.ErrInvalidTransition),
		errors.Is(err, report.ErrRetriesExhausted):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalid),
		errors.Is(err, report.ErrEmptySelection):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

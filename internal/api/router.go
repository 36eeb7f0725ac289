// Package api is the thin HTTP surface over the dispatcher and the wait
// coordinator. Authentication, billing and request validation live in the
// upstream middleware; only an optional bearer check is applied here.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/nareg23/firecrawl/internal/dispatch"
	"github.com/nareg23/firecrawl/internal/planstore"
	"github.com/nareg23/firecrawl/internal/scrape"
	"github.com/nareg23/firecrawl/internal/utils"
	"github.com/nareg23/firecrawl/internal/wait"
)

type Router struct {
	dispatcher  *dispatch.Dispatcher
	waiter      *wait.Coordinator
	plans       planstore.Store
	logger      *slog.Logger
	bearerToken string
	waitTimeout time.Duration

	mux *http.ServeMux
}

func New(d *dispatch.Dispatcher, waiter *wait.Coordinator, plans planstore.Store, logger *slog.Logger, bearerToken string, waitTimeout time.Duration) *Router {
	r := &Router{
		dispatcher:  d,
		waiter:      waiter,
		plans:       plans,
		logger:      logger,
		bearerToken: bearerToken,
		waitTimeout: waitTimeout,
		mux:         http.NewServeMux(),
	}

	r.mux.HandleFunc("POST /v1/scrape", r.withAuth(r.handleScrape))
	r.mux.HandleFunc("POST /v1/batch/scrape", r.withAuth(r.handleBatchScrape))
	r.mux.HandleFunc("GET /v1/scrape/{id}", r.withAuth(r.handleWait))
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.bearerToken != "" && req.Header.Get("Authorization") != "Bearer "+r.bearerToken {
			WriteErrorUnauthorized(w, "invalid or missing bearer token")
			return
		}
		next(w, req)
	}
}

// scrapeRequest is the submission body for a single job. It mirrors the
// public API shape; unknown scrape options ride along in options.extension.
type scrapeRequest struct {
	ID                string         `json:"id,omitempty"`
	TeamID            string         `json:"team_id"`
	CrawlID           string         `json:"crawl_id,omitempty"`
	Mode              scrape.Mode    `json:"mode,omitempty"`
	Priority          int            `json:"priority,omitempty"`
	URL               string         `json:"url"`
	Options           scrape.Options `json:"options,omitempty"`
	TimeoutMS         int64          `json:"timeout_ms,omitempty"`
	IsExtract         bool           `json:"is_extract,omitempty"`
	FromExtract       bool           `json:"from_extract,omitempty"`
	ZeroDataRetention bool           `json:"zero_data_retention,omitempty"`
	DirectToQueue     bool           `json:"direct_to_queue,omitempty"`
}

func (sr *scrapeRequest) toJob() *scrape.Job {
	mode := sr.Mode
	if mode == "" {
		mode = scrape.ModeSingleURLs
	}
	return &scrape.Job{
		ID:                sr.ID,
		TeamID:            sr.TeamID,
		CrawlID:           sr.CrawlID,
		Mode:              mode,
		Priority:          sr.Priority,
		URL:               sr.URL,
		Options:           sr.Options,
		Timeout:           time.Duration(sr.TimeoutMS) * time.Millisecond,
		IsExtract:         sr.IsExtract,
		FromExtract:       sr.FromExtract,
		ZeroDataRetention: sr.ZeroDataRetention,
		DirectToQueue:     sr.DirectToQueue,
	}
}

func (sr *scrapeRequest) validate() string {
	if sr.TeamID == "" {
		return "team_id is required"
	}
	if sr.URL == "" {
		return "url is required"
	}
	if sr.Mode != "" && !sr.Mode.IsValid() {
		return "unknown mode"
	}
	return ""
}

type scrapeResponse struct {
	ID       string            `json:"id"`
	Deferred bool              `json:"deferred"`
	Docs     []scrape.Document `json:"docs,omitempty"`
}

// handleScrape submits one job. With ?wait=true the request blocks through
// the wait coordinator and returns the documents.
func (r *Router) handleScrape(w http.ResponseWriter, req *http.Request) {
	var body scrapeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		WriteErrorBadRequest(w, "invalid JSON body")
		return
	}
	if msg := body.validate(); msg != "" {
		WriteErrorBadRequest(w, msg)
		return
	}

	job := body.toJob()
	rec, err := r.dispatcher.SubmitOne(req.Context(), job)
	if err != nil {
		WriteError(w, err)
		return
	}

	if req.URL.Query().Get("wait") != "true" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(scrapeResponse{ID: job.ID, Deferred: rec == nil})
		return
	}

	docs, err := r.waiter.WaitForJob(req.Context(), job.ID, r.waitTimeout)
	if err != nil {
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(scrapeResponse{ID: job.ID, Docs: docs})
}

// batchRequest is the bulk submission body. An optional crawl block
// registers per-crawl limits before admission.
type batchRequest struct {
	Jobs  []scrapeRequest `json:"jobs"`
	Crawl *struct {
		ID             string         `json:"id"`
		TeamID         string         `json:"team_id"`
		MaxConcurrency int            `json:"max_concurrency,omitempty"`
		DelayMS        int64          `json:"delay_ms,omitempty"`
		CrawlerOptions map[string]any `json:"crawler_options,omitempty"`
	} `json:"crawl,omitempty"`
}

// handleBatchScrape submits many jobs at once.
func (r *Router) handleBatchScrape(w http.ResponseWriter, req *http.Request) {
	var body batchRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		WriteErrorBadRequest(w, "invalid JSON body")
		return
	}
	if len(body.Jobs) == 0 {
		WriteErrorBadRequest(w, "jobs must not be empty")
		return
	}

	if body.Crawl != nil && body.Crawl.ID != "" {
		crawl := &scrape.Crawl{
			ID:             body.Crawl.ID,
			TeamID:         body.Crawl.TeamID,
			MaxConcurrency: body.Crawl.MaxConcurrency,
			Delay:          time.Duration(body.Crawl.DelayMS) * time.Millisecond,
			CrawlerOptions: body.Crawl.CrawlerOptions,
			CreatedAt:      utils.NowUTC(),
		}
		if err := r.plans.SaveCrawl(req.Context(), crawl); err != nil {
			WriteError(w, err)
			return
		}
	}

	jobs := make([]*scrape.Job, 0, len(body.Jobs))
	for i := range body.Jobs {
		if msg := body.Jobs[i].validate(); msg != "" {
			WriteErrorBadRequest(w, msg)
			return
		}
		jobs = append(jobs, body.Jobs[i].toJob())
	}

	if err := r.dispatcher.SubmitMany(req.Context(), jobs); err != nil {
		WriteError(w, err)
		return
	}

	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"ids": ids})
}

// handleWait blocks until the job completes, up to ?timeout_ms.
func (r *Router) handleWait(w http.ResponseWriter, req *http.Request) {
	jobID := req.PathValue("id")
	if jobID == "" {
		WriteErrorBadRequest(w, "job id is required")
		return
	}

	timeout := r.waitTimeout
	if raw := req.URL.Query().Get("timeout_ms"); raw != "" {
		var ms int64
		if err := json.Unmarshal([]byte(raw), &ms); err != nil || ms <= 0 {
			WriteErrorBadRequest(w, "invalid timeout_ms")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	docs, err := r.waiter.WaitForJob(req.Context(), jobID, timeout)
	if err != nil {
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(scrapeResponse{ID: jobID, Docs: docs})
}

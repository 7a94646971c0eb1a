// Package main implements the slideforge API server: the thin HTTP
// adaptor around job admission, status polling, and artifact download,
// backed by the provisioning supervisor, job store, queue, and pipeline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/slideforge/slideforge/engine/agentclient"
	"github.com/slideforge/slideforge/engine/domain"
	"github.com/slideforge/slideforge/engine/events"
	"github.com/slideforge/slideforge/engine/jobqueue"
	"github.com/slideforge/slideforge/engine/jobstore"
	"github.com/slideforge/slideforge/engine/pipeline"
	"github.com/slideforge/slideforge/engine/provision"
	"github.com/slideforge/slideforge/engine/render"
	"github.com/slideforge/slideforge/internal/statestore"
	"github.com/slideforge/slideforge/pkg/metrics"
	"github.com/slideforge/slideforge/pkg/mid"
	"github.com/slideforge/slideforge/pkg/resilience"
)

// Config holds all environment-based configuration.
type Config struct {
	Port                   string
	FoundryEndpoint        string
	FoundryAPIVersion      string
	ModelDeploymentName    string
	FoundryHTTPTimeoutSecs int
	SeedDataDir            string
	StateStoreKind         string
	StateLocalPath         string
	JobDataDir             string
	AllowHTMLDownload      bool
	HTMLDownloadAPIKey     string
	CORSAllowedOrigins     []string
	LogLevel               string
	MetricsPort            int
	BreakerFailThreshold   int
	BreakerOpenSeconds     int
	AgentRateLimitPerSec   float64
	AgentRateBurst         int
	NATSURL                string
	RendererURL            string
}

func loadConfig() Config {
	return Config{
		Port:                   envOr("PORT", "8080"),
		FoundryEndpoint:        envOr("FOUNDRY_PROJECT_ENDPOINT", ""),
		FoundryAPIVersion:      envOr("FOUNDRY_API_VERSION", "2025-11-15-preview"),
		ModelDeploymentName:    envOr("MODEL_DEPLOYMENT_NAME", ""),
		FoundryHTTPTimeoutSecs: clampInt(envOrInt("FOUNDRY_HTTP_TIMEOUT_SECONDS", 600), 10, 600),
		SeedDataDir:            envOr("SEED_DATA_DIR", "seed-data"),
		StateStoreKind:         envOr("STATE_STORE", "local"),
		StateLocalPath:         envOr("STATE_LOCAL_PATH", "data/state.json"),
		JobDataDir:             envOr("JOB_DATA_DIR", "data/jobs"),
		AllowHTMLDownload:      envOrBool("ALLOW_HTML_DOWNLOAD", false),
		HTMLDownloadAPIKey:     envOr("HTML_DOWNLOAD_API_KEY", ""),
		CORSAllowedOrigins:     splitCSV(envOr("CORS_ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:               envOr("LOG_LEVEL", "info"),
		MetricsPort:            envOrInt("METRICS_PORT", 9095),
		BreakerFailThreshold:   envOrInt("BREAKER_FAIL_THRESHOLD", 5),
		BreakerOpenSeconds:     envOrInt("BREAKER_OPEN_SECONDS", 30),
		AgentRateLimitPerSec:   envOrFloat("AGENT_RATE_LIMIT_PER_SEC", 5),
		AgentRateBurst:         envOrInt("AGENT_RATE_BURST", 10),
		NATSURL:                envOr("NATS_URL", ""),
		RendererURL:            envOr("RENDERER_URL", ""),
	}
}

func (c Config) validate() error {
	if c.FoundryEndpoint == "" {
		return errors.New("FOUNDRY_PROJECT_ENDPOINT is required")
	}
	if c.ModelDeploymentName == "" {
		return errors.New("MODEL_DEPLOYMENT_NAME is required")
	}
	if c.RendererURL == "" {
		return errors.New("RENDERER_URL is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envOrBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	cfg := loadConfig()

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

// canonicalInstructions is the product copy for each of the five agents.
// It is data, not orchestration logic, and could equally be loaded from
// config; hardcoded here since no external source is configured for it.
var canonicalInstructions = pipeline.Instructions{
	Planner: "You turn a single-slide request into a concise outline: a title " +
		"(<=80 chars), 3-6 bullets, up to 8 web search queries, and up to 24 " +
		"key constraints extracted from the prompt.",
	WebResearch: "You research the given queries using web search and return " +
		"grounded findings with citations (title, url, supporting quote).",
	FileResearch: "You search the attached reference files for material relevant " +
		"to the prompt and outline, returning grounded snippets with citations.",
	Generator: "You write a single self-contained HTML document with exactly one " +
		"<section class=\"slide\"> element sized to the given canvas, with no " +
		"<script> tags, using the outline and research provided.",
	Validator: "You validate a generated slide's HTML against its canvas and " +
		"safe-margin constraints, returning ok, a list of issues, and, if not " +
		"ok, a prompt appendix describing how to fix them.",
}

func run(cfg Config, logger *slog.Logger) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	met.ServeAsync(cfg.MetricsPort)

	var pub events.Publisher = events.Noop{}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn("nats connect failed, job events disabled", "err", err)
		} else {
			defer nc.Close()
			pub = events.NewNATSPublisher(nc, logger)
		}
	}

	store, err := jobstore.New(cfg.JobDataDir, pub)
	if err != nil {
		return fmt.Errorf("jobstore: %w", err)
	}

	state, err := statestore.NewLocalFile(cfg.StateLocalPath)
	if err != nil {
		return fmt.Errorf("statestore: %w", err)
	}

	agentClient := agentclient.New(agentclient.Config{
		Endpoint:            cfg.FoundryEndpoint,
		APIVersion:          cfg.FoundryAPIVersion,
		ModelDeploymentName: cfg.ModelDeploymentName,
		Timeout:             time.Duration(cfg.FoundryHTTPTimeoutSecs) * time.Second,
		Breaker: resilience.BreakerOpts{
			FailThreshold: cfg.BreakerFailThreshold,
			Timeout:       time.Duration(cfg.BreakerOpenSeconds) * time.Second,
			HalfOpenMax:   1,
		},
		RateLimitPerSec: cfg.AgentRateLimitPerSec,
		RateBurst:       cfg.AgentRateBurst,
	}, environCredential{}, logger, met)

	supervisor := provision.New(agentClient, state, cfg.SeedDataDir, cfg.ModelDeploymentName, provision.Instructions{
		Planner:      canonicalInstructions.Planner,
		WebResearch:  canonicalInstructions.WebResearch,
		FileResearch: canonicalInstructions.FileResearch,
		Generator:    canonicalInstructions.Generator,
		Validator:    canonicalInstructions.Validator,
	}, logger)
	go supervisor.Run(ctx)

	renderer := render.NewHTTPRenderer(cfg.RendererURL, time.Duration(cfg.FoundryHTTPTimeoutSecs)*time.Second)

	orch := pipeline.New(agentClient, store, renderer, supervisor, cfg.ModelDeploymentName, canonicalInstructions, logger)

	queue := jobqueue.New()
	mQueueDepth := met.Gauge("slidejobs_queue_depth", "Number of jobs waiting to be picked up by the worker")
	mJobsTotal := func(status string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("slidejobs_jobs_total", "status", status), "Total jobs by terminal status")
	}
	mStageDuration := met.Histogram("slidejobs_pipeline_stage_duration_seconds", "Wall-clock time of a full pipeline run", nil)

	go worker(ctx, queue, store, orch, logger, mQueueDepth, mJobsTotal, mStageDuration)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("POST /api/generate", handleGenerate(store, queue, mQueueDepth, logger))
	mux.HandleFunc("GET /api/jobs/{jobId}", handleJobStatus(store))
	mux.HandleFunc("GET /api/jobs/{jobId}/preview.png", handlePreviewPNG(store))
	mux.HandleFunc("GET /api/jobs/{jobId}/result.html", handleResultHTML(store, cfg))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORSAllowlist(cfg.CORSAllowedOrigins),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// worker drains the queue and runs each job's pipeline to completion,
// synthesizing a failed state from any uncaught error other than context
// cancellation (which is only logged) so the worker loop itself never dies.
func worker(ctx context.Context, queue *jobqueue.Queue, store *jobstore.Store, orch *pipeline.Orchestrator, logger *slog.Logger, qDepth *metrics.Gauge, jobsTotal func(string) *metrics.Counter, stageDuration *metrics.Histogram) {
	for {
		jobID, err := queue.Dequeue(ctx)
		if err != nil {
			return
		}
		qDepth.Set(int64(queue.Len()))

		jobLogger := logger.With("job_id", jobID)
		start := time.Now()
		runErr := orch.Run(ctx, jobID)
		stageDuration.Since(start)

		if runErr != nil {
			if errors.Is(runErr, context.Canceled) {
				jobLogger.Warn("pipeline run cancelled", "err", runErr)
				continue
			}
			jobLogger.Error("pipeline run failed", "err", runErr)
			jobsTotal("failed").Inc()
			if _, updErr := store.Update(ctx, jobID, func(s *domain.JobState) {
				s.Status = domain.StatusFailed
				s.Step = ""
				s.Error = runErr.Error()
			}); updErr != nil {
				jobLogger.Error("failed to record job failure", "err", updErr)
			}
			continue
		}
		jobsTotal("succeeded").Inc()
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// generateRequest is the JSON body for POST /api/generate.
type generateRequest struct {
	Prompt      string `json:"prompt"`
	Aspect      string `json:"aspect"`
	ImageBase64 string `json:"imageBase64,omitempty"`
}

type generateResponse struct {
	JobID string `json:"jobId"`
}

func handleGenerate(store *jobstore.Store, queue *jobqueue.Queue, qDepth *metrics.Gauge, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 12<<20)

		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "request body must be valid JSON.")
			return
		}

		if err := domain.ValidatePrompt(req.Prompt); err != nil {
			writeError(w, http.StatusBadRequest, userMessage(err))
			return
		}
		aspect, err := domain.ValidateAspect(req.Aspect)
		if err != nil {
			writeError(w, http.StatusBadRequest, userMessage(err))
			return
		}
		imageDataURL, _, _, err := domain.NormalizeImage(req.ImageBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, userMessage(err))
			return
		}

		jobID := uuid.NewString()
		if err := store.Create(r.Context(), jobID, req.Prompt, aspect, imageDataURL); err != nil {
			logger.Error("job create failed", "job_id", jobID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error.")
			return
		}
		queue.Enqueue(jobID)
		qDepth.Set(int64(queue.Len()))

		writeJSON(w, http.StatusOK, generateResponse{JobID: jobID})
	}
}

// userMessage extracts the sentinel error text for a ValidationError,
// falling back to the error's own message, and appends a trailing period.
func userMessage(err error) string {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return verr.Wrapped.Error() + "."
	}
	return err.Error() + "."
}

// jobStatusResponse is the JSON shape of GET /api/jobs/{jobId}.
type jobStatusResponse struct {
	Status        domain.Status  `json:"status"`
	Step          domain.Step    `json:"step,omitempty"`
	Error         string         `json:"error,omitempty"`
	PreviewPNGURL string         `json:"previewPngUrl,omitempty"`
	Sources       domain.Sources `json:"sources"`
}

func handleJobStatus(store *jobstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("jobId")
		st, ok, err := store.Get(jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal server error.")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "job not found.")
			return
		}

		resp := jobStatusResponse{
			Status:  st.Status,
			Step:    st.Step,
			Error:   st.Error,
			Sources: st.Sources,
		}
		if st.Status == domain.StatusSucceeded && st.PreviewPNGPath != "" {
			if _, statErr := os.Stat(st.PreviewPNGPath); statErr == nil {
				resp.PreviewPNGURL = fmt.Sprintf("/api/jobs/%s/preview.png", jobID)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handlePreviewPNG(store *jobstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("jobId")
		st, ok, err := store.Get(jobID)
		if err != nil || !ok || st.Status != domain.StatusSucceeded || st.PreviewPNGPath == "" {
			writeError(w, http.StatusNotFound, "preview not available.")
			return
		}
		if _, statErr := os.Stat(st.PreviewPNGPath); statErr != nil {
			writeError(w, http.StatusNotFound, "preview not available.")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		http.ServeFile(w, r, st.PreviewPNGPath)
	}
}

func handleResultHTML(store *jobstore.Store, cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.AllowHTMLDownload {
			writeError(w, http.StatusNotFound, "html download is disabled.")
			return
		}
		if cfg.HTMLDownloadAPIKey != "" && r.Header.Get("X-Download-Key") != cfg.HTMLDownloadAPIKey {
			writeError(w, http.StatusUnauthorized, "invalid download key.")
			return
		}

		jobID := r.PathValue("jobId")
		st, ok, err := store.Get(jobID)
		if err != nil || !ok || st.ResultHTMLPath == "" {
			writeError(w, http.StatusNotFound, "result not available.")
			return
		}
		if _, statErr := os.Stat(st.ResultHTMLPath); statErr != nil {
			writeError(w, http.StatusNotFound, "result not available.")
			return
		}

		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.html"`, filepath.Base(jobID)))
		http.ServeFile(w, r, st.ResultHTMLPath)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// environCredential is a development-mode TokenProvider reading a static
// bearer token from the environment; production deployments would swap in
// a real credential provider without changing agentclient.
type environCredential struct{}

func (environCredential) Token(ctx context.Context, audience string) (agentclient.Token, error) {
	tok := os.Getenv("FOUNDRY_API_KEY")
	if tok == "" {
		return agentclient.Token{}, errors.New("FOUNDRY_API_KEY is not set")
	}
	return agentclient.Token{Value: tok, ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

// Package pipeline is the multi-agent state machine: it composes the
// effective prompt, runs Plan, Research(Web) and Research(File), drives the
// bounded generate/validate fix loop, and renders the final PNG. Planner
// and research failures degrade to empty/fallback output; generator,
// validator, and render failures are fatal and propagate to the caller
// (the job worker), which marks the job failed.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slideforge/slideforge/engine/agentclient"
	"github.com/slideforge/slideforge/engine/domain"
	"github.com/slideforge/slideforge/engine/render"
)

// Instructions holds the canonical system prompt for each agent role.
type Instructions struct {
	Planner      string
	WebResearch  string
	FileResearch string
	Generator    string
	Validator    string
}

// AgentCaller is the narrow slice of agentclient.Client the pipeline needs.
type AgentCaller interface {
	CreateResponse(ctx context.Context, req agentclient.ResponseRequest) (agentclient.Envelope, error)
}

// JobStore is the narrow slice of jobstore.Store the pipeline needs.
type JobStore interface {
	Update(ctx context.Context, jobID string, mutate func(*domain.JobState)) (domain.JobState, error)
	SaveHTML(ctx context.Context, jobID, html string) error
	SavePreviewPNG(ctx context.Context, jobID string, png []byte) error
	GetInput(jobID string) (domain.JobInput, bool, error)
}

// Readiness exposes the provisioning supervisor's one-shot latch and its
// published context, without coupling the pipeline to engine/provision.
type Readiness interface {
	Ready() <-chan struct{}
	Context() domain.ProvisionContext
}

// Orchestrator runs one job's pipeline invocation end to end.
type Orchestrator struct {
	caller       AgentCaller
	store        JobStore
	renderer     render.Renderer
	ready        Readiness
	modelName    string
	instructions Instructions
	logger       *slog.Logger
}

// New creates an Orchestrator.
func New(caller AgentCaller, store JobStore, renderer render.Renderer, ready Readiness, modelName string, instructions Instructions, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		caller:       caller,
		store:        store,
		renderer:     renderer,
		ready:        ready,
		modelName:    modelName,
		instructions: instructions,
		logger:       logger,
	}
}

// Run drives jobID through the full pipeline. A non-nil error means a
// fatal stage failed (generation, validation, parsing, or rendering); the
// caller is responsible for recording the job as failed.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	select {
	case <-o.ready.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}
	pc := o.ready.Context()

	input, ok, err := o.store.GetInput(jobID)
	if err != nil {
		return fmt.Errorf("pipeline: get_input: %w", err)
	}
	if !ok {
		return domain.ErrNotFound
	}

	if _, err := o.store.Update(ctx, jobID, func(s *domain.JobState) {
		s.Status = domain.StatusRunning
		s.Step = domain.StepPlan
	}); err != nil {
		return fmt.Errorf("pipeline: update to running: %w", err)
	}

	effectivePrompt := ComposeEffectivePrompt(input.Prompt, input.Aspect)
	outline := o.planStage(ctx, pc, input, effectivePrompt)
	web, file := o.researchStage(ctx, jobID, pc, input, effectivePrompt, outline)
	o.mergeSources(ctx, jobID, web, file)

	html, err := o.generateValidateLoop(ctx, jobID, pc, input, effectivePrompt, outline, web, file)
	if err != nil {
		return err
	}

	png, err := o.renderer.Render(ctx, html, input.Aspect)
	if err != nil {
		return fmt.Errorf("pipeline: render: %w", err)
	}
	if err := o.store.SavePreviewPNG(ctx, jobID, png); err != nil {
		return fmt.Errorf("pipeline: save preview: %w", err)
	}

	_, err = o.store.Update(ctx, jobID, func(s *domain.JobState) {
		s.Status = domain.StatusSucceeded
		s.Step = ""
		s.Error = ""
	})
	if err != nil {
		return fmt.Errorf("pipeline: update to succeeded: %w", err)
	}
	return nil
}

// mergeSources merges newly-returned citations into the job's sources
// sets, case-insensitively deduplicated against what's already recorded.
func (o *Orchestrator) mergeSources(ctx context.Context, jobID string, web domain.WebResearchOutput, file domain.FileResearchOutput) {
	var urls, files []string
	for _, c := range web.Citations {
		if c.URL != "" {
			urls = append(urls, c.URL)
		}
	}
	for _, c := range file.Citations {
		if c.Filename != "" {
			files = append(files, c.Filename)
		}
	}
	if len(urls) == 0 && len(files) == 0 {
		return
	}
	if _, err := o.store.Update(ctx, jobID, func(s *domain.JobState) {
		s.Sources.URLs = mergeCaseInsensitive(s.Sources.URLs, urls)
		s.Sources.Files = mergeCaseInsensitive(s.Sources.Files, files)
	}); err != nil {
		o.logger.Warn("pipeline: merge sources failed", "job_id", jobID, "err", err)
	}
}

// Package provision is the boot-time supervisor: it runs once,
// deciding the vector store (reuse, build from seed files, or go without),
// reconciling the five canonical agent definitions, and then signaling
// readiness to every waiter. Failures are logged, never fatal — a
// degraded provisioning still lets the pipeline run with reduced
// capability.
package provision

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/slideforge/slideforge/engine/agentclient"
	"github.com/slideforge/slideforge/engine/domain"
)

const (
	vectorStoreName    = "seed-data"
	vectorStoreKey     = "vectorStoreId"
	vectorStoreTimeout = 2 * time.Minute

	agentPlanner      = "planner"
	agentWebResearch  = "web-research"
	agentFileResearch = "file-research"
	agentGenerator    = "html-generator"
	agentValidator    = "validator"
)

var seedExtensions = map[string]bool{".md": true, ".pdf": true, ".txt": true}

// StateStore is the minimal key-value contract provisioning needs, matching
// internal/statestore.Store (vectorStoreId persistence only).
type StateStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Instructions holds each canonical agent's system prompt. Callers supply
// these (they are product copy, not orchestration logic).
type Instructions struct {
	Planner      string
	WebResearch  string
	FileResearch string
	Generator    string
	Validator    string
}

// Supervisor runs the boot-time provisioning protocol and publishes a
// one-shot readiness latch.
type Supervisor struct {
	client       *agentclient.Client
	state        StateStore
	seedDir      string
	modelName    string
	instructions Instructions
	logger       *slog.Logger

	readyOnce sync.Once
	readyCh   chan struct{}

	mu  sync.RWMutex
	ctx domain.ProvisionContext
}

// New creates a Supervisor. seedDir is scanned for .md/.pdf/.txt files when
// no vector store id is already persisted.
func New(client *agentclient.Client, state StateStore, seedDir, modelName string, instructions Instructions, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		client:       client,
		state:        state,
		seedDir:      seedDir,
		modelName:    modelName,
		instructions: instructions,
		logger:       logger,
		readyCh:      make(chan struct{}),
	}
}

// Run executes the provisioning protocol once, then signals readiness
// regardless of how far it got. Safe to call once at startup.
func (s *Supervisor) Run(ctx context.Context) {
	vectorStoreID := s.decideVectorStore(ctx)
	agentIDs := s.reconcileAgents(ctx, vectorStoreID)

	s.mu.Lock()
	s.ctx = domain.ProvisionContext{VectorStoreID: vectorStoreID, AgentIDs: agentIDs}
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.readyCh) })
}

// Ready returns a channel closed once provisioning has run to completion
// (however degraded). Many goroutines may wait on it concurrently.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.readyCh
}

// Context returns the published provisioning context. Only valid for
// readers after Ready() is closed.
func (s *Supervisor) Context() domain.ProvisionContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *Supervisor) decideVectorStore(ctx context.Context) string {
	if existing, ok, err := s.state.Get(vectorStoreKey); err == nil && ok && existing != "" {
		if err := s.client.WaitVectorStoreReady(ctx, existing, vectorStoreTimeout); err != nil {
			s.logger.Warn("provision: existing vector store not ready, continuing without file research", "vector_store_id", existing, "err", err)
			return ""
		}
		return existing
	}

	files, err := seedFiles(s.seedDir)
	if err != nil {
		s.logger.Warn("provision: seed dir scan failed", "dir", s.seedDir, "err", err)
		return ""
	}
	if len(files) == 0 {
		s.logger.Info("provision: no seed files found, file research unavailable", "dir", s.seedDir)
		return ""
	}

	var fileIDs []string
	for _, f := range files {
		id, err := s.client.UploadFile(ctx, f)
		if err != nil {
			s.logger.Warn("provision: upload_file failed", "file", f, "err", err)
			continue
		}
		fileIDs = append(fileIDs, id)
	}
	if len(fileIDs) == 0 {
		s.logger.Warn("provision: all seed uploads failed, file research unavailable")
		return ""
	}

	vsID, err := s.client.CreateVectorStore(ctx, vectorStoreName, fileIDs)
	if err != nil {
		s.logger.Warn("provision: create_vector_store failed", "err", err)
		return ""
	}
	if err := s.client.WaitVectorStoreReady(ctx, vsID, vectorStoreTimeout); err != nil {
		s.logger.Warn("provision: vector store did not become ready", "vector_store_id", vsID, "err", err)
		return ""
	}
	if err := s.state.Set(vectorStoreKey, vsID); err != nil {
		s.logger.Warn("provision: failed to persist vectorStoreId", "err", err)
	}
	return vsID
}

func seedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seedExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func (s *Supervisor) canonicalDefs(vectorStoreID string) []agentclient.AgentDef {
	defs := []agentclient.AgentDef{
		{Name: agentPlanner, Model: s.modelName, Instructions: s.instructions.Planner, Tools: []agentclient.Tool{}},
		{Name: agentWebResearch, Model: s.modelName, Instructions: s.instructions.WebResearch, Tools: []agentclient.Tool{agentclient.WebSearchTool()}},
		{Name: agentGenerator, Model: s.modelName, Instructions: s.instructions.Generator, Tools: []agentclient.Tool{}},
		{Name: agentValidator, Model: s.modelName, Instructions: s.instructions.Validator, Tools: []agentclient.Tool{}},
	}
	if vectorStoreID != "" {
		defs = append(defs, agentclient.AgentDef{
			Name: agentFileResearch, Model: s.modelName, Instructions: s.instructions.FileResearch,
			Tools: []agentclient.Tool{agentclient.FileSearchTool(vectorStoreID)},
		})
	}
	return defs
}

func (s *Supervisor) reconcileAgents(ctx context.Context, vectorStoreID string) map[string]string {
	existing, err := s.client.ListAgentsByName(ctx)
	if err != nil {
		s.logger.Warn("provision: list_agents_by_name failed, continuing with no agent ids", "err", err)
		existing = map[string]string{}
	}

	result := make(map[string]string)
	for _, def := range s.canonicalDefs(vectorStoreID) {
		key := strings.ToLower(def.Name)
		if id, ok := existing[key]; ok {
			if err := s.client.UpdateAgent(ctx, id, def); err != nil {
				s.logger.Warn("provision: update_agent failed", "agent", def.Name, "err", err)
				continue
			}
			result[def.Name] = id
			continue
		}
		id, err := s.client.CreateAgent(ctx, def)
		if err != nil {
			s.logger.Warn("provision: create_agent failed", "agent", def.Name, "err", err)
			continue
		}
		result[def.Name] = id
	}
	return result
}

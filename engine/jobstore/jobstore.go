// Package jobstore is the durable, filesystem-backed job record: one
// directory per job holding its immutable request, its mutable state, and
// its artifacts, with mutually exclusive writes per job.
package jobstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/antithesishq/antithesis-sdk-go/assert"
	"github.com/slideforge/slideforge/engine/domain"
	"github.com/slideforge/slideforge/engine/events"
)

const (
	requestFile = "request.json"
	stateFile   = "state.json"
	htmlFile    = "result.html"
	pngFile     = "preview.png"
)

// storedRequest is the on-disk shape of request.json. The image payload is
// never duplicated into it — it lives as input.{png|jpg} and is
// reconstructed by GetInput via magic-byte sniffing.
type storedRequest struct {
	JobID  string        `json:"jobId"`
	Prompt string        `json:"prompt"`
	Aspect domain.Aspect `json:"aspect"`
}

// Store is the filesystem job store.
type Store struct {
	root   string
	events events.Publisher

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string, pub events.Publisher) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jobstore: create root: %w", err)
	}
	if pub == nil {
		pub = events.Noop{}
	}
	return &Store{root: dir, events: pub, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) jobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// lockFor returns the mutex for jobID, creating it on first use. Entries
// are never removed — bounded by the number of distinct jobs ever seen.
func (s *Store) lockFor(jobID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[jobID] = l
	}
	return l
}

// Create persists a new job's immutable request and initial queued state.
// imageDataURL, if non-empty, must already be a normalized data-URL
// (domain.NormalizeImage); its decoded bytes are persisted alongside the
// request, keyed by the sniffed extension.
func (s *Store) Create(ctx context.Context, jobID, prompt string, aspect domain.Aspect, imageDataURL string) error {
	dir := s.jobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jobstore: create job dir: %w", err)
	}

	if imageDataURL != "" {
		decoded, ext, err := decodeDataURL(imageDataURL)
		if err != nil {
			return fmt.Errorf("jobstore: decode image: %w", err)
		}
		if err := atomicWrite(filepath.Join(dir, "input"+ext), decoded); err != nil {
			return fmt.Errorf("jobstore: write image: %w", err)
		}
	}

	req := storedRequest{JobID: jobID, Prompt: prompt, Aspect: aspect}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(dir, requestFile), reqBytes); err != nil {
		return fmt.Errorf("jobstore: write request: %w", err)
	}

	now := time.Now().UTC()
	state := domain.JobState{Status: domain.StatusQueued, CreatedAt: now, UpdatedAt: now}
	if err := s.writeState(dir, state); err != nil {
		return err
	}
	s.events.Publish(ctx, events.StatusEvent{JobID: jobID, Status: state.Status})
	return nil
}

// Get returns the current JobState, or ok=false if jobID is unknown.
func (s *Store) Get(jobID string) (domain.JobState, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.jobDir(jobID), stateFile))
	if os.IsNotExist(err) {
		return domain.JobState{}, false, nil
	}
	if err != nil {
		return domain.JobState{}, false, err
	}
	var st domain.JobState
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.JobState{}, false, err
	}
	return st, true, nil
}

// GetInput reconstructs the immutable JobInput, sniffing the stored image
// bytes (if any) back into a data-URL.
func (s *Store) GetInput(jobID string) (domain.JobInput, bool, error) {
	dir := s.jobDir(jobID)
	data, err := os.ReadFile(filepath.Join(dir, requestFile))
	if os.IsNotExist(err) {
		return domain.JobInput{}, false, nil
	}
	if err != nil {
		return domain.JobInput{}, false, err
	}
	var req storedRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return domain.JobInput{}, false, err
	}

	input := domain.JobInput{JobID: req.JobID, Prompt: req.Prompt, Aspect: req.Aspect}
	for _, ext := range []string{".png", ".jpg"} {
		imgBytes, err := os.ReadFile(filepath.Join(dir, "input"+ext))
		if err == nil {
			mimeType, _, ok := domain.SniffImageType(imgBytes)
			if ok {
				input.ImageDataURL = "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(imgBytes)
			}
			break
		}
	}
	return input, true, nil
}

// Update applies mutate to the job's state under the job's per-id mutex,
// bumps UpdatedAt, and rewrites state.json. The mutator receives a copy of
// the current state; callers read-modify-write via the passed pointer.
func (s *Store) Update(ctx context.Context, jobID string, mutate func(*domain.JobState)) (domain.JobState, error) {
	lock := s.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	dir := s.jobDir(jobID)
	before, ok, err := s.Get(jobID)
	if err != nil {
		return domain.JobState{}, err
	}
	if !ok {
		return domain.JobState{}, domain.ErrNotFound
	}

	after := before
	mutate(&after)
	after.UpdatedAt = time.Now().UTC()

	assert.Always(domain.CanTransition(before.Status, after.Status),
		"job status transitions are monotone",
		map[string]any{"job_id": jobID, "from": string(before.Status), "to": string(after.Status)})
	assert.Always(len(after.Sources.URLs) >= len(before.Sources.URLs) && len(after.Sources.Files) >= len(before.Sources.Files),
		"job sources are append-only",
		map[string]any{"job_id": jobID})

	if err := s.writeState(dir, after); err != nil {
		return domain.JobState{}, err
	}

	if after.Status != before.Status || after.Step != before.Step {
		s.events.Publish(ctx, events.StatusEvent{JobID: jobID, Status: after.Status, Step: after.Step})
	}
	return after, nil
}

// SaveHTML atomically persists result.html, then records its path in state.
// The artifact write happens before the state update, so a concurrent
// reader that observes the recorded path always finds the file.
func (s *Store) SaveHTML(ctx context.Context, jobID, html string) error {
	path := filepath.Join(s.jobDir(jobID), htmlFile)
	if err := atomicWrite(path, []byte(html)); err != nil {
		return fmt.Errorf("jobstore: write html: %w", err)
	}
	_, err := s.Update(ctx, jobID, func(st *domain.JobState) {
		st.ResultHTMLPath = path
	})
	return err
}

// SavePreviewPNG atomically persists preview.png, then records its path.
func (s *Store) SavePreviewPNG(ctx context.Context, jobID string, png []byte) error {
	path := filepath.Join(s.jobDir(jobID), pngFile)
	if err := atomicWrite(path, png); err != nil {
		return fmt.Errorf("jobstore: write png: %w", err)
	}
	assert.Always(len(png) > 0, "preview png is non-empty before being recorded", map[string]any{"job_id": jobID})
	_, err := s.Update(ctx, jobID, func(st *domain.JobState) {
		st.PreviewPNGPath = path
	})
	return err
}

func (s *Store) writeState(dir string, st domain.JobState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, stateFile), data)
}

// atomicWrite writes data to a temp file in the same directory then renames
// it into place, so readers never observe a partially-written file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// decodeDataURL extracts the decoded bytes and a file extension from a
// normalized "data:image/...;base64,..." URL.
func decodeDataURL(dataURL string) ([]byte, string, error) {
	idx := strings.Index(dataURL, ",")
	if idx == -1 || !strings.HasPrefix(dataURL, "data:") {
		return nil, "", fmt.Errorf("jobstore: malformed data URL")
	}
	decoded, err := base64.StdEncoding.DecodeString(dataURL[idx+1:])
	if err != nil {
		return nil, "", err
	}
	_, ext, ok := domain.SniffImageType(decoded)
	if !ok {
		return nil, "", fmt.Errorf("jobstore: unrecognized image format")
	}
	return decoded, ext, nil
}

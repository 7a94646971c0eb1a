package jobstore

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/slideforge/slideforge/engine/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func tinyPNGDataURL() string {
	png := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, []byte("rest")...)
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, "job1", "hello", domain.Aspect16x9, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	st, ok, err := s.Get("job1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if st.Status != domain.StatusQueued {
		t.Errorf("expected queued, got %s", st.Status)
	}

	input, ok, err := s.GetInput("job1")
	if err != nil || !ok {
		t.Fatalf("GetInput: ok=%v err=%v", ok, err)
	}
	if input.Prompt != "hello" || input.Aspect != domain.Aspect16x9 {
		t.Errorf("unexpected input: %+v", input)
	}
}

func TestCreateWithImagePersistsAndReconstructs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dataURL := tinyPNGDataURL()

	if err := s.Create(ctx, "job-img", "p", domain.Aspect4x3, dataURL); err != nil {
		t.Fatalf("Create: %v", err)
	}
	input, _, err := s.GetInput("job-img")
	if err != nil {
		t.Fatalf("GetInput: %v", err)
	}
	if input.ImageDataURL == "" {
		t.Fatal("expected image data URL to be reconstructed")
	}
}

func TestGetUnknownJob(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get("nope")
	if err != nil || ok {
		t.Fatalf("expected ok=false, got ok=%v err=%v", ok, err)
	}
}

func TestUpdateMonotoneTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, "job2", "p", domain.Aspect16x9, ""); err != nil {
		t.Fatal(err)
	}

	st, err := s.Update(ctx, "job2", func(st *domain.JobState) { st.Status = domain.StatusRunning })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if st.Status != domain.StatusRunning {
		t.Errorf("expected running, got %s", st.Status)
	}

	st, err = s.Update(ctx, "job2", func(st *domain.JobState) { st.Status = domain.StatusSucceeded })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if st.Status != domain.StatusSucceeded {
		t.Errorf("expected succeeded, got %s", st.Status)
	}
}

func TestUpdateUnknownJob(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Update(context.Background(), "missing", func(*domain.JobState) {})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateIdempotentIdentityMutator(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, "job3", "p", domain.Aspect16x9, ""); err != nil {
		t.Fatal(err)
	}
	first, err := s.Update(ctx, "job3", func(*domain.JobState) {})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Update(ctx, "job3", func(*domain.JobState) {})
	if err != nil {
		t.Fatal(err)
	}
	first.UpdatedAt = second.UpdatedAt
	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identity mutator to be idempotent modulo UpdatedAt: %+v vs %+v", first, second)
	}
}

func TestSaveHTMLWritesArtifactBeforeState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, "job4", "p", domain.Aspect16x9, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveHTML(ctx, "job4", "<html></html>"); err != nil {
		t.Fatalf("SaveHTML: %v", err)
	}
	st, _, err := s.Get("job4")
	if err != nil {
		t.Fatal(err)
	}
	if st.ResultHTMLPath == "" {
		t.Fatal("expected ResultHTMLPath to be set")
	}
	if filepath.Base(st.ResultHTMLPath) != htmlFile {
		t.Errorf("unexpected path: %s", st.ResultHTMLPath)
	}
}

func TestSavePreviewPNG(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, "job5", "p", domain.Aspect16x9, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePreviewPNG(ctx, "job5", []byte{1, 2, 3}); err != nil {
		t.Fatalf("SavePreviewPNG: %v", err)
	}
	st, _, err := s.Get("job5")
	if err != nil {
		t.Fatal(err)
	}
	if st.PreviewPNGPath == "" {
		t.Fatal("expected PreviewPNGPath to be set")
	}
}

func TestUpdateSerializesConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, "job6", "p", domain.Aspect16x9, ""); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Update(ctx, "job6", func(st *domain.JobState) {
				st.Sources.URLs = append(st.Sources.URLs, "u")
			})
		}(i)
	}
	wg.Wait()

	st, _, err := s.Get("job6")
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Sources.URLs) != 20 {
		t.Errorf("expected 20 appended URLs from serialized writers, got %d", len(st.Sources.URLs))
	}
}

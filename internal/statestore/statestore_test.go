package statestore

import (
	"path/filepath"
	"sync"
	"testing"
)

func TestGetSetRoundTrip(t *testing.T) {
	s, err := NewLocalFile(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("NewLocalFile: %v", err)
	}

	if _, ok, err := s.Get("vectorStoreId"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}

	if err := s.Set("vectorStoreId", "vs_123"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, ok, err := s.Get("vectorStoreId")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if v != "vs_123" {
		t.Errorf("expected vs_123, got %s", v)
	}
}

func TestSetOverwritesExistingKey(t *testing.T) {
	s, err := NewLocalFile(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("k", "v2"); err != nil {
		t.Fatal(err)
	}
	v, _, _ := s.Get("k")
	if v != "v2" {
		t.Errorf("expected v2, got %s", v)
	}
}

func TestSetPreservesOtherKeys(t *testing.T) {
	s, err := NewLocalFile(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("b", "2"); err != nil {
		t.Fatal(err)
	}
	va, _, _ := s.Get("a")
	vb, _, _ := s.Get("b")
	if va != "1" || vb != "2" {
		t.Errorf("expected a=1 b=2, got a=%s b=%s", va, vb)
	}
}

func TestConcurrentSetsAllSurvive(t *testing.T) {
	s, err := NewLocalFile(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	keys := []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8", "k9"}
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_ = s.Set(k, "v-"+k)
		}(k)
	}
	wg.Wait()

	for _, k := range keys {
		v, ok, err := s.Get(k)
		if err != nil || !ok {
			t.Errorf("key %s: ok=%v err=%v", k, ok, err)
			continue
		}
		if v != "v-"+k {
			t.Errorf("key %s: expected v-%s, got %s", k, k, v)
		}
	}
}

func TestNewLocalFileCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.json")
	if _, err := NewLocalFile(path); err != nil {
		t.Fatalf("NewLocalFile: %v", err)
	}
}

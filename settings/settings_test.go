package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := m.Get()
	def := Defaults()
	if got.Provider.Kind != def.Provider.Kind || got.Batch.Concurrency != def.Batch.Concurrency {
		t.Fatalf("got %+v", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("load must not create the file")
	}
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	s := m.Get()
	s.Provider.Model = "qwen2.5:14b"
	s.Batch.Concurrency = 8
	if err := m.Update(s); err != nil {
		t.Fatalf("update: %v", err)
	}

	m2, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := m2.Get()
	if got.Provider.Model != "qwen2.5:14b" || got.Batch.Concurrency != 8 {
		t.Fatalf("reloaded = %+v", got)
	}
}

func TestUpdateRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	cases := []func(*Settings){
		func(s *Settings) { s.Provider.Kind = "grpc" },
		func(s *Settings) { s.Provider.Model = "" },
		func(s *Settings) { s.Provider.Temperature = 3 },
		func(s *Settings) { s.Batch.Concurrency = 0 },
		func(s *Settings) { s.Batch.Concurrency = 9 },
		func(s *Settings) { s.Batch.TimeoutMS = 0 },
		func(s *Settings) { s.Batch.MaxRetries = -1 },
	}
	for i, mutate := range cases {
		s := Defaults()
		mutate(&s)
		if err := m.Update(s); err == nil {
			t.Errorf("case %d: invalid settings accepted", i)
		}
	}

	// Rejected updates leave the in-memory copy untouched.
	if got := m.Get(); got.Batch.Concurrency != Defaults().Batch.Concurrency {
		t.Fatalf("settings mutated by rejected update: %+v", got)
	}
}

func TestMigrateFillsOldFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	old := `{"provider":{"kind":"openai","model":"legacy"},"unknown_key":1}`
	if err := os.WriteFile(path, []byte(old), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := m.Get()
	if got.Provider.Model != "legacy" {
		t.Fatalf("model = %q", got.Provider.Model)
	}
	if got.Provider.BaseURL == "" || got.Batch.Concurrency == 0 || got.Batch.TimeoutMS == 0 {
		t.Fatalf("migration left gaps: %+v", got)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse") {
		t.Fatalf("err = %v", err)
	}
}

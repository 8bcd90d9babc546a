package fsatomic

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestSaveJSONLockedConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := SaveJSONLocked(context.Background(), path, map[string]int{"i": i}, 0); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("save: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var v map[string]int
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("file is not valid json: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 && os.Getenv("OS") != "Windows_NT" {
		t.Fatalf("want 0600, got %v", fi.Mode().Perm())
	}
}

func TestLoadJSONDiscardsTempArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := SaveJSON(context.Background(), path, map[string]string{"a": "b"}, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path+".tmp", []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	ok, err := LoadJSON(path, &got)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got["a"] != "b" {
		t.Fatalf("want b, got %v", got)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp should be gone, err=%v", err)
	}
}

func TestLoadJSONMissingFile(t *testing.T) {
	var v map[string]any
	ok, err := LoadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	if err != nil || ok {
		t.Fatalf("want (false, nil), got (%v, %v)", ok, err)
	}
}

func TestWriteFileCanceledContextLeavesOriginal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	if err := WriteFile(context.Background(), path, []byte("old"), 0); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := WriteFile(ctx, path, []byte("new"), 0); err == nil {
		t.Fatalf("expected context error")
	}
	b, _ := os.ReadFile(path)
	if string(b) != "old" {
		t.Fatalf("original replaced: %q", b)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp left behind")
	}
}

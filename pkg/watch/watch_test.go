package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startWatcher(t *testing.T, root string) <-chan []string {
	t.Helper()

	w, err := New(Config{Root: root, Debounce: 50 * time.Millisecond, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	batches := make(chan []string, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx, func(_ context.Context, changed []string) error {
			batches <- changed
			return nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return batches
}

func nextBatch(t *testing.T, batches <-chan []string) []string {
	t.Helper()
	select {
	case b := <-batches:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a batch")
		return nil
	}
}

func write(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("<Project />"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_DebouncesNewProjects(t *testing.T) {
	root := t.TempDir()
	batches := startWatcher(t, root)

	a := filepath.Join(root, "A", "A.csproj")
	b := filepath.Join(root, "B.vbproj")
	write(t, a)
	write(t, b)
	write(t, filepath.Join(root, "notes.txt"))

	got := map[string]bool{}
	for len(got) < 2 {
		for _, p := range nextBatch(t, batches) {
			got[p] = true
		}
	}
	if !got[a] || !got[b] {
		t.Errorf("expected %s and %s, got %v", a, b, got)
	}
	if len(got) != 2 {
		t.Errorf("expected only project files, got %v", got)
	}
}

func TestWatcher_ReportsRemoval(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "A.csproj")
	write(t, a)
	batches := startWatcher(t, root)

	if err := os.Remove(a); err != nil {
		t.Fatal(err)
	}
	batch := nextBatch(t, batches)
	if len(batch) != 1 || batch[0] != a {
		t.Errorf("expected removal of %s, got %v", a, batch)
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected an empty root to fail")
	}
	if _, err := New(Config{Root: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("expected a missing root to fail")
	}
}

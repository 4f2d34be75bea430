package definition

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWatcher_ReloadsValidVersions(t *testing.T) {
	original, err := os.ReadFile(filepath.Join("testdata", "greeting.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "greeting.yaml")
	if err := os.WriteFile(path, original, 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Document, 4)
	done := make(chan error, 1)
	go func() {
		done <- NewWatcher(path, WithDebounce(20*time.Millisecond)).Watch(ctx, func(doc *Document) error {
			reloaded <- doc
			return nil
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("name: [broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	edited := strings.Replace(string(original), "value: 4", "value: 9", 1)
	if err := os.WriteFile(path, []byte(edited), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case doc := <-reloaded:
		node, ok := doc.Node(2)
		if !ok {
			t.Fatal("Expected node 2 in the reloaded document")
		}
		if v, ok := node.Value.(int); !ok || v != 9 {
			t.Errorf("Expected the edited value 9, got %#v", node.Value)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop with its context")
	}
}

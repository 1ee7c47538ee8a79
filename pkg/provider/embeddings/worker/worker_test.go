package worker_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/MrWong99/embedgate/pkg/provider/embeddings/worker"
)

// TestHelperProcess is not a real test. It is re-executed by the tests below
// as the worker subprocess and speaks the line protocol on stdin/stdout.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("EMBEDGATE_WANT_HELPER_PROCESS") != "1" {
		return
	}
	mode := os.Getenv("EMBEDGATE_HELPER_MODE")
	in := bufio.NewReader(os.Stdin)
	out := json.NewEncoder(os.Stdout)
	for {
		line, err := in.ReadBytes('\n')
		if err != nil {
			os.Exit(0)
		}
		var req struct {
			Texts []string `json:"texts"`
			Lang  string   `json:"lang"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			_ = out.Encode(map[string]any{"error": err.Error()})
			continue
		}
		switch mode {
		case "error":
			_ = out.Encode(map[string]any{"error": "model exploded"})
		case "crash":
			os.Exit(3)
		default:
			vecs := make([][]float32, len(req.Texts))
			for i, text := range req.Texts {
				vecs[i] = []float32{float32(len(text)), float32(len(req.Lang))}
			}
			_ = out.Encode(map[string]any{"vectors": vecs})
		}
	}
}

func startHelper(t *testing.T, mode string) *worker.Provider {
	t.Helper()
	p, err := worker.New(context.Background(),
		[]string{os.Args[0], "-test.run=^TestHelperProcess$"},
		worker.WithEnv("EMBEDGATE_WANT_HELPER_PROCESS=1", "EMBEDGATE_HELPER_MODE="+mode),
		worker.WithModelID("laser-helper"),
		worker.WithDimensions(2),
		worker.WithStderr(io.Discard),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNew_EmptyCommand(t *testing.T) {
	if _, err := worker.New(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestNew_MissingExecutable(t *testing.T) {
	_, err := worker.New(context.Background(), []string{"/nonexistent/embedgate-worker"})
	if err == nil {
		t.Fatal("expected error for missing executable")
	}
}

func TestEmbedBatch_RoundTrip(t *testing.T) {
	p := startHelper(t, "ok")

	for round := 0; round < 3; round++ {
		got, err := p.EmbedBatch(context.Background(), []string{"cat", "house"}, "en")
		if err != nil {
			t.Fatalf("round %d: EmbedBatch: %v", round, err)
		}
		if len(got) != 2 {
			t.Fatalf("round %d: got %d vectors, want 2", round, len(got))
		}
		if got[0][0] != 3 || got[1][0] != 5 || got[0][1] != 2 {
			t.Errorf("round %d: unexpected vectors %v", round, got)
		}
	}
	if p.ModelID() != "laser-helper" || p.Dimensions() != 2 {
		t.Errorf("metadata = %q/%d", p.ModelID(), p.Dimensions())
	}
}

func TestEmbedBatch_ProcessError(t *testing.T) {
	p := startHelper(t, "error")
	_, err := p.EmbedBatch(context.Background(), []string{"cat"}, "en")
	if err == nil {
		t.Fatal("expected error from worker")
	}
}

func TestEmbedBatch_ProcessCrash(t *testing.T) {
	p := startHelper(t, "crash")
	if _, err := p.EmbedBatch(context.Background(), []string{"cat"}, "en"); err == nil {
		t.Fatal("expected error after crash")
	}
}

func TestClose_Idempotent(t *testing.T) {
	p := startHelper(t, "ok")
	for i := 0; i < 2; i++ {
		if err := p.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	_, err := p.EmbedBatch(context.Background(), []string{"cat"}, "en")
	if !errors.Is(err, worker.ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestEmbedBatch_CancelledContext(t *testing.T) {
	p := startHelper(t, "ok")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.EmbedBatch(ctx, []string{"cat"}, "en")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func ExampleNew() {
	p, err := worker.New(context.Background(), []string{"python3", "-u", "laser_worker.py"},
		worker.WithDimensions(1024))
	if err != nil {
		fmt.Println("start failed")
		return
	}
	defer p.Close()
}

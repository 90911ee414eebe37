package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ligvox/ligvox/pkg/provider/llm"
	llmmock "github.com/ligvox/ligvox/pkg/provider/llm/mock"
	"github.com/ligvox/ligvox/pkg/types"
)

func newGroup(t *testing.T, fallbacks ...string) *FailoverGroup[string] {
	t.Helper()
	g := NewFailoverGroup("primary", "primary", FailoverConfig{
		Breaker: BreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour},
	})
	for _, name := range fallbacks {
		g.AddFallback(name, name)
	}
	return g
}

func TestFailoverPrimaryFirst(t *testing.T) {
	t.Parallel()

	g := newGroup(t, "secondary")
	var called string
	if err := g.Execute(func(v string) error { called = v; return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFailoverFallsBackOnError(t *testing.T) {
	t.Parallel()

	g := newGroup(t, "secondary")
	var called string
	err := g.Execute(func(v string) error {
		if v == "primary" {
			return errTest
		}
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary", called)
	}
}

func TestFailoverAllFail(t *testing.T) {
	t.Parallel()

	g := newGroup(t, "secondary")
	err := g.Execute(func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFailoverSkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	g := NewFailoverGroup("primary", "primary", FailoverConfig{
		Breaker: BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	g.AddFallback("secondary", "secondary")

	// Open the primary's breaker.
	for range 2 {
		_ = g.Execute(func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	var calls []string
	if err := g.Execute(func(v string) error { calls = append(calls, v); return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(calls) != 1 || calls[0] != "secondary" {
		t.Fatalf("calls = %v, want [secondary] only", calls)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	g := newGroup(t, "secondary")
	result, err := ExecuteWithResult(g, func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "from-" + v, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if result != "from-secondary" {
		t.Fatalf("result = %q", result)
	}
}

func TestExecuteWithResultAllFail(t *testing.T) {
	t.Parallel()

	g := newGroup(t)
	_, err := ExecuteWithResult(g, func(string) (int, error) { return 0, errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFailoverUsesFallback(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errTest}
	backup := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "tudo certo"},
	}
	f := NewLLMFailover(primary, "openai", FailoverConfig{
		Breaker: BreakerConfig{MaxFailures: 3},
	})
	f.AddFallback("anyllm", backup)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "Você é a atendente.",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "tudo certo" {
		t.Fatalf("content = %q", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 || len(backup.CompleteCalls) != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", len(primary.CompleteCalls), len(backup.CompleteCalls))
	}
}

func TestLLMFailoverStreamSetup(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamErr: errTest}
	backup := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Olá"}, {FinishReason: "stop"}},
	}
	f := NewLLMFailover(primary, "openai", FailoverConfig{})
	f.AddFallback("anyllm", backup)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "Oi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var text string
	for chunk := range ch {
		text += chunk.Text
	}
	if text != "Olá" {
		t.Fatalf("streamed text = %q", text)
	}
}

func TestLLMFailoverCapabilitiesFromPrimary(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{
		ModelCapabilities: types.ModelCapabilities{ContextWindow: 128000, SupportsStreaming: true},
	}
	f := NewLLMFailover(primary, "openai", FailoverConfig{})
	if got := f.Capabilities(); got != primary.ModelCapabilities {
		t.Fatalf("Capabilities() = %+v", got)
	}
}

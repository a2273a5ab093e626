package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/promptcache"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/providers"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/tools"
)

func newTestAssembler(t *testing.T, registry *tools.Registry, contextWindow int) *Assembler {
	t.Helper()
	return NewAssembler(t.TempDir(), registry, nil, nil, NewTokenEstimator(), contextWindow, contextWindow/4)
}

func TestBuild_NewMessageAndPrecedingTurnSurviveHugeHistory(t *testing.T) {
	a := newTestAssembler(t, nil, 2048)

	// History roughly 10x over the whole window.
	filler := strings.Repeat("packaging log line with lots of text ", 40)
	var history []providers.Message
	for i := 0; i < 60; i++ {
		history = append(history,
			providers.Message{Role: "user", Content: fmt.Sprintf("question %d: %s", i, filler)},
			providers.Message{Role: "assistant", Content: fmt.Sprintf("answer %d: %s", i, filler)},
		)
	}

	assembled := a.Build(context.Background(), "sess-1", history, "the new question")

	msgs := assembled.Messages
	if msgs[0].Role != "system" {
		t.Fatalf("first message must be the system prompt, got %s", msgs[0].Role)
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" || last.Content != "the new question" {
		t.Fatalf("new message must be last and intact, got %+v", last)
	}

	// The exchange immediately before the new message is always kept.
	var kept []providers.Message
	for _, m := range msgs {
		if m.Role == "user" || m.Role == "assistant" {
			kept = append(kept, m)
		}
	}
	if len(kept) < 3 {
		t.Fatalf("expected the preceding turn kept, got %d thread messages", len(kept))
	}
	if !strings.HasPrefix(kept[len(kept)-2].Content, "answer 59") {
		t.Fatalf("expected the newest answer kept, got %q", kept[len(kept)-2].Content[:24])
	}
}

func TestBuild_PrunesOrphanedToolMessages(t *testing.T) {
	a := newTestAssembler(t, nil, 4096)

	history := []providers.Message{
		{Role: "tool", Content: "orphaned result", ToolCallID: "call-1"},
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}

	assembled := a.Build(context.Background(), "sess-1", history, "next question")
	for _, msg := range assembled.Messages {
		if msg.Role == "tool" {
			t.Fatalf("orphaned tool message leaked into the payload")
		}
	}
}

func TestBuild_ToolSubsetByTopicWithFullCatalogFallback(t *testing.T) {
	registry := tools.NewRegistry(nil, nil, time.Second)
	root := t.TempDir()
	if err := registry.Register(tools.NewReadFileTool(root, true)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Register(tools.NewListDirTool(root, true)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Register(tools.NewWriteFileTool(root, true)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	a := newTestAssembler(t, registry, 8192)

	assembled := a.Build(context.Background(), "sess-1", nil, "read the file config.ini for me")
	if len(assembled.Tools) == 0 || len(assembled.Tools) == registry.Count() {
		t.Fatalf("expected a strict topical subset, got %d of %d", len(assembled.Tools), registry.Count())
	}
	for _, def := range assembled.Tools {
		if def.Function.Name == "list_dir" {
			t.Fatalf("list_dir does not match a read-file request")
		}
	}

	assembled = a.Build(context.Background(), "sess-1", nil, "bonjour")
	if len(assembled.Tools) != registry.Count() {
		t.Fatalf("no keyword overlap must fall back to the full catalog, got %d", len(assembled.Tools))
	}
}

func TestSystemPrompt_ServedFromCacheOnSecondBuild(t *testing.T) {
	cache := promptcache.NewCache(16, time.Minute)
	a := NewAssembler(t.TempDir(), nil, nil, cache, NewTokenEstimator(), 4096, 1024)

	a.Build(context.Background(), "sess-1", nil, "first")
	statsAfterFirst := cache.Stats()
	a.Build(context.Background(), "sess-1", nil, "second")
	statsAfterSecond := cache.Stats()

	if statsAfterSecond.Hits <= statsAfterFirst.Hits {
		t.Fatalf("second build should hit the prompt cache: %+v -> %+v", statsAfterFirst, statsAfterSecond)
	}
}

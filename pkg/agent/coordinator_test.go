package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/bus"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/memory"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/providers"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/tools"
)

type probeCall struct {
	messages []providers.Message
	tools    []providers.ToolDefinition
}

// fakeProvider scripts probe responses and records every payload.
type fakeProvider struct {
	mu          sync.Mutex
	probeCalls  []probeCall
	probeScript func(call int, messages []providers.Message, toolDefs []providers.ToolDefinition) (*providers.ProbeResult, error)
	streamText  string
	streamErr   error
	blockProbe  chan struct{}
}

func (p *fakeProvider) GetDefaultModel() string { return "fake" }

func (p *fakeProvider) Probe(ctx context.Context, messages []providers.Message, toolDefs []providers.ToolDefinition) (*providers.ProbeResult, error) {
	if p.blockProbe != nil {
		select {
		case <-p.blockProbe:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	call := len(p.probeCalls)
	msgCopy := make([]providers.Message, len(messages))
	copy(msgCopy, messages)
	toolCopy := make([]providers.ToolDefinition, len(toolDefs))
	copy(toolCopy, toolDefs)
	p.probeCalls = append(p.probeCalls, probeCall{messages: msgCopy, tools: toolCopy})
	script := p.probeScript
	p.mu.Unlock()

	if script != nil {
		return script(call, messages, toolDefs)
	}
	return &providers.ProbeResult{FinishReason: "stop"}, nil
}

func (p *fakeProvider) Stream(ctx context.Context, messages []providers.Message, onDelta providers.DeltaFunc) (*providers.StreamResult, error) {
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	text := p.streamText
	if text == "" {
		text = "done"
	}
	for _, chunk := range splitChunks(text, 4) {
		if onDelta != nil {
			onDelta(chunk)
		}
	}
	return &providers.StreamResult{Content: text, FinishReason: "stop"}, nil
}

func (p *fakeProvider) calls() []probeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]probeCall, len(p.probeCalls))
	copy(out, p.probeCalls)
	return out
}

func splitChunks(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}

func toolCallProbe(name string, args map[string]interface{}) *providers.ProbeResult {
	return &providers.ProbeResult{
		ToolCalls: []providers.ToolCall{{
			ID:        "call-" + name,
			Name:      name,
			Arguments: args,
		}},
		FinishReason: "tool_calls",
	}
}

type coordinatorFixture struct {
	coordinator *Coordinator
	provider    *fakeProvider
	bus         *bus.MessageBus
	memory      *memory.Service
	registry    *tools.Registry
}

func newFixture(t *testing.T, provider *fakeProvider, opts Options) *coordinatorFixture {
	t.Helper()

	mem, err := memory.NewService(memory.Options{})
	if err != nil {
		t.Fatalf("memory.NewService: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	registry := tools.NewRegistry(tools.ConfirmerFunc(func(ctx context.Context, req tools.ConfirmationRequest) (tools.ConfirmationDecision, error) {
		return tools.ConfirmationDecision{Approved: true, ApprovedBy: "test"}, nil
	}), nil, time.Second)

	msgBus := bus.NewMessageBus()
	t.Cleanup(msgBus.Close)

	estimator := NewTokenEstimator()
	assembler := NewAssembler(t.TempDir(), registry, mem, nil, estimator, 8192, 2048)

	coordinator := NewCoordinator(provider, registry, mem, assembler, msgBus, estimator, opts)
	t.Cleanup(coordinator.Close)

	return &coordinatorFixture{
		coordinator: coordinator,
		provider:    provider,
		bus:         msgBus,
		memory:      mem,
		registry:    registry,
	}
}

func waitForState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("coordinator never reached %s, stuck at %s", want, c.State())
}

func TestTurn_DirectAnswerStreamsAndCommitsMemory(t *testing.T) {
	provider := &fakeProvider{streamText: "Hello from the assistant"}
	f := newFixture(t, provider, Options{SessionKey: "sess-1"})

	if _, err := f.coordinator.Submit("hello there"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, f.coordinator, StateDone)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var assembledDeltas string
	var final string
	for final == "" {
		msg, ok := f.bus.SubscribeOutbound(ctx)
		if !ok {
			t.Fatalf("bus closed before final event")
		}
		switch msg.Kind {
		case bus.EventDelta:
			assembledDeltas += msg.Content
		case bus.EventFinal:
			final = msg.Content
		}
	}
	if final != "Hello from the assistant" {
		t.Fatalf("unexpected final answer %q", final)
	}
	if assembledDeltas != final {
		t.Fatalf("deltas %q do not assemble to final answer", assembledDeltas)
	}

	results, err := f.memory.Search(context.Background(), memory.TierSession, "hello there", 3, 0.01)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected the completed turn committed to session memory")
	}
}

func TestTurn_LoopBoundTerminatesWithFailure(t *testing.T) {
	provider := &fakeProvider{}
	provider.probeScript = func(call int, _ []providers.Message, _ []providers.ToolDefinition) (*providers.ProbeResult, error) {
		return toolCallProbe("echo", map[string]interface{}{"value": "again"}), nil
	}
	f := newFixture(t, provider, Options{SessionKey: "sess-1", MaxToolRounds: 3})

	echo := &scriptedTool{name: "echo"}
	if err := f.registry.Register(echo); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := f.coordinator.Submit("loop forever"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, f.coordinator, StateFailed)

	// Bounded: max rounds of execution, one probe beyond the bound.
	if got := len(provider.calls()); got != 4 {
		t.Fatalf("expected 4 probes for 3 rounds, got %d", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		msg, ok := f.bus.SubscribeOutbound(ctx)
		if !ok {
			t.Fatalf("no error event before bus closed")
		}
		if msg.Kind == bus.EventError {
			if msg.Content == "" {
				t.Fatalf("expected user-facing failure message")
			}
			return
		}
	}
}

func TestTurn_SingleDowngradeOnToolsUnsupported(t *testing.T) {
	provider := &fakeProvider{streamText: "plain answer"}
	provider.probeScript = func(call int, _ []providers.Message, toolDefs []providers.ToolDefinition) (*providers.ProbeResult, error) {
		if len(toolDefs) > 0 {
			return nil, &providers.APIError{StatusCode: 404, Message: "No endpoints found that support tool use"}
		}
		return &providers.ProbeResult{FinishReason: "stop"}, nil
	}
	f := newFixture(t, provider, Options{SessionKey: "sess-1"})

	if err := f.registry.Register(&scriptedTool{name: "echo"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := f.coordinator.Submit("echo something for me"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, f.coordinator, StateDone)

	calls := provider.calls()
	if len(calls) != 2 {
		t.Fatalf("expected exactly 2 probes (rejection + downgraded retry), got %d", len(calls))
	}
	if len(calls[0].tools) == 0 {
		t.Fatalf("first probe should carry tool schemas")
	}
	if len(calls[1].tools) != 0 {
		t.Fatalf("downgraded retry must not carry tool schemas")
	}
	if len(calls[0].messages) != len(calls[1].messages) {
		t.Fatalf("downgraded retry must reuse the identical message list")
	}
	for i := range calls[0].messages {
		if calls[0].messages[i].Content != calls[1].messages[i].Content {
			t.Fatalf("message %d differs between probe and downgraded retry", i)
		}
	}

	// The downgrade outlives the turn.
	if _, err := f.coordinator.Submit("and another thing"); err != nil {
		t.Fatalf("Submit second turn: %v", err)
	}
	waitForState(t, f.coordinator, StateDone)
	calls = provider.calls()
	if len(calls[len(calls)-1].tools) != 0 {
		t.Fatalf("later turns must not offer tools after a capability rejection")
	}
}

func TestSubmit_ReentrancyGuardQueuesOneThenRejects(t *testing.T) {
	provider := &fakeProvider{blockProbe: make(chan struct{})}
	f := newFixture(t, provider, Options{SessionKey: "sess-1"})

	if _, err := f.coordinator.Submit("first"); err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	waitForState(t, f.coordinator, StateProbing)

	if _, err := f.coordinator.Submit("second"); err != nil {
		t.Fatalf("second message should take the queue slot: %v", err)
	}
	if _, err := f.coordinator.Submit("third"); err != ErrTurnInFlight {
		t.Fatalf("third message should be rejected with ErrTurnInFlight, got %v", err)
	}

	close(provider.blockProbe)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		calls := provider.calls()
		if len(calls) >= 2 && f.coordinator.State() == StateDone {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queued message never ran, %d probes, state %s", len(provider.calls()), f.coordinator.State())
}

func TestSubmit_QueuedMessageNeverStrands(t *testing.T) {
	provider := &fakeProvider{streamText: "ok"}
	f := newFixture(t, provider, Options{SessionKey: "sess-1"})

	// Keep the outbound buffer empty so turns finish fast.
	drainCtx, drainCancel := context.WithCancel(context.Background())
	defer drainCancel()
	go func() {
		for {
			if _, ok := f.bus.SubscribeOutbound(drainCtx); !ok {
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		if _, err := f.coordinator.Submit(fmt.Sprintf("first %d", i)); err != nil {
			t.Fatalf("Submit first: %v", err)
		}
		// Race the queue slot against the in-flight turn's drain.
		for {
			_, err := f.coordinator.Submit(fmt.Sprintf("second %d", i))
			if err == nil {
				break
			}
			if err != ErrTurnInFlight {
				t.Fatalf("Submit second: %v", err)
			}
		}

		// Every accepted message must run: the queue slot may never
		// hold a message while no turn is running.
		deadline := time.Now().Add(3 * time.Second)
		for {
			f.coordinator.mu.Lock()
			stranded := f.coordinator.queued != nil && !f.coordinator.running.Load()
			idle := f.coordinator.queued == nil && !f.coordinator.running.Load()
			f.coordinator.mu.Unlock()
			if stranded {
				t.Fatalf("iteration %d: accepted message stranded with no turn running", i)
			}
			if idle {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("iteration %d: coordinator never went idle", i)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestCancel_SkipsMemoryWrite(t *testing.T) {
	provider := &fakeProvider{blockProbe: make(chan struct{})}
	f := newFixture(t, provider, Options{SessionKey: "sess-1"})

	if _, err := f.coordinator.Submit("long running question"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, f.coordinator, StateProbing)

	f.coordinator.Cancel()
	waitForState(t, f.coordinator, StateCancelled)

	results, err := f.memory.Search(context.Background(), memory.TierSession, "long running question", 3, 0.01)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("cancelled turn must not write memory, found %d records", len(results))
	}
}

func TestTurn_ToolPanicStillReachesDone(t *testing.T) {
	provider := &fakeProvider{streamText: "The tool failed, here is what I know instead."}
	provider.probeScript = func(call int, messages []providers.Message, _ []providers.ToolDefinition) (*providers.ProbeResult, error) {
		if call == 0 {
			return toolCallProbe("explode", nil), nil
		}
		// The tool error must be visible to the model.
		last := messages[len(messages)-1]
		if last.Role != "tool" || !strings.Contains(last.Content, "explode") {
			return nil, fmt.Errorf("expected tool error fed back, got role=%s content=%q", last.Role, last.Content)
		}
		return &providers.ProbeResult{FinishReason: "stop"}, nil
	}
	f := newFixture(t, provider, Options{SessionKey: "sess-1"})

	panicTool := &scriptedTool{name: "explode", execute: func(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
		panic("handler exploded")
	}}
	if err := f.registry.Register(panicTool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := f.coordinator.Submit("run the explode tool"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, f.coordinator, StateDone)
}

func TestSubmit_AfterCloseFails(t *testing.T) {
	provider := &fakeProvider{}
	f := newFixture(t, provider, Options{SessionKey: "sess-1"})
	f.coordinator.Close()

	if _, err := f.coordinator.Submit("too late"); err != ErrCoordinatorClosed {
		t.Fatalf("expected ErrCoordinatorClosed, got %v", err)
	}
}

// scriptedTool is a minimal READ tool for coordinator tests.
type scriptedTool struct {
	name    string
	execute func(ctx context.Context, args map[string]interface{}) *tools.ToolResult
}

func (t *scriptedTool) Name() string                 { return t.name }
func (t *scriptedTool) Description() string          { return "scripted test tool" }
func (t *scriptedTool) Permission() tools.Permission { return tools.PermissionRead }
func (t *scriptedTool) Parameters() map[string]interface{} {
	return tools.ObjectSchema(map[string]interface{}{
		"value": tools.StringProperty("any value"),
	})
}

func (t *scriptedTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	if t.execute != nil {
		return t.execute(ctx, args)
	}
	return tools.SuccessResult("ok")
}

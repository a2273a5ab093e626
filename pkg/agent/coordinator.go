// Toolkit Assistant - embedded conversational assistant core
// License: MIT
//
// Copyright (c) 2026 UE Toolkits contributors

package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/bus"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/logger"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/memory"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/providers"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/tools"
)

// State is the coordinator's position in the turn lifecycle.
type State string

const (
	StateIdle           State = "IDLE"
	StateProbing        State = "PROBING"
	StateExecutingTools State = "EXECUTING_TOOLS"
	StateStreaming      State = "STREAMING"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
	StateCancelled      State = "CANCELLED"
)

// Options tunes one coordinator instance (one per session).
type Options struct {
	SessionKey    string
	MaxToolRounds int
	ProbeTimeout  time.Duration
	StreamTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.SessionKey == "" {
		o.SessionKey = "default"
	}
	if o.MaxToolRounds <= 0 {
		o.MaxToolRounds = 5
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 60 * time.Second
	}
	if o.StreamTimeout <= 0 {
		o.StreamTimeout = 180 * time.Second
	}
}

type queuedMessage struct {
	turnID  string
	content string
}

// Coordinator drives one conversation through the probe, tool
// execution and streaming phases. At most one turn runs at a time; one
// message may wait in the queue slot, anything beyond that is rejected
// loudly, never dropped.
type Coordinator struct {
	provider  providers.LLMProvider
	registry  *tools.Registry
	memory    *memory.Service
	assembler *Assembler
	bus       *bus.MessageBus
	estimator *TokenEstimator
	opts      Options

	running          atomic.Bool
	closed           atomic.Bool
	toolsUnsupported atomic.Bool

	mu         sync.Mutex
	state      State
	history    []providers.Message
	queued     *queuedMessage
	cancelTurn context.CancelFunc

	wg sync.WaitGroup
}

func NewCoordinator(provider providers.LLMProvider, registry *tools.Registry, mem *memory.Service, assembler *Assembler, msgBus *bus.MessageBus, estimator *TokenEstimator, opts Options) *Coordinator {
	opts.applyDefaults()
	if estimator == nil {
		estimator = NewTokenEstimator()
	}
	return &Coordinator{
		provider:  provider,
		registry:  registry,
		memory:    mem,
		assembler: assembler,
		bus:       msgBus,
		estimator: estimator,
		opts:      opts,
		state:     StateIdle,
	}
}

// Submit hands a user message to the coordinator. If a turn is in
// flight the message takes the single queue slot and runs next; with
// the slot taken, Submit fails with ErrTurnInFlight.
func (c *Coordinator) Submit(content string) (string, error) {
	if c.closed.Load() {
		return "", ErrCoordinatorClosed
	}

	turnID := uuid.NewString()

	// The CAS and the queue slot share c.mu with run()'s drain. Either
	// the draining turn sees the queued message, or the flag is already
	// clear and the message starts here; it never strands in the slot.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running.CompareAndSwap(false, true) {
		c.wg.Add(1)
		go c.run(turnID, content)
		return turnID, nil
	}

	if c.queued != nil {
		return "", ErrTurnInFlight
	}
	c.queued = &queuedMessage{turnID: turnID, content: content}
	logger.InfoCF("agent", "Message queued behind in-flight turn", map[string]interface{}{
		"session_key": c.opts.SessionKey,
		"turn_id":     turnID,
	})
	return turnID, nil
}

// Cancel aborts the in-flight turn, if any. The turn lands in
// CANCELLED and its memory write is skipped.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	cancel := c.cancelTurn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops accepting messages and aborts the in-flight turn.
func (c *Coordinator) Close() {
	c.closed.Store(true)
	c.Cancel()
	c.wg.Wait()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// run owns the running flag. On completion it chains directly into the
// queued message, if any, so the flag never flickers between turns.
func (c *Coordinator) run(turnID, content string) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelTurn = cancel
	c.mu.Unlock()

	c.runTurn(ctx, turnID, content)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTurn = nil
	next := c.queued
	c.queued = nil

	if next != nil && !c.closed.Load() {
		c.wg.Add(1)
		go c.run(next.turnID, next.content)
		return
	}
	// Cleared under c.mu so Submit cannot enqueue between the drain
	// above and this store.
	c.running.Store(false)
}

func (c *Coordinator) runTurn(ctx context.Context, turnID, content string) {
	start := time.Now()
	c.setState(turnID, StateProbing)

	c.mu.Lock()
	history := make([]providers.Message, len(c.history))
	copy(history, c.history)
	c.mu.Unlock()

	assembled := c.assembler.Build(ctx, c.opts.SessionKey, history, content)
	messages := assembled.Messages
	toolDefs := assembled.Tools
	if c.toolsUnsupported.Load() {
		toolDefs = nil
	}

	downgradedThisTurn := false
	rounds := 0

	for {
		probeCtx, probeCancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
		result, err := c.provider.Probe(probeCtx, messages, toolDefs)
		probeCancel()

		if err != nil {
			if ctx.Err() != nil {
				c.cancelled(turnID)
				return
			}
			if providers.IsToolsUnsupported(err) && len(toolDefs) > 0 && !downgradedThisTurn {
				// One retry, same message list, schemas stripped. The
				// flag outlives the turn so the session never offers
				// tools to this model again.
				downgradedThisTurn = true
				c.toolsUnsupported.Store(true)
				toolDefs = nil
				logger.WarnCF("agent", "Model rejected tool schemas, downgrading to plain chat", map[string]interface{}{
					"session_key": c.opts.SessionKey,
					"turn_id":     turnID,
				})
				continue
			}
			c.fail(turnID, classifyProviderError(err))
			return
		}

		if result.Usage != nil {
			c.estimator.Calibrate(result.Usage.PromptTokens, assembled.EstimatedTokens)
		}

		if len(result.ToolCalls) == 0 {
			break
		}

		rounds++
		if rounds > c.opts.MaxToolRounds {
			c.fail(turnID, &TurnError{
				Kind: FailureLoopBound,
				Err:  fmt.Errorf("exceeded %d tool rounds", c.opts.MaxToolRounds),
			})
			return
		}

		c.setState(turnID, StateExecutingTools)
		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})

		for _, call := range result.ToolCalls {
			if ctx.Err() != nil {
				c.cancelled(turnID)
				return
			}
			toolResult := c.registry.Invoke(ctx, call.Name, call.Arguments)
			// Tool failures go back to the model as content; the model
			// explains or works around them.
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    toolResult.ForLLM,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}

		if ctx.Err() != nil {
			c.cancelled(turnID)
			return
		}
		c.setState(turnID, StateProbing)
	}

	c.setState(turnID, StateStreaming)
	streamCtx, streamCancel := context.WithTimeout(ctx, c.opts.StreamTimeout)
	streamResult, err := c.provider.Stream(streamCtx, messages, func(chunk string) {
		c.bus.PublishOutbound(bus.OutboundMessage{
			SessionKey: c.opts.SessionKey,
			TurnID:     turnID,
			Kind:       bus.EventDelta,
			Content:    chunk,
		})
	})
	streamCancel()

	if err != nil {
		if ctx.Err() != nil {
			c.cancelled(turnID)
			return
		}
		c.fail(turnID, classifyProviderError(err))
		return
	}
	if streamResult.Usage != nil {
		c.estimator.Calibrate(streamResult.Usage.PromptTokens, assembled.EstimatedTokens)
	}

	answer := streamResult.Content
	c.bus.PublishOutbound(bus.OutboundMessage{
		SessionKey: c.opts.SessionKey,
		TurnID:     turnID,
		Kind:       bus.EventFinal,
		Content:    answer,
	})

	c.mu.Lock()
	c.history = append(c.history,
		providers.Message{Role: "user", Content: content},
		providers.Message{Role: "assistant", Content: answer},
	)
	c.mu.Unlock()

	// The one place a turn writes memory. FAILED and CANCELLED never
	// reach this.
	if c.memory != nil {
		commitCtx, commitCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.memory.CommitTurn(commitCtx, c.opts.SessionKey, content, answer); err != nil {
			logger.WarnCF("agent", "Turn memory commit failed", map[string]interface{}{
				"turn_id": turnID,
				"error":   err.Error(),
			})
		}
		commitCancel()
	}

	c.setState(turnID, StateDone)
	logger.InfoCF("agent", "Turn completed", map[string]interface{}{
		"session_key": c.opts.SessionKey,
		"turn_id":     turnID,
		"rounds":      rounds,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (c *Coordinator) setState(turnID string, state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.bus.PublishOutbound(bus.OutboundMessage{
		SessionKey: c.opts.SessionKey,
		TurnID:     turnID,
		Kind:       bus.EventState,
		State:      string(state),
	})
}

func (c *Coordinator) fail(turnID string, terr *TurnError) {
	logger.ErrorCF("agent", "Turn failed", map[string]interface{}{
		"session_key": c.opts.SessionKey,
		"turn_id":     turnID,
		"kind":        string(terr.Kind),
		"retryable":   terr.Retryable,
		"error":       terr.Err.Error(),
	})
	c.setState(turnID, StateFailed)
	c.bus.PublishOutbound(bus.OutboundMessage{
		SessionKey: c.opts.SessionKey,
		TurnID:     turnID,
		Kind:       bus.EventError,
		Content:    terr.UserMessage(),
		Retryable:  terr.Retryable,
	})
}

func (c *Coordinator) cancelled(turnID string) {
	logger.InfoCF("agent", "Turn cancelled", map[string]interface{}{
		"session_key": c.opts.SessionKey,
		"turn_id":     turnID,
	})
	c.setState(turnID, StateCancelled)
}

func classifyProviderError(err error) *TurnError {
	if providers.IsTransient(err) {
		return &TurnError{Kind: FailureTransient, Retryable: true, Err: err}
	}
	return &TurnError{Kind: FailureProvider, Err: err}
}

// Toolkit Assistant - embedded conversational assistant core
// License: MIT
//
// Copyright (c) 2026 UE Toolkits contributors

package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/logger"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/providers"
)

// Registry validates, gates and executes tools. Each resolved tool
// call runs at most once; there are no retries at this layer.
type Registry struct {
	tools     map[string]Tool
	confirmer Confirmer
	audit     *AuditLog
	timeout   time.Duration
	mu        sync.RWMutex
}

// NewRegistry wires the executor. confirmer may be nil (all WRITE
// tools are then rejected), audit may be nil (writes go unaudited,
// only sensible in tests).
func NewRegistry(confirmer Confirmer, audit *AuditLog, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Registry{
		tools:     make(map[string]Tool),
		confirmer: confirmer,
		audit:     audit,
		timeout:   timeout,
	}
}

func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Invoke runs one tool call end to end: argument validation, the
// confirmation gate for WRITE tools, then a single execution under the
// per-invocation timeout. Panics from handlers are recovered and
// returned as error results.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) *ToolResult {
	sanitizedArgs := sanitizeToolArgs(args)
	logger.InfoCF("tool", "Tool invocation started", map[string]interface{}{
		"tool": name,
		"args": sanitizedArgs,
	})

	tool, ok := r.Get(name)
	if !ok {
		logger.ErrorCF("tool", "Tool not found", map[string]interface{}{"tool": name})
		return ErrorResult(fmt.Sprintf("tool %q not found", name)).WithError(fmt.Errorf("tool not found"))
	}

	if err := validateArgs(tool.Parameters(), args); err != nil {
		logger.WarnCF("tool", "Tool arguments rejected", map[string]interface{}{
			"tool":  name,
			"error": err.Error(),
		})
		return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err)).WithError(err)
	}

	confirmedBy := ""
	if tool.Permission() == PermissionWrite {
		decision, err := r.confirm(ctx, tool, sanitizedArgs)
		if err != nil {
			return ErrorResult(fmt.Sprintf("confirmation for %s failed: %v", name, err)).WithError(err)
		}
		if !decision.Approved {
			logger.InfoCF("tool", "Write invocation declined", map[string]interface{}{
				"tool":   name,
				"reason": decision.Reason,
			})
			msg := fmt.Sprintf("The user declined the %s action. Do not retry it.", name)
			return CancelledResult(msg)
		}
		confirmedBy = decision.ApprovedBy
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	result := r.executeRecovered(execCtx, tool, args)
	duration := time.Since(start)

	if result == nil {
		err := fmt.Errorf("tool %q returned nil result", name)
		logger.ErrorCF("tool", "Tool returned nil result", map[string]interface{}{"tool": name})
		result = ErrorResult(err.Error()).WithError(err)
	}

	if tool.Permission() == PermissionWrite && r.audit != nil {
		if err := r.audit.Append(AuditEntry{
			Tool:          name,
			Args:          sanitizedArgs,
			ConfirmedBy:   confirmedBy,
			ResultSummary: summarizeResult(result),
		}); err != nil {
			logger.WarnCF("tool", "Audit append failed", map[string]interface{}{
				"tool":  name,
				"error": err.Error(),
			})
		}
	}

	if result.IsError {
		logger.ErrorCF("tool", "Tool invocation failed", map[string]interface{}{
			"tool":        name,
			"duration_ms": duration.Milliseconds(),
			"error":       result.ForLLM,
		})
	} else {
		logger.InfoCF("tool", "Tool invocation completed", map[string]interface{}{
			"tool":          name,
			"duration_ms":   duration.Milliseconds(),
			"result_length": len(result.ForLLM),
		})
	}
	return result
}

func (r *Registry) confirm(ctx context.Context, tool Tool, sanitizedArgs map[string]interface{}) (ConfirmationDecision, error) {
	if r.confirmer == nil {
		return ConfirmationDecision{Approved: false, Reason: "no confirmer configured"}, nil
	}
	return r.confirmer.Confirm(ctx, ConfirmationRequest{
		Tool:        tool.Name(),
		Description: tool.Description(),
		Args:        sanitizedArgs,
	})
}

func (r *Registry) executeRecovered(ctx context.Context, tool Tool, args map[string]interface{}) (result *ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("tool %s panicked: %v", tool.Name(), rec)
			logger.ErrorCF("tool", "Tool handler panicked", map[string]interface{}{
				"tool":  tool.Name(),
				"panic": fmt.Sprintf("%v", rec),
			})
			result = ErrorResult(fmt.Sprintf("tool %s failed unexpectedly: %v", tool.Name(), rec)).WithError(err)
		}
	}()
	return tool.Execute(ctx, args)
}

func summarizeResult(result *ToolResult) string {
	summary := strings.TrimSpace(result.ForLLM)
	if len(summary) > 200 {
		summary = summary[:200] + "..."
	}
	if result.IsError {
		return "error: " + summary
	}
	return summary
}

// ToProviderDefs renders the catalog in the wire format providers
// expect.
func (r *Registry) ToProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definitions := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		definitions = append(definitions, ToolToSchema(tool))
	}
	return definitions
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Close closes all registered tools that implement ClosableTool.
func (r *Registry) Close() error {
	r.mu.RLock()
	closers := make([]ClosableTool, 0, len(r.tools))
	for _, tool := range r.tools {
		if closer, ok := tool.(ClosableTool); ok {
			closers = append(closers, closer)
		}
	}
	r.mu.RUnlock()

	var errs []string
	for _, closer := range closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", closer.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("tool close failures: %s", strings.Join(errs, "; "))
	}
	return nil
}

var sensitiveArgKeyFragments = []string{
	"api_key",
	"apikey",
	"authorization",
	"auth",
	"bearer",
	"client_secret",
	"cookie",
	"password",
	"private",
	"secret",
	"session",
	"token",
}

func sanitizeToolArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	sanitized := make(map[string]interface{}, len(args))
	for key, value := range args {
		sanitized[key] = sanitizeToolArgValue(key, value, 0)
	}
	return sanitized
}

func sanitizeToolArgValue(key string, value interface{}, depth int) interface{} {
	if depth > 6 {
		return "<omitted>"
	}
	if isSensitiveArgKey(key) {
		return "<redacted>"
	}

	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = sanitizeToolArgValue(k, v, depth+1)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			out = append(out, sanitizeToolArgValue(key, item, depth+1))
		}
		return out
	case []string:
		out := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			out = append(out, truncateLogString(item))
		}
		return out
	case string:
		return truncateLogString(typed)
	default:
		return value
	}
}

func isSensitiveArgKey(key string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(key), "-", "_"))
	for _, fragment := range sensitiveArgKeyFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

func truncateLogString(value string) string {
	const maxLen = 256
	if len(value) <= maxLen {
		return value
	}
	return value[:maxLen] + "...(truncated)"
}

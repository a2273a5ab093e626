package tools

import (
	"context"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/providers"
)

// Permission classifies what a tool may touch. READ tools execute
// immediately; WRITE tools go through the confirmer first.
type Permission int

const (
	PermissionRead Permission = iota
	PermissionWrite
)

func (p Permission) String() string {
	if p == PermissionWrite {
		return "write"
	}
	return "read"
}

// Tool is implemented by every executable tool. Parameters returns a
// JSON schema for the arguments; the registry validates against it
// before Execute is ever called.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Permission() Permission
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// ClosableTool is an optional interface for tools that hold runtime
// resources and require explicit teardown.
type ClosableTool interface {
	Tool
	Close() error
}

// ConfirmationRequest describes a pending WRITE invocation to whoever
// decides on it.
type ConfirmationRequest struct {
	Tool        string
	Description string
	Args        map[string]interface{}
}

// ConfirmationDecision is the confirmer's answer. ApprovedBy goes into
// the audit record.
type ConfirmationDecision struct {
	Approved   bool
	ApprovedBy string
	Reason     string
}

// Confirmer gates WRITE tools. A nil confirmer on the registry means
// every WRITE is rejected.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmationRequest) (ConfirmationDecision, error)
}

// ConfirmerFunc adapts a plain function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, req ConfirmationRequest) (ConfirmationDecision, error)

func (f ConfirmerFunc) Confirm(ctx context.Context, req ConfirmationRequest) (ConfirmationDecision, error) {
	return f(ctx, req)
}

// ToolToSchema renders one tool in the wire format providers expect.
func ToolToSchema(tool Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		},
	}
}

package tools

// ToolResult is what crosses the executor boundary. ForLLM goes back
// into the conversation; ForUser, when set, is surfaced directly.
type ToolResult struct {
	ForLLM    string
	ForUser   string
	IsError   bool
	Cancelled bool
	Err       error
}

func SuccessResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM}
}

func ErrorResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, IsError: true}
}

// CancelledResult marks a WRITE invocation the confirmer rejected.
// Not an error: the model is told the action was declined.
func CancelledResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, Cancelled: true}
}

func (r *ToolResult) WithError(err error) *ToolResult {
	r.Err = err
	return r
}

func (r *ToolResult) WithUserMessage(msg string) *ToolResult {
	r.ForUser = msg
	return r
}

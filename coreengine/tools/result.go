package tools

import (
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/recovery"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/typeutil"
)

// ToolStatus represents the status of a tool execution.
type ToolStatus string

const (
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
)

// ErrorDetails is the standardized error part of a tool result.
type ErrorDetails struct {
	ErrorType   string         `json:"error_type"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Recoverable bool           `json:"recoverable"`
}

// Result is a tool result in standard form.
type Result struct {
	Status  ToolStatus     `json:"status"`
	Data    map[string]any `json:"data,omitempty"`
	Error   *ErrorDetails  `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Err converts a failed result to a classified error; nil on success.
func (r *Result) Err(toolName string) error {
	if r.Status != ToolStatusError {
		return nil
	}
	msg := "unknown error"
	if r.Error != nil {
		msg = r.Error.Message
	}
	err := fmt.Errorf("tool %s failed: %s", toolName, msg)
	if r.Error != nil && r.Error.Recoverable {
		return recovery.Recoverable(fmt.Errorf("%w: %v", recovery.ErrInvalidInput, err))
	}
	return recovery.Fatal(err)
}

// Normalize converts a raw handler result into a Result. A status of
// success/completed/ok or error/failed/failure is honored; otherwise the
// presence of an "error" key decides.
func Normalize(raw map[string]any) *Result {
	status := ToolStatusSuccess
	if _, hasError := raw["error"]; hasError {
		status = ToolStatusError
	}
	if s, ok := raw["status"]; ok {
		switch strings.ToLower(fmt.Sprintf("%v", s)) {
		case "success", "completed", "ok":
			status = ToolStatusSuccess
		case "error", "failed", "failure":
			status = ToolStatusError
		}
	}

	message, _ := typeutil.String(raw["message"])

	if status == ToolStatusSuccess {
		data := raw
		if d, ok := typeutil.Map(raw["data"]); ok {
			data = d
		}
		return &Result{Status: status, Data: data, Message: message}
	}

	details := &ErrorDetails{ErrorType: "ToolError"}
	switch e := raw["error"].(type) {
	case map[string]any:
		details.ErrorType = typeutil.StringDefault(e["type"], details.ErrorType)
		details.Message, _ = typeutil.String(e["message"])
		if rec, ok := typeutil.Bool(e["recoverable"]); ok {
			details.Recoverable = rec
		}
		details.Details = e
	case string:
		details.Message = e
	case nil:
	default:
		details.Message = fmt.Sprintf("%v", e)
	}
	details.ErrorType = typeutil.StringDefault(raw["error_type"], details.ErrorType)
	if rec, ok := typeutil.Bool(raw["recoverable"]); ok {
		details.Recoverable = rec
	}
	if details.Message == "" {
		details.Message = message
	}
	if details.Message == "" {
		details.Message = "unknown error"
	}

	return &Result{Status: status, Error: details, Message: message}
}

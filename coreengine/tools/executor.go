// Package tools provides tool execution for workers: a registry of tool
// handlers, the deterministic-tool cache in front of it, and a worker that
// runs a single tool per task.
package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/recovery"
)

var (
	// ErrToolNotFound is returned for unregistered tool names.
	ErrToolNotFound = errors.New("tool not found")
	// ErrMissingParam is returned when a task brief omits a required
	// tool parameter.
	ErrMissingParam = errors.New("missing tool parameter")
)

// RiskLevel grades how much damage a tool can do to the workspace.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ToolHandler runs one tool invocation.
type ToolHandler func(ctx context.Context, params map[string]any) (map[string]any, error)

// ToolDefinition describes a tool a worker may run.
type ToolDefinition struct {
	Name        string
	Description string
	Category    string
	RiskLevel   RiskLevel
	// Required lists parameters that must be present in every call.
	Required []string
	// Deterministic tools return the same result for the same params and
	// may be served from the tool cache.
	Deterministic bool
	Handler       ToolHandler
}

func (d *ToolDefinition) validate() error {
	switch {
	case d.Name == "":
		return errors.New("tool name is required")
	case d.Handler == nil:
		return fmt.Errorf("tool %q: handler is required", d.Name)
	}
	switch d.RiskLevel {
	case "", RiskLow, RiskMedium, RiskHigh:
		return nil
	default:
		return fmt.Errorf("tool %q: unknown risk level %q", d.Name, d.RiskLevel)
	}
}

// missing returns the first required parameter absent from params.
func (d *ToolDefinition) missing(params map[string]any) (string, bool) {
	for _, name := range d.Required {
		if _, ok := params[name]; !ok {
			return name, true
		}
	}
	return "", false
}

// ToolRegistry looks tools up and runs them by name.
type ToolRegistry interface {
	Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error)
	GetDefinition(toolName string) *ToolDefinition
	Has(toolName string) bool
	List() []string
}

// ToolExecutor is the in-memory ToolRegistry.
type ToolExecutor struct {
	mu    sync.RWMutex
	tools map[string]*ToolDefinition
}

// NewToolExecutor returns an empty registry.
func NewToolExecutor() *ToolExecutor {
	return &ToolExecutor{tools: map[string]*ToolDefinition{}}
}

// Register adds def. Names are unique for the life of the executor.
func (e *ToolExecutor) Register(def *ToolDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, taken := e.tools[def.Name]; taken {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	stored := *def
	stored.Required = slices.Clone(def.Required)
	e.tools[def.Name] = &stored
	return nil
}

// Execute runs toolName with params. An unknown tool is fatal since no
// retry can make it appear; a missing required parameter is recoverable
// because a revised brief can supply it.
func (e *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	def := e.GetDefinition(toolName)
	if def == nil {
		return nil, recovery.Fatal(fmt.Errorf("%w: %s", ErrToolNotFound, toolName))
	}
	if name, ok := def.missing(params); ok {
		return nil, recovery.Recoverable(fmt.Errorf("%w: %s requires %q", ErrMissingParam, toolName, name))
	}
	return def.Handler(ctx, params)
}

// Has reports whether toolName is registered.
func (e *ToolExecutor) Has(toolName string) bool {
	return e.GetDefinition(toolName) != nil
}

// List returns the registered tool names in sorted order.
func (e *ToolExecutor) List() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	e.mu.RUnlock()

	sort.Strings(names)
	return names
}

// GetDefinition returns the definition for toolName, or nil.
func (e *ToolExecutor) GetDefinition(toolName string) *ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tools[toolName]
}

var _ ToolRegistry = (*ToolExecutor)(nil)

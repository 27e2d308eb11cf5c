// Package testutil provides shared test utilities and mocks for integration tests.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation without requiring external dependencies.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/agents"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/store"
)

// =============================================================================
// MOCK LLM PROVIDER
// =============================================================================

// DefaultReply is a well-formed worker reply ending the branch.
const DefaultReply = `{"status": "SUCCESS", "next_step_hint": "complete", "notes": "mock response"}`

// MockLLMProvider implements agents.LLMProvider for testing.
// Configure responses by prompt substring or use DefaultResponse.
type MockLLMProvider struct {
	// Responses maps prompt substrings to responses.
	Responses map[string]string

	// DefaultResponse is returned when no substring matches.
	DefaultResponse string

	// Delay simulates generation latency.
	Delay time.Duration

	// Error causes Generate to return this error.
	Error error

	// Calls records all calls for assertion.
	Calls []LLMCall

	mu sync.Mutex
}

// LLMCall records a single generation call for assertion.
type LLMCall struct {
	Model   string
	Prompt  string
	Options map[string]any
}

// NewMockLLMProvider creates a MockLLMProvider with sensible defaults.
func NewMockLLMProvider() *MockLLMProvider {
	return &MockLLMProvider{
		Responses:       make(map[string]string),
		DefaultResponse: DefaultReply,
	}
}

// Generate implements agents.LLMProvider.
func (m *MockLLMProvider) Generate(ctx context.Context, model string, prompt string, options map[string]any) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, LLMCall{Model: model, Prompt: prompt, Options: options})
	delay, genErr := m.Delay, m.Error
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if genErr != nil {
		return "", genErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for needle, response := range m.Responses {
		if strings.Contains(prompt, needle) {
			return response, nil
		}
	}
	return m.DefaultResponse, nil
}

// WithResponse adds a substring-matched response.
func (m *MockLLMProvider) WithResponse(needle, response string) *MockLLMProvider {
	m.Responses[needle] = response
	return m
}

// WithError configures the mock to return an error.
func (m *MockLLMProvider) WithError(err error) *MockLLMProvider {
	m.Error = err
	return m
}

// WithDelay adds latency simulation.
func (m *MockLLMProvider) WithDelay(d time.Duration) *MockLLMProvider {
	m.Delay = d
	return m
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockLLMProvider) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears call history.
func (m *MockLLMProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// =============================================================================
// SCRIPTED WORKER
// =============================================================================

// Reply is one scripted worker outcome.
type Reply struct {
	Status         handoff.Status
	Hint           handoff.NextStepHint
	Artifacts      []string
	BlockingIssues []string
	Err            error
}

// Succeed replies SUCCESS with hint.
func Succeed(hint handoff.NextStepHint, artifacts ...string) Reply {
	return Reply{Status: handoff.StatusSuccess, Hint: hint, Artifacts: artifacts}
}

// Block replies BLOCKED with hint and issues.
func Block(hint handoff.NextStepHint, issues ...string) Reply {
	return Reply{Status: handoff.StatusBlocked, Hint: hint, BlockingIssues: issues}
}

// Fail replies with err.
func Fail(err error) Reply {
	return Reply{Err: err}
}

// ScriptedWorker implements agents.Worker by replaying replies in order.
// The last reply repeats once the script is exhausted.
type ScriptedWorker struct {
	kind    agents.WorkerKind
	replies []Reply

	// Gate, when set, makes Execute wait for a value (or ctx) before replying.
	Gate chan struct{}

	briefs []agents.TaskBrief
	mu     sync.Mutex
}

// NewScriptedWorker creates a ScriptedWorker. With no replies it completes.
func NewScriptedWorker(kind agents.WorkerKind, replies ...Reply) *ScriptedWorker {
	if len(replies) == 0 {
		replies = []Reply{Succeed(handoff.HintComplete)}
	}
	return &ScriptedWorker{kind: kind, replies: replies}
}

// Kind implements agents.Worker.
func (w *ScriptedWorker) Kind() agents.WorkerKind {
	return w.kind
}

// Execute implements agents.Worker.
func (w *ScriptedWorker) Execute(ctx context.Context, brief agents.TaskBrief) (handoff.Packet, error) {
	w.mu.Lock()
	n := len(w.briefs)
	w.briefs = append(w.briefs, brief)
	r := w.replies[min(n, len(w.replies)-1)]
	gate := w.Gate
	w.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return handoff.Packet{}, ctx.Err()
		}
	}

	if r.Err != nil {
		return handoff.Packet{}, r.Err
	}
	return handoff.NewPacket(brief.TaskID, string(w.kind), r.Status, r.Hint,
		handoff.WithWorkflow(brief.WorkflowID),
		handoff.WithArtifacts(r.Artifacts...),
		handoff.WithBlockingIssues(r.BlockingIssues...),
	), nil
}

// Calls returns how many times Execute ran.
func (w *ScriptedWorker) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.briefs)
}

// Briefs returns the briefs received, in order.
func (w *ScriptedWorker) Briefs() []agents.TaskBrief {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]agents.TaskBrief(nil), w.briefs...)
}

// LastBrief returns the most recent brief, or the zero brief.
func (w *ScriptedWorker) LastBrief() agents.TaskBrief {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.briefs) == 0 {
		return agents.TaskBrief{}
	}
	return w.briefs[len(w.briefs)-1]
}

// =============================================================================
// MOCK CONTEXT PROVIDER
// =============================================================================

// MockContextProvider implements agents.ContextProvider over fixed documents.
type MockContextProvider struct {
	Summaries map[string]agents.Summary
	Sections  map[string]string // "<doc>#<section>"
	Error     error
}

// NewMockContextProvider creates an empty MockContextProvider.
func NewMockContextProvider() *MockContextProvider {
	return &MockContextProvider{
		Summaries: make(map[string]agents.Summary),
		Sections:  make(map[string]string),
	}
}

// WithDocument adds a document summary.
func (m *MockContextProvider) WithDocument(docID, title, text string) *MockContextProvider {
	m.Summaries[docID] = agents.Summary{DocID: docID, Title: title, Text: text}
	return m
}

// WithSection adds a document section.
func (m *MockContextProvider) WithSection(docID, sectionID, text string) *MockContextProvider {
	m.Sections[docID+"#"+sectionID] = text
	return m
}

// GetSummary implements agents.ContextProvider.
func (m *MockContextProvider) GetSummary(ctx context.Context, docID string) (agents.Summary, error) {
	if m.Error != nil {
		return agents.Summary{}, m.Error
	}
	s, ok := m.Summaries[docID]
	if !ok {
		return agents.Summary{}, fmt.Errorf("document %s not found", docID)
	}
	return s, nil
}

// GetSection implements agents.ContextProvider.
func (m *MockContextProvider) GetSection(ctx context.Context, docID, sectionID string) (string, error) {
	if m.Error != nil {
		return "", m.Error
	}
	s, ok := m.Sections[docID+"#"+sectionID]
	if !ok {
		return "", fmt.Errorf("section %s#%s not found", docID, sectionID)
	}
	return s, nil
}

// =============================================================================
// FAULTY STORE
// =============================================================================

// FaultyStore wraps a store.Store and fails writes under a key prefix while
// failing is switched on.
type FaultyStore struct {
	store.Store
	prefix  string
	err     error
	failing atomic.Bool
}

// NewFaultyStore creates a FaultyStore. Writes start out succeeding.
func NewFaultyStore(inner store.Store, prefix string, err error) *FaultyStore {
	return &FaultyStore{Store: inner, prefix: prefix, err: err}
}

// SetFailing switches write failures on or off.
func (s *FaultyStore) SetFailing(on bool) {
	s.failing.Store(on)
}

// Put implements store.Store.
func (s *FaultyStore) Put(ctx context.Context, key string, value []byte) error {
	if s.failing.Load() && strings.HasPrefix(key, s.prefix) {
		return s.err
	}
	return s.Store.Put(ctx, key, value)
}

// Delete implements store.Store.
func (s *FaultyStore) Delete(ctx context.Context, key string) error {
	if s.failing.Load() && strings.HasPrefix(key, s.prefix) {
		return s.err
	}
	return s.Store.Delete(ctx, key)
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements observability.Logger for testing.
type MockLogger struct {
	sink   *logSink
	fields []any
}

type logSink struct {
	logs []LogEntry
	mu   sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{sink: &logSink{}}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

// Bind returns a logger writing to the same sink with fields attached.
func (m *MockLogger) Bind(fields ...any) observability.Logger {
	return &MockLogger{sink: m.sink, fields: append(append([]any(nil), m.fields...), fields...)}
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	all := append(append([]any(nil), m.fields...), keysAndValues...)
	fields := make(map[string]any)
	for i := 0; i < len(all)-1; i += 2 {
		if key, ok := all[i].(string); ok {
			fields[key] = all[i+1]
		}
	}

	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	m.sink.logs = append(m.sink.logs, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()

	copied := make([]LogEntry, len(m.sink.logs))
	copy(copied, m.sink.logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()

	for _, log := range m.sink.logs {
		if log.Level == level && log.Message == message {
			return true
		}
	}
	return false
}

// HasMessage checks if a log message exists at any level.
func (m *MockLogger) HasMessage(message string) bool {
	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()

	for _, log := range m.sink.logs {
		if log.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured logs.
func (m *MockLogger) Clear() {
	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	m.sink.logs = nil
}

// =============================================================================
// ASSERTION HELPERS
// =============================================================================

// Eventually polls cond every few milliseconds until it holds or timeout
// passes. It reports whether cond held.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Ensure mocks implement their interfaces.
var (
	_ agents.LLMProvider     = (*MockLLMProvider)(nil)
	_ agents.Worker          = (*ScriptedWorker)(nil)
	_ agents.ContextProvider = (*MockContextProvider)(nil)
	_ store.Store            = (*FaultyStore)(nil)
	_ observability.Logger   = (*MockLogger)(nil)
)

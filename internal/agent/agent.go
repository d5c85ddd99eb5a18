// Package agent defines the strategy contract the runtime drives: an
// agent turns a task plus context into a lazy sequence of outputs. The
// sequence is rendered in Go as a yield callback; producing the next
// output is deferred until the previous yield returns, which is where
// the runtime executes tools, persists results, and decides whether to
// keep pulling.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"seed/internal/conversation"
	"seed/internal/llm"
	"seed/internal/task"
)

// Stop sentinels. An agent's Run returns one of these (propagated out of
// yield) when the runtime ends iteration early; the runtime treats them
// as clean stops, not failures.
var (
	// ErrStopPaused means the task was paused; the pass ends and state
	// stays resumable.
	ErrStopPaused = errors.New("agent stopped: paused")

	// ErrStopCanceled means the task was canceled mid-pass.
	ErrStopCanceled = errors.New("agent stopped: canceled")

	// ErrStopAwaitingUser means the pass ended on a pending interaction.
	ErrStopAwaitingUser = errors.New("agent stopped: awaiting user")
)

// IsStop reports whether err is one of the cooperative stop sentinels.
func IsStop(err error) bool {
	return errors.Is(err, ErrStopPaused) ||
		errors.Is(err, ErrStopCanceled) ||
		errors.Is(err, ErrStopAwaitingUser)
}

// YieldFunc receives one output. It returns only after the output's side
// effects (tool execution, result persistence, event appends) are done,
// or a stop sentinel when the runtime wants iteration to end.
type YieldFunc func(*Output) error

// Profile tunes an agent's loop. Zero values fall back to the agent's
// compiled-in defaults.
type Profile struct {
	SystemPrompt  string  `json:"systemPrompt,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	MaxTokens     int     `json:"maxTokens,omitempty"`
	MaxIterations int     `json:"maxIterations,omitempty"`
}

// Merge overlays non-zero fields of o onto a copy of p.
func (p Profile) Merge(o *Profile) Profile {
	if o == nil {
		return p
	}
	if o.SystemPrompt != "" {
		p.SystemPrompt = o.SystemPrompt
	}
	if o.Temperature != 0 {
		p.Temperature = o.Temperature
	}
	if o.MaxTokens != 0 {
		p.MaxTokens = o.MaxTokens
	}
	if o.MaxIterations != 0 {
		p.MaxIterations = o.MaxIterations
	}
	return p
}

// Invocation is the context one agent pass runs in. The runtime builds
// it fresh per pass so profile and streaming changes take effect on the
// next execute.
type Invocation struct {
	Task *task.View

	// Conversation reads and appends the task's message history.
	Conversation *conversation.Manager

	// LLM is the completion port.
	LLM llm.Client

	// Tools describes the tools available to the model this pass.
	Tools []llm.ToolDefinition

	Profile Profile

	// Streaming selects Stream over Complete; chunks go to OnStreamChunk.
	Streaming     bool
	OnStreamChunk func(*llm.Chunk)

	// Paused reports whether a cooperative pause was requested. Agents
	// check it at iteration boundaries.
	Paused func() bool
}

// Agent is a strategy for working a task. Agents are risk-unaware: they
// yield tool_call outputs uniformly and the output handler enforces the
// confirmation policy.
type Agent interface {
	ID() string
	DisplayName() string
	Description() string

	// ToolGroups names the tool groups this agent draws from; empty
	// means every registered tool.
	ToolGroups() []string

	DefaultProfile() Profile

	// Run drives one pass over the task, yielding outputs in order. It
	// returns nil after a terminal output, a stop sentinel on
	// cooperative interruption, or a real error on infrastructure
	// failure.
	Run(ctx context.Context, inv *Invocation, yield YieldFunc) error
}

// Registry is the process-wide agent catalog, populated at startup and
// read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Duplicate ids are an error.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.ID()
	if id == "" {
		return fmt.Errorf("register agent: empty id")
	}
	if _, exists := r.agents[id]; exists {
		return fmt.Errorf("register agent: %q already registered", id)
	}
	r.agents[id] = a
	r.order = append(r.order, id)
	return nil
}

// MustRegister panics on registration error. Startup-only convenience.
func (r *Registry) MustRegister(agents ...Agent) {
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

// Get looks an agent up by id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns agents in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// IDs returns the registered agent ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

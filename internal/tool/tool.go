// Package tool defines the tool contract, the registry the agent draws
// from, and the executor that wraps every invocation in an audit trace.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"seed/internal/event"
)

// RiskLevel classifies what a tool may do. Risky tools require an
// approved confirmation interaction before they execute.
type RiskLevel string

const (
	RiskSafe  RiskLevel = "safe"
	RiskRisky RiskLevel = "risky"
)

// ErrNotFound is returned when a tool name is not registered.
var ErrNotFound = errors.New("tool not found")

// Context carries the per-call environment a tool executes in. The
// cancellation signal travels on the context.Context given to Execute.
type Context struct {
	TaskID  string
	ActorID string

	// BaseDir is the directory file tools operate relative to and must
	// stay inside.
	BaseDir string

	// Artifacts stores large or binary outputs out of band.
	Artifacts *ArtifactStore

	// ConfirmedInteractionID is the approved confirmation backing a
	// risky call. Empty for safe tools.
	ConfirmedInteractionID string
}

// Result is what a tool produces. IsError marks a tool-level failure
// that the agent should see and react to; it is not an infra failure.
type Result struct {
	Output  string
	IsError bool
}

// Errorf builds an error result.
func Errorf(format string, args ...any) *Result {
	return &Result{Output: fmt.Sprintf(format, args...), IsError: true}
}

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON schema of the arguments object.
	Parameters() json.RawMessage
	RiskLevel() RiskLevel
	Execute(ctx context.Context, args json.RawMessage, tc *Context) (*Result, error)
}

// Grouped is implemented by tools that belong to a named group, used
// for profile-based filtering.
type Grouped interface {
	Group() string
}

// Prechecker is implemented by tools that can veto a call before the
// risk gate runs, so a doomed risky call never bothers the user.
type Prechecker interface {
	CanExecute(ctx context.Context, args json.RawMessage, tc *Context) error
}

// ConfirmPreviewer is implemented by risky tools that can render a
// richer confirmation prompt than the generic argument dump, e.g. a
// diff of the write about to happen.
type ConfirmPreviewer interface {
	ConfirmPreview(ctx context.Context, args json.RawMessage, tc *Context) (*event.InteractionDisplay, error)
}

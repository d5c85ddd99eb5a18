// Package interaction implements the user interaction protocol: the
// structured request/response channel between a running agent and the
// user, persisted as events on the task's stream.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"seed/internal/event"
	"seed/internal/logging"
	"seed/internal/observability"
	"seed/internal/utils/id"
)

var (
	// ErrNoPendingInteraction means the task is not waiting on the user.
	ErrNoPendingInteraction = errors.New("no pending interaction")

	// ErrStaleInteraction means the response targets an interaction that
	// is not the one currently pending.
	ErrStaleInteraction = errors.New("stale interaction")
)

// DefaultResponseTimeout bounds WaitForResponse when the caller passes
// no explicit timeout.
const DefaultResponseTimeout = 300 * time.Second

// Service coordinates interaction requests and responses over the
// event store. It holds no state of its own: the pending interaction is
// always derived by replaying the task's stream.
type Service struct {
	store   event.Store
	logger  logging.Logger
	metrics *observability.Metrics
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) ServiceOption {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

// WithMetrics attaches the metrics recorder.
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService builds a Service over the store.
func NewService(store event.Store, opts ...ServiceOption) *Service {
	s := &Service{store: store, logger: logging.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request appends a UserInteractionRequested event. A missing
// interaction id is assigned here so callers may leave it empty.
func (s *Service) Request(taskID string, req event.InteractionRequest, authorActorID string) (*event.Envelope, error) {
	if req.InteractionID == "" {
		req.InteractionID = id.NewInteractionID()
	}
	evs, err := s.store.Append(taskID, []*event.Draft{
		event.MustDraft(event.TypeUserInteractionRequested, event.UserInteractionRequestedPayload{
			TaskID:        taskID,
			Interaction:   req,
			AuthorActorID: authorActorID,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("request interaction: %w", err)
	}
	if s.metrics != nil {
		s.metrics.InteractionOpened(context.Background())
	}
	s.logger.Info("task %s: interaction %s requested (%s)", taskID, req.InteractionID, req.Kind)
	return evs[0], nil
}

// Respond validates the response against the pending interaction and
// appends UserInteractionResponded. The caller learns the envelope so
// it can await projection catch-up.
func (s *Service) Respond(taskID, interactionID string, resp event.InteractionResponse, authorActorID string) (*event.Envelope, error) {
	pending, err := s.Pending(taskID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, fmt.Errorf("%w: task %s", ErrNoPendingInteraction, taskID)
	}
	if pending.InteractionID != interactionID {
		return nil, fmt.Errorf("%w: pending %s, got %s", ErrStaleInteraction, pending.InteractionID, interactionID)
	}

	resp.InteractionID = interactionID
	evs, err := s.store.Append(taskID, []*event.Draft{
		event.MustDraft(event.TypeUserInteractionResponded, event.UserInteractionRespondedPayload{
			TaskID:        taskID,
			InteractionID: interactionID,
			Response:      resp,
			AuthorActorID: authorActorID,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("respond to interaction: %w", err)
	}
	if s.metrics != nil {
		s.metrics.InteractionClosed(context.Background())
	}
	s.logger.Info("task %s: interaction %s responded", taskID, interactionID)
	return evs[0], nil
}

// Pending replays the task's stream and returns the last requested
// interaction that has no response yet, or nil.
func (s *Service) Pending(taskID string) (*event.InteractionRequest, error) {
	evs, err := s.store.ReadStream(taskID, 1)
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	responded := make(map[string]bool)
	var last *event.InteractionRequest
	for _, ev := range evs {
		switch ev.Type {
		case event.TypeUserInteractionRequested:
			var p event.UserInteractionRequestedPayload
			if err := ev.Decode(&p); err != nil {
				continue
			}
			req := p.Interaction
			last = &req
		case event.TypeUserInteractionResponded:
			var p event.UserInteractionRespondedPayload
			if err := ev.Decode(&p); err != nil {
				continue
			}
			responded[p.InteractionID] = true
		}
	}
	if last == nil || responded[last.InteractionID] {
		return nil, nil
	}
	return last, nil
}

// WaitForResponse blocks until a response for the interaction arrives,
// the timeout elapses, or ctx is done. Timeout returns (nil, nil): the
// task simply stays in awaiting_user.
func (s *Service) WaitForResponse(ctx context.Context, taskID, interactionID string, timeout time.Duration) (*event.InteractionResponse, error) {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}

	// Subscribe before the replay check so a response landing between
	// the two is not missed.
	feed, cancel := s.store.Subscribe()
	defer cancel()

	evs, err := s.store.ReadStream(taskID, 1)
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	for _, ev := range evs {
		if resp := matchResponse(ev, taskID, interactionID); resp != nil {
			return resp, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				return nil, fmt.Errorf("event feed closed")
			}
			if resp := matchResponse(ev, taskID, interactionID); resp != nil {
				return resp, nil
			}
		case <-timer.C:
			s.logger.Warn("task %s: interaction %s response timed out after %s", taskID, interactionID, timeout)
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func matchResponse(ev *event.Envelope, taskID, interactionID string) *event.InteractionResponse {
	if ev.StreamID != taskID || ev.Type != event.TypeUserInteractionResponded {
		return nil
	}
	var p event.UserInteractionRespondedPayload
	if err := ev.Decode(&p); err != nil {
		return nil
	}
	if p.InteractionID != interactionID {
		return nil
	}
	resp := p.Response
	return &resp
}

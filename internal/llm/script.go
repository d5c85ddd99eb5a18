package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ScriptClient replays a fixed sequence of responses. Tests use it to
// stand in for a provider: each Complete or Stream call consumes the
// next scripted turn, and every request is recorded for assertions.
type ScriptClient struct {
	mu       sync.Mutex
	turns    []*Response
	errs     []error
	cursor   int
	requests []*Request
	model    string
}

// NewScriptClient builds a client that returns the given responses in
// order. Calls beyond the script return an error.
func NewScriptClient(turns ...*Response) *ScriptClient {
	return &ScriptClient{turns: turns, model: "scripted"}
}

// FailAt makes the i-th call (zero-based) return err instead of its
// scripted response.
func (s *ScriptClient) FailAt(i int, err error) *ScriptClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.errs) <= i {
		s.errs = append(s.errs, nil)
	}
	s.errs[i] = err
	return s
}

func (s *ScriptClient) next(req *Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.cursor
	s.cursor++
	s.requests = append(s.requests, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.turns) {
		return nil, fmt.Errorf("script exhausted after %d turns", len(s.turns))
	}
	return s.turns[i], nil
}

// Complete returns the next scripted turn.
func (s *ScriptClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.next(req)
}

// Stream chops the scripted content into word chunks before returning
// the full response, mimicking a provider stream.
func (s *ScriptClient) Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	resp, err := s.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if fn != nil {
		if resp.Reasoning != "" {
			if err := fn(&Chunk{ReasoningDelta: resp.Reasoning}); err != nil {
				return nil, err
			}
		}
		for _, word := range strings.SplitAfter(resp.Content, " ") {
			if word == "" {
				continue
			}
			if err := fn(&Chunk{ContentDelta: word}); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}

// Model implements Client.
func (s *ScriptClient) Model() string { return s.model }

// Requests returns every request seen so far.
func (s *ScriptClient) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.requests...)
}

// Calls returns how many completion calls were made.
func (s *ScriptClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

var _ Client = (*ScriptClient)(nil)

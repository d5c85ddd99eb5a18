package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"seed/internal/conversation"
	"seed/internal/logging"
	"seed/internal/observability"
)

// Config configures the OpenAI-compatible adapter. BaseURL may point at
// any endpoint speaking the chat completions protocol.
type Config struct {
	Model          string            `json:"model"`
	BaseURL        string            `json:"baseUrl"`
	APIKey         string            `json:"apiKey"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	Headers        map[string]string `json:"headers,omitempty"`
	Temperature    float64           `json:"temperature,omitempty"`
	MaxTokens      int               `json:"maxTokens,omitempty"`
}

// APIError is a non-2xx reply from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error: status %d: %s", e.StatusCode, e.Message)
}

type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	logger     logging.Logger
	metrics    *observability.Metrics
}

// ClientOption customizes the adapter.
type ClientOption func(*openaiClient)

// WithClientLogger sets the logger.
func WithClientLogger(l logging.Logger) ClientOption {
	return func(c *openaiClient) { c.logger = logging.OrNop(l) }
}

// WithClientMetrics attaches the metrics recorder.
func WithClientMetrics(m *observability.Metrics) ClientOption {
	return func(c *openaiClient) { c.metrics = m }
}

// WithHTTPClient overrides the underlying HTTP client, for tests.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *openaiClient) { c.httpClient = h }
}

// NewOpenAIClient builds a Client speaking the OpenAI-compatible chat
// completions API.
func NewOpenAIClient(cfg Config, opts ...ClientOption) (Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm: base url is required")
	}
	timeout := 120 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &openaiClient{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *openaiClient) Model() string { return c.model }

// wire formats

type oaiToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

func (c *openaiClient) convertMessages(msgs []conversation.Message) []oaiMessage {
	out := make([]oaiMessage, 0, len(msgs))
	for _, m := range msgs {
		om := oaiMessage{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case conversation.RoleAssistant:
			for _, call := range m.ToolCalls {
				tc := oaiToolCall{ID: call.ID, Type: "function"}
				tc.Function.Name = call.Name
				tc.Function.Arguments = string(call.Args)
				om.ToolCalls = append(om.ToolCalls, tc)
			}
		case conversation.RoleTool:
			om.ToolCallID = m.ToolCallID
			om.Name = m.ToolName
		}
		out = append(out, om)
	}
	return out
}

func (c *openaiClient) convertTools(tools []ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

func (c *openaiClient) buildBody(req *Request, stream bool) ([]byte, error) {
	body := map[string]any{
		"model":    c.model,
		"messages": c.convertMessages(req.Messages),
		"stream":   stream,
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		body["tools"] = c.convertTools(req.Tools)
		body["tool_choice"] = "auto"
	}
	if stream {
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	return json.Marshal(body)
}

func (c *openaiClient) do(ctx context.Context, body []byte) (*http.Response, error) {
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	c.logger.Debug("llm request: POST %s model=%s bytes=%d", endpoint, c.model, len(body))
	return c.httpClient.Do(httpReq)
}

func mapStopReason(finish string) string {
	switch finish {
	case "tool_calls", "function_call":
		return StopToolCalls
	case "length":
		return StopLength
	default:
		return StopEndTurn
	}
}

// estimateUsage fills in tiktoken-based estimates when the provider
// omits usage, so the token metrics stay populated across providers.
func estimateUsage(u Usage, req *Request, resp *Response) Usage {
	if u.PromptTokens == 0 {
		u.PromptTokens = conversation.CountPromptTokens(req.Messages)
	}
	if u.CompletionTokens == 0 {
		u.CompletionTokens = conversation.CountTokens(resp.Content) + conversation.CountTokens(resp.Reasoning)
		for _, call := range resp.ToolCalls {
			u.CompletionTokens += conversation.CountTokens(string(call.Args))
		}
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func (c *openaiClient) record(ctx context.Context, status string, start time.Time, usage Usage) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordLLMRequest(ctx, c.model, status, time.Since(start), usage.PromptTokens, usage.CompletionTokens)
}

func (c *openaiClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	body, err := c.buildBody(req, false)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.do(ctx, body)
	if err != nil {
		c.record(ctx, "transport_error", start, Usage{})
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.record(ctx, "transport_error", start, Usage{})
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.record(ctx, fmt.Sprintf("http_%d", resp.StatusCode), start, Usage{})
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	var oaiResp struct {
		Choices []struct {
			Message struct {
				Content          string        `json:"content"`
				ReasoningContent string        `json:"reasoning_content"`
				ToolCalls        []oaiToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		c.record(ctx, "decode_error", start, Usage{})
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if oaiResp.Error != nil && oaiResp.Error.Message != "" {
		c.record(ctx, "api_error", start, Usage{})
		return nil, &APIError{StatusCode: resp.StatusCode, Message: oaiResp.Error.Message}
	}
	if len(oaiResp.Choices) == 0 {
		c.record(ctx, "empty", start, Usage{})
		return nil, fmt.Errorf("llm response had no choices")
	}

	choice := oaiResp.Choices[0]
	out := &Response{
		Content:    choice.Message.Content,
		Reasoning:  choice.Message.ReasoningContent,
		StopReason: mapStopReason(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, conversation.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = StopToolCalls
	}
	out.Usage = estimateUsage(out.Usage, req, out)
	c.record(ctx, "ok", start, out.Usage)
	return out, nil
}

// toolCallAccumulator merges streaming tool call fragments by index.
type toolCallAccumulator struct {
	byIndex map[int]*pendingCall
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (acc *toolCallAccumulator) add(tc oaiToolCall) {
	if acc.byIndex == nil {
		acc.byIndex = make(map[int]*pendingCall)
	}
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	p := acc.byIndex[idx]
	if p == nil {
		p = &pendingCall{}
		acc.byIndex[idx] = p
	}
	if tc.ID != "" {
		p.id = tc.ID
	}
	if tc.Function.Name != "" {
		p.name = tc.Function.Name
	}
	p.args.WriteString(tc.Function.Arguments)
}

func (acc *toolCallAccumulator) calls() []conversation.ToolCall {
	if len(acc.byIndex) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(acc.byIndex))
	for i := range acc.byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]conversation.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		p := acc.byIndex[i]
		out = append(out, conversation.ToolCall{
			ID:   p.id,
			Name: p.name,
			Args: json.RawMessage(p.args.String()),
		})
	}
	return out
}

func (c *openaiClient) Stream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	start := time.Now()
	body, err := c.buildBody(req, true)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.do(ctx, body)
	if err != nil {
		c.record(ctx, "transport_error", start, Usage{})
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		c.record(ctx, fmt.Sprintf("http_%d", resp.StatusCode), start, Usage{})
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	var (
		content   strings.Builder
		reasoning strings.Builder
		acc       toolCallAccumulator
		finish    string
		usage     Usage
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var delta struct {
			Choices []struct {
				Delta struct {
					Content          string        `json:"content"`
					ReasoningContent string        `json:"reasoning_content"`
					ToolCalls        []oaiToolCall `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				TotalTokens      int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			c.logger.Warn("llm stream: skipping undecodable chunk: %v", err)
			continue
		}
		if delta.Usage != nil {
			usage = Usage{
				PromptTokens:     delta.Usage.PromptTokens,
				CompletionTokens: delta.Usage.CompletionTokens,
				TotalTokens:      delta.Usage.TotalTokens,
			}
		}
		if len(delta.Choices) == 0 {
			continue
		}
		ch := delta.Choices[0]
		if ch.FinishReason != "" {
			finish = ch.FinishReason
		}
		for _, tc := range ch.Delta.ToolCalls {
			acc.add(tc)
		}
		if ch.Delta.Content != "" {
			content.WriteString(ch.Delta.Content)
			if fn != nil {
				if err := fn(&Chunk{ContentDelta: ch.Delta.Content}); err != nil {
					c.record(ctx, "consumer_abort", start, usage)
					return nil, err
				}
			}
		}
		if ch.Delta.ReasoningContent != "" {
			reasoning.WriteString(ch.Delta.ReasoningContent)
			if fn != nil {
				if err := fn(&Chunk{ReasoningDelta: ch.Delta.ReasoningContent}); err != nil {
					c.record(ctx, "consumer_abort", start, usage)
					return nil, err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		c.record(ctx, "transport_error", start, usage)
		return nil, fmt.Errorf("read stream: %w", err)
	}

	out := &Response{
		Content:    content.String(),
		Reasoning:  reasoning.String(),
		ToolCalls:  acc.calls(),
		StopReason: mapStopReason(finish),
		Usage:      usage,
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = StopToolCalls
	}
	out.Usage = estimateUsage(out.Usage, req, out)
	c.record(ctx, "ok", start, out.Usage)
	return out, nil
}

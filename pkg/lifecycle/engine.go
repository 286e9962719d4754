// Package lifecycle drives one request from dispatch to completion: it
// builds the wire body, sends it over a worker's httpsession.Session,
// reads the response (streamed or not), and folds everything into a
// types.LifecycleRecord. Execute never returns an error — every failure
// mode, including a connection refusal or a deadline, is represented as
// an Outcome on the record itself.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kubernetes-sigs/inference-perf/pkg/httpsession"
	"github.com/kubernetes-sigs/inference-perf/pkg/tokenizer"
	"github.com/kubernetes-sigs/inference-perf/pkg/types"
	"github.com/rs/zerolog"
)

// Engine executes dispatches against one worker's Session.
type Engine struct {
	session   *httpsession.Session
	tokenizer tokenizer.Tokenizer
	registry  *SessionRegistry
	logger    zerolog.Logger
	streaming bool
}

// Config controls Engine construction.
type Config struct {
	Session   *httpsession.Session
	Tokenizer tokenizer.Tokenizer
	Registry  *SessionRegistry
	Logger    zerolog.Logger
	Streaming bool
}

// NewEngine builds an Engine from cfg.
func NewEngine(cfg Config) *Engine {
	tok := cfg.Tokenizer
	if tok == nil {
		tok = tokenizer.WhitespaceTokenizer{}
	}
	return &Engine{
		session:   cfg.Session,
		tokenizer: tok,
		registry:  cfg.Registry,
		logger:    cfg.Logger,
		streaming: cfg.Streaming,
	}
}

// completionWireRequest is the OpenAI-compatible /v1/completions body.
type completionWireRequest struct {
	Model     string `json:"model,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens uint32 `json:"max_tokens,omitempty"`
	Stream    bool   `json:"stream"`
	IgnoreEOS bool   `json:"ignore_eos,omitempty"`
}

// chatWireRequest is the OpenAI-compatible /v1/chat/completions body.
type chatWireRequest struct {
	Model     string        `json:"model,omitempty"`
	Messages  []wireMessage `json:"messages"`
	MaxTokens uint32        `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream"`
	IgnoreEOS bool          `json:"ignore_eos,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireUsage struct {
	PromptTokens     uint32 `json:"prompt_tokens"`
	CompletionTokens uint32 `json:"completion_tokens"`
}

type nonStreamingResponse struct {
	Choices []struct {
		Text    string `json:"text"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type streamingChunk struct {
	Choices []struct {
		Text  string `json:"text"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// Execute sends descriptor's request and returns its completed
// LifecycleRecord. The ScheduledTime and StageID come from the dispatch
// the scheduler produced; every other record field is filled in here.
// If the session carries a non-zero RequestTimeout, ctx is bounded to
// it so a single stalled request cannot hang past its deadline.
func (e *Engine) Execute(ctx context.Context, dispatch types.Dispatch) types.LifecycleRecord {
	if e.session != nil && e.session.RequestTimeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.session.RequestTimeout())
		defer cancel()
	}

	rec := types.LifecycleRecord{
		StageID:       dispatch.StageID,
		ModelName:     dispatch.Model,
		ScheduledTime: dispatch.ScheduledTime,
	}

	concrete, ok := dispatch.Descriptor.(types.Concrete)
	if !ok {
		rec.DispatchTime = time.Now()
		rec.CompletionTime = rec.DispatchTime
		rec.Outcome = types.OutcomeDispatchDropped
		rec.ErrorDetail = "descriptor was not resolved to a concrete request before dispatch"
		return rec
	}

	if concrete.Session != nil {
		rec.SessionID = concrete.Session.ID
		release, err := e.registry.Acquire(ctx, concrete.Session.ID, concrete.Session.Round)
		if err != nil {
			rec.DispatchTime = time.Now()
			rec.CompletionTime = rec.DispatchTime
			rec.Outcome = types.OutcomeCanceled
			rec.ErrorDetail = fmt.Sprintf("waiting for session turn: %v", err)
			return rec
		}
		defer release()
	}

	path, body, err := buildRequest(concrete, dispatch.Model, e.streaming)
	if err != nil {
		rec.DispatchTime = time.Now()
		rec.CompletionTime = rec.DispatchTime
		rec.Outcome = types.OutcomeClientError
		rec.ErrorDetail = err.Error()
		return rec
	}

	url := e.session.BaseURL() + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		rec.DispatchTime = time.Now()
		rec.CompletionTime = rec.DispatchTime
		rec.Outcome = types.OutcomeClientError
		rec.ErrorDetail = err.Error()
		return rec
	}
	httpReq.Header.Set("Content-Type", "application/json")

	rec.DispatchTime = time.Now()

	resp, err := e.session.Do(httpReq)
	if err != nil {
		rec.CompletionTime = time.Now()
		rec.Outcome = classifyTransportError(ctx, err)
		rec.ErrorDetail = err.Error()
		return rec
	}
	defer resp.Body.Close()

	now := time.Now()
	rec.FirstByteTime = &now

	if resp.StatusCode >= 500 {
		rec.Outcome = types.OutcomeServerError
	} else if resp.StatusCode >= 400 {
		rec.Outcome = types.OutcomeClientError
	}
	if rec.Outcome != "" {
		data, _ := io.ReadAll(resp.Body)
		rec.CompletionTime = time.Now()
		rec.ErrorDetail = fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(data, 256))
		return rec
	}

	var outputText string
	var usage *wireUsage

	if e.streaming {
		outputText, usage, err = e.consumeStream(resp.Body, &rec)
	} else {
		outputText, usage, err = e.consumeBody(resp.Body, concrete.API)
	}

	rec.CompletionTime = time.Now()
	if err != nil {
		rec.Outcome = types.OutcomeServerError
		rec.ErrorDetail = err.Error()
		return rec
	}

	rec.Outcome = types.OutcomeSuccess
	inputTokens := e.countInput(concrete)
	rec.InputTokens = &inputTokens

	var outputTokens uint32
	if usage != nil {
		outputTokens = usage.CompletionTokens
	} else {
		outputTokens = e.tokenizer.CountTokens(outputText)
	}
	rec.OutputTokens = &outputTokens

	rec.TTFTSLOSec = concrete.SLO.TTFTSec
	rec.TPOTSLOSec = concrete.SLO.TPOTSec

	return rec
}

func (e *Engine) countInput(c types.Concrete) uint32 {
	switch c.API {
	case types.APITypeChat:
		var total uint32
		for _, m := range c.Messages {
			total += e.tokenizer.CountTokens(m.Content)
		}
		return total
	default:
		return e.tokenizer.CountTokens(c.Prompt)
	}
}

func (e *Engine) consumeBody(body io.Reader, api types.APIType) (string, *wireUsage, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", nil, fmt.Errorf("read response body: %w", err)
	}

	var parsed nonStreamingResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", nil, fmt.Errorf("decode response body: %w", err)
	}

	if len(parsed.Choices) == 0 {
		return "", parsed.Usage, nil
	}
	if api == types.APITypeChat {
		return parsed.Choices[0].Message.Content, parsed.Usage, nil
	}
	return parsed.Choices[0].Text, parsed.Usage, nil
}

func (e *Engine) consumeStream(body io.Reader, rec *types.LifecycleRecord) (string, *wireUsage, error) {
	var builder bytes.Buffer
	var usage *wireUsage
	var scanErr error

	err := httpsession.ScanSSE(body, func(event httpsession.SSEEvent) {
		var chunk streamingChunk
		if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
			scanErr = err
			return
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}

		var text string
		if len(chunk.Choices) > 0 {
			if chunk.Choices[0].Delta.Content != "" {
				text = chunk.Choices[0].Delta.Content
			} else {
				text = chunk.Choices[0].Text
			}
		}
		if text == "" {
			return
		}

		at := event.At
		if rec.FirstTokenTime == nil {
			rec.FirstTokenTime = &at
		}
		rec.LastTokenTime = &at
		builder.WriteString(text)
	})
	if err != nil {
		return "", nil, fmt.Errorf("read SSE stream: %w", err)
	}
	if scanErr != nil {
		return "", nil, fmt.Errorf("decode SSE chunk: %w", scanErr)
	}

	return builder.String(), usage, nil
}

func buildRequest(c types.Concrete, model string, stream bool) (path string, body []byte, err error) {
	if model == "" {
		model = c.Model
	}
	switch c.API {
	case types.APITypeChat:
		messages := make([]wireMessage, len(c.Messages))
		for i, m := range c.Messages {
			messages[i] = wireMessage{Role: m.Role, Content: m.Content}
		}
		body, err = json.Marshal(chatWireRequest{
			Model:     model,
			Messages:  messages,
			MaxTokens: c.MaxTokens,
			Stream:    stream,
			IgnoreEOS: c.IgnoreEOS,
		})
		return "/v1/chat/completions", body, err
	default:
		body, err = json.Marshal(completionWireRequest{
			Model:     model,
			Prompt:    c.Prompt,
			MaxTokens: c.MaxTokens,
			Stream:    stream,
			IgnoreEOS: c.IgnoreEOS,
		})
		return "/v1/completions", body, err
	}
}

func classifyTransportError(ctx context.Context, err error) types.Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return types.OutcomeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.OutcomeTimeout
	}
	return types.OutcomeConnectionError
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"helios/internal/domain"
)

const (
	defaultReasoningEffort   = "medium"
	defaultAPIRetries        = 2
	defaultAPIRetryBackoff   = 1500 * time.Millisecond
	defaultAPITimeout        = 2 * time.Minute
	defaultMaxOutputBytes    = 1024 * 1024
	defaultMaxOutputTokens   = 8000
	maxErrorBodyBytes        = 64 * 1024
)

type ResponsesConfig struct {
	Endpoint        string
	Model           string
	ReasoningEffort string
	AuthToken       string
	Timeout         time.Duration
	Retries         int
	RetryBackoff    time.Duration
	MaxOutputBytes  int
	MaxOutputTokens int
	Personas        Personas
	Logger          *log.Logger
	Client          *http.Client
}

// ResponsesProvider answers for every role by calling a Responses API model
// with the role's persona as instructions.
type ResponsesProvider struct {
	endpoint        string
	model           string
	reasoningEffort string
	authToken       string
	retries         int
	retryBackoff    time.Duration
	maxOutputBytes  int
	maxOutputTokens int
	personas        Personas
	logger          *log.Logger
	client          *http.Client
}

func NewResponsesProvider(cfg ResponsesConfig) (*ResponsesProvider, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty API endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid API endpoint %q: %w", endpoint, err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("empty model")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Personas == nil {
		cfg.Personas = DefaultPersonas()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultAPIRetries
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultAPIRetryBackoff
	}
	maxOutputBytes := cfg.MaxOutputBytes
	if maxOutputBytes <= 0 {
		maxOutputBytes = defaultMaxOutputBytes
	}
	maxOutputTokens := cfg.MaxOutputTokens
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTokens
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &ResponsesProvider{
		endpoint:        endpoint,
		model:           model,
		reasoningEffort: reasoningEffort(cfg.ReasoningEffort),
		authToken:       strings.TrimSpace(cfg.AuthToken),
		retries:         retries,
		retryBackoff:    retryBackoff,
		maxOutputBytes:  maxOutputBytes,
		maxOutputTokens: maxOutputTokens,
		personas:        cfg.Personas,
		logger:          cfg.Logger,
		client:          client,
	}, nil
}

func (p *ResponsesProvider) Reply(ctx context.Context, role domain.Role, history []domain.Message) (string, error) {
	persona, ok := p.personas[role]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAgent, role)
	}
	var lastErr error
	for attempt := 1; attempt <= p.retries+1; attempt++ {
		text, err := p.replyOnce(ctx, persona, history)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable(err) || attempt == p.retries+1 {
			break
		}
		wait := time.Duration(attempt) * p.retryBackoff
		p.logger.Printf("responses reply retry role=%s attempt=%d wait=%s reason=%v", role, attempt, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("responses api: no attempt made")
	}
	return "", lastErr
}

func (p *ResponsesProvider) replyOnce(ctx context.Context, persona Persona, history []domain.Message) (string, error) {
	payload := replyRequest{
		Model:        p.model,
		Instructions: persona.SystemPrompt,
		Stream:       true,
		Reasoning:    &replyReasoning{Effort: p.reasoningEffort},
		Input: []replyInput{{
			Role:    "user",
			Content: []replyPart{{Type: "input_text", Text: buildTranscript(persona, history)}},
		}},
		MaxOutputTokens: p.maxOutputTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s request: %w", persona.Role, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", persona.Role, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s reply request: %w", persona.Role, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", statusError{code: resp.StatusCode, body: strings.TrimSpace(string(text))}
	}

	reply, err := collectReply(resp.Body, p.maxOutputBytes)
	if err != nil {
		return "", fmt.Errorf("%s reply stream: %w", persona.Role, err)
	}
	return reply, nil
}

// buildTranscript renders the conversation for the model. The model's own
// earlier replies are labelled so it can tell them apart from its teammates.
func buildTranscript(persona Persona, history []domain.Message) string {
	var b strings.Builder
	b.WriteString("You are ")
	b.WriteString(persona.Name)
	b.WriteString(". Conversation so far:\n\n")
	for _, msg := range history {
		b.WriteString("[")
		b.WriteString(string(msg.Speaker))
		if msg.Speaker == persona.Role {
			b.WriteString(" (you)")
		}
		b.WriteString("]\n")
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Write your next reply.")
	return b.String()
}

func reasoningEffort(value string) string {
	switch effort := strings.ToLower(strings.TrimSpace(value)); effort {
	case "none", "low", "medium", "high":
		return effort
	default:
		return defaultReasoningEffort
	}
}

// retryable reports whether another attempt may succeed: throttling, server
// errors and broken connections. A cancelled context never is.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var status statusError
	if errors.As(err, &status) {
		return status.code == http.StatusTooManyRequests || status.code >= http.StatusInternalServerError
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded)
}

// collectReply concatenates the text deltas of a Responses event stream.
// Events are separated by blank lines; only their data lines matter.
func collectReply(body io.Reader, limit int) (string, error) {
	r := bufio.NewReader(body)
	var reply strings.Builder
	var data strings.Builder

	flush := func() error {
		raw := strings.TrimSpace(data.String())
		data.Reset()
		if raw == "" || raw == "[DONE]" {
			return nil
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if msg := ev.failure(); msg != "" {
			return fmt.Errorf("model error: %s", msg)
		}
		if ev.Type != "response.output_text.delta" {
			return nil
		}
		if reply.Len()+len(ev.Delta) > limit {
			return fmt.Errorf("reply exceeds %d bytes", limit)
		}
		reply.WriteString(ev.Delta)
		return nil
	}

	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ferr := flush(); ferr != nil {
				return "", ferr
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > limit {
				return "", fmt.Errorf("event exceeds %d bytes", limit)
			}
			data.WriteString(strings.TrimPrefix(line, "data:"))
			data.WriteByte('\n')
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
	}
	if err := flush(); err != nil {
		return "", err
	}

	text := strings.TrimSpace(reply.String())
	if text == "" {
		return "", errors.New("empty reply")
	}
	return text, nil
}

type replyRequest struct {
	Model           string          `json:"model"`
	Instructions    string          `json:"instructions"`
	Stream          bool            `json:"stream"`
	Reasoning       *replyReasoning `json:"reasoning,omitempty"`
	Input           []replyInput    `json:"input"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
}

type replyReasoning struct {
	Effort string `json:"effort"`
}

type replyInput struct {
	Role    string      `json:"role"`
	Content []replyPart `json:"content"`
}

type replyPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type streamEvent struct {
	Type     string       `json:"type"`
	Delta    string       `json:"delta,omitempty"`
	Error    *streamError `json:"error,omitempty"`
	Response *struct {
		Error *streamError `json:"error,omitempty"`
	} `json:"response,omitempty"`
}

type streamError struct {
	Message string `json:"message"`
}

func (e streamEvent) failure() string {
	switch {
	case e.Error != nil:
		return e.Error.Message
	case e.Response != nil && e.Response.Error != nil:
		return e.Response.Error.Message
	}
	return ""
}

type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("responses api: status %d", e.code)
	}
	return fmt.Sprintf("responses api: status %d: %s", e.code, e.body)
}

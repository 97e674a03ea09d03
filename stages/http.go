// Package stages holds ready-made stage collaborators: a JSON-over-HTTP
// client for remote services, a rule based validator and a file sink.
package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	workflow "github.com/voronode/invoiceflow"
	"github.com/voronode/invoiceflow/retry"
)

// HTTPOptions configures an HTTPStage.
type HTTPOptions struct {
	// Tool names the remote service. Stages with the same tool share a
	// circuit breaker.
	Tool    string
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// HTTPStage posts the stage input as JSON and decodes a workflow.StageResult
// from the response.
//
// Responses map to errors as follows: 2xx is a result, 422 a validation
// failure, 408 and 429 infra failures, any other 4xx terminal, 5xx infra.
type HTTPStage struct {
	tool    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPStage returns a stage calling opts.URL.
func NewHTTPStage(opts HTTPOptions) (*HTTPStage, error) {
	if opts.URL == "" {
		return nil, errors.New("URL cannot be empty")
	}
	if opts.Tool == "" {
		return nil, errors.New("tool cannot be empty")
	}
	if opts.Client == nil {
		// Deadlines come from the stage context.
		opts.Client = &http.Client{}
	}
	return &HTTPStage{
		tool:    opts.Tool,
		url:     opts.URL,
		headers: opts.Headers,
		client:  opts.Client,
	}, nil
}

func (s *HTTPStage) Name() string {
	return s.tool
}

// validationBody is the 422 payload.
type validationBody struct {
	Severity workflow.Severity `json:"severity"`
	Message  string            `json:"message"`
}

func (s *HTTPStage) Execute(ctx context.Context, input workflow.StageInput) (*workflow.StageResult, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, workflow.TerminalError(fmt.Sprintf("failed to marshal stage input: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, workflow.TerminalError(fmt.Sprintf("failed to create request: %v", err))
	}
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	workflow.LoggerFromContext(ctx).Debug("calling stage service", "url", s.url)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result workflow.StageResult
		if len(bytes.TrimSpace(body)) == 0 {
			return &result, nil
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, retry.NewNonRecoverableError(fmt.Errorf("failed to decode %s response: %w", s.tool, err))
		}
		return &result, nil

	case resp.StatusCode == http.StatusUnprocessableEntity:
		var v validationBody
		if err := json.Unmarshal(body, &v); err != nil || v.Message == "" {
			v.Message = strings.TrimSpace(string(body))
		}
		if v.Severity == "" {
			v.Severity = workflow.SeverityMedium
		}
		return nil, workflow.ValidationError(v.Severity, v.Message)

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s returned %s: %s", s.tool, resp.Status, snippet(body))

	default:
		return nil, retry.NewNonRecoverableError(fmt.Errorf("%s returned %s: %s", s.tool, resp.Status, snippet(body)))
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// FromConfig builds HTTP stages for every node configured in cfg.Stages.
func FromConfig(cfg *workflow.Config, client *http.Client) (workflow.StageRegistry, error) {
	registry := workflow.StageRegistry{}
	for node, sc := range cfg.Stages {
		tool := sc.Tool
		if tool == "" {
			tool = string(node)
		}
		stage, err := NewHTTPStage(HTTPOptions{Tool: tool, URL: sc.URL, Headers: sc.Headers, Client: client})
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", node, err)
		}
		registry[node] = stage
	}
	return registry, nil
}

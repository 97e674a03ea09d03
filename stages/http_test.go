package stages

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	workflow "github.com/voronode/invoiceflow"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestHTTPStageSuccess(t *testing.T) {
	var received workflow.StageInput
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"extracted_data":{"invoice_number":"INV-7"},"anomalies":[{"type":"blurry","severity":"low","message":"page 2"}]}`))
	})

	stage, err := NewHTTPStage(HTTPOptions{
		Tool:    "ocr",
		URL:     server.URL,
		Headers: map[string]string{"Authorization": "Bearer token"},
	})
	require.NoError(t, err)
	require.Equal(t, "ocr", stage.Name())

	result, err := stage.Execute(context.Background(), workflow.StageInput{
		InstanceID: "wf_1",
		Node:       workflow.NodeExtract,
		Attempt:    2,
		Document:   workflow.Document{Filename: "a.pdf", Data: []byte("%PDF")},
	})
	require.NoError(t, err)
	require.Equal(t, "INV-7", result.ExtractedData["invoice_number"])
	require.Len(t, result.Anomalies, 1)
	require.Equal(t, workflow.SeverityLow, result.Anomalies[0].Severity)

	require.Equal(t, "wf_1", received.InstanceID)
	require.Equal(t, 2, received.Attempt)
	require.Equal(t, []byte("%PDF"), received.Document.Data)
}

func TestHTTPStageErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   workflow.ErrorKind
	}{
		{"server error", http.StatusBadGateway, "upstream down", workflow.ErrorKindInfra},
		{"rate limited", http.StatusTooManyRequests, "", workflow.ErrorKindInfra},
		{"bad request", http.StatusBadRequest, "unsupported pdf", workflow.ErrorKindTerminal},
		{"validation", http.StatusUnprocessableEntity, `{"severity":"high","message":"vendor unknown"}`, workflow.ErrorKindValidation},
		{"undecodable", http.StatusOK, "not json", workflow.ErrorKindTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			stage, err := NewHTTPStage(HTTPOptions{Tool: "svc", URL: server.URL})
			require.NoError(t, err)

			_, err = stage.Execute(context.Background(), workflow.StageInput{Node: workflow.NodeValidate})
			require.Error(t, err)
			require.Equal(t, tt.kind, workflow.ClassifyError(err).Kind)
		})
	}
}

func TestHTTPStageValidationSeverity(t *testing.T) {
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"severity":"high","message":"vendor unknown"}`))
	})
	stage, err := NewHTTPStage(HTTPOptions{Tool: "svc", URL: server.URL})
	require.NoError(t, err)

	_, err = stage.Execute(context.Background(), workflow.StageInput{})
	var stageErr *workflow.StageError
	require.True(t, errors.As(err, &stageErr))
	require.Equal(t, workflow.SeverityHigh, stageErr.Severity)
	require.Equal(t, "vendor unknown", stageErr.Cause)
}

func TestHTTPStageHonorsContext(t *testing.T) {
	release := make(chan struct{})
	server := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	stage, err := NewHTTPStage(HTTPOptions{Tool: "svc", URL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stage.Execute(ctx, workflow.StageInput{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewHTTPStageValidation(t *testing.T) {
	_, err := NewHTTPStage(HTTPOptions{Tool: "svc"})
	require.ErrorContains(t, err, "URL cannot be empty")
	_, err = NewHTTPStage(HTTPOptions{URL: "http://localhost"})
	require.ErrorContains(t, err, "tool cannot be empty")
}

func TestFromConfig(t *testing.T) {
	cfg := workflow.DefaultConfig()
	cfg.Stages = map[workflow.Node]workflow.StageConfig{
		workflow.NodeExtract:  {URL: "http://ocr/extract", Tool: "ocr"},
		workflow.NodeValidate: {URL: "http://validator/validate"},
	}
	registry, err := FromConfig(&cfg, nil)
	require.NoError(t, err)
	require.Equal(t, "ocr", registry[workflow.NodeExtract].Name())
	require.Equal(t, "validate", registry[workflow.NodeValidate].Name())
}

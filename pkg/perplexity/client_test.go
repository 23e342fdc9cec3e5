package perplexity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, status int, body string, inspect func(ChatCompletionRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if inspect != nil {
			inspect(req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChatCompletion(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    string
		wantStatus int
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body: `{
				"id": "cmpl-1",
				"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hauptstr. 5, Berlin"}}],
				"usage": {"prompt_tokens": 10, "completion_tokens": 5},
				"citations": ["https://acme.de/impressum"]
			}`,
		},
		{name: "rate_limit", status: http.StatusTooManyRequests, body: `{"error":"rate limit"}`, wantErr: "unexpected status 429", wantStatus: 429},
		{name: "server_error", status: http.StatusBadGateway, body: `{"error":"upstream"}`, wantErr: "unexpected status 502", wantStatus: 502},
		{name: "malformed", status: http.StatusOK, body: `{invalid`, wantErr: "unmarshal response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.status, tt.body, nil)
			client := NewClient("test-key", WithBaseURL(srv.URL))

			resp, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{
				Messages: []Message{{Role: "user", Content: "Where is Acme?"}},
			})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				var apiErr *APIError
				if tt.wantStatus != 0 {
					require.True(t, errors.As(err, &apiErr))
					assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
				}
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "cmpl-1", resp.ID)
			assert.Equal(t, "Hauptstr. 5, Berlin", resp.Content())
			assert.Equal(t, []string{"https://acme.de/impressum"}, resp.Citations)
			assert.Equal(t, 5, resp.Usage.CompletionTokens)
		})
	}
}

func TestChatCompletion_SendsDomainFilter(t *testing.T) {
	var got ChatCompletionRequest
	srv := newTestServer(t, http.StatusOK, `{"id":"1","choices":[],"usage":{}}`, func(r ChatCompletionRequest) { got = r })

	temp := 0.2
	maxTokens := 500
	client := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{
		Messages:           []Message{{Role: "user", Content: "Describe acme.de"}},
		Temperature:        &temp,
		MaxTokens:          &maxTokens,
		SearchDomainFilter: []string{"acme.de"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"acme.de"}, got.SearchDomainFilter)
	assert.Equal(t, defaultModel, got.Model)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 0.0001)
	require.NotNil(t, got.MaxTokens)
	assert.Equal(t, 500, *got.MaxTokens)
}

func TestChatCompletion_ModelOverrides(t *testing.T) {
	var got ChatCompletionRequest
	srv := newTestServer(t, http.StatusOK, `{"id":"1","choices":[],"usage":{}}`, func(r ChatCompletionRequest) { got = r })

	client := NewClient("test-key", WithBaseURL(srv.URL), WithModel("sonar-pro"))
	_, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "sonar-pro", got.Model)

	_, err = client.ChatCompletion(context.Background(), ChatCompletionRequest{Model: "sonar-reasoning", Messages: []Message{{Role: "user", Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "sonar-reasoning", got.Model)
}

func TestChatCompletion_OmitsEmptyFilter(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`{"id":"1","choices":[],"usage":{}}`))
	}))
	defer srv.Close()

	_, err := NewClient("test-key", WithBaseURL(srv.URL)).ChatCompletion(context.Background(), ChatCompletionRequest{
		Messages: []Message{{Role: "user", Content: "x"}},
	})
	require.NoError(t, err)
	assert.NotContains(t, raw, "search_domain_filter")
	assert.NotContains(t, raw, "temperature")
}

func TestChatCompletion_ContextCanceled(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{}`, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient("test-key", WithBaseURL(srv.URL)).ChatCompletion(ctx, ChatCompletionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send request")
}

func TestContent_Empty(t *testing.T) {
	var nilResp *ChatCompletionResponse
	assert.Equal(t, "", nilResp.Content())
	assert.Equal(t, "", (&ChatCompletionResponse{}).Content())
}

func TestNewClient_Options(t *testing.T) {
	custom := &http.Client{}
	c := NewClient("my-key", WithHTTPClient(custom)).(*httpClient)
	assert.Equal(t, "my-key", c.apiKey)
	assert.Equal(t, defaultBaseURL, c.baseURL)
	assert.Equal(t, "sonar", c.model)
	assert.Same(t, custom, c.http)
}

package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/bill-extractor/constants"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
	"github.com/joseph-ayodele/bill-extractor/internal/extract"
	"github.com/joseph-ayodele/bill-extractor/internal/extract/openai"
	"github.com/joseph-ayodele/bill-extractor/internal/testutil"
)

type textRunner string

func (r textRunner) Run(_ context.Context, _ string, _ ...string) ([]byte, []byte, error) {
	return []byte(r), nil, nil
}

func fakeOpenAI(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req["model"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(baseURL string) *openai.Client {
	return openai.NewClient(openai.Config{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Model:   "gpt-test",
		Timeout: 5 * time.Second,
	}, textRunner("ACME Gas\nAccount A-1\nAmount due $42.10"), testutil.Logger())
}

var pdf = entity.Document{Filename: "march.pdf", Content: []byte("%PDF-1.7 fake")}

func TestClientExtract(t *testing.T) {
	t.Run("returns validated bill data with source_file", func(t *testing.T) {
		srv := fakeOpenAI(t, http.StatusOK, "```json\n"+`{"account_number":"A-1","amount_due":"42.10","meters":[{"meter_number":"G7","bill_type":"Gas bill","usage":18}]}`+"\n```")
		data, err := newClient(srv.URL).Extract(context.Background(), pdf)
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		assert.Equal(t, "A-1", m["account_number"])
		assert.Equal(t, 42.1, m["amount_due"])
		assert.Equal(t, "march.pdf", m["source_file"])
	})

	t.Run("non-2xx is an adapter error", func(t *testing.T) {
		srv := fakeOpenAI(t, http.StatusServiceUnavailable, "")
		_, err := newClient(srv.URL).Extract(context.Background(), pdf)
		require.Error(t, err)
		assert.Equal(t, constants.ErrorKindAdapter, extract.KindOf(err))
	})

	t.Run("schema mismatch is an adapter error", func(t *testing.T) {
		srv := fakeOpenAI(t, http.StatusOK, `{"bill_date":"March 1","meters":[]}`)
		_, err := newClient(srv.URL).Extract(context.Background(), pdf)
		require.Error(t, err)
		assert.Equal(t, constants.ErrorKindAdapter, extract.KindOf(err))
	})

	t.Run("non-PDF is malformed before any request", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("unexpected request")
		}))
		t.Cleanup(srv.Close)
		_, err := newClient(srv.URL).Extract(context.Background(), entity.Document{Filename: "x.pdf", Content: []byte("hello")})
		assert.Equal(t, constants.ErrorKindMalformedDocument, extract.KindOf(err))
	})

	t.Run("deadline is a timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		t.Cleanup(srv.Close)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := newClient(srv.URL).Extract(ctx, pdf)
		assert.Equal(t, constants.ErrorKindTimeout, extract.KindOf(err))
	})
}

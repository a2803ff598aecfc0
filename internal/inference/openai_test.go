package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewOpenAI(Config{Backend: BackendOpenAI, BaseURL: srv.URL + "/v1", APIKey: "sk-test", ChatModel: "gpt-4o-mini", EmbedModel: "text-embedding-3-small"})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	return c
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	if _, err := NewOpenAI(Config{}); err == nil {
		t.Error("expected error without API key")
	}
}

func TestOpenAIClassify(t *testing.T) {
	c := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "gpt-4o-mini" || len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"sentiment\":\"positive\"}"},"finish_reason":"stop"}]}`))
	})

	raw, err := c.Classify(context.Background(), "great tool")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if raw != `{"sentiment":"positive"}` {
		t.Errorf("raw = %q", raw)
	}
}

func TestOpenAIEmbed(t *testing.T) {
	c := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5,0.25]}],"model":"text-embedding-3-small"}`))
	})

	vec, err := c.Embed(context.Background(), "x")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 {
		t.Errorf("vec = %v", vec)
	}
}

func TestOpenAIEmbed_EmptyIsError(t *testing.T) {
	c := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[]}`))
	})
	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Error("expected error for empty data")
	}
}

func TestNew_SelectsBackend(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New(default): %v", err)
	}
	if _, ok := c.(*Ollama); !ok {
		t.Errorf("default backend = %T, want *Ollama", c)
	}
	c, err = New(Config{Backend: "OpenAI", APIKey: "k"})
	if err != nil {
		t.Fatalf("New(openai): %v", err)
	}
	if _, ok := c.(*OpenAI); !ok {
		t.Errorf("backend = %T, want *OpenAI", c)
	}
	if _, err := New(Config{Backend: "mlx"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

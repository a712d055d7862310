package deliberation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPAdapter_Invoke_PostsPromptAndReturnsResponse(t *testing.T) {
	var received generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("expected /api/generate, got %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(generateResponse{Response: "generated text"})
	}))
	defer server.Close()

	a := NewHTTPAdapter(HTTPAdapterConfig{BaseURL: server.URL})
	out, err := a.Invoke(context.Background(), "the prompt", "a-model", "context first", true, "")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "generated text" {
		t.Errorf("expected the server's response text, got %q", out)
	}
	if received.Model != "a-model" {
		t.Errorf("expected model to be forwarded, got %q", received.Model)
	}
	if received.Prompt != "context first\n\nthe prompt" {
		t.Errorf("expected round context prepended to the prompt, got %q", received.Prompt)
	}
}

func TestHTTPAdapter_Invoke_NonOKStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	a := NewHTTPAdapter(HTTPAdapterConfig{BaseURL: server.URL})
	_, err := a.Invoke(context.Background(), "p", "m", "", true, "")
	if err == nil {
		t.Error("expected a non-200 response to be an error")
	}
}

func TestHTTPAdapter_Invoke_TimeoutMapsToErrAdapterTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	a := NewHTTPAdapter(HTTPAdapterConfig{BaseURL: server.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Invoke(ctx, "p", "m", "", true, "")
	if !errors.Is(err, ErrAdapterTimeout) {
		t.Fatalf("expected ErrAdapterTimeout, got %v", err)
	}
}

package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCompleteSendsBearerAndParsesFirstChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("unexpected request %s %q", r.URL.Path, r.Header.Get("Authorization"))
		}
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model != "m" {
			t.Errorf("bad body: %+v %v", req, err)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer srv.Close()

	c := New("k", srv.URL, srv.Client(), nil)
	got, err := c.Complete(context.Background(), ChatRequest{Model: "m"})
	if err != nil || got != "hi" {
		t.Fatalf("got %q err=%v", got, err)
	}
}

func TestCompleteErrors(t *testing.T) {
	if _, err := New("", "", nil, nil).Complete(context.Background(), ChatRequest{}); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	_, err := New("k", srv.URL, srv.Client(), nil).Complete(context.Background(), ChatRequest{})
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected HTTPError 429, got %v", err)
	}
}

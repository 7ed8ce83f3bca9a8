package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stellarlinkco/ambient/internal/config"
)

func TestHooksClient_Send(t *testing.T) {
	var got HookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewHooksClient(config.HooksConfig{URL: srv.URL, Token: "tok", Name: "ambient", Deliver: true})
	if err := h.Send(context.Background(), "look at this"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
	want := HookPayload{Message: "look at this", Name: "ambient", WakeMode: "now", Deliver: true}
	if got != want {
		t.Errorf("payload = %+v, want %+v", got, want)
	}
}

func TestHooksClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	h := NewHooksClient(config.HooksConfig{URL: srv.URL})
	if err := h.Send(context.Background(), "x"); err == nil {
		t.Error("expected error for 401")
	}
}

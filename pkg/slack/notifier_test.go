package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNotifier_Send(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
	}))
	defer srv.Close()

	n := New(srv.URL)
	if err := n.Send(context.Background(), "run complete: 3 qualified"); err != nil {
		t.Fatal(err)
	}
	if got.Text != "run complete: 3 qualified" {
		t.Errorf("text = %q", got.Text)
	}
}

func TestNotifier_SendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	if err := New(srv.URL).Send(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNotifier_Unconfigured(t *testing.T) {
	if err := New("").Send(context.Background(), "x"); err != nil {
		t.Fatalf("unconfigured notifier should no-op: %v", err)
	}
}

package processor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestSubmitter(t *testing.T, endpoint string) *Submitter {
	t.Helper()
	s, err := NewSubmitter(endpoint, Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewSubmitterValidatesEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "   ", "not-a-url", "ftp://host/submit"} {
		if _, err := NewSubmitter(endpoint, Options{}); err == nil {
			t.Errorf("endpoint %q accepted", endpoint)
		}
	}
	if _, err := NewSubmitter("http://localhost:9000/register", Options{}); err != nil {
		t.Fatalf("valid endpoint rejected: %v", err)
	}
}

func TestExecutePostsCaseRef(t *testing.T) {
	var got submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSubmitter(t, srv.URL)
	if err := s.Execute(context.Background(), "CASE-2024-001", 3); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.CaseRef != "CASE-2024-001" || got.Slot != 3 {
		t.Fatalf("request = %+v", got)
	}
}

func TestExecuteReportsServerErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "case already registered", http.StatusConflict)
	}))
	defer srv.Close()

	s := newTestSubmitter(t, srv.URL)
	err := s.Execute(context.Background(), "CASE-2024-002", 0)
	if err == nil {
		t.Fatal("expected error for 409 response")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "case already registered") {
		t.Fatalf("error = %q", err)
	}
}

func TestExecuteHonorsContextCancellation(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	s := newTestSubmitter(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Execute(ctx, "CASE-2024-003", 0); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

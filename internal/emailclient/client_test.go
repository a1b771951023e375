package emailclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew_InvalidBaseURL(t *testing.T) {
	for _, base := range []string{"", "not a url", "/relative"} {
		if _, err := New(Config{BaseURL: base}); err == nil {
			t.Errorf("New(%q) expected error", base)
		}
	}
}

func TestClient_Send(t *testing.T) {
	var got Message
	var gotToken, gotPath, gotType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get(TokenHeader)
		gotType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Sender: "news@example.com", AuthToken: "tok-123"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := c.Send(context.Background(), "ursula@example.com", "T", "<p>h</p>", "t"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if gotPath != "/email" {
		t.Errorf("path = %q, want /email", gotPath)
	}
	if gotToken != "tok-123" {
		t.Errorf("token = %q, want tok-123", gotToken)
	}
	if gotType != "application/json" {
		t.Errorf("content type = %q", gotType)
	}
	want := Message{From: "news@example.com", To: "ursula@example.com", Subject: "T", HtmlBody: "<p>h</p>", TextBody: "t"}
	if got != want {
		t.Errorf("message = %+v, want %+v", got, want)
	}
}

func TestClient_Send_Failures(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		timeout    time.Duration
		wantStatus int
	}{
		{
			name:       "server error",
			handler:    func(w http.ResponseWriter, _ *http.Request) { http.Error(w, "boom", http.StatusInternalServerError) },
			wantStatus: 500,
		},
		{
			name:       "unprocessable",
			handler:    func(w http.ResponseWriter, _ *http.Request) { http.Error(w, "bad recipient", http.StatusUnprocessableEntity) },
			wantStatus: 422,
		},
		{
			name:    "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) { time.Sleep(200 * time.Millisecond) },
			timeout: 20 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c, err := New(Config{BaseURL: srv.URL, Timeout: tt.timeout})
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			err = c.Send(context.Background(), "a@example.com", "s", "h", "t")
			if err == nil {
				t.Fatal("Send() expected error")
			}
			var sendErr *SendError
			if tt.wantStatus != 0 {
				if !errors.As(err, &sendErr) {
					t.Fatalf("Send() error = %T, want *SendError", err)
				}
				if sendErr.StatusCode != tt.wantStatus {
					t.Errorf("StatusCode = %d, want %d", sendErr.StatusCode, tt.wantStatus)
				}
			} else if errors.As(err, &sendErr) {
				t.Errorf("timeout reported as SendError: %v", err)
			}
		})
	}
}

func TestClient_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, RatePerSec: 1})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := c.Send(context.Background(), "a@example.com", "s", "h", "t"); err != nil {
		t.Fatalf("first Send() error: %v", err)
	}

	// The burst is spent, so the next send waits about a second and the deadline wins
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Send(ctx, "b@example.com", "s", "h", "t"); err == nil {
		t.Error("second Send() expected rate limit error")
	}
}

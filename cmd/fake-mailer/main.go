package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/austindbirch/harbor_post/internal/emailclient"
)

// mailer stands in for the email API. The first failFirstN sends answer 500.
type mailer struct {
	mu         sync.Mutex
	failFirstN int
	reqCount   int
	token      string
	delivered  []emailclient.Message
}

func main() {
	m := &mailer{token: os.Getenv("EMAIL_AUTH_TOKEN")}
	// Parse fail first settings
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			m.failFirstN = n
		}
	}

	addr := ":" + envOr("PORT", "8081")
	log.Printf("fake-mailer listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, m.routes()))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (m *mailer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /email", m.handleEmail)
	mux.HandleFunc("GET /sent", m.handleSent)
	return mux
}

func (m *mailer) handleEmail(w http.ResponseWriter, r *http.Request) {
	if m.token != "" && r.Header.Get(emailclient.TokenHeader) != m.token {
		http.Error(w, "invalid server token", http.StatusUnauthorized)
		return
	}

	var msg emailclient.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid JSON", http.StatusUnprocessableEntity)
		return
	}
	if msg.To == "" || msg.From == "" {
		http.Error(w, "From and To are required", http.StatusUnprocessableEntity)
		return
	}

	m.mu.Lock()
	m.reqCount++
	n := m.reqCount
	failing := n <= m.failFirstN
	if !failing {
		m.delivered = append(m.delivered, msg)
	}
	m.mu.Unlock()

	// Simulate flakiness: first N request -> 500
	if failing {
		log.Printf("FAILING (%d/%d) to=%s subject=%q", n, m.failFirstN, msg.To, truncate(msg.Subject, 80))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-mailer OK to=%s subject=%q", msg.To, truncate(msg.Subject, 80))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"To": msg.To, "ErrorCode": 0, "Message": "OK"})
}

// handleSent lists accepted messages, for manual end-to-end checks
func (m *mailer) handleSent(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	sent := append([]emailclient.Message(nil), m.delivered...)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sent)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

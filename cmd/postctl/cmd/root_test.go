package cmd

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_post/internal/auth"
	"github.com/austindbirch/harbor_post/internal/delivery"
	"github.com/austindbirch/harbor_post/internal/newsletter"
)

// resetFlags puts every flag back to its default between executions
func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// run executes postctl with args against an empty config file
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "postctl.yaml")))
	outputJSON = false
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPublishCommand(t *testing.T) {
	issueID := uuid.New()
	var got newsletter.PublishRequest
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/admin/newsletters" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.IdempotencyKey == "conflict" {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"in progress"}`, http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", "/admin/newsletters/"+issueID.String())
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(newsletter.PublishedBody{IssueID: issueID, PublishedAt: time.Now(), RecipientsEnqueued: 3})
	}))
	defer srv.Close()

	out, err := run(t, "publish", "--server", srv.URL, "--token", "tok", "--title", "Issue #1", "--text", "hello", "--key", "issue-1")
	if err != nil {
		t.Fatalf("publish error: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if got.Title != "Issue #1" || got.TextContent != "hello" || got.IdempotencyKey != "issue-1" {
		t.Errorf("request = %+v", got)
	}
	for _, want := range []string{issueID.String(), "Recipients enqueued: 3", "Idempotency key: issue-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if _, err := run(t, "publish", "--server", srv.URL, "--title", "Issue #1", "--text", "hello", "--key", "conflict"); err == nil || !strings.Contains(err.Error(), "409") {
		t.Errorf("publish conflict error = %v, want HTTP 409", err)
	}
}

func TestPublishCommand_ValidatesLocally(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	_, err := run(t, "publish", "--server", srv.URL, "--title", "Only a title", "--text", "", "--html", "", "--key", "k")
	if err == nil {
		t.Error("publish without a body should fail")
	}
	if called {
		t.Error("API called for an invalid request")
	}
}

func TestQueueDepthCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/newsletters/queue" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"depth":17}`))
	}))
	defer srv.Close()

	out, err := run(t, "queue", "depth", "--server", srv.URL, "--json")
	if err != nil {
		t.Fatalf("queue depth error: %v", err)
	}
	var body map[string]int64
	if err := json.Unmarshal([]byte(out), &body); err != nil {
		t.Fatalf("output is not JSON: %q", out)
	}
	if body["depth"] != 17 {
		t.Errorf("depth = %d, want 17", body["depth"])
	}
}

func TestHealthCommand(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	if out, err := run(t, "health", "--server", srv.URL); err != nil || !strings.Contains(out, "healthy") {
		t.Errorf("health = %q, %v", out, err)
	}
	status = http.StatusServiceUnavailable
	if _, err := run(t, "health", "--server", srv.URL); err == nil {
		t.Error("health should fail on 503")
	}
}

type memQueue struct {
	mu    sync.Mutex
	tasks []delivery.Task
}

func (q *memQueue) Dequeue(context.Context) (delivery.Claim, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false, nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return memClaim{task: t}, true, nil
}

type memClaim struct{ task delivery.Task }

func (c memClaim) Task() delivery.Task { return c.task }
func (c memClaim) Issue(context.Context) (newsletter.Issue, error) {
	return newsletter.Issue{ID: c.task.IssueID, Title: "T", TextContent: "t"}, nil
}
func (memClaim) Delete(context.Context) error  { return nil }
func (memClaim) Release(context.Context) error { return nil }

type countingSender struct {
	mu   sync.Mutex
	sent map[string]int
}

func (s *countingSender) Send(_ context.Context, recipient, _, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[recipient]++
	return nil
}

func TestDrainQueue(t *testing.T) {
	issue := uuid.New()
	q := &memQueue{}
	for i := range 25 {
		q.tasks = append(q.tasks, delivery.Task{IssueID: issue, Recipient: "reader" + string(rune('a'+i)) + "@example.com"})
	}
	sender := &countingSender{sent: map[string]int{}}

	total, err := drainQueue(context.Background(), 4, func() *delivery.Worker {
		return delivery.NewWorker(q, sender, delivery.Options{})
	})
	if err != nil {
		t.Fatalf("drainQueue() error: %v", err)
	}
	if total != 25 {
		t.Errorf("drainQueue() = %d, want 25", total)
	}
	if len(sender.sent) != 25 {
		t.Errorf("distinct recipients = %d, want 25", len(sender.sent))
	}
	for r, n := range sender.sent {
		if n != 1 {
			t.Errorf("%s received %d emails", r, n)
		}
	}
}

func writeKeyFile(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return key, path
}

func TestTokenCommand_KeyFile(t *testing.T) {
	key, path := writeKeyFile(t)
	actor := uuid.New()

	out, err := run(t, "token", "--key-file", path, "--actor", actor.String(), "--issuer-url", "")
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	got, err := auth.NewJWTValidatorFromKey(&key.PublicKey, "harborpost", "harborpost-api").ValidateToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ValidateToken() error: %v", err)
	}
	if got != actor {
		t.Errorf("actor = %s, want %s", got, actor)
	}
}

func TestRequestToken(t *testing.T) {
	actor := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["actor_id"] != actor.String() {
			http.Error(w, "wrong actor", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"token":"abc","actor_id":"` + actor.String() + `"}`))
	}))
	defer srv.Close()

	res, err := requestToken(context.Background(), srv.URL+"/", actor)
	if err != nil {
		t.Fatalf("requestToken() error: %v", err)
	}
	if res.Token != "abc" || res.ActorID != actor.String() {
		t.Errorf("requestToken() = %+v", res)
	}

	if _, err := requestToken(context.Background(), srv.URL, uuid.New()); err == nil {
		t.Error("requestToken() expected error for rejected request")
	}
}

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
		want       any
	}{
		{key: "server", value: "http://api:8080", want: "http://api:8080"},
		{key: "json", value: "yes", want: true},
		{key: "json", value: "maybe", wantErr: true},
		{key: "timeout", value: "45s", want: "45s"},
		{key: "timeout", value: "soon", wantErr: true},
		{key: "colour", value: "blue", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			v := viper.New()
			err := setConfigValue(v, tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("setConfigValue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && v.Get(tt.key) != tt.want {
				t.Errorf("viper[%s] = %v, want %v", tt.key, v.Get(tt.key), tt.want)
			}
		})
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{
		"":                      "(unset)",
		"short":                 "****",
		"postgres://user:pw@db": "postgres****",
	}
	for in, want := range tests {
		if got := mask(in); got != want {
			t.Errorf("mask(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrintOutput(t *testing.T) {
	orig := outputJSON
	defer func() { outputJSON = orig }()

	var buf bytes.Buffer
	outputJSON = false
	_ = printOutput(&buf, map[string]int{"n": 1}, func(w io.Writer) { _, _ = w.Write([]byte("human\n")) })
	if buf.String() != "human\n" {
		t.Errorf("human output = %q", buf.String())
	}

	buf.Reset()
	outputJSON = true
	_ = printOutput(&buf, map[string]int{"n": 1}, func(w io.Writer) { _, _ = w.Write([]byte("human\n")) })
	if !strings.Contains(buf.String(), `"n": 1`) {
		t.Errorf("json output = %q", buf.String())
	}
}

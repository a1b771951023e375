package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_post/internal/auth"
)

func newIssuer(t *testing.T) *issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &issuer{key: key, keyID: "k1", issuer: "harborpost", audience: "harborpost-api"}
}

func TestLoadOrGenerateKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}

	tests := []struct {
		name    string
		pem     string
		wantErr bool
	}{
		{name: "generate"},
		{name: "pkcs1", pem: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))},
		{name: "pkcs8", pem: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}))},
		{name: "not pem", pem: "garbage", wantErr: true},
		{name: "not a key", pem: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("x")})), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadOrGenerateKey(tt.pem)
			if tt.wantErr {
				if err == nil {
					t.Error("loadOrGenerateKey() expected error")
				}
				return
			}
			if err != nil || got == nil {
				t.Fatalf("loadOrGenerateKey() = %v, %v", got, err)
			}
			if tt.pem != "" && !got.Equal(key) {
				t.Error("loadOrGenerateKey() returned a different key")
			}
		})
	}
}

func TestIssuer_TokenValidatesAgainstJWKS(t *testing.T) {
	iss := newIssuer(t)
	srv := httptest.NewServer(iss.routes())
	defer srv.Close()

	actor := uuid.New()
	resp, err := http.Post(srv.URL+"/token", "application/json", strings.NewReader(`{"actor_id":"`+actor.String()+`","ttl_seconds":60}`))
	if err != nil {
		t.Fatalf("POST /token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tok.ExpiresIn != 60 || tok.TokenType != "Bearer" || tok.ActorID != actor.String() {
		t.Errorf("token response = %+v", tok)
	}

	pub, err := auth.FetchJWKS(context.Background(), srv.URL+"/.well-known/jwks.json", "k1")
	if err != nil {
		t.Fatalf("FetchJWKS() error: %v", err)
	}
	got, err := auth.NewJWTValidatorFromKey(pub, "harborpost", "harborpost-api").ValidateToken(tok.Token)
	if err != nil {
		t.Fatalf("ValidateToken() error: %v", err)
	}
	if got != actor {
		t.Errorf("actor = %s, want %s", got, actor)
	}
}

func TestIssuer_CreateToken(t *testing.T) {
	iss := newIssuer(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "empty body generates actor", body: "", wantStatus: http.StatusOK},
		{name: "explicit actor", body: `{"actor_id":"` + uuid.NewString() + `"}`, wantStatus: http.StatusOK},
		{name: "nil actor", body: `{"actor_id":"` + uuid.Nil.String() + `"}`, wantStatus: http.StatusBadRequest},
		{name: "bad actor", body: `{"actor_id":"admin"}`, wantStatus: http.StatusBadRequest},
		{name: "bad json", body: `{`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			iss.routes().ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

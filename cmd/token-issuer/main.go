package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_post/internal/auth"
)

const defaultTTL = time.Hour

type issuer struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
}

type tokenRequest struct {
	ActorID string `json:"actor_id,omitempty"` // generated when empty
	TTL     int    `json:"ttl_seconds,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ActorID   string `json:"actor_id"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

// main starts the token issuer HTTP server
func main() {
	key, err := loadOrGenerateKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		log.Fatalf("load signing key: %v", err)
	}
	iss := &issuer{
		key:      key,
		keyID:    envOr("JWT_KEY_ID", "harborpost-key-1"),
		issuer:   envOr("JWT_ISSUER", "harborpost"),
		audience: envOr("JWT_AUDIENCE", "harborpost-api"),
	}

	port := envOr("PORT", "8082")
	log.Printf("token issuer starting on port %s", port)
	log.Printf("JWKS endpoint: http://localhost:%s/.well-known/jwks.json", port)
	log.Printf("Token creation: POST http://localhost:%s/token", port)

	if err := http.ListenAndServe(":"+port, iss.routes()); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadOrGenerateKey parses a PKCS1 or PKCS8 PEM key, or generates one when pemKey is empty
func loadOrGenerateKey(pemKey string) (*rsa.PrivateKey, error) {
	if pemKey == "" {
		log.Printf("Generated new RSA key pair for JWT signing")
		return rsa.GenerateKey(rand.Reader, 2048)
	}

	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

func (i *issuer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", i.jwksHandler)
	mux.HandleFunc("POST /token", i.createTokenHandler)
	mux.HandleFunc("GET /healthz", healthHandler)
	return mux
}

// jwksHandler serves the JWKS endpoint
func (i *issuer) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	set := auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.NewJSONWebKey(&i.key.PublicKey, i.keyID)}}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300") // Cache for 5 minutes
	_ = json.NewEncoder(w).Encode(set)
}

// createTokenHandler handles token creation requests
func (i *issuer) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	actorID := uuid.New()
	if req.ActorID != "" {
		id, err := uuid.Parse(req.ActorID)
		if err != nil || id == uuid.Nil {
			http.Error(w, "actor_id must be a non-nil uuid", http.StatusBadRequest)
			return
		}
		actorID = id
	}

	ttl := defaultTTL
	if req.TTL > 0 {
		ttl = time.Duration(req.TTL) * time.Second
	}

	token, err := auth.IssueToken(i.key, i.keyID, i.issuer, i.audience, actorID, ttl)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		Token:     token,
		ActorID:   actorID.String(),
		ExpiresIn: int(ttl.Seconds()),
		TokenType: "Bearer",
	})
}

// healthHandler provides a simple health check endpoint
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

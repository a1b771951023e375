package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_post/internal/auth"
)

var (
	tokenActor     string
	tokenTTL       time.Duration
	tokenKeyFile   string
	tokenIssuerURL string
	tokenIssuer    string
	tokenAudience  string
)

type tokenResult struct {
	Token   string `json:"token"`
	ActorID string `json:"actor_id"`
}

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development bearer token for an actor",
	Long: `Mint an RS256 bearer token for an actor, either by signing locally with
--key-file or by asking a token issuer with --issuer-url.

Examples:
  postctl token --key-file dev.pem --actor 2f1c...
  postctl token --issuer-url http://localhost:8082`,
	RunE: func(cmd *cobra.Command, args []string) error {
		actorID := uuid.New()
		if tokenActor != "" {
			id, err := uuid.Parse(tokenActor)
			if err != nil {
				return fmt.Errorf("invalid --actor: %w", err)
			}
			actorID = id
		}

		var (
			res tokenResult
			err error
		)
		switch {
		case tokenKeyFile != "":
			res, err = signLocally(tokenKeyFile, actorID)
		case tokenIssuerURL != "":
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err = requestToken(ctx, tokenIssuerURL, actorID)
		default:
			return fmt.Errorf("pass --key-file or --issuer-url")
		}
		if err != nil {
			return err
		}

		return printOutput(cmd.OutOrStdout(), res, func(w io.Writer) {
			fmt.Fprintln(w, res.Token)
		})
	},
}

func signLocally(path string, actorID uuid.UUID) (tokenResult, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return tokenResult{}, fmt.Errorf("read key file: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(b)
	if err != nil {
		return tokenResult{}, fmt.Errorf("parse key file: %w", err)
	}
	token, err := auth.IssueToken(key, "", tokenIssuer, tokenAudience, actorID, tokenTTL)
	if err != nil {
		return tokenResult{}, err
	}
	return tokenResult{Token: token, ActorID: actorID.String()}, nil
}

func requestToken(ctx context.Context, issuerURL string, actorID uuid.UUID) (tokenResult, error) {
	body, _ := json.Marshal(map[string]any{
		"actor_id":    actorID.String(),
		"ttl_seconds": int(tokenTTL.Seconds()),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(issuerURL, "/")+"/token", bytes.NewReader(body))
	if err != nil {
		return tokenResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return tokenResult{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return tokenResult{}, fmt.Errorf("token issuer returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var res tokenResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return tokenResult{}, fmt.Errorf("decode token response: %w", err)
	}
	return res, nil
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&tokenActor, "actor", "", "actor uuid (random when empty)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().StringVar(&tokenKeyFile, "key-file", "", "RSA private key PEM to sign with")
	tokenCmd.Flags().StringVar(&tokenIssuerURL, "issuer-url", "", "token issuer base url")
	tokenCmd.Flags().StringVar(&tokenIssuer, "iss", "harborpost", "issuer claim for locally signed tokens")
	tokenCmd.Flags().StringVar(&tokenAudience, "aud", "harborpost-api", "audience claim for locally signed tokens")
}

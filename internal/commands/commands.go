package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"parley/internal/api"
	"parley/internal/config"
)

// IssueToken asks the running server for a token and prints it.
func IssueToken(userID string, cfg *config.Config, out io.Writer) error {
	var result api.TokenResponse
	if err := post(cfg, "/admin/tokens", api.TokenRequest{UserID: userID}, &result); err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Fprintf(out, "User:     %s\n", userID)
	fmt.Fprintf(out, "Expires:  %s\n", result.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Token:    %s\n", result.Token)
	return nil
}

// Evict disconnects the user from the server listening on the admin address.
func Evict(userID string, cfg *config.Config, out io.Writer) error {
	var result api.EvictResponse
	if err := post(cfg, "/admin/evict", api.EvictRequest{UserID: userID}, &result); err != nil {
		return fmt.Errorf("failed to evict user: %w", err)
	}

	fmt.Fprintf(out, "Closed %d connection(s) of %s\n", result.Evicted, result.UserID)
	return nil
}

func post(cfg *config.Config, path string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.AdminAddr, path)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

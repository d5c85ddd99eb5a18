package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/term"

	"seed/internal/server"
)

// isTTY reports whether stdout is a terminal; plain output otherwise.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// apiClient talks to a running daemon discovered through the lock
// file.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newAPIClient locates the daemon via the lock file in the data
// directory.
func newAPIClient() (*apiClient, error) {
	lf, err := server.ReadLockFile(dataDir())
	if err != nil {
		return nil, err
	}
	if lf == nil {
		return nil, fmt.Errorf("no running server found in %s (start one with `seed serve`)", dataDir())
	}
	return &apiClient{
		baseURL: lf.BaseURL(),
		token:   lf.Token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// call performs one JSON round trip. A non-nil out gets the decoded
// response body.
func (c *apiClient) call(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

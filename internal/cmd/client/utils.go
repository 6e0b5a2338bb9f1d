package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// apiToken returns the bearer token from CODEQ_TOKEN. Empty means
// unauthenticated requests, which the server rejects for API routes.
func apiToken() string {
	return os.Getenv("CODEQ_TOKEN")
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}

// doJSON issues a request with the bearer token and an optional JSON body.
// extraHeaders are applied verbatim.
func doJSON(ctx context.Context, method, url string, body any, extraHeaders map[string]string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := apiToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	return httpClient().Do(req)
}

// printResponse decodes the response as JSON and pretty-prints it, falling
// back to the raw body when it is not JSON. Error statuses become errors so
// the CLI exits non-zero.
func printResponse(out io.Writer, resp *http.Response) error {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(b))
	}
	if len(b) == 0 {
		_, _ = fmt.Fprintln(out, "status:", resp.Status)
		return nil
	}
	var v any
	if json.Unmarshal(b, &v) == nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, _ = fmt.Fprintln(out, string(bytes.TrimSpace(b)))
	return nil
}

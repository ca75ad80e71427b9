// Package hub is a minimal HuggingFace Hub client: file downloads with a
// local cache, and artifact uploads through the commit API.
package hub

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

const DefaultEndpoint = "https://huggingface.co"

type Client struct {
	endpoint string
	cacheDir string
	token    string
	client   *http.Client
}

func NewClient(cacheDir, token string) *Client {
	return &Client{
		endpoint: DefaultEndpoint,
		cacheDir: cacheDir,
		token:    token,
		client:   &http.Client{},
	}
}

// SetEndpoint overrides the hub endpoint. Used by tests.
func (c *Client) SetEndpoint(endpoint string) {
	c.endpoint = endpoint
}

// DownloadFile fetches one file from a model or dataset repo, caching it
// under cacheDir/<repo>/<name>. A cached copy is reused without touching
// the network.
func (c *Client) DownloadFile(repo, name string, isDataset bool) (string, error) {
	dir := filepath.Join(c.cacheDir, filepath.FromSlash(repo))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	dest := filepath.Join(dir, name)
	if fileExists(dest) {
		return dest, nil
	}

	prefix := ""
	if isDataset {
		prefix = "datasets/"
	}
	url := fmt.Sprintf("%s/%s%s/resolve/main/%s", c.endpoint, prefix, repo, name)

	if err := c.downloadFile(url, dest); err != nil {
		return "", fmt.Errorf("failed to download %s: %w", name, err)
	}

	return dest, nil
}

func (c *Client) downloadFile(url, dest string) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(dest)
		return err
	}

	return nil
}

type commitHeader struct {
	Summary string `json:"summary"`
}

type commitFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// Upload commits local files to a model repo on the hub. The payload is
// the commit API's NDJSON stream: one header line, then one line per file
// with base64 content.
func (c *Client) Upload(repo, summary string, paths []string) error {
	if c.token == "" {
		return fmt.Errorf("hub upload requires an auth token")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	if err := enc.Encode(map[string]commitHeader{"header": {Summary: summary}}); err != nil {
		return fmt.Errorf("failed to encode commit header: %w", err)
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		file := commitFile{
			Path:     filepath.Base(path),
			Content:  base64.StdEncoding.EncodeToString(data),
			Encoding: "base64",
		}
		if err := enc.Encode(map[string]commitFile{"file": file}); err != nil {
			return fmt.Errorf("failed to encode commit file: %w", err)
		}
	}

	url := fmt.Sprintf("%s/api/models/%s/commit/main", c.endpoint, repo)
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("commit request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("commit rejected: HTTP %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

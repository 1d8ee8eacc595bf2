// Package meshy generates GLB models through the Meshy text-to-3d API: a
// preview task, a refine task on top of it, then a download of the result.
package meshy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"marscolony.ai/internal/logger"
)

const DefaultBaseURL = "https://api.meshy.ai/openapi/v2"

var ErrNoKey = errors.New("meshy api key not configured")

type Config struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	// Root is the directory model references are resolved against.
	Root string
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger
}

func New(cfg Config, hc *http.Client, log *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{cfg: cfg, http: hc, log: log.With("service", "MeshyClient")}
}

type task struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	ModelURLs map[string]string `json:"model_urls"`
}

// Generate runs the full pipeline and writes the GLB to Root/dest. The
// returned reference is dest with forward slashes.
func (c *Client) Generate(ctx context.Context, prompt, dest string) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", ErrNoKey
	}
	previewID, err := c.create(ctx, map[string]any{
		"mode":          "preview",
		"prompt":        prompt,
		"art_style":     "realistic",
		"should_remesh": true,
	})
	if err != nil {
		return "", fmt.Errorf("create preview: %w", err)
	}
	if _, err := c.poll(ctx, previewID); err != nil {
		return "", fmt.Errorf("poll preview: %w", err)
	}
	refineID, err := c.create(ctx, map[string]any{"mode": "refine", "preview_task_id": previewID})
	if err != nil {
		return "", fmt.Errorf("create refine: %w", err)
	}
	t, err := c.poll(ctx, refineID)
	if err != nil {
		return "", fmt.Errorf("poll refine: %w", err)
	}
	url := t.ModelURLs["glb"]
	if url == "" {
		return "", fmt.Errorf("refine task %s has no glb url", refineID)
	}
	if err := c.download(ctx, url, filepath.Join(c.cfg.Root, filepath.FromSlash(dest))); err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	return path.Clean(filepath.ToSlash(dest)), nil
}

func (c *Client) create(ctx context.Context, payload map[string]any) (string, error) {
	var out struct {
		Result string `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/text-to-3d", payload, &out); err != nil {
		return "", err
	}
	if out.Result == "" {
		return "", fmt.Errorf("empty task id")
	}
	return out.Result, nil
}

func (c *Client) poll(ctx context.Context, id string) (task, error) {
	for {
		var t task
		if err := c.do(ctx, http.MethodGet, "/text-to-3d/"+id, nil, &t); err != nil {
			return task{}, err
		}
		switch t.Status {
		case "SUCCEEDED":
			return t, nil
		case "FAILED", "CANCELED", "EXPIRED":
			return task{}, fmt.Errorf("task %s ended as %s", id, t.Status)
		}
		c.log.Debug("meshy task pending", "task", id, "status", t.Status)
		select {
		case <-ctx.Done():
			return task{}, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Client) do(ctx context.Context, method, p string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+p, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("meshy http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return json.Unmarshal(b, out)
}

func (c *Client) download(ctx context.Context, url, file string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download http %d", resp.StatusCode)
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return err
	}
	tmp := file + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, file)
}

package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattermost/media-transcriber/cmd/transcriber/transcribe"

	"golang.org/x/time/rate"
)

const (
	transcriptionsPath = "/v1/audio/transcriptions"
	requestTimeout     = 5 * time.Minute
	maxErrBodySize     = 4096
)

var _ transcribe.Transcriber = (*Client)(nil)

type Config struct {
	// Base URL of an OpenAI compatible API (e.g. http://localhost:8000).
	APIURL string
	APIKey string
	// Model name sent with every request.
	Model string
	// Maximum number of requests per minute. Zero means no limit. Ignored
	// when Limiter is set.
	RateLimitPerMin int
	// Limiter shared between clients talking to the same endpoint.
	Limiter *rate.Limiter
}

func (c Config) IsValid() error {
	if c == (Config{}) {
		return fmt.Errorf("invalid empty config")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("invalid APIURL: %w", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid APIURL: invalid scheme %q", u.Scheme)
	}

	if c.Model == "" {
		return fmt.Errorf("invalid Model: should not be empty")
	}

	if c.RateLimitPerMin < 0 {
		return fmt.Errorf("invalid RateLimitPerMin: should not be negative")
	}

	return nil
}

// Client transcribes audio files through the audio transcriptions endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	cfg.APIURL = strings.TrimSuffix(cfg.APIURL, "/")

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewLimiter(cfg.RateLimitPerMin)
	}

	return &Client{cfg: cfg, httpClient: httpClient, limiter: limiter}, nil
}

// NewLimiter returns a limiter allowing perMin requests per minute, or an
// unlimited one when perMin is zero.
func NewLimiter(perMin int) *rate.Limiter {
	if perMin <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perMin)/60.0), 1)
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Transcribe(ctx context.Context, artifactPath string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	body, contentType, err := c.newForm(artifactPath)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+transcriptionsPath, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request failed with status %d: %s", resp.StatusCode, errorMessage(resp.Body))
	}

	var tr transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	slog.Debug("segment transcribed",
		slog.String("model", c.cfg.Model),
		slog.Duration("dur", time.Since(start)))

	return strings.TrimSpace(tr.Text), nil
}

func (c *Client) newForm(artifactPath string) (io.Reader, string, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("model", c.cfg.Model); err != nil {
		return nil, "", fmt.Errorf("failed to write field: %w", err)
	}

	if err := mw.WriteField("response_format", "json"); err != nil {
		return nil, "", fmt.Errorf("failed to write field: %w", err)
	}

	fw, err := mw.CreateFormFile("file", filepath.Base(artifactPath))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := io.Copy(fw, f); err != nil {
		return nil, "", fmt.Errorf("failed to copy artifact: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}

	return &buf, mw.FormDataContentType(), nil
}

func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrBodySize))

	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil && er.Error.Message != "" {
		return er.Error.Message
	}

	return strings.TrimSpace(string(data))
}

// Destroy releases idle connections.
func (c *Client) Destroy() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

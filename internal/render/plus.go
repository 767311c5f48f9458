package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/voxdeck/internal/deck"
)

const (
	defaultPlusBaseURL  = "https://api.plusdocs.com/r/v0"
	defaultPollInterval = 5 * time.Second
	defaultMaxPolls     = 60
	defaultPlusSlides   = 8
	maxPromptLen        = 2000
	plusRequestTimeout  = 60 * time.Second
)

// Plus generation statuses.
const (
	plusGenerated = "GENERATED"
	plusFailed    = "FAILED"
)

// PollTimeoutError is returned when a remote generation does not finish
// within the configured number of polls.
type PollTimeoutError struct {
	Polls    int
	Interval time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("plus ai timed out generating presentation after %d polls (%s)", e.Polls, time.Duration(e.Polls)*e.Interval)
}

// Plus renders decks through the Plus AI generation API.
type Plus struct {
	apiKey       string
	baseURL      string
	outputDir    string
	pollInterval time.Duration
	maxPolls     int
	slides       int
	httpClient   *http.Client
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger
}

// NewPlus creates a Plus AI renderer writing into outputDir.
func NewPlus(apiKey, outputDir string) *Plus {
	return &Plus{
		apiKey:       apiKey,
		baseURL:      defaultPlusBaseURL,
		outputDir:    outputDir,
		pollInterval: defaultPollInterval,
		maxPolls:     defaultMaxPolls,
		slides:       defaultPlusSlides,
		httpClient:   &http.Client{Timeout: plusRequestTimeout},
		sleep:        waitCtx,
		logger:       slog.Default(),
	}
}

// NewPlusWithBaseURL creates a renderer pointing at a custom base URL (for testing).
func NewPlusWithBaseURL(apiKey, baseURL, outputDir string) *Plus {
	p := NewPlus(apiKey, outputDir)
	p.baseURL = strings.TrimRight(baseURL, "/")
	return p
}

// WithPolling overrides the poll interval and bound.
func (p *Plus) WithPolling(interval time.Duration, maxPolls int) *Plus {
	p.pollInterval = interval
	p.maxPolls = maxPolls
	return p
}

func (p *Plus) Name() string { return "plusai" }

// BuildPlusPrompt synthesises the generation prompt from the document,
// bounded to maxPromptLen bytes on a rune boundary.
func BuildPlusPrompt(doc deck.Document) string {
	title := strings.TrimSpace(doc.Title)
	if title == "" {
		title = "Topic"
	}
	prompt := fmt.Sprintf(
		"Create a professional, visually engaging presentation about '%s'.\n\n"+
			"Key context and focus: %s.\n\n"+
			"Target Audience: General Professional.\n"+
			"Tone: Educational and Inspiring.",
		title, strings.TrimSpace(doc.Interpretation))
	if vs := doc.VisualStyle; vs != nil && vs.Vibe != "" {
		prompt += "\nVisual vibe: " + vs.Vibe + "."
	}
	return truncateRunes(prompt, maxPromptLen)
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

type createRequest struct {
	Prompt         string `json:"prompt"`
	NumberOfSlides int    `json:"numberOfSlides"`
}

type createResponse struct {
	PollingURL string `json:"pollingUrl"`
}

type pollResponse struct {
	Status string `json:"status"`
	URL    string `json:"url"`
}

// Render submits the prompt, waits for generation and downloads the deck.
func (p *Plus) Render(ctx context.Context, doc deck.Document, targetName string) (string, error) {
	path, err := targetPath(p.outputDir, targetName)
	if err != nil {
		return "", err
	}

	pollingURL, err := p.create(ctx, BuildPlusPrompt(doc))
	if err != nil {
		return "", err
	}
	p.logger.Info("plus ai generation started", "polling_url", pollingURL)

	deckURL, err := p.poll(ctx, pollingURL)
	if err != nil {
		return "", err
	}

	if err := p.download(ctx, deckURL, path); err != nil {
		return "", err
	}
	p.logger.Info("deck rendered", "renderer", p.Name(), "path", path)
	return path, nil
}

func (p *Plus) create(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(createRequest{Prompt: prompt, NumberOfSlides: p.slides})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/presentation", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("plus ai create failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var cr createResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decoding create response: %w", err)
	}
	if cr.PollingURL == "" {
		return "", fmt.Errorf("plus ai create response has no pollingUrl")
	}
	return cr.PollingURL, nil
}

func (p *Plus) poll(ctx context.Context, pollingURL string) (string, error) {
	for i := 0; i < p.maxPolls; i++ {
		if err := p.sleep(ctx, p.pollInterval); err != nil {
			return "", err
		}

		pr, status, err := p.pollOnce(ctx, pollingURL)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			p.logger.Warn("plus ai poll failed", "attempt", i+1, "error", err)
			continue
		}
		if status != http.StatusOK {
			p.logger.Warn("plus ai poll returned non-200", "attempt", i+1, "status", status)
			continue
		}

		switch pr.Status {
		case plusGenerated:
			if pr.URL == "" {
				return "", fmt.Errorf("plus ai reported GENERATED without a url")
			}
			return pr.URL, nil
		case plusFailed:
			return "", fmt.Errorf("plus ai generation failed")
		default:
			p.logger.Debug("plus ai still generating", "attempt", i+1, "status", pr.Status)
		}
	}
	return "", &PollTimeoutError{Polls: p.maxPolls, Interval: p.pollInterval}
}

func (p *Plus) pollOnce(ctx context.Context, pollingURL string) (pollResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollingURL, nil)
	if err != nil {
		return pollResponse{}, 0, fmt.Errorf("creating request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return pollResponse{}, 0, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pollResponse{}, resp.StatusCode, nil
	}
	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return pollResponse{}, resp.StatusCode, fmt.Errorf("decoding poll response: %w", err)
	}
	return pr, resp.StatusCode, nil
}

func (p *Plus) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating download request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading deck: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading deck: unexpected status %d", resp.StatusCode)
	}

	return writeAtomic(path, func(f *os.File) error {
		n, err := io.Copy(f, resp.Body)
		if err != nil {
			return fmt.Errorf("writing deck: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("downloaded deck is empty")
		}
		return nil
	})
}

func (p *Plus) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
}

func waitCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

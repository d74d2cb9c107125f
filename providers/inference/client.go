// Package inference kapselt alle Aufrufe an den externen Pipeline-Service
// (PDF-Rendering, OCR, Segmentierung, Klassifikation, Anreicherung).
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// maxErrorBodyBytes begrenzt, wie viel eines Fehler-Bodys in den Fehler übernommen wird.
const maxErrorBodyBytes = 4096

// UpstreamError kennzeichnet einen fehlgeschlagenen Aufruf des Pipeline-Service:
// entweder ein Transportfehler oder ein Nicht-2xx-Status.
type UpstreamError struct {
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline call %s failed: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("pipeline call %s failed with status %d: %s", e.Path, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// RetryPolicy steuert Wiederholungen mit exponentiellem Backoff und Jitter.
// Die Wartezeit vor Versuch n+1 ist min(MaxDelay, BaseDelay*2^(n-1)), gestört
// um gleichverteilten Jitter von ±JitterPercent Prozent, nie unter 0.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent int
}

// DefaultRetryPolicy ist der konservative Standard für alle Aufrufstellen.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:   2,
	BaseDelay:     500 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	JitterPercent: 20,
}

// Client ist der resiliente HTTP-Client für den Pipeline-Service.
type Client struct {
	BaseURL string
	APIKey  string
	Logger  *zap.Logger
	HTTP    *http.Client
}

// NewClient erstellt einen neuen Pipeline-Client.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Logger:  logger,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
}

// Call führt genau einen POST mit JSON-Body aus und dekodiert die Antwort
// nach out. Jeder Nicht-2xx-Status und jeder Transportfehler wird als
// *UpstreamError gemeldet.
func (c *Client) Call(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-api-key", c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &UpstreamError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &UpstreamError{Path: path, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Path: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// CallWithRetry wiederholt Call bis zu policy.MaxAttempts mal. Nur der letzte
// Fehler wird zurückgegeben; frühere Versuche werden lediglich geloggt. Nach
// dem letzten Versuch gibt es keinen weiteren Backoff.
func (c *Client) CallWithRetry(ctx context.Context, path string, payload any, out any, policy RetryPolicy) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.Call(ctx, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := backoffDelay(policy, attempt)
		c.Logger.Warn("Pipeline-Aufruf fehlgeschlagen, wiederhole",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoffDelay berechnet die Wartezeit vor der Wiederholung nach Versuch n.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	delay := policy.BaseDelay << (attempt - 1)
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if policy.JitterPercent > 0 {
		spread := (rand.Float64()*2 - 1) * float64(policy.JitterPercent) / 100
		delay = time.Duration(float64(delay) * (1 + spread))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Analyze liefert die Seitenzahl eines PDFs.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest, policy RetryPolicy) (AnalyzeResponse, error) {
	var resp AnalyzeResponse
	err := c.CallWithRetry(ctx, PathAnalyze, req, &resp, policy)
	return resp, err
}

// ProcessPages rendert ein Seitenfenster und lädt die Bilder hoch.
func (c *Client) ProcessPages(ctx context.Context, req ProcessRequest, policy RetryPolicy) (ProcessResponse, error) {
	var resp ProcessResponse
	err := c.CallWithRetry(ctx, PathProcess, req, &resp, policy)
	return resp, err
}

// OcrPage führt die Texterkennung für eine Seite aus.
func (c *Client) OcrPage(ctx context.Context, req OcrPageRequest, policy RetryPolicy) (OcrPageResponse, error) {
	var resp OcrPageResponse
	err := c.CallWithRetry(ctx, PathOcr, req, &resp, policy)
	return resp, err
}

// SegmentPage segmentiert eine Seite in Artikel-Kandidaten.
func (c *Client) SegmentPage(ctx context.Context, req SegmentPageRequest, policy RetryPolicy) (SegmentPageResponse, error) {
	var resp SegmentPageResponse
	err := c.CallWithRetry(ctx, PathSegment, req, &resp, policy)
	return resp, err
}

// ClassifyLead klassifiziert ein Segment als Lead oder Nicht-Lead.
func (c *Client) ClassifyLead(ctx context.Context, req ClassifyLeadRequest, policy RetryPolicy) (ClassifyLeadResponse, error) {
	var resp ClassifyLeadResponse
	err := c.CallWithRetry(ctx, PathClassify, req, &resp, policy)
	return resp, err
}

// EnrichLead extrahiert strukturierte Fakten zu einem Lead.
func (c *Client) EnrichLead(ctx context.Context, req EnrichLeadRequest, policy RetryPolicy) (EnrichLeadResponse, error) {
	var resp EnrichLeadResponse
	err := c.CallWithRetry(ctx, PathEnrich, req, &resp, policy)
	return resp, err
}

// PublicationMetadata erkennt Publikationsname und -datum aus den ersten Seiten.
func (c *Client) PublicationMetadata(ctx context.Context, req MetadataRequest, policy RetryPolicy) (MetadataResponse, error) {
	var resp MetadataResponse
	err := c.CallWithRetry(ctx, PathMetadata, req, &resp, policy)
	return resp, err
}

// Package processor submits batch work items to the case registration
// endpoint over HTTP. It is the production implementation of the queue
// runner's Processor interface.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Minute

// Submitter POSTs one registration request per work item to a fixed
// endpoint. Safe for concurrent use; the queue runner calls Submit from
// multiple worker goroutines at once.
type Submitter struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

type Options struct {
	Timeout time.Duration // zero uses the default
	Logger  *slog.Logger
}

func NewSubmitter(endpoint string, opts Options) (*Submitter, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("processor endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("processor endpoint must be a valid HTTP or HTTPS URL")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}, nil
}

type submitRequest struct {
	CaseRef string `json:"case_ref"`
	Slot    int    `json:"slot"`
}

// Execute registers one case. Any non-2xx response is an item failure;
// the response body excerpt is carried in the error so it lands in the
// item's last_error column.
func (s *Submitter) Execute(ctx context.Context, caseRef string, slot int) error {
	body, err := json.Marshal(submitRequest{CaseRef: caseRef, Slot: slot})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "casepilot-runner/1.0")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit case %s: %w", caseRef, err)
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(excerpt))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("registration returned %d: %s", resp.StatusCode, msg)
	}

	s.logger.Debug("case submitted",
		"case_ref", caseRef,
		"slot", slot,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

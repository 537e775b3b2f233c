package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const postAttempts = 3

// httpSink posts events as JSON, retrying with a doubling delay.
type httpSink struct {
	endpoint   string
	client     *http.Client
	retryDelay time.Duration
	log        *slog.Logger
}

func newHTTPSink(endpoint string) *httpSink {
	return &httpSink{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: 30 * time.Second},
		retryDelay: time.Second,
		log:        slog.With("component", "journal", "sink", "http"),
	}
}

func (s *httpSink) name() string { return "http" }

func (s *httpSink) deliver(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	delay := s.retryDelay
	var lastErr error
	for attempt := 1; attempt <= postAttempts; attempt++ {
		if lastErr = s.post(ctx, body); lastErr == nil {
			return nil
		}
		if attempt == postAttempts {
			break
		}
		s.log.Warn("post failed, retrying", "attempt", attempt, "action", evt.Action, "error", lastErr, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("post %s after %d attempts: %w", evt.Action, postAttempts, lastErr)
}

func (s *httpSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}

package callback

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

// Outcome is the payload posted back to the licensing system when a
// record reaches a terminal state.
type Outcome struct {
	LicenceReference string `json:"licence_reference"`
	Outcome          string `json:"outcome"`
	Detail           string `json:"detail,omitempty"`
}

// Notifier posts terminal outcomes to the licensing system's callback
// endpoint. Requests are signed per attempt and retried with
// exponential backoff on transport errors and 5xx responses; a 4xx
// response means the endpoint understood and refused, so retrying is
// pointless.
type Notifier struct {
	url         string
	signer      *Signer
	httpClient  *http.Client
	maxAttempts int
	logger      *slog.Logger
}

// NewNotifier returns a Notifier for the given endpoint. An empty url
// disables delivery: Notify logs the outcome and returns nil.
func NewNotifier(
	url string,
	signer *Signer,
	timeout time.Duration,
	maxAttempts int,
	logger *slog.Logger,
) *Notifier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Notifier{
		url:         url,
		signer:      signer,
		httpClient:  &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Notify delivers one outcome. The caller decides what a returned
// error means; delivery failures never block reconciliation itself.
func (n *Notifier) Notify(ctx context.Context, o Outcome) error {
	if n.url == "" {
		n.logger.Debug("callback endpoint not configured, outcome not delivered",
			"reference", o.LicenceReference, "outcome", o.Outcome)
		return nil
	}

	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshaling callback payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDuration(attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(
			ctx, http.MethodPost, n.url, bytes.NewReader(body),
		)
		if err != nil {
			return fmt.Errorf("creating callback request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		// Each attempt gets its own nonce and timestamp so the
		// receiver's replay checks do not reject legitimate retries.
		n.signer.Sign(req, body)

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("posting callback: %w", err)
			n.logger.Warn("callback attempt failed",
				"reference", o.LicenceReference,
				"attempt", attempt,
				"error", err)
			continue
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			n.logger.Info("callback delivered",
				"reference", o.LicenceReference,
				"outcome", o.Outcome,
				"attempts", attempt)
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return fmt.Errorf(
				"callback rejected with status %d for %s",
				resp.StatusCode, o.LicenceReference,
			)
		default:
			lastErr = fmt.Errorf("callback returned status %d", resp.StatusCode)
			n.logger.Warn("callback attempt failed",
				"reference", o.LicenceReference,
				"attempt", attempt,
				"status", resp.StatusCode)
		}
	}

	return fmt.Errorf(
		"max attempts (%d) exceeded delivering callback for %s: %w",
		n.maxAttempts, o.LicenceReference, lastErr,
	)
}

// backoffDuration computes the wait before the next attempt:
// 1s, 2s, 4s, ... capped at 30s.
func backoffDuration(attempt int) time.Duration {
	backoff := time.Duration(1<<uint(attempt-1)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}

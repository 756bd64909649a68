package callback

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func notifierLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyDisabledWithoutEndpoint(t *testing.T) {
	n := NewNotifier("", nil, time.Second, 3, notifierLogger())

	err := n.Notify(context.Background(), Outcome{
		LicenceReference: "LIC/A",
		Outcome:          "accepted",
	})
	if err != nil {
		t.Fatalf("disabled notifier returned %v", err)
	}
}

func TestNotifySignsAndDelivers(t *testing.T) {
	receiver := NewSigner("licence-relay", []byte("shared-secret"), time.Minute)

	var (
		mu       sync.Mutex
		got      Outcome
		verified bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("reading callback body: %v", err)
		}

		mu.Lock()
		defer mu.Unlock()
		if err := receiver.Verify(r, body); err != nil {
			t.Errorf("verifying callback signature: %v", err)
		} else {
			verified = true
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decoding callback body: %v", err)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	signer := NewSigner("licence-relay", []byte("shared-secret"), time.Minute)
	n := NewNotifier(srv.URL+"/callbacks", signer, 5*time.Second, 3, notifierLogger())

	err := n.Notify(context.Background(), Outcome{
		LicenceReference: "LIC/A",
		Outcome:          "rejected",
		Detail:           "E101: over quota",
	})
	if err != nil {
		t.Fatalf("delivering callback: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !verified {
		t.Fatalf("callback arrived unsigned")
	}
	if got.LicenceReference != "LIC/A" || got.Outcome != "rejected" || got.Detail != "E101: over quota" {
		t.Errorf("payload = %+v", got)
	}
}

func TestNotifyDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	signer := NewSigner("licence-relay", []byte("shared-secret"), time.Minute)
	n := NewNotifier(srv.URL+"/callbacks", signer, 5*time.Second, 3, notifierLogger())

	err := n.Notify(context.Background(), Outcome{LicenceReference: "LIC/A", Outcome: "accepted"})
	if err == nil || !strings.Contains(err.Error(), "rejected with status 400") {
		t.Fatalf("error = %v, want permanent rejection", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("endpoint hit %d times, want 1", hits.Load())
	}
}

func TestNotifyRetriesServerErrorsWithFreshSignature(t *testing.T) {
	var (
		mu     sync.Mutex
		nonces []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		nonces = append(nonces, r.Header.Get(HeaderNonce))
		attempt := len(nonces)
		mu.Unlock()

		if attempt == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	signer := NewSigner("licence-relay", []byte("shared-secret"), time.Minute)
	n := NewNotifier(srv.URL+"/callbacks", signer, 5*time.Second, 3, notifierLogger())

	err := n.Notify(context.Background(), Outcome{LicenceReference: "LIC/A", Outcome: "accepted"})
	if err != nil {
		t.Fatalf("delivering callback: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(nonces) != 2 {
		t.Fatalf("endpoint hit %d times, want 2", len(nonces))
	}
	// Each attempt must be re-signed, or the receiver's replay guard
	// would reject the retry.
	if nonces[0] == nonces[1] {
		t.Fatalf("retry reused nonce %q", nonces[0])
	}
}

func TestNotifyGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	signer := NewSigner("licence-relay", []byte("shared-secret"), time.Minute)
	n := NewNotifier(srv.URL+"/callbacks", signer, 5*time.Second, 2, notifierLogger())

	err := n.Notify(context.Background(), Outcome{LicenceReference: "LIC/A", Outcome: "failed"})
	if err == nil || !strings.Contains(err.Error(), "max attempts (2) exceeded") {
		t.Fatalf("error = %v, want exhaustion", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("endpoint hit %d times, want 2", hits.Load())
	}
}

func TestNotifyStopsWhenContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	signer := NewSigner("licence-relay", []byte("shared-secret"), time.Minute)
	n := NewNotifier(srv.URL+"/callbacks", signer, 5*time.Second, 10, notifierLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The first attempt runs on the cancelled context and fails; the
	// pre-retry wait must then surface the cancellation instead of
	// sleeping out the backoff schedule.
	err := n.Notify(ctx, Outcome{LicenceReference: "LIC/A", Outcome: "failed"})
	if err == nil {
		t.Fatalf("cancelled delivery returned nil")
	}
}

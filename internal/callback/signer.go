// Package callback delivers reconciliation outcomes to the licensing
// system and authenticates traffic in both directions with signed
// requests.
package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Header names carried on every signed request.
const (
	HeaderKeyID     = "X-Relay-Key-Id"
	HeaderTimestamp = "X-Relay-Timestamp"
	HeaderNonce     = "X-Relay-Nonce"
	HeaderSignature = "X-Relay-Signature"
)

// Signer signs outbound requests and verifies inbound ones with a
// shared HMAC-SHA256 secret. The signature covers method, path, body
// digest, timestamp and nonce, so a captured request cannot be
// replayed against another path or outside the validity window.
type Signer struct {
	keyID  string
	secret []byte
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewSigner returns a Signer for the given key. window bounds how far
// a request timestamp may drift from the verifier's clock.
func NewSigner(keyID string, secret []byte, window time.Duration) *Signer {
	return &Signer{
		keyID:  keyID,
		secret: secret,
		window: window,
		now:    time.Now,
		nonces: make(map[string]time.Time),
	}
}

// Sign stamps req with a fresh timestamp, nonce and signature over
// body. Call it after the request is otherwise complete; a retry must
// be re-signed so each attempt carries its own nonce.
func (s *Signer) Sign(req *http.Request, body []byte) {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	nonce := uuid.NewString()

	req.Header.Set(HeaderKeyID, s.keyID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, s.signature(req.Method, req.URL.Path, body, ts, nonce))
}

// Verify checks the signature headers on r against body. It rejects
// unknown keys, timestamps outside the window, reused nonces and
// signature mismatches.
func (s *Signer) Verify(r *http.Request, body []byte) error {
	if keyID := r.Header.Get(HeaderKeyID); keyID != s.keyID {
		return fmt.Errorf("unknown signing key %q", keyID)
	}

	ts := r.Header.Get(HeaderTimestamp)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing request timestamp: %w", err)
	}

	now := s.now()
	drift := now.Sub(time.Unix(unix, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > s.window {
		return fmt.Errorf("request timestamp outside %s validity window", s.window)
	}

	nonce := r.Header.Get(HeaderNonce)
	if nonce == "" {
		return fmt.Errorf("missing request nonce")
	}

	want := s.signature(r.Method, r.URL.Path, body, ts, nonce)
	got := r.Header.Get(HeaderSignature)
	if !hmac.Equal([]byte(want), []byte(got)) {
		return fmt.Errorf("signature mismatch")
	}

	// Only remember the nonce once the signature checks out, so an
	// attacker cannot burn nonces with garbage requests.
	if !s.recordNonce(nonce, now) {
		return fmt.Errorf("nonce already used")
	}
	return nil
}

func (s *Signer) signature(method, path string, body []byte, ts, nonce string) string {
	// A bare-host URL signs as "" but arrives at the server as "/".
	if path == "" {
		path = "/"
	}

	digest := sha256.Sum256(body)

	canonical := strings.Join([]string{
		method,
		path,
		hex.EncodeToString(digest[:]),
		ts,
		nonce,
	}, "\n")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// recordNonce reports whether nonce was unseen, retaining it for the
// validity window. Expired entries are pruned on the way through.
func (s *Signer) recordNonce(nonce string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for n, seen := range s.nonces {
		if now.Sub(seen) > s.window {
			delete(s.nonces, n)
		}
	}

	if _, dup := s.nonces[nonce]; dup {
		return false
	}
	s.nonces[nonce] = now
	return true
}

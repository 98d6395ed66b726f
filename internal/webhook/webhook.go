package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/listingiq/listingiq/internal/job"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Notifier POSTs terminal job snapshots to caller-supplied callback URLs.
type Notifier struct {
	ctx      context.Context
	client   *http.Client
	validate func(string) error
	attempts int
	base     time.Duration
	cap      time.Duration
	wg       sync.WaitGroup
}

// NewNotifier creates a Notifier whose deliveries stop when ctx is done
// (server shutdown). 30s timeout per request.
func NewNotifier(ctx context.Context) *Notifier {
	return &Notifier{
		ctx:      ctx,
		client:   &http.Client{Timeout: 30 * time.Second},
		validate: ValidateURL,
		attempts: retryAttempts,
		base:     retryBase,
		cap:      retryCap,
	}
}

// Observer returns a job observer that sends the terminal snapshot to callbackURL.
// Delivery is asynchronous: 8 attempts max with full-jitter exponential backoff (cap 5 min).
func (n *Notifier) Observer(callbackURL string) func(context.Context, *job.Job) error {
	return func(_ context.Context, j *job.Job) error {
		if !j.Status.IsTerminal() {
			return nil
		}
		if err := n.validate(callbackURL); err != nil {
			slog.Warn("webhook: rejected callback URL", "url", callbackURL, "job_id", j.ID, "error", err)
			return nil
		}
		payload, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("encode webhook payload: %w", err)
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.send(callbackURL, j.ID, payload)
		}()
		return nil
	}
}

// Wait blocks until every pending delivery has finished or given up.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// ValidateURL blocks non-HTTP(S) schemes and private/internal IP ranges.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing host")
	}
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (n *Notifier) send(callbackURL, jobID string, payload []byte) {
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if n.ctx.Err() != nil {
			return
		}
		err := n.post(callbackURL, payload)
		if err == nil {
			slog.Info("webhook delivered", "job_id", jobID, "attempt", attempt)
			return
		}
		slog.Warn("webhook attempt failed", "job_id", jobID, "attempt", attempt, "url", callbackURL, "error", err)
		if attempt < n.attempts && !n.sleep(n.jitter(attempt)) {
			return
		}
	}
	slog.Error("webhook: all retries exhausted", "job_id", jobID, "url", callbackURL)
}

// sleep waits for d and reports false if the notifier was shut down meanwhile.
func (n *Notifier) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-n.ctx.Done():
		return false
	}
}

// jitter returns a random duration between 0 and min(cap, base * 2^attempt).
// Full jitter prevents synchronized retries when multiple webhooks fail at the same time.
func (n *Notifier) jitter(attempt int) time.Duration {
	exp := n.base * (1 << attempt) // base * 2^attempt
	if exp > n.cap {
		exp = n.cap
	}
	if exp <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (n *Notifier) post(callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "listingiq-webhook/1")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// Package embedding implements the Embedding Client: a batch-first HTTP
// client against an OpenAI-compatible embeddings endpoint, wrapped with a
// rate limiter, bounded retry, and a circuit breaker so a wedged backend
// degrades callers instead of wedging them. The rate limiter bounds how many
// calls start per second; it does not bound how many are in flight at once.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/devmesh/devmesh/pkg/resilience"
)

// ErrUnavailable is returned once retries and the circuit breaker are
// exhausted. Callers degrade: live ingest persists a null-embedding
// template, backfill skips and moves on to the next one.
var ErrUnavailable = errors.New("embedding backend unavailable")

// Options configures the client. Zero values fall back to sensible
// defaults (60s timeout, 50 texts/batch).
type Options struct {
	BaseURL            string
	Model              string
	Timeout            time.Duration
	BatchSize          int
	ConcurrencyLimit   int           // calls started per second (and burst); calls in flight are not capped
	InterBatchDelay    time.Duration // thermal-management knob
	MaxRetries         uint64
	BreakerOpts        resilience.BreakerOpts
}

// DefaultOptions mirrors spec §4.2's stated defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:          60 * time.Second,
		BatchSize:        50,
		ConcurrencyLimit: 4,
		MaxRetries:       3,
		BreakerOpts:      resilience.DefaultBreakerOpts,
	}
}

// Client calls an OpenAI-compatible /v1/embeddings endpoint with batched
// input. A failed batch call is retried as a batch; EmbedBatch does not fall
// back to one-text-at-a-time calls.
type Client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// New creates an embedding Client. A zero ConcurrencyLimit/Timeout falls
// back to DefaultOptions' values.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.ConcurrencyLimit <= 0 {
		opts.ConcurrencyLimit = DefaultOptions().ConcurrencyLimit
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.ConcurrencyLimit), opts.ConcurrencyLimit),
		breaker: resilience.NewBreaker(opts.BreakerOpts),
	}
}

type batchReq struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type batchResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// EmbedBatch embeds texts in batches of at most opts.BatchSize, returning a
// 1:1 slice of vectors. It waits on the rate limiter before each batch and
// sleeps InterBatchDelay between batches.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.opts.BatchSize {
		end := start + c.opts.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		chunk := texts[start:end]

		vecs, err := c.embedChunk(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)

		if c.opts.InterBatchDelay > 0 && end < len(texts) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.opts.InterBatchDelay):
			}
		}
	}
	return out, nil
}

func (c *Client) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var vecs [][]float32
	callErr := c.breaker.Call(ctx, func(ctx context.Context) error {
		v, err := c.retryingBatchCall(ctx, texts)
		if err != nil {
			return err
		}
		vecs = v
		return nil
	})
	if callErr != nil {
		if errors.Is(callErr, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, callErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, callErr)
	}
	return vecs, nil
}

func (c *Client) retryingBatchCall(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	op := func() error {
		v, err := c.batchCall(ctx, texts)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		vecs = v
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.opts.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return vecs, nil
}

// isPermanent reports whether retrying would never help: malformed request,
// not a transient network/timeout/5xx condition.
func isPermanent(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 400 && se.status < 500
	}
	return false
}

type statusError struct {
	status int
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d", e.status) }

func (c *Client) batchCall(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(batchReq{Input: texts, Model: c.opts.Model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		drain, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embed batch: %w: %s", &statusError{status: resp.StatusCode}, drain)
	}

	var parsed batchResp
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embed batch decode: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed batch: expected %d vectors, got %d", len(texts), len(parsed.Data))
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embed batch: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

type singleResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedOne embeds a single text by posting a one-element input to the same
// /v1/embeddings endpoint EmbedBatch uses. EmbedBatch does not call it.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var vec []float32
	callErr := c.breaker.Call(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(batchReq{Input: []string{text}, Model: c.opts.Model})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/v1/embeddings", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &statusError{status: resp.StatusCode}
		}
		var parsed singleResp
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return err
		}
		if len(parsed.Data) != 1 {
			return fmt.Errorf("embed one: expected 1 vector, got %d", len(parsed.Data))
		}
		vec = parsed.Data[0].Embedding
		return nil
	})
	if callErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, callErr)
	}
	return vec, nil
}

// Package forwarder implements the optional transaction-forwarding helper
// that relays write RPCs to a remote Rollkit sequencer endpoint, gated by an
// in-flight semaphore and a token-bucket rate limiter.
package forwarder

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var forwarderLatency = metrics.NewRegisteredHistogram("tx_forwarder_latency_ms", nil, metrics.NewExpDecaySample(1028, 0.015))

// errorCounter partitions tx_forwarder_errors_total by failure class; the
// metrics registry has no label support, so the class is folded into the
// metric name.
func errorCounter(class string) metrics.Counter {
	return metrics.GetOrRegisterCounter("tx_forwarder_errors_total/"+class, nil)
}

// ErrShutdown is returned once Close has been called, and also when
// acquiring an in-flight permit fails because ctx is done. No further
// forwarding is attempted.
var ErrShutdown = errors.New("forwarder: shutting down")

// Config configures a Forwarder.
type Config struct {
	// Endpoint is the sequencer's JSON-RPC HTTP endpoint.
	Endpoint string
	// QueueSize bounds the number of concurrent in-flight forward_raw calls.
	QueueSize int64
	// RateLimitPerSec bounds the steady-state POST rate to Endpoint.
	RateLimitPerSec rate.Limit
	// AuthHeader, if non-empty, is sent verbatim as the Authorization header
	// on every request (e.g. "Basic <base64>").
	AuthHeader string
	// Client is the shared HTTP client used for all requests. A default
	// client is constructed if nil.
	Client *http.Client
}

// Forwarder relays raw transactions to an upstream sequencer over
// eth_sendRawTransaction, bounding concurrency and rate to protect the
// upstream endpoint.
type Forwarder struct {
	endpoint   string
	authHeader string
	client     *http.Client
	limiter    *rate.Limiter
	queue      *semaphore.Weighted
	closed     atomic.Bool
}

// New constructs a Forwarder from cfg. The semaphore and rate limiter are
// created once per endpoint and shared by every call to ForwardRaw.
func New(cfg Config) *Forwarder {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Forwarder{
		endpoint:   cfg.Endpoint,
		authHeader: cfg.AuthHeader,
		client:     client,
		limiter:    rate.NewLimiter(cfg.RateLimitPerSec, 1),
		queue:      semaphore.NewWeighted(cfg.QueueSize),
	}
}

// ForwardError classifies why ForwardRaw failed.
type ForwardError struct {
	Class string
	Err   error
}

func (e *ForwardError) Error() string { return fmt.Sprintf("forwarder: %s: %v", e.Class, e.Err) }
func (e *ForwardError) Unwrap() error { return e.Err }

func classError(class string, err error) *ForwardError { return &ForwardError{Class: class, Err: err} }

// ForwardRaw relays raw, RLP-encoded transaction bytes to the configured
// sequencer endpoint and returns the transaction hash it reports.
//
//  1. Acquire one permit from the in-flight semaphore.
//  2. Wait for a rate-limiter token.
//  3. POST a JSON-RPC eth_sendRawTransaction envelope.
//  4. Record latency/error metrics.
//  5. Classify the response into the ForwardError taxonomy.
func (f *Forwarder) ForwardRaw(ctx context.Context, raw []byte) (common.Hash, error) {
	return f.forward(ctx, "eth_sendRawTransaction", raw)
}

// ForwardRawSync is ForwardRaw over eth_sendRawTransactionSync: the
// upstream sequencer holds the request until the transaction has been
// included rather than acknowledging receipt immediately.
func (f *Forwarder) ForwardRawSync(ctx context.Context, raw []byte) (common.Hash, error) {
	return f.forward(ctx, "eth_sendRawTransactionSync", raw)
}

func (f *Forwarder) forward(ctx context.Context, method string, raw []byte) (common.Hash, error) {
	if f.closed.Load() {
		return common.Hash{}, classError("shutdown", ErrShutdown)
	}
	if err := f.queue.Acquire(ctx, 1); err != nil {
		return common.Hash{}, classError("shutdown", ErrShutdown)
	}
	defer f.queue.Release(1)
	if f.closed.Load() {
		return common.Hash{}, classError("shutdown", ErrShutdown)
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return common.Hash{}, classError("rate_limited", err)
	}

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  []string{"0x" + hex.EncodeToString(raw)},
		"id":      1,
	})
	if err != nil {
		return common.Hash{}, classError("invalid_request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return common.Hash{}, classError("invalid_request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.authHeader != "" {
		req.Header.Set("Authorization", f.authHeader)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		errorCounter("network").Inc(1)
		return common.Hash{}, classError("network", err)
	}
	defer resp.Body.Close()

	forwarderLatency.Update(time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		class := fmt.Sprintf("%d", resp.StatusCode)
		errorCounter(class).Inc(1)
		return common.Hash{}, classError(class, fmt.Errorf("http status %d", resp.StatusCode))
	}

	var decoded struct {
		Result *string         `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		errorCounter("invalid_json").Inc(1)
		return common.Hash{}, classError("invalid_json", err)
	}

	if decoded.Result != nil {
		raw := *decoded.Result
		raw = trimHexPrefix(raw)
		decodedHash, err := hex.DecodeString(raw)
		if err != nil || len(decodedHash) != common.HashLength {
			errorCounter("invalid_hash").Inc(1)
			return common.Hash{}, classError("invalid_hash", fmt.Errorf("malformed transaction hash %q", *decoded.Result))
		}
		return common.BytesToHash(decodedHash), nil
	}

	if len(decoded.Error) > 0 {
		errorCounter("upstream").Inc(1)
		return common.Hash{}, classError("upstream", fmt.Errorf("upstream error: %s", decoded.Error))
	}

	errorCounter("invalid_body").Inc(1)
	return common.Hash{}, classError("invalid_body", errors.New("response had neither result nor error"))
}

// Close marks the forwarder as shutting down: every ForwardRaw call already
// holding a permit completes normally, but any call that has not yet
// acquired one — whether already waiting or arriving afterward — observes
// ErrShutdown instead of reaching the network.
func (f *Forwarder) Close() {
	f.closed.Store(true)
	log.Info("forwarder closing", "endpoint", f.endpoint)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

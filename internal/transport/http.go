package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"go.replikit.dev/internal/common/metrics"
)

// HTTPConfig configures HTTPTransport. Grounded on
// internal/router/mediator/http.go's HTTPMediatorConfig.
type HTTPConfig struct {
	Timeout time.Duration

	CircuitBreakerEnabled     bool
	CircuitBreakerName        string
	CircuitBreakerRequests    uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerRatio       float64
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerMinRequests uint32

	// SuppressNotFoundLogging demotes 404 responses to Debug level,
	// implementing spec.md §6's suppress404Logging option.
	SuppressNotFoundLogging bool
}

// DefaultHTTPConfig returns sensible defaults, mirroring
// DefaultHTTPMediatorConfig.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		Timeout:                   30 * time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerName:       "replicator-transport",
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// HTTPTransport is the production Transport, built the way the teacher's
// HTTPMediator is: a tuned http.Client plus an optional gobreaker circuit
// breaker in front of each attempt.
type HTTPTransport struct {
	client         *http.Client
	breaker        *gobreaker.CircuitBreaker
	cfg            *HTTPConfig
	shuttingDown   chan struct{}
}

// NewHTTPTransport constructs an HTTPTransport.
func NewHTTPTransport(cfg *HTTPConfig) *HTTPTransport {
	if cfg == nil {
		cfg = DefaultHTTPConfig()
	}

	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	t := &HTTPTransport{
		client:       client,
		cfg:          cfg,
		shuttingDown: make(chan struct{}),
	}

	if cfg.CircuitBreakerEnabled {
		t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.CircuitBreakerName,
			MaxRequests: cfg.CircuitBreakerRequests,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= cfg.CircuitBreakerRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Info().Str("name", name).Str("from", from.String()).Str("to", to.String()).
					Msg("transport circuit breaker state changed")

				var stateValue float64
				switch to {
				case gobreaker.StateClosed:
					stateValue = metrics.CircuitBreakerClosed
				case gobreaker.StateOpen:
					stateValue = metrics.CircuitBreakerOpen
					metrics.TransportCircuitBreakerTrips.WithLabelValues(name).Inc()
				case gobreaker.StateHalfOpen:
					stateValue = metrics.CircuitBreakerHalfOpen
				}
				metrics.TransportCircuitBreakerState.WithLabelValues(name).Set(stateValue)
			},
		})
	}

	return t
}

// ShutDown reports whether the transport has been stopped.
func (t *HTTPTransport) ShutDown() bool {
	select {
	case <-t.shuttingDown:
		return true
	default:
		return false
	}
}

// Close marks the transport as shut down and idles its connection pool.
func (t *HTTPTransport) Close() {
	select {
	case <-t.shuttingDown:
	default:
		close(t.shuttingDown)
	}
	t.client.CloseIdleConnections()
}

// Execute performs one outbound operation and invokes done exactly once,
// synchronously, before returning.
func (t *HTTPTransport) Execute(ctx context.Context, req *Request, done CompletionFunc) {
	if t.breaker != nil {
		result, err := t.breaker.Execute(func() (interface{}, error) {
			resp, decoded, execErr := t.execute(ctx, req)
			return struct {
				resp    *Response
				decoded any
			}{resp, decoded}, execErr
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				log.Warn().Str("url", req.URL).Msg("transport circuit breaker open")
				done(nil, nil, err)
				return
			}
		}
		if pair, ok := result.(struct {
			resp    *Response
			decoded any
		}); ok {
			done(pair.resp, pair.decoded, err)
			return
		}
		done(nil, nil, err)
		return
	}

	resp, decoded, err := t.execute(ctx, req)
	done(resp, decoded, err)
}

func (t *HTTPTransport) execute(ctx context.Context, req *Request) (*Response, any, error) {
	parsed, err := url.ParseRequestURI(req.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, nil, fmt.Errorf("%w: %s", ErrMalformedURL, req.URL)
	}

	var body io.Reader
	contentType := "application/json"

	switch req.Kind {
	case Simple:
		if req.Method == "" {
			req.Method = http.MethodPost
		}
		if req.Body != nil {
			encoded, err := json.Marshal(req.Body)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
			}
			body = bytes.NewReader(encoded)
		}
	case MultipartUpload:
		if req.Method != http.MethodPut && req.Method != http.MethodPost {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, req.Method)
		}
		reader, ok := req.Body.(io.Reader)
		if !ok {
			return nil, nil, fmt.Errorf("%w: multipart upload body must be an io.Reader", ErrInvalidBody)
		}
		body = reader
		contentType = "multipart/form-data"
	case MultipartDownload:
		if req.Method == "" {
			req.Method = http.MethodGet
		}
	default:
		return nil, nil, fmt.Errorf("%w: unknown request kind", ErrInvalidBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}

	switch req.Kind {
	case Simple:
		httpReq.Header.Set("Content-Type", contentType)
	case MultipartUpload:
		httpReq.Header.Set("Content-Type", contentType)
		httpReq.Header.Set("Accept", "*/*")
	case MultipartDownload:
		httpReq.Header.Set("Accept", "multipart/*")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Compressed {
		httpReq.Header.Set("Content-Encoding", "gzip")
	}

	start := time.Now()
	httpResp, err := t.client.Do(httpReq)
	duration := time.Since(start)
	metrics.TransportDuration.WithLabelValues(req.URL).Observe(duration.Seconds())

	if err != nil {
		metrics.TransportRequestsTotal.WithLabelValues("error", req.Method).Inc()
		return nil, nil, err
	}
	defer httpResp.Body.Close()

	metrics.TransportRequestsTotal.WithLabelValues(strconv.Itoa(httpResp.StatusCode), req.Method).Inc()

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    flattenHeader(httpResp.Header),
	}

	logEvent := log.Debug()
	if httpResp.StatusCode == http.StatusNotFound && !t.cfg.SuppressNotFoundLogging {
		logEvent = log.Info()
	} else if httpResp.StatusCode >= 500 {
		logEvent = log.Warn()
	}
	logEvent.Str("url", req.URL).Int("status", httpResp.StatusCode).Dur("duration", duration).Msg("transport attempt completed")

	if req.Kind == MultipartDownload {
		parts, decodeErr := decodeMultipart(httpResp)
		if decodeErr != nil {
			return resp, nil, decodeErr
		}
		resp.Parts = parts
		return resp, parts, nil
	}

	limited := io.LimitReader(httpResp.Body, 10*1024*1024)
	data, _ := io.ReadAll(limited)
	resp.Body = data

	if httpResp.StatusCode >= 400 {
		return resp, nil, fmt.Errorf("transport: status %d", httpResp.StatusCode)
	}

	var decoded any
	if len(data) > 0 {
		_ = json.Unmarshal(data, &decoded)
	}
	return resp, decoded, nil
}

func decodeMultipart(resp *http.Response) ([]Part, error) {
	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse multipart content-type: %w", err)
	}
	boundary, ok := params["boundary"]
	if !ok {
		return nil, fmt.Errorf("transport: multipart response missing boundary")
	}

	reader := multipart.NewReader(resp.Body, boundary)
	var parts []Part
	for {
		p, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return parts, err
		}
		data, err := io.ReadAll(io.LimitReader(p, 64*1024*1024))
		if err != nil {
			return parts, err
		}
		parts = append(parts, Part{Headers: flattenTextHeader(p.Header), Data: data})
	}
	return parts, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func flattenTextHeader(h textproto.MIMEHeader) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

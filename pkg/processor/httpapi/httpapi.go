// Package httpapi provides a [processor.Processor] backed by a plain HTTP
// endpoint.
//
// Each chunk is sent as one POST request whose body is raw little-endian PCM16
// in the session format. The session token, capture sequence number and audio
// format travel as headers. A 200 response body is decoded as PCM16 in the same
// format; 204 No Content means the service produced no audio for this chunk.
//
// Typical usage:
//
//	p, err := httpapi.New("http://localhost:9000/process",
//	    httpapi.WithAPIKey(os.Getenv("PROCESSOR_API_KEY")),
//	    httpapi.WithTimeout(5*time.Second),
//	)
package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/processor"
)

// Compile-time interface assertion.
var _ processor.Processor = (*Processor)(nil)

// Request headers.
const (
	HeaderToken      = "X-Session-Token"
	HeaderSeq        = "X-Chunk-Seq"
	HeaderSampleRate = "X-Sample-Rate"
	HeaderChannels   = "X-Channels"

	contentType    = "audio/L16"
	defaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of an error response is quoted in errors.
	maxErrorBody = 512

	// defaultMaxResponse is about three minutes of 48 kHz stereo PCM16.
	defaultMaxResponse = 32 << 20
)

// ErrResponseTooLarge is returned when a response body exceeds the configured
// maximum.
var ErrResponseTooLarge = errors.New("httpapi: response body too large")

// ---- options ----

// Option is a functional option for configuring a Processor.
type Option func(*Processor)

// WithAPIKey sets a bearer token sent in the Authorization header.
func WithAPIKey(key string) Option {
	return func(p *Processor) { p.apiKey = key }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Processor) { p.httpClient.Timeout = d }
}

// WithMaxResponseBytes caps the size of a response body. Larger responses
// fail with [ErrResponseTooLarge]. Defaults to 32 MiB.
func WithMaxResponseBytes(n int64) Option {
	return func(p *Processor) { p.maxResponse = n }
}

// WithHTTPClient replaces the HTTP client. Its Timeout is used as-is.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Processor) { p.httpClient = c }
}

// ---- Processor ----

// Processor posts each chunk to an HTTP endpoint. It is safe for concurrent
// use; requests for the same session may run in parallel.
type Processor struct {
	endpoint    string
	apiKey      string
	maxResponse int64
	httpClient  *http.Client
}

// New creates a Processor that posts to endpoint. endpoint must be non-empty.
func New(endpoint string, opts ...Option) (*Processor, error) {
	if endpoint == "" {
		return nil, errors.New("httpapi: endpoint must not be empty")
	}
	p := &Processor{
		endpoint:    endpoint,
		maxResponse: defaultMaxResponse,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.maxResponse <= 0 {
		return nil, fmt.Errorf("httpapi: max response bytes must be positive, got %d", p.maxResponse)
	}
	return p, nil
}

// Name implements [processor.Namer].
func (p *Processor) Name() string { return "http" }

// Process posts req.Chunk and decodes the response body.
func (p *Processor) Process(ctx context.Context, req processor.Request) (audio.Chunk, error) {
	body := audio.SamplesToBytes(req.Chunk.Samples)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return audio.Chunk{}, fmt.Errorf("httpapi: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set(HeaderToken, req.Token)
	httpReq.Header.Set(HeaderSeq, strconv.FormatUint(req.Seq, 10))
	httpReq.Header.Set(HeaderSampleRate, strconv.Itoa(req.Chunk.Format.SampleRate))
	httpReq.Header.Set(HeaderChannels, strconv.Itoa(req.Chunk.Format.Channels))
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return audio.Chunk{}, fmt.Errorf("httpapi: request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return audio.Chunk{Format: req.Chunk.Format}, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return audio.Chunk{}, fmt.Errorf("httpapi: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	pcm, err := io.ReadAll(io.LimitReader(resp.Body, p.maxResponse+1))
	if err != nil {
		return audio.Chunk{}, fmt.Errorf("httpapi: read response: %w", err)
	}
	if int64(len(pcm)) > p.maxResponse {
		return audio.Chunk{}, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, p.maxResponse)
	}
	return audio.Chunk{Format: req.Chunk.Format, Samples: audio.BytesToSamples(pcm)}, nil
}

package playfab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/metrics"
)

// Transport issues single JSON POSTs to a title's PlayFab API host. It has
// no retry or auth logic of its own.
type Transport struct {
	client      *http.Client
	baseURL     string
	timeout     time.Duration
	maxResponse int64
	metrics     *metrics.Metrics
}

type TransportOptions struct {
	// BaseURL may contain one %s replaced with the title id.
	BaseURL     string
	Timeout     time.Duration
	MaxResponse int64
	Client      *http.Client
	Metrics     *metrics.Metrics
}

func NewTransport(opts TransportOptions) *Transport {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxResponse <= 0 {
		opts.MaxResponse = 16 << 20
	}
	return &Transport{
		client:      client,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		timeout:     opts.Timeout,
		maxResponse: opts.MaxResponse,
		metrics:     opts.Metrics,
	}
}

type response struct {
	Status int
	Header http.Header
	Body   []byte
}

// envelope is the wrapper PlayFab puts around every response.
type envelope struct {
	Code         int             `json:"code"`
	Status       string          `json:"status"`
	Data         json.RawMessage `json:"data"`
	Error        string          `json:"error"`
	ErrorCode    int             `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
}

func (t *Transport) url(titleID, endpoint string) string {
	base := t.baseURL
	if strings.Contains(base, "%s") {
		base = fmt.Sprintf(base, strings.ToLower(titleID))
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}

func (t *Transport) post(ctx context.Context, titleID, endpoint string, body []byte, headers map[string]string) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url(titleID, endpoint), bytes.NewReader(body))
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if t.metrics != nil {
		t.metrics.UpstreamLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		t.observe(endpoint, 0)
		return response{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, t.maxResponse+1))
	if err != nil {
		t.observe(endpoint, 0)
		return response{}, err
	}
	if int64(len(b)) > t.maxResponse {
		t.observe(endpoint, resp.StatusCode)
		return response{}, fmt.Errorf("response from %s exceeds %d bytes", endpoint, t.maxResponse)
	}
	t.observe(endpoint, resp.StatusCode)
	return response{Status: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

func (t *Transport) observe(endpoint string, status int) {
	if t.metrics != nil {
		t.metrics.UpstreamRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	}
}

// decodeEnvelope extracts data from a 2xx body, or describes the error in a
// non-2xx one.
func decodeEnvelope(endpoint string, r response) (json.RawMessage, *UpstreamError) {
	var env envelope
	parseErr := json.Unmarshal(r.Body, &env)
	if r.Status >= 200 && r.Status < 300 {
		if parseErr != nil {
			return nil, &UpstreamError{Endpoint: endpoint, Status: r.Status, Message: "malformed response body", Err: parseErr}
		}
		if len(env.Data) == 0 {
			return json.RawMessage("null"), nil
		}
		return env.Data, nil
	}
	ue := &UpstreamError{Endpoint: endpoint, Status: r.Status}
	if parseErr == nil {
		ue.Code = env.Error
		ue.Message = env.ErrorMessage
	}
	if ue.Message == "" {
		ue.Message = strings.TrimSpace(truncate(string(r.Body), 256))
	}
	if ue.Message == "" {
		ue.Message = http.StatusText(r.Status)
	}
	return nil, ue
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/interop"
)

// MaxResponseBytes bounds how much of a partner response is read.
const MaxResponseBytes = 32 << 20

// HTTPExchange is one outbound HTTP request.
type HTTPExchange struct {
	Method      string
	URL         string
	ContentType string
	Accept      string
	Header      http.Header
	Body        []byte
}

// HTTPClient sends exchanges on behalf of the HTTP-based adapters.
type HTTPClient struct {
	client *http.Client
}

func NewHTTPClient(client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPClient{client: client}
}

// Do performs the exchange with the credential applied. Any status is
// returned as a RawResponse; only failures to observe a response are errors.
func (h *HTTPClient) Do(ctx context.Context, cred *credential.Credential, ex HTTPExchange) (*RawResponse, error) {
	raw := &RawResponse{Method: ex.Method, URL: ex.URL}

	var body io.Reader
	if len(ex.Body) > 0 {
		body = bytes.NewReader(ex.Body)
	}
	req, err := http.NewRequestWithContext(ctx, ex.Method, ex.URL, body)
	if err != nil {
		return raw, interop.Validation("INVALID_REQUEST_URL", "build request for %s: %v", ex.URL, err)
	}
	if ex.ContentType != "" && body != nil {
		req.Header.Set("Content-Type", ex.ContentType)
	}
	if ex.Accept != "" {
		req.Header.Set("Accept", ex.Accept)
	}
	for k, vs := range ex.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	cred.Apply(req)

	start := time.Now()
	resp, err := cred.HTTPClient(h.client).Do(req)
	raw.Elapsed = time.Since(start)
	if err != nil {
		return raw, interop.Classify(err)
	}
	defer resp.Body.Close()

	raw.StatusCode = resp.StatusCode
	raw.Header = resp.Header
	raw.Body, err = io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return raw, interop.Classify(fmt.Errorf("read response body: %w", err))
	}
	return raw, nil
}

// HTTPResult builds the Result for a plain HTTP exchange: 2xx succeeds,
// everything else is classified by status.
func HTTPResult(raw *RawResponse) interop.Result {
	res := interop.Result{
		ResponseCode:  raw.StatusCode,
		RequestURL:    raw.URL,
		RequestMethod: raw.Method,
		Artifact:      raw.Artifact,
	}
	msg := Snippet(raw.Body, 512)
	if ie := interop.ClassifyHTTP(raw.StatusCode, msg); ie != nil {
		res.ResponseMessage = msg
		res.Err = ie
		return res
	}
	res.ResponseMessage = http.StatusText(raw.StatusCode)
	return res
}

// Snippet returns at most n bytes of body as a single trimmed line.
func Snippet(body []byte, n int) string {
	if len(body) > n {
		body = body[:n]
	}
	s := strings.TrimSpace(string(body))
	return strings.Join(strings.Fields(s), " ")
}

// JoinURL appends path to base with exactly one slash between them.
func JoinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hazyhaar/interp/connectivity"
	"github.com/hazyhaar/interp/horosafe"
)

// maxJSONBody caps successful JSON responses.
const maxJSONBody = 1 << 20

// Client talks to one interpolation server.
type Client struct {
	base    *url.URL
	http    *http.Client
	logger  *slog.Logger
	breaker *connectivity.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient. Uploads can run for minutes,
// so the client should not carry a global Timeout; per-call deadlines come
// from the context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBreaker guards status reads with cb, so a poller stops hammering a
// server that keeps failing.
func WithBreaker(cb *connectivity.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// New returns a client for the server at serverURL ("http://host:5000").
func New(serverURL string, opts ...Option) (*Client, error) {
	u, err := horosafe.ValidateServerURL(strings.TrimSpace(serverURL))
	if err != nil {
		return nil, fmt.Errorf("jobapi: server url: %w", err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.RawQuery, u.Fragment = "", ""

	c := &Client{base: u, http: http.DefaultClient, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Upload streams the video to POST /upload and returns the server's
// reference to it. size < 0 sends the body chunked; onProgress, when set,
// observes bytes sent. Upload is never retried.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, size int64, onProgress func(sent, total int64)) (Asset, error) {
	const op = "upload"
	body, err := NewMultipartBody(nil, "file", name, r, size, onProgress)
	if err != nil {
		return Asset{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(nil, "upload"), body)
	if err != nil {
		return Asset{}, fmt.Errorf("%s: %w", op, err)
	}
	if body.Length >= 0 {
		req.ContentLength = body.Length
	}
	req.Header.Set("Content-Type", body.ContentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Asset{}, &NetworkError{Op: op, Err: err}
	}
	defer drainClose(resp.Body)

	if resp.StatusCode/100 != 2 {
		return Asset{}, errorFromResponse(op, resp, false)
	}

	var out struct {
		Filename string `json:"filename"`
		Data     struct {
			Filename string `json:"filename"`
		} `json:"data"`
	}
	if err := decodeJSON(op, resp.Body, &out); err != nil {
		return Asset{}, err
	}
	ref := strings.TrimSpace(out.Filename)
	if ref == "" {
		ref = strings.TrimSpace(out.Data.Filename)
	}
	if ref == "" {
		return Asset{}, &ProtocolError{Op: op, Reason: "campo filename ausente"}
	}

	c.logger.DebugContext(ctx, "jobapi: uploaded", "name", name, "ref", ref, "bytes", size)
	return Asset{Filename: ref, SizeBytes: size}, nil
}

// Submit creates a job for a previously uploaded asset. Parameters are
// normalized before sending. Submit is not idempotent and is never retried:
// each call may create a new job.
func (c *Client) Submit(ctx context.Context, ref string, p Params) (Handle, error) {
	const op = "submit"
	payload, err := newCreateJobRequest(ref, p)
	if err != nil {
		return Handle{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, fmt.Errorf("%s: encode: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(nil, "api", "jobs"), bytes.NewReader(raw))
	if err != nil {
		return Handle{}, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Handle{}, &NetworkError{Op: op, Err: err}
	}
	defer drainClose(resp.Body)

	if resp.StatusCode/100 != 2 {
		return Handle{}, errorFromResponse(op, resp, true)
	}

	var env struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Data    *struct {
			ID    jobID  `json:"id"`
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := decodeJSON(op, resp.Body, &env); err != nil {
		return Handle{}, err
	}
	if strings.EqualFold(env.Code, "ERROR") {
		return Handle{}, envelopeError(op, resp.StatusCode, env.Message)
	}
	if env.Data == nil {
		return Handle{}, &ProtocolError{Op: op, Reason: "campo data ausente"}
	}
	h := Handle{ID: strings.TrimSpace(string(env.Data.ID)), Token: env.Data.Token}
	if h.ID == "" {
		return Handle{}, &ProtocolError{Op: op, Reason: "campo id ausente"}
	}
	if h.Token == "" {
		return Handle{}, &ProtocolError{Op: op, Reason: "campo token ausente"}
	}

	c.logger.InfoContext(ctx, "jobapi: job created", "job", h, "input", payload.InputFilename)
	return h, nil
}

// Status reads the current state of a job. It is a pure read and safe to
// retry.
func (c *Client) Status(ctx context.Context, h Handle) (Snapshot, error) {
	var snap Snapshot
	call := func(ctx context.Context) error {
		s, err := c.status(ctx, h)
		snap = s
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, "jobs", IsTransient, call)
	} else {
		err = call(ctx)
	}
	return snap, err
}

func (c *Client) status(ctx context.Context, h Handle) (Snapshot, error) {
	const op = "status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(tokenQuery(h), "api", "jobs", h.ID), nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Snapshot{}, &NetworkError{Op: op, Err: err}
	}
	defer drainClose(resp.Body)

	if resp.StatusCode/100 != 2 {
		return Snapshot{}, errorFromResponse(op, resp, false)
	}

	var env struct {
		Data *struct {
			Status    string   `json:"status"`
			Progress  *float64 `json:"progresso"`
			Label     string   `json:"status_label_pt"`
			Stage     string   `json:"etapa"`
			ResultURL string   `json:"result_url"`
			Message   string   `json:"message"`
		} `json:"data"`
	}
	if err := decodeJSON(op, resp.Body, &env); err != nil {
		return Snapshot{}, err
	}
	if env.Data == nil {
		return Snapshot{}, &ProtocolError{Op: op, Reason: "campo data ausente"}
	}
	st, err := ParseStatus(env.Data.Status)
	if err != nil {
		return Snapshot{}, &ProtocolError{Op: op, Reason: err.Error()}
	}

	snap := Snapshot{
		Status:    st,
		Label:     strings.TrimSpace(env.Data.Label),
		Stage:     env.Data.Stage,
		ResultURL: strings.TrimSpace(env.Data.ResultURL),
		Message:   strings.TrimSpace(env.Data.Message),
	}
	if env.Data.Progress != nil {
		snap.Progress = min(max(*env.Data.Progress, 0), 1)
	}
	if snap.Label == "" {
		snap.Label = st.Label()
	}
	return snap, nil
}

// Cancel asks the server to stop a job and returns its confirmation message.
func (c *Client) Cancel(ctx context.Context, h Handle) (string, error) {
	const op = "cancel"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(tokenQuery(h), "api", "jobs", h.ID, "cancel"), nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &NetworkError{Op: op, Err: err}
	}
	defer drainClose(resp.Body)

	if resp.StatusCode/100 != 2 {
		return "", errorFromResponse(op, resp, false)
	}

	var env struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := decodeJSON(op, resp.Body, &env); err != nil {
		return "", err
	}
	if strings.EqualFold(env.Code, "ERROR") {
		return "", envelopeError(op, resp.StatusCode, env.Message)
	}
	msg := strings.TrimSpace(env.Message)
	if msg == "" {
		msg = "job cancelado"
	}
	c.logger.InfoContext(ctx, "jobapi: job cancel requested", "job", h)
	return msg, nil
}

// Download fetches a result reference (absolute, or relative to the server)
// into w and returns the number of bytes written.
func (c *Client) Download(ctx context.Context, ref string, w io.Writer, onProgress func(n, total int64)) (int64, error) {
	const op = "download"
	target, err := c.Resolve(ref)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &NetworkError{Op: op, Err: err}
	}
	defer drainClose(resp.Body)

	if resp.StatusCode/100 != 2 {
		return 0, errorFromResponse(op, resp, false)
	}

	pr := NewProgressReader(resp.Body, resp.ContentLength, onProgress)
	n, err := io.Copy(w, pr)
	if err != nil {
		if pr.Err() != nil {
			return n, &NetworkError{Op: op, Err: err}
		}
		return n, fmt.Errorf("%s: write: %w", op, err)
	}
	return n, nil
}

// Resolve turns a result reference into an absolute URL on the server.
func (c *Client) Resolve(ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", &ProtocolError{Op: "resolve", Reason: fmt.Sprintf("result_url inválida: %v", err)}
	}
	return c.base.ResolveReference(u).String(), nil
}

// endpoint joins escaped path segments under the base URL.
func (c *Client) endpoint(q url.Values, segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	target := strings.TrimRight(c.base.String(), "/") + "/" + strings.Join(escaped, "/")
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	return target
}

// envelopeError covers servers that answer 2xx with {"code":"ERROR"}.
func envelopeError(op string, status int, msg string) error {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = statusLine(status)
	}
	return &ServerError{Op: op, StatusCode: status, Message: horosafe.Truncate(msg, maxReasonRunes)}
}

func tokenQuery(h Handle) url.Values {
	return url.Values{"token": {h.Token}}
}

func decodeJSON(op string, r io.Reader, v any) error {
	data, truncated, err := horosafe.ReadPrefix(r, maxJSONBody)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if truncated {
		return &ProtocolError{Op: op, Reason: fmt.Sprintf("resposta maior que %d bytes", maxJSONBody)}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &ProtocolError{Op: op, Reason: fmt.Sprintf("JSON inválido: %v", err)}
	}
	return nil
}

func drainClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}

// Package legacy is the single-request interpolation client: one POST
// /interpolate carries the video up and the processed video back, with no
// job to poll. Progress is byte-counted in both directions.
package legacy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/hazyhaar/interp/horosafe"
	"github.com/hazyhaar/interp/jobapi"
	"github.com/hazyhaar/interp/progress"
)

// Request is one legacy submission.
type Request struct {
	Name string
	File io.Reader
	// Size is the file length, or -1 when unknown.
	Size   int64
	Params jobapi.Params
}

// Result describes the processed video written to the caller's writer.
type Result struct {
	// Filename is the name suggested by the server.
	Filename string
	Bytes    int64
	Meta     Meta
}

// Client talks to the legacy endpoint of one server.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client for serverURL.
func New(serverURL string, opts ...Option) (*Client, error) {
	u, err := horosafe.ValidateServerURL(strings.TrimSpace(serverURL))
	if err != nil {
		return nil, fmt.Errorf("legacy: server url: %w", err)
	}
	u.RawQuery, u.Fragment = "", ""
	c := &Client{base: u, http: http.DefaultClient, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Interpolate uploads the video, waits for the server to process it and
// streams the result into w. The reporter, when set, shows the upload on
// 0–45%, an indeterminate phase while the server works, then the download on
// 45–100%. On failure the reporter returns to idle.
func (c *Client) Interpolate(ctx context.Context, req Request, w io.Writer, rep *progress.Reporter) (Result, error) {
	if rep == nil {
		rep = progress.NewReporter(nil)
	}
	res, err := c.interpolate(ctx, req, w, rep)
	if err != nil {
		rep.Reset(progress.LabelIdle)
		c.logger.WarnContext(ctx, "legacy: interpolate failed", "name", req.Name, "error", err)
		return res, err
	}
	rep.Set(100, progress.LabelDone)
	c.logger.InfoContext(ctx, "legacy: interpolated", "name", req.Name, "bytes", res.Bytes, "frames", res.Meta.Frames)
	return res, nil
}

func (c *Client) interpolate(ctx context.Context, req Request, w io.Writer, rep *progress.Reporter) (Result, error) {
	const op = "interpolate"
	rep.Reset(progress.LabelIdle)
	rep.Set(0, progress.LabelPreparing)

	body, err := jobapi.NewMultipartBody(formFields(req.Params), "video", req.Name, req.File, req.Size,
		func(sent, total int64) {
			if pct, ok := progress.UploadPercent(sent, total); ok {
				rep.Set(pct, progress.LabelUploading)
				return
			}
			rep.Indeterminate(progress.BytesLabel(progress.LabelUploading, sent, total))
		})
	if err != nil {
		return Result{}, err
	}
	var uploaded sync.Once
	upload := &eofReader{r: body, fn: func() {
		uploaded.Do(func() {
			rep.Set(progress.UploadShare, progress.LabelUploaded)
			rep.Indeterminate(progress.LabelProcessing)
		})
	}}

	target := strings.TrimRight(c.base.String(), "/") + "/interpolate"
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, upload)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if body.Length >= 0 {
		hreq.ContentLength = body.Length
	}
	hreq.Header.Set("Content-Type", body.ContentType)

	resp, err := c.http.Do(hreq)
	if err != nil {
		return Result{}, &jobapi.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return Result{}, jobapi.ErrorFromResponse(op, resp)
	}
	// A server may answer before draining the upload.
	upload.fn()

	res := Result{
		Filename: ParseFilename(resp.Header.Get("Content-Disposition")),
		Meta:     ParseMeta(resp.Header),
	}
	pr := jobapi.NewProgressReader(resp.Body, resp.ContentLength, func(n, total int64) {
		if pct, ok := progress.DownloadPercent(n, total); ok {
			rep.Set(pct, progress.LabelDownloading)
			return
		}
		rep.Indeterminate(progress.BytesLabel(progress.LabelDownloading, n, total))
	})
	n, err := io.Copy(w, pr)
	res.Bytes = n
	if err != nil {
		if pr.Err() != nil {
			return res, &jobapi.NetworkError{Op: op, Err: err}
		}
		return res, fmt.Errorf("%s: write result: %w", op, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return res, &jobapi.NetworkError{Op: op, Err: io.ErrUnexpectedEOF}
	}
	return res, nil
}

// formFields encodes normalized parameters the way the endpoint expects.
func formFields(p jobapi.Params) []jobapi.FormField {
	p = p.Normalize()
	fields := []jobapi.FormField{{Name: "multi", Value: strconv.Itoa(p.Multiplier)}}
	if p.TargetFPS > 0 {
		fields = append(fields, jobapi.FormField{Name: "fps", Value: strconv.Itoa(p.TargetFPS)})
	}
	audio := "remove"
	if p.KeepAudio {
		audio = "keep"
	}
	return append(fields,
		jobapi.FormField{Name: "audio", Value: audio},
		jobapi.FormField{Name: "down", Value: strconv.FormatFloat(p.Downscale, 'f', -1, 64)},
	)
}

// eofReader calls fn once the wrapped reader is exhausted.
type eofReader struct {
	r  io.Reader
	fn func()
}

func (e *eofReader) Read(b []byte) (int, error) {
	n, err := e.r.Read(b)
	if err == io.EOF {
		e.fn()
	}
	return n, err
}

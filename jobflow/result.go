package jobflow

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/interp/jobapi"
)

// Result is a completed job ready to be shown.
type Result struct {
	// PlayURL opens the result inline.
	PlayURL string
	// DownloadURL forces a download. It differs from PlayURL only by the
	// download=1 marker and its cache-busting value.
	DownloadURL string
	Snapshot    jobapi.Snapshot
}

// Renderer turns a completed snapshot into result URLs. It does not fetch
// anything.
type Renderer struct {
	now func() time.Time
}

// NewRenderer returns a renderer on the wall clock.
func NewRenderer() *Renderer {
	return &Renderer{now: time.Now}
}

// NewRendererAt returns a renderer whose clock is now, for deterministic URLs.
func NewRendererAt(now func() time.Time) *Renderer {
	return &Renderer{now: now}
}

// Render builds the play and download URLs of a completed snapshot. Query
// parameters and the fragment already present on the result reference are
// kept.
func (r *Renderer) Render(snap jobapi.Snapshot) (Result, error) {
	if snap.Status != jobapi.StatusCompleted {
		return Result{}, fmt.Errorf("jobflow: render: job is %s, not completed", snap.Status)
	}
	ref := strings.TrimSpace(snap.ResultURL)
	if ref == "" {
		return Result{}, &jobapi.ProtocolError{Op: "render", Reason: "result_url ausente"}
	}
	u, err := url.Parse(ref)
	if err != nil {
		return Result{}, &jobapi.ProtocolError{Op: "render", Reason: "result_url inválida: " + err.Error()}
	}
	ms := r.now().UnixMilli()
	return Result{
		PlayURL:     withQuery(u, "_="+strconv.FormatInt(ms, 10)),
		DownloadURL: withQuery(u, "download=1&_="+strconv.FormatInt(ms+1, 10)),
		Snapshot:    snap,
	}, nil
}

// withQuery appends extra to the query of u, leaving the existing pairs in
// their original order.
func withQuery(u *url.URL, extra string) string {
	c := *u
	q := strings.TrimSuffix(c.RawQuery, "&")
	if q != "" {
		q += "&"
	}
	c.RawQuery = q + extra
	c.ForceQuery = false
	return c.String()
}

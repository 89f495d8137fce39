package legacy

import (
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// DefaultFilename is used when the server suggests no name.
const DefaultFilename = "processed_video.mp4"

// Meta is the processing metadata the server returns in headers. Zero
// values mean the header was absent or unreadable.
type Meta struct {
	InputFPS  float64
	OutputFPS float64
	// InputRes is the source resolution, "1920x1080".
	InputRes string
	// AvgFPS is the server's throughput as formatted by the server.
	AvgFPS string
	Frames int
}

// ParseMeta reads the X-* metadata headers.
func ParseMeta(h http.Header) Meta {
	m := Meta{
		InputRes: strings.TrimSpace(h.Get("X-Input-Res")),
		AvgFPS:   strings.TrimSpace(h.Get("X-Avg-FPS")),
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(h.Get("X-Input-FPS")), 64); err == nil {
		m.InputFPS = v
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(h.Get("X-Output-FPS")), 64); err == nil {
		m.OutputFPS = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(h.Get("X-Frames"))); err == nil {
		m.Frames = v
	}
	return m
}

// Summary renders "120 frames • média 31.50 FPS", leaving out what is
// unknown.
func (m Meta) Summary() string {
	var bits []string
	if m.Frames > 0 {
		bits = append(bits, strconv.Itoa(m.Frames)+" frames")
	}
	if m.AvgFPS != "" {
		bits = append(bits, "média "+m.AvgFPS+" FPS")
	}
	return strings.Join(bits, " • ")
}

var filenameParam = regexp.MustCompile(`(?i)filename\*?=(?:UTF-8'')?"?([^";]+)"?`)

// ParseFilename extracts the file name from a Content-Disposition header.
// The RFC 5987 filename* form wins over filename. Directory parts are
// dropped. It returns DefaultFilename when no usable name is present.
func ParseFilename(cd string) string {
	name := ""
	if _, params, err := mime.ParseMediaType(cd); err == nil {
		name = params["filename"]
	}
	if name == "" {
		if m := filenameParam.FindStringSubmatch(cd); m != nil {
			name = strings.TrimSpace(m[1])
			if dec, err := url.PathUnescape(name); err == nil {
				name = dec
			}
		}
	}
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	switch name {
	case "", ".", "/", "..":
		return DefaultFilename
	}
	return name
}

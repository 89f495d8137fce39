package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/interp/connectivity"
)

func newTestClient(t *testing.T, h http.Handler, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c, srv
}

func TestUpload_Success(t *testing.T) {
	var gotName, gotBody string
	var gotLen int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/upload" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		gotLen = r.ContentLength
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		b, _ := io.ReadAll(f)
		gotName, gotBody = hdr.Filename, string(b)
		w.Write([]byte(`{"filename":"clip_ab12.mp4"}`))
	}))

	content := strings.Repeat("v", 4096)
	var lastSent, lastTotal int64
	asset, err := c.Upload(context.Background(), "clip.mp4", strings.NewReader(content), int64(len(content)),
		func(sent, total int64) { lastSent, lastTotal = sent, total })
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if asset.Filename != "clip_ab12.mp4" {
		t.Fatalf("got ref %q, want clip_ab12.mp4", asset.Filename)
	}
	if gotName != "clip.mp4" || gotBody != content {
		t.Fatalf("server saw name=%q body=%d bytes", gotName, len(gotBody))
	}
	if gotLen <= int64(len(content)) {
		t.Fatalf("content-length %d does not cover the multipart body", gotLen)
	}
	if lastSent != int64(len(content)) || lastTotal != int64(len(content)) {
		t.Fatalf("progress ended at %d/%d", lastSent, lastTotal)
	}
}

func TestUpload_UnknownSizeIsChunked(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != -1 {
			t.Errorf("content-length = %d, want -1", r.ContentLength)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("FormFile: %v", err)
		}
		w.Write([]byte(`{"filename":"x_1.mp4"}`))
	}))
	if _, err := c.Upload(context.Background(), "x.mp4", strings.NewReader("abc"), -1, nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}
}

func TestUpload_ServerRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"message field", 400, `{"message":"extensão não permitida"}`, "extensão não permitida"},
		{"error field", 413, `{"error":"Arquivo muito grande. Limite: 1024 MB."}`, "Arquivo muito grande. Limite: 1024 MB."},
		{"html page", 502, "<html><body><h1>502 Bad Gateway</h1>\n<p>nginx</p></body></html>", "502 Bad Gateway nginx"},
		{"empty body", 503, "", "HTTP 503 Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			_, err := c.Upload(context.Background(), "clip.mp4", strings.NewReader("data"), 4, nil)
			var se *ServerError
			if !errors.As(err, &se) {
				t.Fatalf("err = %T %v, want *ServerError", err, err)
			}
			if se.Message != tt.want || se.StatusCode != tt.status {
				t.Fatalf("got %d %q, want %d %q", se.StatusCode, se.Message, tt.status, tt.want)
			}
		})
	}
}

func TestUpload_LongBodyIsTruncated(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(500)
		io.WriteString(w, strings.Repeat("stack frame ", 500))
	}))
	_, err := c.Upload(context.Background(), "clip.mp4", strings.NewReader("d"), 1, nil)
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v", err)
	}
	if n := len([]rune(se.Message)); n != maxReasonRunes {
		t.Fatalf("message has %d runes, want %d", n, maxReasonRunes)
	}
}

func TestUpload_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := New(addr)
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Upload(context.Background(), "clip.mp4", strings.NewReader("d"), 1, nil)
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %T %v, want *NetworkError", err, err)
	}
}

func TestUpload_MissingFilename(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{"ok":true}`))
	}))
	_, err := c.Upload(context.Background(), "clip.mp4", strings.NewReader("d"), 1, nil)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %T %v, want *ProtocolError", err, err)
	}
}

func TestSubmit_PayloadAndHandle(t *testing.T) {
	var raw map[string]any
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/jobs" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&raw)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"code":"OK","message":"","data":{"id":42,"token":"abc","status":"queued"}}`))
	}))

	h, err := c.Submit(context.Background(), "clip_ab12.mp4", Params{Multiplier: 2, Downscale: 1, KeepAudio: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.ID != "42" || h.Token != "abc" {
		t.Fatalf("handle = %+v", h)
	}
	if _, ok := raw["fps_alvo"]; ok {
		t.Fatalf("fps_alvo must be omitted when absent: %v", raw)
	}
	if _, ok := raw["preset"]; ok {
		t.Fatalf("preset must be omitted when absent: %v", raw)
	}
	if raw["input_filename"] != "clip_ab12.mp4" || raw["multi"] != float64(2) || raw["manter_audio"] != true {
		t.Fatalf("payload = %v", raw)
	}
}

func TestSubmit_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"missing token", 202, `{"code":"OK","data":{"id":"7"}}`, func(err error) bool {
			var pe *ProtocolError
			return errors.As(err, &pe)
		}},
		{"missing id", 202, `{"code":"OK","data":{"token":"t"}}`, func(err error) bool {
			var pe *ProtocolError
			return errors.As(err, &pe)
		}},
		{"not json", 200, `<html>ok</html>`, func(err error) bool {
			var pe *ProtocolError
			return errors.As(err, &pe)
		}},
		{"validation", 400, `{"code":"ERROR","message":"multi deve estar entre 1 e 4"}`, func(err error) bool {
			var ve *ValidationError
			return errors.As(err, &ve) && ve.Message == "multi deve estar entre 1 e 4"
		}},
		{"not found", 404, `{"code":"ERROR","message":"arquivo não encontrado"}`, func(err error) bool {
			var se *ServerError
			return errors.As(err, &se) && se.StatusCode == 404 && !se.Transient()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			_, err := c.Submit(context.Background(), "clip.mp4", DefaultParams())
			if err == nil || !tt.check(err) {
				t.Fatalf("unexpected error %T: %v", err, err)
			}
		})
	}
}

func TestSubmit_NeverRetried(t *testing.T) {
	var calls int
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(503)
	}))
	if _, err := c.Submit(context.Background(), "clip.mp4", DefaultParams()); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestStatus_Parse(t *testing.T) {
	var gotToken string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/jobs/42" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotToken = r.URL.Query().Get("token")
		w.Write([]byte(`{"code":"OK","data":{"status":"processing","progresso":0.3,"status_label_pt":"Processando","etapa":"interpolando"}}`))
	}))

	snap, err := c.Status(context.Background(), Handle{ID: "42", Token: "a+b/c"})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if gotToken != "a+b/c" {
		t.Fatalf("token = %q", gotToken)
	}
	want := Snapshot{Status: StatusRunning, Progress: 0.3, Label: "Processando", Stage: "interpolando"}
	if snap != want {
		t.Fatalf("got %+v, want %+v", snap, want)
	}
}

func TestStatus_DefaultsAndClamp(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"status":"completed","progresso":1.7,"result_url":"/results/42.mp4"}}`))
	}))
	snap, err := c.Status(context.Background(), Handle{ID: "42", Token: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Progress != 1 || snap.Label != "Concluído" || snap.ResultURL != "/results/42.mp4" {
		t.Fatalf("got %+v", snap)
	}
}

func TestStatus_UnknownStatusIsProtocolError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"status":"exploded"}}`))
	}))
	_, err := c.Status(context.Background(), Handle{ID: "1", Token: "t"})
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v", err)
	}
}

func TestStatus_BreakerOpensOnRepeatedFailures(t *testing.T) {
	var calls int
	cb := connectivity.NewCircuitBreaker(connectivity.WithBreakerThreshold(2), connectivity.WithBreakerResetTimeout(time.Hour))
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(502)
	}), WithBreaker(cb))

	for i := 0; i < 2; i++ {
		c.Status(context.Background(), Handle{ID: "1", Token: "t"})
	}
	_, err := c.Status(context.Background(), Handle{ID: "1", Token: "t"})
	var open *connectivity.ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("err = %v, want open circuit", err)
	}
	if calls != 2 {
		t.Fatalf("server calls = %d, want 2", calls)
	}
}

func TestCancel(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/jobs/42/cancel" || r.URL.Query().Get("token") != "abc" {
			t.Errorf("got %s %s", r.Method, r.URL.String())
		}
		w.Write([]byte(`{"code":"OK","message":"job cancelado"}`))
	}))
	msg, err := c.Cancel(context.Background(), Handle{ID: "42", Token: "abc"})
	if err != nil || msg != "job cancelado" {
		t.Fatalf("Cancel = %q, %v", msg, err)
	}
}

func TestDownload(t *testing.T) {
	payload := bytes.Repeat([]byte{7}, 10_000)
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/results/42.mp4" || r.URL.Query().Get("download") != "1" {
			t.Errorf("got %s", r.URL.String())
		}
		w.Write(payload)
	}))
	var buf bytes.Buffer
	var last int64
	n, err := c.Download(context.Background(), "/results/42.mp4?download=1", &buf, func(n, _ int64) { last = n })
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(payload)) || last != n || !bytes.Equal(buf.Bytes(), payload) {
		t.Fatalf("downloaded %d bytes, progress %d", n, last)
	}
}

func TestSubmit_TokenNeverLogged(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/cancel"):
			w.Write([]byte(`{"code":"OK","message":"ok"}`))
		default:
			w.Write([]byte(`{"code":"OK","data":{"id":"j1","token":"s3cr3t-token"}}`))
		}
	}), WithLogger(logger))

	h, err := c.Submit(context.Background(), "clip.mp4", DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Cancel(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(logs.String(), "s3cr3t-token") {
		t.Fatalf("token leaked into logs: %s", logs.String())
	}
	if !strings.Contains(logs.String(), "j1") {
		t.Fatalf("job id missing from logs: %s", logs.String())
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	if _, err := New("ftp://example.com"); err == nil {
		t.Fatal("expected error")
	}
}

func TestEndpoint_KeepsBasePath(t *testing.T) {
	c, err := New("https://example.com/interp/")
	if err != nil {
		t.Fatal(err)
	}
	got := c.endpoint(tokenQuery(Handle{ID: "a b", Token: "t"}), "api", "jobs", "a b")
	if got != "https://example.com/interp/api/jobs/a%20b?token=t" {
		t.Fatalf("got %s", got)
	}
}

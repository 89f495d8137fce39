package jobflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/interp/jobapi"
	"github.com/hazyhaar/interp/progress"
)

// recorder keeps every state the reporter renders.
type recorder struct {
	mu     sync.Mutex
	states []progress.State
}

func (r *recorder) Render(s progress.State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

// assertMonotonic checks the percent never goes down between the reset that
// opens the run and the reset that may close it.
func (r *recorder) assertMonotonic(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := 0
	for i, s := range r.states {
		if !s.Active {
			prev = 0
			continue
		}
		if s.Percent < prev {
			t.Fatalf("percent went from %d to %d at state %d (%+v)", prev, s.Percent, i, r.states)
		}
		prev = s.Percent
	}
}

type notice struct{ title, body string }

type notifyRecorder struct {
	mu      sync.Mutex
	notices []notice
	err     error
}

func (n *notifyRecorder) Notify(ctx context.Context, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{title, body})
	return n.err
}

func newTestController(t Transport, rec *recorder, opts ...ControllerOption) *Controller {
	base := []ControllerOption{
		WithLogger(quiet),
		WithClock(fixedClock(1_700_000_000_000)),
		WithPollerOptions(WithInterval(time.Millisecond)),
	}
	return NewController(t, progress.NewReporter(rec), append(base, opts...)...)
}

// jobServer answers the job protocol the way the clip.mp4 example goes:
// clip.mp4 is stored as clip_ab12.mp4, job 42 with token abc, progress 0.3
// then completion at /results/42.mp4.
func jobServer(t *testing.T, polls []string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var statusCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		_, hdr, err := r.FormFile("file")
		if err != nil || hdr.Filename != "clip.mp4" {
			http.Error(w, `{"error":"bad upload"}`, http.StatusBadRequest)
			return
		}
		io.WriteString(w, `{"filename":"clip_ab12.mp4"}`)
	})
	mux.HandleFunc("POST /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		want := map[string]any{"input_filename": "clip_ab12.mp4", "multi": float64(2), "downscale": float64(1), "manter_audio": true}
		for k, v := range want {
			if body[k] != v {
				t.Errorf("payload %s = %v, want %v", k, body[k], v)
			}
		}
		if _, ok := body["fps_alvo"]; ok {
			t.Error("fps_alvo sent while absent")
		}
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"code":"OK","message":"","details":null,"data":{"id":42,"token":"abc"}}`)
	})
	mux.HandleFunc("GET /api/jobs/42", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "abc" {
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `{"code":"ERROR","message":"token inválido"}`)
			return
		}
		n := int(statusCalls.Add(1)) - 1
		io.WriteString(w, polls[min(n, len(polls)-1)])
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &statusCalls
}

func TestRun_ClipScenario(t *testing.T) {
	srv, _ := jobServer(t, []string{
		`{"data":{"status":"running","progresso":0.3}}`,
		`{"data":{"status":"completed","progresso":1.0,"result_url":"/results/42.mp4"}}`,
	})
	client, err := jobapi.New(srv.URL, jobapi.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	notes := &notifyRecorder{}
	ctrl := newTestController(client, rec, WithNotifier(notes))

	out, err := ctrl.Run(context.Background(), NewSession(), Submission{
		Name:   "clip.mp4",
		File:   strings.NewReader("fake video bytes"),
		Size:   16,
		Params: jobapi.Params{Multiplier: 2, Downscale: 1.0, KeepAudio: true},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Handle != (jobapi.Handle{ID: "42", Token: "abc"}) {
		t.Fatalf("handle = %+v", out.Handle)
	}
	if out.Result.PlayURL != "/results/42.mp4?_=1700000000000" {
		t.Errorf("play url = %s", out.Result.PlayURL)
	}
	if out.Result.DownloadURL != "/results/42.mp4?download=1&_=1700000000001" {
		t.Errorf("download url = %s", out.Result.DownloadURL)
	}
	if out.State != StateCompleted || out.Status != progress.LabelDone || len(out.Warnings) != 0 {
		t.Errorf("outcome = %+v", out)
	}

	rec.assertMonotonic(t)
	final := rec.states[len(rec.states)-1]
	if final.Percent != 100 || final.Label != progress.LabelDone {
		t.Fatalf("final state = %+v", final)
	}
	for _, s := range rec.states[:len(rec.states)-1] {
		if s.Percent == 100 {
			t.Fatalf("100%% shown before completion: %+v", rec.states)
		}
	}
	if len(notes.notices) != 1 || notes.notices[0].title != TitleDone {
		t.Fatalf("notices = %+v", notes.notices)
	}
}

func TestRun_DecoderErrorScenario(t *testing.T) {
	srv, calls := jobServer(t, []string{`{"data":{"status":"failed","message":"decoder error"}}`})
	client, err := jobapi.New(srv.URL, jobapi.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	notes := &notifyRecorder{}
	ctrl := newTestController(client, rec, WithNotifier(notes))
	reporter := ctrl.reporter

	out, err := ctrl.Run(context.Background(), NewSession(), Submission{
		Name: "clip.mp4", File: strings.NewReader("x"), Size: 1,
		Params: jobapi.Params{Multiplier: 2, Downscale: 1.0, KeepAudio: true},
	})
	if err == nil || err.Error() != "decoder error" {
		t.Fatalf("err = %v, want exactly \"decoder error\"", err)
	}
	var jf *JobFailedError
	if !errors.As(err, &jf) || jf.Handle.ID != "42" {
		t.Fatalf("err type = %T", err)
	}
	if out.Status != "decoder error" || out.State != StateFailed {
		t.Fatalf("outcome = %+v", out)
	}
	if st := reporter.State(); st.Active || st.Percent != 0 || st.Label != progress.LabelIdle {
		t.Fatalf("reporter not back to idle: %+v", st)
	}
	if calls.Load() != 1 {
		t.Fatalf("status calls = %d, want 1", calls.Load())
	}
	if len(notes.notices) != 1 || notes.notices[0] != (notice{TitleFailed, "decoder error"}) {
		t.Fatalf("notices = %+v", notes.notices)
	}
}

func TestRun_RetryableAfterFailure(t *testing.T) {
	ft := &fakeTransport{
		asset:   jobapi.Asset{Filename: "a_1.mp4"},
		handle:  jobapi.Handle{ID: "1", Token: "t"},
		replies: []statusReply{failed("boom")},
	}
	rec := &recorder{}
	ctrl := newTestController(ft, rec)
	if _, err := ctrl.Run(context.Background(), NewSession(), Submission{Name: "a.mp4", File: strings.NewReader("a"), Size: 1, Params: jobapi.DefaultParams()}); err == nil {
		t.Fatal("expected failure")
	}

	ft.mu.Lock()
	ft.replies = []statusReply{running(0.6), completed("/r/1.mp4")}
	ft.statusCalls = 0
	ft.mu.Unlock()
	out, err := ctrl.Run(context.Background(), NewSession(), Submission{Name: "a.mp4", File: strings.NewReader("a"), Size: 1, Params: jobapi.DefaultParams()})
	if err != nil || out.State != StateCompleted {
		t.Fatalf("second run: %v %+v", err, out)
	}
	rec.assertMonotonic(t)
}

func TestRun_PercentNeverDecreases(t *testing.T) {
	ft := &fakeTransport{
		asset:   jobapi.Asset{Filename: "a_1.mp4"},
		handle:  jobapi.Handle{ID: "1", Token: "t"},
		replies: []statusReply{queued(0), running(0.5), running(0.4), running(0.7), completed("/r/1.mp4")},
	}
	rec := &recorder{}
	if _, err := newTestController(ft, rec).Run(context.Background(), NewSession(), Submission{Name: "a.mp4", File: strings.NewReader("a"), Size: 1, Params: jobapi.DefaultParams()}); err != nil {
		t.Fatal(err)
	}
	rec.assertMonotonic(t)
}

func TestRun_CancelDuringUpload(t *testing.T) {
	s := NewSession()
	ft := &fakeTransport{asset: jobapi.Asset{Filename: "a_1.mp4"}, handle: jobapi.Handle{ID: "1", Token: "t"}}
	ctrl := newTestController(ft, &recorder{})
	ft.onUpload = func() {
		if _, err := ctrl.Cancel(context.Background(), s); err != nil {
			t.Errorf("Cancel: %v", err)
		}
	}

	out, err := ctrl.Run(context.Background(), s, Submission{Name: "a.mp4", File: strings.NewReader("a"), Size: 1, Params: jobapi.DefaultParams()})
	if !errors.Is(err, ErrCanceled) || out.State != StateCanceled {
		t.Fatalf("err=%v state=%s", err, out.State)
	}
	if ft.submits != 0 {
		t.Fatal("job submitted after cancel")
	}
}

func TestRun_CancelDuringSubmitCancelsNewJob(t *testing.T) {
	s := NewSession()
	h := jobapi.Handle{ID: "9", Token: "z"}
	ft := &fakeTransport{asset: jobapi.Asset{Filename: "a_1.mp4"}, handle: h, replies: []statusReply{running(0.1)}}
	ft.onSubmit = func() { s.RequestCancel() }

	_, err := newTestController(ft, &recorder{}).Run(context.Background(), s, Submission{Name: "a.mp4", File: strings.NewReader("a"), Size: 1, Params: jobapi.DefaultParams()})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v", err)
	}
	if len(ft.cancels) != 1 || ft.cancels[0] != h {
		t.Fatalf("cancels = %+v", ft.cancels)
	}
	if ft.calls() != 0 {
		t.Fatal("polled a job cancelled at creation")
	}

	// The user's own cancel lands after the controller already sent one.
	ctrl := newTestController(ft, &recorder{})
	if msg, err := ctrl.Cancel(context.Background(), s); err != nil || msg != "" {
		t.Fatalf("late Cancel = %q, %v", msg, err)
	}
	if len(ft.cancels) != 1 {
		t.Fatalf("cancel sent %d times", len(ft.cancels))
	}
}

func TestCancel_SentOnce(t *testing.T) {
	h := jobapi.Handle{ID: "5", Token: "t"}
	s := boundSession(h)
	ft := &fakeTransport{}
	ctrl := newTestController(ft, &recorder{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ctrl.Cancel(context.Background(), s); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(ft.cancels) != 1 || ft.cancels[0] != h {
		t.Fatalf("cancels = %+v", ft.cancels)
	}
}

func TestRun_CancelWhileRunning(t *testing.T) {
	s := NewSession()
	ft := &fakeTransport{
		asset:   jobapi.Asset{Filename: "a_1.mp4"},
		handle:  jobapi.Handle{ID: "3", Token: "k"},
		replies: []statusReply{running(0.2), running(0.4), completed("/r/3.mp4")},
	}
	rec := &recorder{}
	notes := &notifyRecorder{}
	ctrl := newTestController(ft, rec, WithNotifier(notes))
	ft.onStatus = func(call int) {
		if call == 1 {
			if msg, err := ctrl.Cancel(context.Background(), s); err != nil || msg != "job cancelado" {
				t.Errorf("Cancel = %q, %v", msg, err)
			}
		}
	}

	out, err := ctrl.Run(context.Background(), s, Submission{Name: "a.mp4", File: strings.NewReader("a"), Size: 1, Params: jobapi.DefaultParams()})
	if !errors.Is(err, ErrCanceled) || out.State != StateCanceled || out.Result.PlayURL != "" {
		t.Fatalf("err=%v out=%+v", err, out)
	}
	if len(ft.cancels) != 1 {
		t.Fatalf("cancel requests = %d", len(ft.cancels))
	}
	if len(notes.notices) != 0 {
		t.Fatalf("cancellation was announced: %+v", notes.notices)
	}
	if st := ctrl.reporter.State(); st.Active {
		t.Fatalf("reporter still active: %+v", st)
	}
}

func TestRun_NotifierFailureIsAWarning(t *testing.T) {
	ft := &fakeTransport{
		asset:   jobapi.Asset{Filename: "a_1.mp4"},
		handle:  jobapi.Handle{ID: "1", Token: "t"},
		replies: []statusReply{completed("/r/1.mp4")},
	}
	notes := &notifyRecorder{err: errors.New("no display")}
	out, err := newTestController(ft, &recorder{}, WithNotifier(notes)).Run(context.Background(), NewSession(),
		Submission{Name: "a.mp4", File: strings.NewReader("a"), Size: 1, Params: jobapi.DefaultParams()})
	if err != nil {
		t.Fatalf("notifier failure was fatal: %v", err)
	}
	if len(out.Warnings) != 1 || out.Warnings[0].Error() != "no display" {
		t.Fatalf("warnings = %v", out.Warnings)
	}
}

func TestRun_UploadFailure(t *testing.T) {
	ft := &fakeTransport{uploadErr: &jobapi.ServerError{Op: "upload", StatusCode: 413, Message: "Arquivo muito grande. Limite: 1024 MB."}}
	rec := &recorder{}
	out, err := newTestController(ft, rec).Run(context.Background(), NewSession(),
		Submission{Name: "a.mp4", File: strings.NewReader("a"), Size: 1, Params: jobapi.DefaultParams()})
	var se *jobapi.ServerError
	if !errors.As(err, &se) || out.Status != "Arquivo muito grande. Limite: 1024 MB." {
		t.Fatalf("err=%v status=%q", err, out.Status)
	}
	if ft.submits != 0 {
		t.Fatal("submitted after failed upload")
	}
}

func TestRun_OutOfRangeParamsAreAWarning(t *testing.T) {
	ft := &fakeTransport{
		asset:   jobapi.Asset{Filename: "a_1.mp4"},
		handle:  jobapi.Handle{ID: "1", Token: "t"},
		replies: []statusReply{completed("/r/1.mp4")},
	}
	out, err := newTestController(ft, &recorder{}).Run(context.Background(), NewSession(),
		Submission{Name: "a.mp4", File: strings.NewReader("a"), Size: 1, Params: jobapi.Params{Multiplier: 8, Downscale: 1}})
	if err != nil {
		t.Fatal(err)
	}
	var ve *jobapi.ValidationError
	if len(out.Warnings) != 1 || !errors.As(out.Warnings[0], &ve) {
		t.Fatalf("warnings = %v", out.Warnings)
	}
}

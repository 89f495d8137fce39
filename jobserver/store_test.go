package jobserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/interp/dbopen"
	"github.com/hazyhaar/interp/jobapi"
)

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	clk := newFakeClock()
	s := NewStore(db)
	s.now = clk.Now
	return s, clk
}

func testJob(id string) *Job {
	return &Job{
		ID:        id,
		TokenHash: HashToken("tok-" + id),
		InputName: id + ".mp4",
		Params:    jobapi.Params{Multiplier: 2, TargetFPS: 60, Downscale: 0.5, KeepAudio: true, Preset: "youtube_60fps"},
		Preset:    "youtube_60fps",
		TTL:       time.Hour,
	}
}

func TestStore_CreateGet(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, testJob("a")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	j, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != jobapi.StatusQueued || j.InputName != "a.mp4" || j.Preset != "youtube_60fps" {
		t.Fatalf("job = %+v", j)
	}
	want := jobapi.Params{Multiplier: 2, TargetFPS: 60, Downscale: 0.5, KeepAudio: true, Preset: "youtube_60fps"}
	if j.Params != want {
		t.Fatalf("params = %+v, want %+v", j.Params, want)
	}
	if !j.CreatedAt.Equal(clk.Now()) || !j.ExpiresAt().Equal(clk.Now().Add(time.Hour)) {
		t.Fatalf("created %v expires %v", j.CreatedAt, j.ExpiresAt())
	}

	if err := s.Create(ctx, testJob("a")); !errors.Is(err, ErrJobExists) {
		t.Fatalf("duplicate Create = %v, want ErrJobExists", err)
	}
	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get unknown = %v", err)
	}
}

func TestJob_Authorized(t *testing.T) {
	j := testJob("a")
	if !j.Authorized("tok-a") {
		t.Fatal("right token refused")
	}
	if j.Authorized("tok-b") || j.Authorized("") {
		t.Fatal("wrong token accepted")
	}
	if HashToken("x") == "x" || len(HashToken("x")) != 64 {
		t.Fatalf("HashToken = %q", HashToken("x"))
	}
}

func TestStore_Lifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Create(ctx, testJob("a"))

	if ok, err := s.Advance(ctx, "a", StageInterpolating, 0.4); err != nil || !ok {
		t.Fatalf("Advance = %v, %v", ok, err)
	}
	j, _ := s.Get(ctx, "a")
	if j.Status != jobapi.StatusRunning || j.Stage != StageInterpolating || j.Progress != 0.4 {
		t.Fatalf("after Advance: %+v", j)
	}

	if ok, err := s.Complete(ctx, "a", "a_interp_60fps.mp4"); err != nil || !ok {
		t.Fatalf("Complete = %v, %v", ok, err)
	}
	j, _ = s.Get(ctx, "a")
	if j.Status != jobapi.StatusCompleted || j.Progress != 1 || j.Stage != StageDone || j.OutputName != "a_interp_60fps.mp4" {
		t.Fatalf("after Complete: %+v", j)
	}

	if ok, _ := s.Fail(ctx, "a", "tarde demais"); ok {
		t.Fatal("Fail changed a completed job")
	}
	if ok, _ := s.Advance(ctx, "a", StageFinishing, 0.9); ok {
		t.Fatal("Advance changed a completed job")
	}
}

func TestStore_CancelWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Create(ctx, testJob("a"))
	s.Advance(ctx, "a", StageInterpolating, 0.3)

	if ok, err := s.Cancel(ctx, "a"); err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	if ok, _ := s.Advance(ctx, "a", StageInterpolating, 0.5); ok {
		t.Fatal("Advance after cancel")
	}
	if ok, _ := s.Complete(ctx, "a", "out.mp4"); ok {
		t.Fatal("Complete after cancel")
	}
	if ok, _ := s.Fail(ctx, "a", "boom"); ok {
		t.Fatal("Fail after cancel")
	}
	j, _ := s.Get(ctx, "a")
	if j.Status != jobapi.StatusCanceled || j.Stage != StageCanceled {
		t.Fatalf("job = %+v", j)
	}

	if req, err := s.CancelRequested(ctx, "a"); err != nil || !req {
		t.Fatalf("CancelRequested = %v, %v", req, err)
	}
	if req, _ := s.CancelRequested(ctx, "gone"); !req {
		t.Fatal("missing job should count as canceled")
	}
	s.Create(ctx, testJob("b"))
	if req, _ := s.CancelRequested(ctx, "b"); req {
		t.Fatal("fresh job reported canceled")
	}
}

func TestStore_Requeue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"run", "queued", "done", "canceled"} {
		s.Create(ctx, testJob(id))
	}
	s.Advance(ctx, "run", StageInterpolating, 0.5)
	s.Advance(ctx, "done", StageInterpolating, 0.5)
	s.Complete(ctx, "done", "x.mp4")
	s.Cancel(ctx, "canceled")

	ids, err := s.Requeue(ctx)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != "run" {
		t.Fatalf("Requeue = %v", ids)
	}
	j, _ := s.Get(ctx, "run")
	if j.Status != jobapi.StatusQueued || j.Progress != 0 {
		t.Fatalf("requeued job = %+v", j)
	}
}

func TestStore_ExpiredAndInputInUse(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	short := testJob("short")
	short.TTL = time.Minute
	s.Create(ctx, short)
	s.Create(ctx, testJob("long"))

	clk.Add(2 * time.Minute)
	jobs, err := s.Expired(ctx, clk.Now())
	if err != nil {
		t.Fatalf("Expired: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "short" {
		t.Fatalf("Expired = %v", jobs)
	}

	if used, _ := s.InputInUse(ctx, "long.mp4"); !used {
		t.Fatal("queued job input not in use")
	}
	s.Fail(ctx, "long", "x")
	if used, _ := s.InputInUse(ctx, "long.mp4"); used {
		t.Fatal("failed job input still in use")
	}

	if err := s.Delete(ctx, "short"); err != nil {
		t.Fatal(err)
	}
	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["failed"] != 1 || counts["queued"] != 0 || len(counts) != 1 {
		t.Fatalf("Counts = %v", counts)
	}
}

func TestEventLogger_History(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	ev := NewEventLogger(db, quiet)
	ctx := context.Background()

	ev.Log(ctx, "a", EventCreated, "a.mp4")
	ev.Log(ctx, "b", EventCreated, "b.mp4")
	ev.Log(ctx, "a", EventFailed, "boom")

	hist, err := ev.History(ctx, "a")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].Type != EventCreated || hist[1].Type != EventFailed || hist[1].Details != "boom" {
		t.Fatalf("History = %+v", hist)
	}
}

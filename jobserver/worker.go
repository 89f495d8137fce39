package jobserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/interp/horosafe"
	"github.com/hazyhaar/interp/kit"
)

// Worker stages reported in the etapa field, with their progress floor.
const (
	StageStarting      = "iniciando"
	StageInterpolating = "interpolando"
	StageFinishing     = "finalizando"
	StageDone          = "concluído"
	StageCanceled      = "cancelado"
)

const (
	progressStarting      = 0.05
	progressInterpolating = 0.3
	progressFinishing     = 0.9
)

var (
	errJobCanceled = errors.New("job cancelado")
	errJobExpired  = errors.New("resultado expirado")
)

// OutputName derives the result file name: "clip_interp_60fps.mp4", or
// "clip_interp.mp4" without a target frame rate.
func OutputName(input string, fps int) string {
	ext := filepath.Ext(input)
	stem := strings.TrimSuffix(input, ext)
	if ext == "" {
		ext = ".mp4"
	}
	if fps > 0 {
		return fmt.Sprintf("%s_interp_%dfps%s", stem, fps, ext)
	}
	return stem + "_interp" + ext
}

// handle runs one job. It returns an error only when the job must be
// redelivered: the server is shutting down or the store is unreachable.
func (s *Server) handle(ctx context.Context, d *Delivery) error {
	ctx = kit.WithJobID(ctx, d.JobID)
	log := s.logger.With(kit.LogAttrs(ctx)...).With("attempt", d.Attempts)

	j, err := s.store.Get(ctx, d.JobID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}
	src, err := horosafe.SafePath(s.cfg.UploadDir, j.InputName)
	if err != nil {
		s.fail(ctx, j.ID, "input_filename inválido")
		return nil
	}
	if s.cfg.MaxAttempts > 0 && d.Attempts > s.cfg.MaxAttempts {
		os.Remove(src)
		s.fail(ctx, j.ID, "número máximo de tentativas excedido")
		return nil
	}

	ok, err := s.store.Advance(ctx, j.ID, StageStarting, progressStarting)
	if err != nil || !ok {
		return err
	}
	s.events.Log(ctx, j.ID, EventStarted, "")
	s.metrics.JobsRunning.Inc()
	defer s.metrics.JobsRunning.Dec()
	start := s.now()

	if _, err := os.Stat(src); err != nil {
		s.fail(ctx, j.ID, "arquivo de entrada não encontrado")
		return nil
	}
	outName := OutputName(j.InputName, j.Params.TargetFPS)
	dst, err := horosafe.SafePath(s.cfg.OutputDir, outName)
	if err != nil {
		os.Remove(src)
		s.fail(ctx, j.ID, "nome de saída inválido")
		return nil
	}
	if ok, err := s.store.Advance(ctx, j.ID, StageInterpolating, progressInterpolating); err != nil || !ok {
		return err
	}

	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	s.track(j.ID, stop)
	defer s.untrack(j.ID)
	go s.watchJob(runCtx, stop, j.ID)

	log.Info("jobserver: processing", "input", j.InputName, "multi", j.Params.Multiplier, "fps", j.Params.TargetFPS)
	meta, perr := s.proc.Process(runCtx, Task{Input: src, Output: dst, Params: j.Params}, func(frac float64) {
		p := progressInterpolating + (progressFinishing-progressInterpolating)*min(max(frac, 0), 1)
		s.store.Advance(runCtx, j.ID, StageInterpolating, p)
	})

	switch cause := context.Cause(runCtx); {
	case errors.Is(cause, errJobCanceled), errors.Is(cause, errJobExpired):
		os.Remove(dst)
		os.Remove(src)
		log.Info("jobserver: processing interrupted", "reason", cause)
		return nil
	case perr != nil && ctx.Err() != nil:
		// Shutdown: keep the upload for the redelivery.
		os.Remove(dst)
		return ctx.Err()
	case perr != nil:
		os.Remove(dst)
		os.Remove(src)
		s.fail(ctx, j.ID, perr.Error())
		return nil
	}

	// The output exists; finish recording it even if shutdown begins.
	ctx = context.WithoutCancel(ctx)
	// Only the result is kept.
	os.Remove(src)
	if ok, err := s.store.Advance(ctx, j.ID, StageFinishing, progressFinishing); err != nil || !ok {
		os.Remove(dst)
		return err
	}
	ok, err = s.store.Complete(ctx, j.ID, outName)
	if err != nil || !ok {
		os.Remove(dst)
		return err
	}

	elapsed := s.now().Sub(start)
	s.metrics.JobsFinished.WithLabelValues("completed").Inc()
	s.metrics.JobDuration.Observe(elapsed.Seconds())
	s.events.Log(ctx, j.ID, EventCompleted, outName)
	log.Info("jobserver: job completed", "output", outName, "frames", meta.Frames, "duration", elapsed)
	return nil
}

// watchJob stops the processor once a cancel lands in the store, and keeps
// the dispatch row invisible while the job runs.
func (s *Server) watchJob(ctx context.Context, stop context.CancelCauseFunc, id string) {
	poll := time.NewTicker(s.cancelPoll)
	defer poll.Stop()
	heartbeat := time.NewTicker(max(s.cfg.Visibility/2, 10*time.Millisecond))
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			canceled, err := s.store.CancelRequested(ctx, id)
			if err == nil && canceled {
				stop(errJobCanceled)
				return
			}
		case <-heartbeat.C:
			if err := s.queue.Extend(ctx, id, s.cfg.Visibility); err != nil && ctx.Err() == nil {
				s.logger.Warn("jobserver: extend visibility failed", "job_id", id, "error", err)
			}
		}
	}
}

func (s *Server) fail(ctx context.Context, id, message string) {
	ok, err := s.store.Fail(ctx, id, message)
	if err != nil {
		s.logger.Error("jobserver: mark failed", "job_id", id, "error", err)
		return
	}
	if !ok {
		return
	}
	s.metrics.JobsFinished.WithLabelValues("failed").Inc()
	s.events.Log(ctx, id, EventFailed, message)
	s.logger.Warn("jobserver: job failed", "job_id", id, "message", message)
}

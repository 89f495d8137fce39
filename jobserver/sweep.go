package jobserver

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/interp/horosafe"
)

// Sweep removes jobs whose TTL ran out together with their files, and
// uploads older than the TTL that no unfinished job references. It returns
// the number of jobs removed.
func (s *Server) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	jobs, err := s.store.Expired(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		s.stopRunning(j.ID, errJobExpired)
		s.removeArtifacts(j)
		if err := s.store.Delete(ctx, j.ID); err != nil {
			return 0, err
		}
		s.events.Log(ctx, j.ID, EventExpired, string(j.Status))
		s.metrics.SweptTotal.Inc()
	}

	entries, err := os.ReadDir(s.cfg.UploadDir)
	if err != nil {
		return len(jobs), err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < s.cfg.ResultTTL {
			continue
		}
		inUse, err := s.store.InputInUse(ctx, e.Name())
		if err != nil {
			return len(jobs), err
		}
		if !inUse {
			os.Remove(filepath.Join(s.cfg.UploadDir, e.Name()))
		}
	}
	return len(jobs), nil
}

func (s *Server) sweepLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("jobserver: sweep failed", "error", err)
			}
			if n > 0 {
				s.logger.Info("jobserver: swept expired jobs", "count", n)
			}
		}
	}
}

// removeArtifacts deletes the job's upload and any output, finished or
// partial.
func (s *Server) removeArtifacts(j *Job) {
	if p, err := horosafe.SafePath(s.cfg.UploadDir, j.InputName); err == nil {
		os.Remove(p)
	}
	out := j.OutputName
	if out == "" {
		out = OutputName(j.InputName, j.Params.TargetFPS)
	}
	if p, err := horosafe.SafePath(s.cfg.OutputDir, out); err == nil {
		os.Remove(p)
	}
}

package jobflow

import (
	"context"
	"io"
	"sync"

	"github.com/hazyhaar/interp/jobapi"
)

type statusReply struct {
	snap jobapi.Snapshot
	err  error
}

// fakeTransport scripts the job protocol. Status replies are consumed in
// order; the last one repeats.
type fakeTransport struct {
	mu sync.Mutex

	asset     jobapi.Asset
	uploadErr error
	onUpload  func()

	handle    jobapi.Handle
	submitErr error
	onSubmit  func()
	submits   int
	gotRef    string
	gotParams jobapi.Params

	replies     []statusReply
	onStatus    func(call int)
	statusCalls int

	cancels []jobapi.Handle
}

func (f *fakeTransport) Upload(ctx context.Context, name string, r io.Reader, size int64, onProgress func(sent, total int64)) (jobapi.Asset, error) {
	n, _ := io.Copy(io.Discard, r)
	if onProgress != nil {
		onProgress(n, size)
	}
	if f.onUpload != nil {
		f.onUpload()
	}
	return f.asset, f.uploadErr
}

func (f *fakeTransport) Submit(ctx context.Context, ref string, p jobapi.Params) (jobapi.Handle, error) {
	f.mu.Lock()
	f.submits++
	f.gotRef, f.gotParams = ref, p
	f.mu.Unlock()
	if f.onSubmit != nil {
		f.onSubmit()
	}
	return f.handle, f.submitErr
}

func (f *fakeTransport) Status(ctx context.Context, h jobapi.Handle) (jobapi.Snapshot, error) {
	f.mu.Lock()
	call := f.statusCalls
	f.statusCalls++
	var r statusReply
	if len(f.replies) > 0 {
		r = f.replies[min(call, len(f.replies)-1)]
	}
	hook := f.onStatus
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return r.snap, r.err
}

func (f *fakeTransport) Cancel(ctx context.Context, h jobapi.Handle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, h)
	return "job cancelado", nil
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func running(p float64) statusReply {
	return statusReply{snap: jobapi.Snapshot{Status: jobapi.StatusRunning, Progress: p, Label: "Processando"}}
}

func queued(p float64) statusReply {
	return statusReply{snap: jobapi.Snapshot{Status: jobapi.StatusQueued, Progress: p, Label: "Na fila"}}
}

func completed(ref string) statusReply {
	return statusReply{snap: jobapi.Snapshot{Status: jobapi.StatusCompleted, Progress: 1, Label: "Concluído", ResultURL: ref}}
}

func failed(msg string) statusReply {
	return statusReply{snap: jobapi.Snapshot{Status: jobapi.StatusFailed, Label: "Erro", Message: msg}}
}

func boundSession(h jobapi.Handle) *Session {
	s := NewSession()
	if err := s.Bind(h); err != nil {
		panic(err)
	}
	return s
}

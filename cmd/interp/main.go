// Command interp submits videos to an interpd server and follows them to
// completion.
//
//	interp submit [flags] video.mp4
//	interp legacy [flags] video.mp4
//	interp status -id ID -token TOKEN
//	interp cancel -id ID -token TOKEN
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"github.com/hazyhaar/interp/connectivity"
	"github.com/hazyhaar/interp/jobapi"
	"github.com/hazyhaar/interp/jobflow"
	"github.com/hazyhaar/interp/legacy"
	"github.com/hazyhaar/interp/progress"
)

const usage = `usage: interp <command> [flags]

commands:
  submit   upload a video, run a job and wait for the result
  legacy   process a video in a single request
  status   show the state of a job
  cancel   cancel a job
`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var lvl slog.Level
	switch env("LOG_LEVEL", "warn") {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "submit":
		err = runSubmit(ctx, args)
	case "legacy":
		err = runLegacy(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "cancel":
		err = runCancel(ctx, args)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "interp: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, jobflow.ErrCanceled) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "interp:", err)
		os.Exit(1)
	}
}

// paramFlags registers the processing flags shared by submit and legacy.
type paramFlags struct {
	fs     *flag.FlagSet
	multi  int
	fps    int
	down   float64
	audio  bool
	preset string
}

func newParamFlags(fs *flag.FlagSet) *paramFlags {
	d := jobapi.DefaultParams()
	p := &paramFlags{fs: fs}
	fs.IntVar(&p.multi, "multi", d.Multiplier, "frame multiplier (1-4)")
	fs.IntVar(&p.fps, "fps", 0, "target frame rate, 0 derives it from the input")
	fs.Float64Var(&p.down, "down", d.Downscale, "resolution factor (0.25-1)")
	fs.BoolVar(&p.audio, "audio", d.KeepAudio, "keep the audio track")
	fs.StringVar(&p.preset, "preset", "", "named preset; explicit flags override its values")
	return p
}

// params builds the submission parameters once fs is parsed. A preset fills
// the fields whose flags were not given on the command line.
func (p *paramFlags) params() (jobapi.Params, error) {
	set := map[string]bool{}
	p.fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	out := jobapi.DefaultParams()
	if p.preset != "" {
		pr, ok := jobapi.LookupPreset(p.preset)
		if !ok {
			return out, fmt.Errorf("preset desconhecido: %s", p.preset)
		}
		out = pr.Params
		out.Preset = pr.Name
	}
	if set["multi"] || p.preset == "" {
		out.Multiplier = p.multi
	}
	if set["fps"] || p.preset == "" {
		out.TargetFPS = p.fps
	}
	if set["down"] || p.preset == "" {
		out.Downscale = p.down
	}
	if set["audio"] || p.preset == "" {
		out.KeepAudio = p.audio
	}
	return out, out.Validate()
}

func runSubmit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	server := fs.String("server", env("INTERP_SERVER", "http://localhost:8090"), "interpd base URL")
	pf := newParamFlags(fs)
	out := fs.String("out", "", "download the result to this file")
	notify := fs.Bool("notify", false, "ring the terminal bell when the job ends")
	interval := fs.Duration("poll", envDuration("INTERP_POLL_INTERVAL", jobflow.DefaultInterval), "status poll interval")
	maxWait := fs.Duration("max-wait", envDuration("INTERP_MAX_WAIT", jobflow.DefaultMaxWait), "give up after this long, 0 waits forever")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("submit: exactly one video file expected")
	}
	params, err := pf.params()
	if err != nil {
		return err
	}

	client, err := jobapi.New(*server, jobapi.WithBreaker(connectivity.NewCircuitBreaker(
		connectivity.WithBreakerThreshold(5),
		connectivity.WithBreakerResetTimeout(15*time.Second),
	)))
	if err != nil {
		return err
	}
	f, size, err := openVideo(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	bar := newTermBar(os.Stderr)
	opts := []jobflow.ControllerOption{
		jobflow.WithPollerOptions(jobflow.WithInterval(*interval), jobflow.WithMaxWait(*maxWait)),
	}
	if *notify {
		opts = append(opts, jobflow.WithNotifier(bellNotifier(os.Stderr)))
	}
	ctrl := jobflow.NewController(client, progress.NewReporter(bar), opts...)
	session := jobflow.NewSession()

	// The first interrupt cancels the job on the server, the run then ends
	// on its own. Run keeps a context that outlives the signal.
	runCtx := context.WithoutCancel(ctx)
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(runCtx, 10*time.Second)
			defer cancel()
			ctrl.Cancel(cctx, session)
		case <-finished:
		}
	}()

	fmt.Fprintf(os.Stderr, "%s (%s)\n", filepath.Base(fs.Arg(0)), humanize.Bytes(uint64(size)))
	res, err := ctrl.Run(runCtx, session, jobflow.Submission{
		Name:   filepath.Base(fs.Arg(0)),
		File:   f,
		Size:   size,
		Params: params,
	})
	bar.Done()
	for _, w := range res.Warnings {
		slog.Warn("submit", "warning", w)
	}
	if err != nil {
		return err
	}

	fmt.Printf("job:      %s\n", res.Handle.ID)
	fmt.Printf("token:    %s\n", res.Handle.Token)
	fmt.Printf("play:     %s\n", res.Result.PlayURL)
	fmt.Printf("download: %s\n", res.Result.DownloadURL)
	if *out == "" {
		return nil
	}
	return download(ctx, client, res.Result.DownloadURL, *out)
}

func runLegacy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("legacy", flag.ExitOnError)
	server := fs.String("server", env("INTERP_SERVER", "http://localhost:8090"), "interpd base URL")
	pf := newParamFlags(fs)
	out := fs.String("out", "", "output file (default: the name suggested by the server)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("legacy: exactly one video file expected")
	}
	params, err := pf.params()
	if err != nil {
		return err
	}
	client, err := legacy.New(*server)
	if err != nil {
		return err
	}
	f, size, err := openVideo(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	tmp, err := os.CreateTemp(".", ".interp-*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bar := newTermBar(os.Stderr)
	res, err := client.Interpolate(ctx, legacy.Request{
		Name:   filepath.Base(fs.Arg(0)),
		File:   f,
		Size:   size,
		Params: params,
	}, tmp, progress.NewReporter(bar))
	bar.Done()
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	dst := *out
	if dst == "" {
		dst = filepath.Base(res.Filename)
	}
	if dst == "" || dst == "." || dst == string(filepath.Separator) {
		dst = "output.mp4"
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", dst, humanize.Bytes(uint64(res.Bytes)))
	if s := res.Meta.Summary(); s != "" {
		fmt.Println(s)
	}
	return nil
}

func handleFlags(name string, args []string) (*jobapi.Client, jobapi.Handle, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	server := fs.String("server", env("INTERP_SERVER", "http://localhost:8090"), "interpd base URL")
	id := fs.String("id", "", "job id")
	token := fs.String("token", env("INTERP_TOKEN", ""), "job token")
	fs.Parse(args)
	if *id == "" || *token == "" {
		return nil, jobapi.Handle{}, fmt.Errorf("%s: -id and -token are required", name)
	}
	client, err := jobapi.New(*server)
	if err != nil {
		return nil, jobapi.Handle{}, err
	}
	return client, jobapi.Handle{ID: *id, Token: *token}, nil
}

func runStatus(ctx context.Context, args []string) error {
	client, h, err := handleFlags("status", args)
	if err != nil {
		return err
	}
	snap, err := client.Status(ctx, h)
	if err != nil {
		return err
	}
	fmt.Printf("%s  %3.0f%%  %s\n", snap.Label, progress.FractionPercent(snap.Progress), snap.Stage)
	if snap.Message != "" {
		fmt.Println(snap.Message)
	}
	if snap.ResultURL != "" {
		fmt.Println(snap.ResultURL)
	}
	return nil
}

func runCancel(ctx context.Context, args []string) error {
	client, h, err := handleFlags("cancel", args)
	if err != nil {
		return err
	}
	msg, err := client.Cancel(ctx, h)
	if err != nil {
		return err
	}
	fmt.Println(msg)
	return nil
}

func openVideo(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

func download(ctx context.Context, client *jobapi.Client, ref, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	bar := newTermBar(os.Stderr)
	rep := progress.NewReporter(bar)
	n, err := client.Download(ctx, ref, f, func(n, total int64) {
		if pct, ok := progress.DownloadPercent(n, total); ok {
			rep.Set(pct, progress.LabelDownloading)
			return
		}
		rep.Indeterminate(progress.BytesLabel(progress.LabelDownloading, n, total))
	})
	bar.Done()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return err
	}
	fmt.Printf("%s (%s)\n", dst, humanize.Bytes(uint64(n)))
	return nil
}

// bellNotifier prints the notice and rings the terminal bell.
func bellNotifier(w io.Writer) jobflow.Notifier {
	return jobflow.NotifierFunc(func(_ context.Context, title, body string) error {
		_, err := fmt.Fprintf(w, "\a\n%s: %s\n", title, body)
		return err
	})
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v)
		return def
	}
	return d
}

package jobserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/interp/horosafe"
	"github.com/hazyhaar/interp/jobapi"
)

// Task is one interpolation run.
type Task struct {
	Input  string
	Output string
	Params jobapi.Params
}

// Meta describes a processed video. Zero values are unknown.
type Meta struct {
	InputFPS  float64
	OutputFPS float64
	Width     int
	Height    int
	Frames    int
	// AvgFPS is the processing throughput in frames per second.
	AvgFPS float64
}

// InputRes renders "1920x1080", or "" when unknown.
func (m Meta) InputRes() string {
	if m.Width <= 0 || m.Height <= 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", m.Width, m.Height)
}

// Processor turns an input video into an interpolated output. progress
// receives the completed fraction in [0,1]. Process must stop and return
// ctx's error once ctx is done.
type Processor interface {
	Process(ctx context.Context, t Task, progress func(frac float64)) (Meta, error)
}

// NewProcessor builds the processor named by cfg.
func NewProcessor(cfg ProcessorConfig) (Processor, error) {
	switch cfg.Kind {
	case "ffmpeg":
		return &FFmpegProcessor{FFmpeg: cfg.FFmpeg, FFprobe: cfg.FFprobe}, nil
	case "copy":
		return &CopyProcessor{}, nil
	}
	return nil, fmt.Errorf("processor: unsupported kind %q", cfg.Kind)
}

// CopyProcessor copies the input unchanged. It stands in for the real
// pipeline in development and tests.
type CopyProcessor struct {
	// Delay is spread across the copy to simulate work.
	Delay time.Duration
}

const copySteps = 10

// Process implements Processor.
func (c *CopyProcessor) Process(ctx context.Context, t Task, progress func(float64)) (Meta, error) {
	in, err := os.Open(t.Input)
	if err != nil {
		return Meta{}, err
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return Meta{}, err
	}
	out, err := os.Create(t.Output)
	if err != nil {
		return Meta{}, err
	}

	chunk := max(st.Size()/copySteps, 1)
	for i := 1; ; i++ {
		if err := ctx.Err(); err != nil {
			out.Close()
			return Meta{}, err
		}
		n, err := io.CopyN(out, in, chunk)
		if err != nil && err != io.EOF {
			out.Close()
			return Meta{}, err
		}
		if progress != nil {
			progress(min(float64(i)/copySteps, 1))
		}
		if n < chunk || err == io.EOF {
			break
		}
		if c.Delay > 0 {
			if err := sleepCtx(ctx, c.Delay/copySteps); err != nil {
				out.Close()
				return Meta{}, err
			}
		}
	}
	if err := out.Close(); err != nil {
		return Meta{}, err
	}

	return Meta{OutputFPS: float64(t.Params.TargetFPS)}, nil
}

// FFmpegProcessor interpolates with ffmpeg's minterpolate filter. Input
// metadata comes from ffprobe and progress from ffmpeg's -progress stream.
type FFmpegProcessor struct {
	FFmpeg  string
	FFprobe string
}

// probeInfo is the subset of ffprobe's JSON output used here.
type probeInfo struct {
	Streams []struct {
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Process implements Processor.
func (f *FFmpegProcessor) Process(ctx context.Context, t Task, progress func(float64)) (Meta, error) {
	meta, duration, err := f.probe(ctx, t.Input)
	if err != nil {
		return Meta{}, err
	}
	p := t.Params.Normalize()
	meta.OutputFPS = outputFPS(meta.InputFPS, p)

	cmd := exec.CommandContext(ctx, f.FFmpeg, ffmpegArgs(t, meta.OutputFPS)...)
	cmd.WaitDelay = 5 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Meta{}, err
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Meta{}, fmt.Errorf("ffmpeg: %w", err)
	}
	frames := readProgress(stdout, duration, progress)
	err = cmd.Wait()
	if ctx.Err() != nil {
		return Meta{}, ctx.Err()
	}
	if err != nil {
		return Meta{}, fmt.Errorf("ffmpeg: %w: %s", err, horosafe.Truncate(strings.TrimSpace(stderr.String()), 300))
	}

	meta.Frames = frames
	if secs := time.Since(start).Seconds(); secs > 0 && frames > 0 {
		meta.AvgFPS = float64(frames) / secs
	}
	return meta, nil
}

func (f *FFmpegProcessor) probe(ctx context.Context, input string) (Meta, time.Duration, error) {
	out, err := exec.CommandContext(ctx, f.FFprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate:format=duration",
		"-of", "json",
		input,
	).Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return Meta{}, 0, fmt.Errorf("ffprobe: %w: %s", err, horosafe.Truncate(strings.TrimSpace(string(ee.Stderr)), 300))
		}
		return Meta{}, 0, fmt.Errorf("ffprobe: %w", err)
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (Meta, time.Duration, error) {
	var info probeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return Meta{}, 0, fmt.Errorf("ffprobe: %w", err)
	}
	if len(info.Streams) == 0 {
		return Meta{}, 0, errors.New("ffprobe: arquivo sem trilha de vídeo")
	}
	s := info.Streams[0]
	m := Meta{Width: s.Width, Height: s.Height, InputFPS: parseRate(s.RFrameRate)}
	var d time.Duration
	if secs, err := strconv.ParseFloat(info.Format.Duration, 64); err == nil && secs > 0 {
		d = time.Duration(secs * float64(time.Second))
	}
	return m, d, nil
}

// parseRate reads ffprobe rates such as "30000/1001" or "25".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// outputFPS is the target rate, or the input rate times the multiplier.
func outputFPS(inputFPS float64, p jobapi.Params) float64 {
	if p.TargetFPS > 0 {
		return float64(p.TargetFPS)
	}
	if inputFPS <= 0 {
		return 0
	}
	return inputFPS * float64(p.Multiplier)
}

func ffmpegArgs(t Task, fps float64) []string {
	p := t.Params.Normalize()
	var filters []string
	if p.Downscale < 1 {
		d := strconv.FormatFloat(p.Downscale, 'f', -1, 64)
		filters = append(filters, fmt.Sprintf("scale=trunc(iw*%s/2)*2:trunc(ih*%s/2)*2", d, d))
	}
	if fps > 0 && (p.Multiplier > 1 || p.TargetFPS > 0) {
		filters = append(filters, "minterpolate=fps="+strconv.FormatFloat(fps, 'f', 3, 64)+":mi_mode=mci")
	}

	args := []string{"-y", "-hide_banner", "-nostats", "-progress", "pipe:1", "-i", t.Input}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}
	args = append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p", "-preset", "veryfast", "-crf", "23")
	if p.KeepAudio {
		args = append(args, "-c:a", "aac", "-b:a", "128k")
	} else {
		args = append(args, "-an")
	}
	return append(args, "-movflags", "+faststart", t.Output)
}

// readProgress consumes ffmpeg's key=value progress stream and returns the
// last frame count seen.
func readProgress(r io.Reader, duration time.Duration, progress func(float64)) int {
	frames := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "frame":
			if n, err := strconv.Atoi(val); err == nil {
				frames = n
			}
		case "out_time_us", "out_time_ms":
			// ffmpeg reports microseconds under both keys.
			us, err := strconv.ParseInt(val, 10, 64)
			if err != nil || duration <= 0 || progress == nil {
				continue
			}
			progress(min(max(float64(us)/float64(duration.Microseconds()), 0), 1))
		case "progress":
			if val == "end" && progress != nil {
				progress(1)
			}
		}
	}
	io.Copy(io.Discard, r)
	return frames
}

// tailBuffer keeps the last 4 KiB written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

const tailMax = 4 << 10

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if over := t.buf.Len() - tailMax; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return t.buf.String() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

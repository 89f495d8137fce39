package jobserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/interp/horosafe"
	"github.com/hazyhaar/interp/jobapi"
	"github.com/hazyhaar/interp/kit"
	"github.com/hazyhaar/interp/shield"
)

const (
	// maxJobBody caps the JSON body of POST /api/jobs.
	maxJobBody = 64 << 10
	// maxTTL bounds a client-chosen ttl_seconds.
	maxTTL = 30 * 24 * time.Hour
	// legacyMemory is how much of a legacy upload is buffered in memory
	// before spilling to a temp file.
	legacyMemory = 32 << 20
	// legacyDownscale is the legacy endpoint's default "down".
	legacyDownscale = 0.25
)

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, middleware.RealIP)
	for _, mw := range shield.DefaultStack(s.logger, s.limiter) {
		r.Use(mw)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "rota não encontrada")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "método não permitido")
	})

	uploadCap := shield.MaxBody(s.cfg.MaxUploadBytes(), s.tooLarge)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.With(uploadCap).Post("/upload", s.handleUpload)
	r.With(uploadCap).Post("/interpolate", s.handleInterpolate)

	r.With(shield.MaxBody(maxJobBody, nil)).Post("/api/jobs", s.handleCreate)
	r.Group(func(r chi.Router) {
		r.Use(jobContext)
		r.Get("/api/jobs/{id}", s.handleStatus)
		r.Post("/api/jobs/{id}/cancel", s.handleCancel)
		r.Get("/api/jobs/{id}/result", s.handleResult)
	})
	return r
}

// jobContext tags the request context with the job id of the route.
func jobContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := chi.URLParam(r, "id"); id != "" {
			ctx = kit.WithJobID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(r *http.Request) *slog.Logger {
	log := shield.GetLogger(r.Context())
	if id := kit.GetJobID(r.Context()); id != "" {
		log = log.With("job_id", id)
	}
	return log
}

// --- envelopes ---

type okEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
	Data    any    `json:"data"`
}

type errEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, okEnvelope{Code: "OK", Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errEnvelope{Code: "ERROR", Message: message})
}

// writePlainError answers with the {"error": ...} body of the upload and
// legacy endpoints.
func writePlainError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) tooLarge(w http.ResponseWriter, _ *http.Request) {
	writePlainError(w, http.StatusRequestEntityTooLarge,
		fmt.Sprintf("Arquivo muito grande. Limite: %d MB.", s.cfg.MaxUploadMB))
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// --- job view ---

type jobView struct {
	ID          string  `json:"id"`
	Token       string  `json:"token"`
	InputName   string  `json:"input_name"`
	OutputName  *string `json:"output_name"`
	Status      string  `json:"status"`
	StatusLabel string  `json:"status_label_pt"`
	Message     string  `json:"message"`
	Progress    float64 `json:"progresso"`
	Stage       string  `json:"etapa"`
	Preset      *string `json:"preset"`
	Multi       int     `json:"multi"`
	TargetFPS   *int    `json:"fps_alvo"`
	Downscale   float64 `json:"downscale"`
	KeepAudio   bool    `json:"manter_audio"`
	TTLSeconds  int64   `json:"ttl_seconds"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	ExpiresAt   string  `json:"expires_at"`
	ResultURL   string  `json:"result_url,omitempty"`
}

func (s *Server) view(r *http.Request, j *Job, token string) jobView {
	v := jobView{
		ID:          j.ID,
		Token:       token,
		InputName:   j.InputName,
		Status:      string(j.Status),
		StatusLabel: j.Status.Label(),
		Message:     j.Message,
		Progress:    j.Progress,
		Stage:       j.Stage,
		Multi:       j.Params.Multiplier,
		Downscale:   j.Params.Downscale,
		KeepAudio:   j.Params.KeepAudio,
		TTLSeconds:  int64(j.TTL / time.Second),
		CreatedAt:   j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   j.UpdatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:   j.ExpiresAt().UTC().Format(time.RFC3339),
	}
	if j.OutputName != "" {
		v.OutputName = &j.OutputName
	}
	if j.Preset != "" {
		v.Preset = &j.Preset
	}
	if j.Params.TargetFPS > 0 {
		fps := j.Params.TargetFPS
		v.TargetFPS = &fps
	}
	if j.Status == jobapi.StatusCompleted && j.OutputName != "" {
		v.ResultURL = s.resultURL(r, j.ID, token)
	}
	return v
}

// resultURL is the absolute download URL of a job. The token comes from the
// request: only its hash is stored.
func (s *Server) resultURL(r *http.Request, id, token string) string {
	base := strings.TrimRight(s.cfg.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
			scheme = p
		}
		base = scheme + "://" + r.Host
	}
	q := url.Values{"token": {token}}
	return base + "/api/jobs/" + url.PathEscape(id) + "/result?" + q.Encode()
}

// --- upload ---

var errNoFile = errors.New("no file part")

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	mr, err := r.MultipartReader()
	if err != nil {
		writePlainError(w, http.StatusBadRequest, "Envie o arquivo no campo 'file' (multipart/form-data).")
		return
	}

	name, size, err := s.receiveUpload(mr)
	var extErr *extensionError
	switch {
	case err == nil:
	case isTooLarge(err):
		s.tooLarge(w, r)
		return
	case errors.Is(err, errNoFile):
		writePlainError(w, http.StatusBadRequest, "Envie o arquivo no campo 'file' (multipart/form-data).")
		return
	case errors.As(err, &extErr):
		writePlainError(w, http.StatusBadRequest, extErr.Error())
		return
	default:
		log.Warn("jobserver: upload failed", "error", err)
		writePlainError(w, http.StatusBadRequest, "Falha ao receber o arquivo.")
		return
	}

	s.metrics.UploadBytes.Add(float64(size))
	log.Info("jobserver: upload stored", "filename", name, "bytes", size)
	writeJSON(w, http.StatusOK, map[string]any{"filename": name, "size_bytes": size})
}

type extensionError struct {
	ext     string
	allowed []string
}

func (e *extensionError) Error() string {
	ext := e.ext
	if ext == "" {
		ext = "(nenhuma)"
	}
	return fmt.Sprintf("Extensão não permitida: %s. Aceitas: %s.", ext, strings.Join(e.allowed, ", "))
}

// receiveUpload stores the first "file" (or "video") part under a fresh
// name and returns that name.
func (s *Server) receiveUpload(mr *multipart.Reader) (string, int64, error) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", 0, errNoFile
		}
		if err != nil {
			return "", 0, err
		}
		if fn := part.FormName(); (fn != "file" && fn != "video") || part.FileName() == "" {
			part.Close()
			continue
		}
		defer part.Close()
		return s.storeUpload(part.FileName(), part)
	}
}

func (s *Server) storeUpload(original string, src io.Reader) (string, int64, error) {
	ext := strings.ToLower(filepath.Ext(original))
	if !s.cfg.allowedExt(ext) {
		return "", 0, &extensionError{ext: ext, allowed: s.cfg.AllowedExts}
	}
	stem := horosafe.CleanFilename(strings.TrimSuffix(filepath.Base(original), filepath.Ext(original)))
	if len(stem) > 64 {
		stem = stem[:64]
	}
	if stem == "" || stem == "." {
		stem = "video"
	}
	name := stem + "_" + s.newSuffix() + ext

	dst, err := horosafe.SafePath(s.cfg.UploadDir, name)
	if err != nil {
		return "", 0, err
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return "", 0, err
	}
	return name, n, nil
}

// --- jobs ---

type createRequest struct {
	InputFilename string   `json:"input_filename"`
	ID            string   `json:"id"`
	Token         string   `json:"token"`
	Preset        string   `json:"preset"`
	Multi         *int     `json:"multi"`
	TargetFPS     *int     `json:"fps_alvo"`
	Downscale     *float64 `json:"downscale"`
	KeepAudio     *bool    `json:"manter_audio"`
	TTLSeconds    *int64   `json:"ttl_seconds"`
}

// params resolves the job parameters: preset values first, then every
// explicit field on top.
func (s *Server) params(req *createRequest) (jobapi.Params, error) {
	p := jobapi.DefaultParams()
	if req.Preset != "" {
		pv, ok := s.cfg.Presets[req.Preset]
		if !ok {
			return p, fmt.Errorf("preset desconhecido: %s", req.Preset)
		}
		p.Multiplier, p.TargetFPS, p.Downscale = pv.Multi, pv.FPS, pv.Downscale
		p.Preset = req.Preset
	}
	if req.Multi != nil {
		p.Multiplier = *req.Multi
	}
	if req.TargetFPS != nil {
		p.TargetFPS = *req.TargetFPS
	}
	if req.Downscale != nil {
		p.Downscale = *req.Downscale
	}
	if req.KeepAudio != nil {
		p.KeepAudio = *req.KeepAudio
	}
	return p, checkParams(p.Multiplier, p.TargetFPS, p.Downscale)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := requestLogger(r)

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "corpo da requisição muito grande")
			return
		}
		writeError(w, http.StatusBadRequest, "JSON inválido")
		return
	}
	req.InputFilename = strings.TrimSpace(req.InputFilename)
	if req.InputFilename == "" {
		writeError(w, http.StatusBadRequest, "input_filename é obrigatório")
		return
	}
	src, err := horosafe.SafePath(s.cfg.UploadDir, req.InputFilename)
	if err != nil || horosafe.ValidateIdentifier(req.InputFilename) != nil {
		writeError(w, http.StatusBadRequest, "input_filename inválido")
		return
	}
	if _, err := os.Stat(src); err != nil {
		writeError(w, http.StatusNotFound, "arquivo não encontrado em uploads")
		return
	}

	params, err := s.params(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ttl := s.cfg.ResultTTL
	if req.TTLSeconds != nil && *req.TTLSeconds != 0 {
		// Range-check in seconds: the Duration product can overflow.
		secs, limit := *req.TTLSeconds, int64(maxTTL/time.Second)
		if secs <= 0 || secs > limit {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("ttl_seconds deve estar entre 1 e %d", limit))
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = s.newJobID()
	} else if err := horosafe.ValidateIdentifier(id); err != nil {
		writeError(w, http.StatusBadRequest, "id inválido")
		return
	}
	token := req.Token
	if token == "" {
		token = s.newToken()
	}

	j := &Job{
		ID:        id,
		TokenHash: HashToken(token),
		InputName: req.InputFilename,
		Preset:    params.Preset,
		Params:    params,
		TTL:       ttl,
	}
	if err := s.store.Create(ctx, j); err != nil {
		if errors.Is(err, ErrJobExists) {
			writeError(w, http.StatusConflict, ErrJobExists.Error())
			return
		}
		log.Error("jobserver: create job", "error", err)
		writeError(w, http.StatusInternalServerError, "erro interno")
		return
	}
	s.metrics.JobsCreated.Inc()
	s.events.Log(ctx, j.ID, EventCreated, j.InputName)
	if err := s.queue.Publish(ctx, j.ID); err != nil {
		log.Error("jobserver: publish job", "job_id", j.ID, "error", err)
		s.fail(ctx, j.ID, "falha ao enfileirar o job")
		writeError(w, http.StatusInternalServerError, "erro interno")
		return
	}
	log.Info("jobserver: job created", "job_id", j.ID, "input", j.InputName,
		"multi", params.Multiplier, "fps", params.TargetFPS, "downscale", params.Downscale)
	writeOK(w, http.StatusAccepted, "", s.view(r, j, token))
}

// authorize loads the job of the route and checks the request's token,
// taken from ?token= or the X-Job-Token header. It answers the request
// itself and returns false when the caller must stop.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (*Job, string, bool) {
	j, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrNotFound.Error())
		return nil, "", false
	}
	if err != nil {
		requestLogger(r).Error("jobserver: load job", "error", err)
		writeError(w, http.StatusInternalServerError, "erro interno")
		return nil, "", false
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Job-Token")
	}
	if !j.Authorized(token) {
		writeError(w, http.StatusForbidden, "token inválido")
		return nil, "", false
	}
	return j, token, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j, token, ok := s.authorize(w, r)
	if !ok {
		return
	}
	writeOK(w, http.StatusOK, "", s.view(r, j, token))
}

// handleCancel cancels the job whatever its state: a completed job loses
// its result.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := requestLogger(r)
	j, token, ok := s.authorize(w, r)
	if !ok {
		return
	}
	prev := j.Status

	if _, err := s.store.Cancel(ctx, j.ID); err != nil {
		log.Error("jobserver: cancel job", "error", err)
		writeError(w, http.StatusInternalServerError, "erro interno")
		return
	}
	s.stopRunning(j.ID, errJobCanceled)
	s.removeArtifacts(j)
	if err := s.queue.Ack(ctx, j.ID); err != nil {
		log.Warn("jobserver: drop dispatch row", "error", err)
	}

	if prev != jobapi.StatusCanceled {
		s.metrics.JobsFinished.WithLabelValues("canceled").Inc()
		s.events.Log(ctx, j.ID, EventCanceled, string(prev))
		log.Info("jobserver: job canceled", "previous", string(prev))
	}

	if fresh, err := s.store.Get(ctx, j.ID); err == nil {
		j = fresh
	}
	writeOK(w, http.StatusOK, "job cancelado", s.view(r, j, token))
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	j, _, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if s.now().After(j.ExpiresAt()) {
		writeError(w, http.StatusGone, errJobExpired.Error())
		return
	}
	if j.Status != jobapi.StatusCompleted || j.OutputName == "" {
		writeError(w, http.StatusNotFound, "resultado indisponível")
		return
	}
	path, err := horosafe.SafePath(s.cfg.OutputDir, j.OutputName)
	if err != nil {
		writeError(w, http.StatusNotFound, "arquivo não encontrado")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "arquivo não encontrado")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusNotFound, "arquivo não encontrado")
		return
	}

	disposition := "inline"
	if r.URL.Query().Get("download") == "1" {
		disposition = "attachment"
	}
	h := w.Header()
	h.Set("Content-Type", jobapi.ContentTypeFor(j.OutputName))
	h.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": j.OutputName}))
	h.Set("Cache-Control", "no-store")
	http.ServeContent(w, r, j.OutputName, info.ModTime(), f)
}

// --- legacy ---

// handleInterpolate is the synchronous endpoint: the video goes up, the
// processed video comes back in the same response.
func (s *Server) handleInterpolate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := requestLogger(r)

	if err := r.ParseMultipartForm(legacyMemory); err != nil {
		if isTooLarge(err) {
			s.tooLarge(w, r)
			return
		}
		writePlainError(w, http.StatusBadRequest, "Envie o arquivo no campo 'video' (multipart/form-data).")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("video")
	if err != nil {
		writePlainError(w, http.StatusBadRequest, "Envie o arquivo no campo 'video' (multipart/form-data).")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		writePlainError(w, http.StatusBadRequest, "Arquivo de vídeo inválido.")
		return
	}

	params, err := legacyParams(r)
	if err != nil {
		writePlainError(w, http.StatusBadRequest, "Parâmetros inválidos: "+err.Error())
		return
	}

	select {
	case s.legacy <- struct{}{}:
		defer func() { <-s.legacy }()
	case <-ctx.Done():
		return
	}

	in, err := os.CreateTemp("", "interpd-in-*.mp4")
	if err != nil {
		log.Error("jobserver: legacy temp file", "error", err)
		writePlainError(w, http.StatusInternalServerError, "erro interno")
		return
	}
	defer os.Remove(in.Name())
	_, err = io.Copy(in, file)
	if cerr := in.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Error("jobserver: legacy store input", "error", err)
		writePlainError(w, http.StatusInternalServerError, "erro interno")
		return
	}
	outPath := strings.TrimSuffix(in.Name(), ".mp4") + fmt.Sprintf("_x%d.mp4", params.Multiplier)
	defer os.Remove(outPath)

	start := s.now()
	meta, err := s.proc.Process(ctx, Task{Input: in.Name(), Output: outPath, Params: params}, nil)
	if err != nil {
		s.metrics.LegacyTotal.WithLabelValues("false").Inc()
		if ctx.Err() != nil {
			log.Info("jobserver: legacy request abandoned by client")
			return
		}
		log.Warn("jobserver: legacy processing failed", "error", err)
		writePlainError(w, http.StatusInternalServerError, "Falha na inferência: "+err.Error())
		return
	}
	if meta.AvgFPS == 0 && meta.Frames > 0 {
		if secs := s.now().Sub(start).Seconds(); secs > 0 {
			meta.AvgFPS = float64(meta.Frames) / secs
		}
	}

	out, err := os.Open(outPath)
	if err != nil {
		s.metrics.LegacyTotal.WithLabelValues("false").Inc()
		writePlainError(w, http.StatusInternalServerError, "Falha na inferência: saída ausente")
		return
	}
	defer out.Close()
	info, err := out.Stat()
	if err != nil {
		s.metrics.LegacyTotal.WithLabelValues("false").Inc()
		writePlainError(w, http.StatusInternalServerError, "erro interno")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "video/mp4")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment",
		map[string]string{"filename": fmt.Sprintf("output_x%d.mp4", params.Multiplier)}))
	h.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	h.Set("X-Avg-FPS", fmt.Sprintf("%.2f", meta.AvgFPS))
	h.Set("X-Frames", strconv.Itoa(meta.Frames))
	if meta.InputFPS > 0 {
		h.Set("X-Input-FPS", strconv.FormatFloat(meta.InputFPS, 'f', -1, 64))
	}
	if meta.OutputFPS > 0 {
		h.Set("X-Output-FPS", strconv.FormatFloat(meta.OutputFPS, 'f', -1, 64))
	}
	if res := meta.InputRes(); res != "" {
		h.Set("X-Input-Res", res)
	}
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, out)
	if err != nil {
		log.Warn("jobserver: legacy send result", "error", err, "bytes", n)
	}
	s.metrics.LegacyTotal.WithLabelValues("true").Inc()
	log.Info("jobserver: legacy request served", "bytes", n, "frames", meta.Frames, "multi", params.Multiplier)
}

// legacyParams reads multi, fps, down and audio from the form.
func legacyParams(r *http.Request) (jobapi.Params, error) {
	p := jobapi.Params{Multiplier: 1, Downscale: legacyDownscale, KeepAudio: true}
	if v := strings.TrimSpace(r.FormValue("multi")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("multi: %q não é inteiro", v)
		}
		p.Multiplier = n
	}
	switch v := strings.TrimSpace(r.FormValue("fps")); v {
	case "", "null":
	default:
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("fps: %q não é inteiro", v)
		}
		p.TargetFPS = n
	}
	if v := strings.TrimSpace(r.FormValue("down")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, fmt.Errorf("down: %q não é número", v)
		}
		p.Downscale = f
	}
	if r.FormValue("audio") == "remove" {
		p.KeepAudio = false
	}
	return p, checkParams(p.Multiplier, p.TargetFPS, p.Downscale)
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := s.store.Counts(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "banco indisponível")
		return
	}
	pending, err := s.queue.Len(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "fila indisponível")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"jobs":   counts,
		"queue":  pending,
	})
}

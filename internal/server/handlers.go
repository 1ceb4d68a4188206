package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sttmux/sttmux/internal/batch"
	"github.com/sttmux/sttmux/internal/replay"
	"github.com/sttmux/sttmux/internal/score"
	"github.com/sttmux/sttmux/pkg/provider/stt"
)

// defaultLatencyLimit bounds /api/realtime/latency responses without an
// explicit limit.
const defaultLatencyLimit = 50

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.jobs.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.jobs.Results(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleJobSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.jobs.Summarize(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// providerInfo is the /api/providers row.
type providerInfo struct {
	Name                string `json:"name"`
	PreferredSampleRate int    `json:"preferredSampleRate"`
	WantsTranscode      bool   `json:"wantsTranscode"`
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	out := make([]providerInfo, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, providerInfo{
			Name:                p.Name(),
			PreferredSampleRate: p.PreferredSampleRate(),
			WantsTranscode:      p.WantsTranscode(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// configEcho is the sanitized /api/config response. Credentials and
// connection strings never leave the process.
type configEcho struct {
	Server struct {
		ListenAddr            string `json:"listenAddr"`
		MaxConcurrentSessions int    `json:"maxConcurrentSessions"`
		EnableVoice           bool   `json:"enableVoice"`
	} `json:"server"`
	Audio struct {
		TargetSampleRate int `json:"targetSampleRate"`
		ChunkMs          int `json:"chunkMs"`
	} `json:"audio"`
	Stream struct {
		SoftLimit      int     `json:"softLimit"`
		MaxDropMs      float64 `json:"maxDropMs"`
		KeepaliveMs    int     `json:"keepaliveMs"`
		MaxMissedPongs int     `json:"maxMissedPongs"`
	} `json:"stream"`
	Jobs struct {
		MaxParallel    int   `json:"maxParallel"`
		MaxUploadBytes int64 `json:"maxUploadBytes"`
	} `json:"jobs"`
	Voice struct {
		WakeWords    []string `json:"wakeWords"`
		WakeWindowMs int      `json:"wakeWindowMs"`
	} `json:"voice"`
	Providers []providerEcho `json:"providers"`
}

type providerEcho struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
	HasKey   bool   `json:"hasKey"`
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	var echo configEcho
	echo.Server.ListenAddr = s.cfg.Server.ListenAddr
	echo.Server.MaxConcurrentSessions = s.cfg.Server.MaxConcurrentSessions
	echo.Server.EnableVoice = s.cfg.Server.EnableVoice
	echo.Audio.TargetSampleRate = s.cfg.Audio.TargetSampleRate
	echo.Audio.ChunkMs = s.cfg.Audio.ChunkMs
	echo.Stream.SoftLimit = s.cfg.Stream.SoftLimit
	echo.Stream.MaxDropMs = s.cfg.Stream.MaxDropMs
	echo.Stream.KeepaliveMs = s.cfg.Stream.KeepaliveMs
	echo.Stream.MaxMissedPongs = s.cfg.Stream.MaxMissedPongs
	echo.Jobs.MaxParallel = s.cfg.Jobs.MaxParallel
	echo.Jobs.MaxUploadBytes = s.cfg.Jobs.MaxUploadBytes
	echo.Voice.WakeWords = s.cfg.Voice.WakeWords
	echo.Voice.WakeWindowMs = s.cfg.Voice.WakeWindowMs
	echo.Providers = make([]providerEcho, 0, len(s.cfg.Providers))
	for _, p := range s.cfg.Providers {
		echo.Providers = append(echo.Providers, providerEcho{
			Name:     p.Name,
			Kind:     p.Kind,
			Model:    p.Model,
			Language: p.Language,
			HasKey:   p.APIKey != "",
		})
	}
	writeJSON(w, http.StatusOK, echo)
}

func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request) {
	limit := defaultLatencyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	rows, err := s.recorder.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	recent, err := s.rtlog.Sessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"live":   s.streams.Snapshot(),
		"recent": recent,
	})
}

// handleTranscribe accepts a multipart batch upload and submits a job.
//
// Parts: `files` (repeated audio files), optional `manifest` (JSON array of
// {file, text}). Fields: `providers` (comma-separated names, default all),
// `lang`, `parallel`, `preset`, `strip_space`, `peak_dbfs`, `phrases`.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(4 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart request")
		return
	}
	defer r.MultipartForm.RemoveAll()

	providers, err := s.resolveProviders(r.FormValue("providers"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	opts := batch.Options{Preset: score.Preset(r.FormValue("preset"))}
	if !opts.Preset.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown preset %q", r.FormValue("preset")))
		return
	}
	if raw := r.FormValue("parallel"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "parallel must be a positive integer")
			return
		}
		opts.Parallel = n
	}
	if raw := r.FormValue("peak_dbfs"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v > 0 {
			writeError(w, http.StatusBadRequest, "peak_dbfs must be a non-positive number")
			return
		}
		opts.PeakDbfs = v
	}
	opts.StripSpace = r.FormValue("strip_space") == "true"
	if raw := strings.TrimSpace(r.FormValue("phrases")); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				opts.Phrases = append(opts.Phrases, p)
			}
		}
	}

	var manifest batch.Manifest
	if mf, _, err := r.FormFile("manifest"); err == nil {
		data, rerr := io.ReadAll(io.LimitReader(mf, 4<<20))
		mf.Close()
		if rerr != nil {
			writeError(w, http.StatusBadRequest, "could not read manifest")
			return
		}
		if manifest, err = batch.ParseManifest(data); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	parts := r.MultipartForm.File["files"]
	if len(parts) == 0 {
		writeError(w, http.StatusBadRequest, "no audio files in request")
		return
	}
	dir, err := os.MkdirTemp(s.cfg.Jobs.UploadDir, "job-")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}
	files := make([]string, 0, len(parts))
	for _, fh := range parts {
		path, err := s.saveUpload(dir, fh)
		if err != nil {
			os.RemoveAll(dir)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		files = append(files, path)
	}

	st, err := s.jobs.Submit(files, providers, r.FormValue("lang"), manifest, opts)
	if err != nil {
		os.RemoveAll(dir)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// handleReplayUpload stores one audio file for a later replay socket and
// returns the one-shot session id.
func (s *Server) handleReplayUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(4 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart request")
		return
	}
	defer r.MultipartForm.RemoveAll()

	providers, err := s.resolveProviders(r.FormValue("providers"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	parts := r.MultipartForm.File["file"]
	if len(parts) != 1 {
		writeError(w, http.StatusBadRequest, "exactly one file part is required")
		return
	}
	dir, err := os.MkdirTemp(s.cfg.Jobs.UploadDir, "replay-")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}
	path, err := s.saveUpload(dir, parts[0])
	if err != nil {
		os.RemoveAll(dir)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if min := s.cfg.Audio.MinReplayDurationMs; min > 0 {
		durationSec, err := s.probe(r.Context(), path)
		if err != nil {
			os.RemoveAll(dir)
			writeError(w, http.StatusBadRequest, "could not determine audio duration")
			return
		}
		if durationSec*1000 < min {
			os.RemoveAll(dir)
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("audio is too short for replay: %.0fms < %.0fms", durationSec*1000, min))
			return
		}
	}

	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	id := s.replays.Put(replay.Session{
		Providers: names,
		Lang:      r.FormValue("lang"),
		FilePath:  path,
	})
	if id == "" {
		os.RemoveAll(dir)
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

// resolveProviders parses a comma-separated provider name list. Empty selects
// every configured provider.
func (s *Server) resolveProviders(raw string) ([]stt.Provider, error) {
	if strings.TrimSpace(raw) == "" {
		if len(s.providers) == 0 {
			return nil, errors.New("no providers configured")
		}
		return s.providers, nil
	}
	var out []stt.Provider
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		p, ok := s.byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, errors.New("no providers requested")
	}
	return out, nil
}

// saveUpload streams one multipart file into dir under its original base
// name, which manifest matching and result rows rely on. dir must be private
// to the request so original names cannot collide across jobs.
func (s *Server) saveUpload(dir string, fh *multipart.FileHeader) (string, error) {
	name := filepath.Base(fh.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", errors.New("upload is missing a file name")
	}
	if max := s.cfg.Jobs.MaxUploadBytes; max > 0 && fh.Size > max {
		return "", fmt.Errorf("%s exceeds the %d byte upload limit", name, max)
	}

	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("could not read upload %s", name)
	}
	defer src.Close()

	path := filepath.Join(dir, name)
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("duplicate file name %s", name)
		}
		return "", errors.New("could not store upload")
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("could not store upload %s", name)
	}
	return path, nil
}

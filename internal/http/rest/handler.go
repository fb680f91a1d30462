package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/italolelis/ambiance/internal/atmosphere"
	"github.com/italolelis/ambiance/internal/download"
	"github.com/italolelis/ambiance/internal/environment"
	"github.com/italolelis/ambiance/internal/logctx"
)

const maxBodySize = 1 << 20

// Playback is the atmosphere engine as seen by the API.
type Playback interface {
	Start(ctx context.Context, s atmosphere.Sound) error
	Stop(ctx context.Context, key string) bool
	StopAll(ctx context.Context) int
	StopAllExcept(ctx context.Context, keep []string) int
	SetVolume(ctx context.Context, key string, volume float64) bool
	PauseAll(ctx context.Context)
	ResumeAll(ctx context.Context)
	IsPaused() bool
	Generation() uint64
	Sounds() []atmosphere.SoundInfo
	RegisterPool(name string, cfg atmosphere.PoolConfig) error
	StartPool(ctx context.Context, name string) error
	Pools() []string
}

// Downloads exposes the download coordinator state.
type Downloads interface {
	Status(source string) (download.Status, bool)
	IsCached(source string) bool
	IsDownloading(source string) bool
	PendingCount() int
	DownloadingSources() []string
	ClearStatuses()
	SetDownloadsEnabled(enabled bool)
	DownloadsEnabled() bool
}

// Environments switches environments and manages user loops.
type Environments interface {
	StartEnvironment(ctx context.Context, name string) error
	ToggleLoop(ctx context.Context, source string) (bool, error)
	Current() string
	UserLoops() []string
}

// Catalog lists the known environment definitions.
type Catalog interface {
	LoadAll(ctx context.Context) (map[string][]*environment.Environment, error)
}

// Cache is the on-disk sound cache.
type Cache interface {
	Usage() (files int, size int64, err error)
	Clear(ctx context.Context) (int, error)
}

// Ledger is the part of the download ledger the API resets.
type Ledger interface {
	DeleteDownloads(ctx context.Context) (int, error)
}

// Handler serves the control API.
type Handler struct {
	playback     Playback
	downloads    Downloads
	environments Environments
	catalog      Catalog
	cache        Cache
	ledger       Ledger
	username     string
	password     string
}

type HandlerOption func(*Handler)

// WithBasicAuth requires every request to carry the given credentials.
func WithBasicAuth(username, password string) HandlerOption {
	return func(h *Handler) {
		h.username = username
		h.password = password
	}
}

// NewHandler creates the control API handler. ledger may be nil.
func NewHandler(
	playback Playback,
	downloads Downloads,
	environments Environments,
	catalog Catalog,
	cache Cache,
	ledger Ledger,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{
		playback:     playback,
		downloads:    downloads,
		environments: environments,
		catalog:      catalog,
		cache:        cache,
		ledger:       ledger,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/state", h.HandleState)

	r.Route("/sounds", func(r chi.Router) {
		r.Post("/", h.HandleStartSound)
		r.Delete("/", h.HandleStopSound)
		r.Put("/volume", h.HandleSetVolume)
		r.Post("/stop", h.HandleStopAll)
		r.Post("/stop-except", h.HandleStopAllExcept)
		r.Post("/pause", h.HandlePause)
		r.Post("/resume", h.HandleResume)
	})

	r.Route("/pools/{name}", func(r chi.Router) {
		r.Put("/", h.HandleRegisterPool)
		r.Post("/start", h.HandleStartPool)
	})

	r.Get("/downloads", h.HandleDownloads)
	r.Put("/downloads/enabled", h.HandleDownloadsEnabled)

	r.Get("/environments", h.HandleListEnvironments)
	r.Post("/environments/{name}/start", h.HandleStartEnvironment)
	r.Post("/loops/toggle", h.HandleToggleLoop)

	r.Delete("/cache", h.HandleClearCache)

	return r
}

type startSoundRequest struct {
	Source       string   `json:"source"`
	Key          string   `json:"key"`
	Volume       *float64 `json:"volume"`
	Loop         *bool    `json:"loop"`
	MaxDuration  float64  `json:"max_duration"`
	FadeDuration float64  `json:"fade_duration"`
}

type soundResponse struct {
	Key    string `json:"key"`
	Active bool   `json:"active"`
}

// HandleStartSound starts one sound. Sounds loop unless loop is false, the
// volume defaults to the environment default and durations are in seconds.
func (h *Handler) HandleStartSound(w http.ResponseWriter, r *http.Request) {
	var req startSoundRequest
	if !decode(w, r, &req) {
		return
	}

	if req.Source == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("source is required"))

		return
	}

	if req.MaxDuration < 0 || req.FadeDuration < 0 {
		writeError(w, r, http.StatusBadRequest, errors.New("durations must not be negative"))

		return
	}

	volume := float64(environment.DefaultVolume)
	if req.Volume != nil {
		volume = clampPercent(*req.Volume)
	}

	s := atmosphere.Sound{
		Key:          req.Key,
		Source:       req.Source,
		Volume:       volume,
		Loop:         req.Loop == nil || *req.Loop,
		MaxDuration:  seconds(req.MaxDuration),
		FadeDuration: seconds(req.FadeDuration),
	}

	if err := h.playback.Start(r.Context(), s); err != nil {
		var perr *atmosphere.PlaybackError
		if errors.As(err, &perr) && perr.Op == "resolve" {
			writeError(w, r, http.StatusUnprocessableEntity, err)

			return
		}

		writeError(w, r, http.StatusInternalServerError, err)

		return
	}

	key := s.Key
	if key == "" {
		key = s.Source
	}

	active := false

	for _, info := range h.playback.Sounds() {
		if info.Key == key {
			active = true

			break
		}
	}

	status := http.StatusOK
	if !active {
		status = http.StatusAccepted
	}

	writeJSON(w, r, status, soundResponse{Key: key, Active: active})
}

// HandleStopSound stops the sound whose key is given by the source query
// parameter.
func (h *Handler) HandleStopSound(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("source")
	if key == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("source is required"))

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]bool{"stopped": h.playback.Stop(r.Context(), key)})
}

type volumeRequest struct {
	Source string  `json:"source"`
	Volume float64 `json:"volume"`
}

func (h *Handler) HandleSetVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !decode(w, r, &req) {
		return
	}

	if !h.playback.SetVolume(r.Context(), req.Source, clampPercent(req.Volume)) {
		writeError(w, r, http.StatusNotFound, errors.New("sound is not active"))

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]float64{"volume": clampPercent(req.Volume)})
}

func (h *Handler) HandleStopAll(w http.ResponseWriter, r *http.Request) {
	n := h.playback.StopAll(r.Context())

	writeJSON(w, r, http.StatusOK, map[string]int{"stopped": n})
}

type stopExceptRequest struct {
	Keep []string `json:"keep"`
}

func (h *Handler) HandleStopAllExcept(w http.ResponseWriter, r *http.Request) {
	var req stopExceptRequest
	if !decode(w, r, &req) {
		return
	}

	n := h.playback.StopAllExcept(r.Context(), req.Keep)

	writeJSON(w, r, http.StatusOK, map[string]int{"stopped": n})
}

func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.playback.PauseAll(r.Context())

	writeJSON(w, r, http.StatusOK, map[string]bool{"paused": h.playback.IsPaused()})
}

func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.playback.ResumeAll(r.Context())

	writeJSON(w, r, http.StatusOK, map[string]bool{"paused": h.playback.IsPaused()})
}

type cacheState struct {
	Files     int    `json:"files"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
}

type stateResponse struct {
	Generation       uint64                 `json:"generation"`
	Paused           bool                   `json:"paused"`
	Sounds           []atmosphere.SoundInfo `json:"sounds"`
	Pools            []string               `json:"pools"`
	Environment      string                 `json:"environment,omitempty"`
	UserLoops        []string               `json:"user_loops"`
	PendingDownloads int                    `json:"pending_downloads"`
	Downloading      []string               `json:"downloading"`
	DownloadsEnabled bool                   `json:"downloads_enabled"`
	Cache            *cacheState            `json:"cache,omitempty"`
}

// HandleState reports what is playing, downloading and cached.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		Generation:       h.playback.Generation(),
		Paused:           h.playback.IsPaused(),
		Sounds:           h.playback.Sounds(),
		Pools:            h.playback.Pools(),
		Environment:      h.environments.Current(),
		UserLoops:        h.environments.UserLoops(),
		PendingDownloads: h.downloads.PendingCount(),
		Downloading:      h.downloads.DownloadingSources(),
		DownloadsEnabled: h.downloads.DownloadsEnabled(),
	}

	if files, size, err := h.cache.Usage(); err != nil {
		logctx.LoggerFromContext(r.Context()).Warn("failed to read cache usage", "err", err)
	} else {
		resp.Cache = &cacheState{Files: files, Size: size, SizeHuman: humanize.Bytes(uint64(size))}
	}

	writeJSON(w, r, http.StatusOK, resp)
}

type poolRequest struct {
	Members []struct {
		Source string  `json:"source"`
		Volume float64 `json:"volume"`
	} `json:"members"`
}

func (h *Handler) HandleRegisterPool(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if !decode(w, r, &req) {
		return
	}

	cfg := atmosphere.PoolConfig{Members: make([]atmosphere.PoolMember, 0, len(req.Members))}

	for _, m := range req.Members {
		if m.Source == "" {
			writeError(w, r, http.StatusBadRequest, errors.New("pool member source is required"))

			return
		}

		cfg.Members = append(cfg.Members, atmosphere.PoolMember{Source: m.Source, Volume: clampPercent(m.Volume)})
	}

	if err := h.playback.RegisterPool(chi.URLParam(r, "name"), cfg); err != nil {
		writeError(w, r, http.StatusBadRequest, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleStartPool(w http.ResponseWriter, r *http.Request) {
	err := h.playback.StartPool(r.Context(), chi.URLParam(r, "name"))

	switch {
	case errors.Is(err, atmosphere.ErrUnknownPool):
		writeError(w, r, http.StatusNotFound, err)
	case err != nil:
		writeError(w, r, http.StatusUnprocessableEntity, err)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

type downloadResponse struct {
	Source      string           `json:"source"`
	Cached      bool             `json:"cached"`
	Downloading bool             `json:"downloading"`
	Status      *download.Status `json:"status,omitempty"`
}

type downloadsResponse struct {
	Pending     int      `json:"pending"`
	Downloading []string `json:"downloading"`
	Enabled     bool     `json:"enabled"`
}

// HandleDownloads reports the status of one source when the source query
// parameter is set and the queue summary otherwise.
func (h *Handler) HandleDownloads(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		writeJSON(w, r, http.StatusOK, downloadsResponse{
			Pending:     h.downloads.PendingCount(),
			Downloading: h.downloads.DownloadingSources(),
			Enabled:     h.downloads.DownloadsEnabled(),
		})

		return
	}

	resp := downloadResponse{
		Source:      source,
		Cached:      h.downloads.IsCached(source),
		Downloading: h.downloads.IsDownloading(source),
	}

	if st, ok := h.downloads.Status(source); ok {
		resp.Status = &st
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handler) HandleDownloadsEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}

	if !decode(w, r, &req) {
		return
	}

	h.downloads.SetDownloadsEnabled(req.Enabled)

	writeJSON(w, r, http.StatusOK, map[string]bool{"enabled": h.downloads.DownloadsEnabled()})
}

type environmentSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Sounds      int      `json:"sounds"`
}

func (h *Handler) HandleListEnvironments(w http.ResponseWriter, r *http.Request) {
	all, err := h.catalog.LoadAll(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)

		return
	}

	out := make(map[string][]environmentSummary, len(all))

	for category, envs := range all {
		for _, env := range envs {
			out[category] = append(out[category], environmentSummary{
				Name:        env.Name,
				Description: env.Description,
				Tags:        env.Metadata.Tags,
				Sounds:      len(env.Sources()),
			})
		}
	}

	writeJSON(w, r, http.StatusOK, out)
}

func (h *Handler) HandleStartEnvironment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := h.environments.StartEnvironment(r.Context(), name)

	var verr *environment.ValidationError

	switch {
	case errors.Is(err, environment.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err)
	case errors.As(err, &verr):
		writeError(w, r, http.StatusUnprocessableEntity, err)
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, err)
	default:
		writeJSON(w, r, http.StatusAccepted, map[string]string{"environment": name})
	}
}

func (h *Handler) HandleToggleLoop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}

	if !decode(w, r, &req) {
		return
	}

	active, err := h.environments.ToggleLoop(r.Context(), req.Source)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)

		return
	}

	writeJSON(w, r, http.StatusOK, soundResponse{Key: req.Source, Active: active})
}

type clearCacheResponse struct {
	Stopped        int `json:"stopped"`
	DeletedFiles   int `json:"deleted_files"`
	DeletedRecords int `json:"deleted_records"`
}

// HandleClearCache stops playback, then deletes cached files, the download
// ledger and the remembered statuses.
func (h *Handler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := clearCacheResponse{Stopped: h.playback.StopAll(ctx)}

	files, err := h.cache.Clear(ctx)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)

		return
	}

	resp.DeletedFiles = files

	if h.ledger != nil {
		records, err := h.ledger.DeleteDownloads(ctx)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)

			return
		}

		resp.DeletedRecords = records
	}

	h.downloads.ClearStatuses()

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("invalid request body"))

		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	logger := logctx.LoggerFromContext(r.Context())

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "err", err)
	} else {
		logger.Debug("request rejected", "status", status, "err", err)
	}

	writeJSON(w, r, status, map[string]string{"error": err.Error()})
}

func clampPercent(v float64) float64 {
	return max(0, min(100, v))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

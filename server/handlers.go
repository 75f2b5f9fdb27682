package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/openfluke/loomstyle/gpu"
	"github.com/openfluke/loomstyle/imgio"
	"github.com/openfluke/loomstyle/nn"
	"github.com/openfluke/loomstyle/style"
)

// Multipart parts above this size spill to temporary files
const multipartMemory = 8 << 20

type errorResponse struct {
	Type  string `json:"type,omitempty"`
	Error string `json:"error"`
	Kind  string `json:"kind"`
	JobID string `json:"job_id,omitempty"`
}

type healthResponse struct {
	Status        string    `json:"status"`
	Backbone      string    `json:"backbone"`
	Device        nn.Device `json:"device"`
	CaptureLayers []string  `json:"capture_layers"`
	InFlight      int64     `json:"in_flight"`
	MaxConcurrent int       `json:"max_concurrent"`

	GPU *gpu.AdapterInfo `json:"gpu,omitempty"`
}

// Overrides are the per-request transfer settings a client may change
type Overrides struct {
	Steps         *int     `json:"steps,omitempty"`
	MaxSize       *int     `json:"max_size,omitempty"`
	ContentWeight *float64 `json:"content_weight,omitempty"`
	StyleWeight   *float64 `json:"style_weight,omitempty"`
	LearningRate  *float64 `json:"learning_rate,omitempty"`
	Device        *string  `json:"device,omitempty"`
	ReportEvery   *int     `json:"report_every,omitempty"`
}

// statusFor maps an error kind to an HTTP status
func statusFor(kind style.Kind) int {
	switch kind {
	case style.KindDecode, style.KindConfig:
		return http.StatusBadRequest
	case style.KindShape:
		return http.StatusUnprocessableEntity
	case style.KindResource:
		return http.StatusServiceUnavailable
	case style.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, jobID string, err error) {
	kind := style.KindOf(err)
	writeJSON(w, statusFor(kind), errorResponse{
		Error: err.Error(),
		Kind:  kind.String(),
		JobID: jobID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Backbone:      s.modelID,
		Device:        s.defaults.Device,
		CaptureLayers: s.defaults.CaptureLayers(),
		InFlight:      s.inFlight.Load(),
		MaxConcurrent: s.cfg.MaxConcurrent,
		GPU:           s.gpuInfo,
	})
}

func (s *Server) handleBackbone(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.blueprint)
}

// handleTransfer accepts multipart content_image and style_image and
// answers with the stylized PNG
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	jobID := uuid.NewString()
	w.Header().Set("X-Job-ID", jobID)
	logger := s.logger.With("job_id", jobID, "request_id", middleware.GetReqID(r.Context()))

	tooLarge := func() {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
			Error: fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxUploadBytes),
			Kind:  style.KindDecode.String(),
			JobID: jobID,
		})
	}
	if r.ContentLength > s.cfg.MaxUploadBytes {
		tooLarge()
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			tooLarge()
			return
		}
		writeError(w, jobID, style.E(style.KindDecode, "parse form", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	cfg, err := s.transferConfig(formOverrides(r))
	if err != nil {
		writeError(w, jobID, err)
		return
	}
	content, err := formImage(r, "content_image")
	if err != nil {
		writeError(w, jobID, err)
		return
	}
	styleImg, err := formImage(r, "style_image")
	if err != nil {
		writeError(w, jobID, err)
		return
	}

	release, err := s.acquire(r.Context())
	if err != nil {
		logger.Warn("transfer rejected", "error", err)
		writeError(w, jobID, err)
		return
	}
	defer release()

	res, err := s.run(r.Context(), content, styleImg, cfg, logger, nil)
	if err != nil {
		writeError(w, jobID, err)
		return
	}

	png, err := imgio.PNGBytes(res.Image)
	if err != nil {
		writeError(w, jobID, style.E(style.KindInternal, "encode", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// run executes one transfer, logging its outcome and progress
func (s *Server) run(ctx context.Context, content, styleImg image.Image, cfg style.Config, logger *slog.Logger, obs style.Observer) (*style.Result, error) {
	logger.Info("transfer started",
		"steps", cfg.Steps,
		"max_size", cfg.MaxSize,
		"device", cfg.Device,
		"in_flight", s.inFlight.Load(),
	)
	res, err := s.transferer.Transfer(ctx, content, styleImg, cfg,
		style.Observers(&style.LogObserver{Logger: logger}, obs))
	if err != nil {
		logger.Error("transfer failed", "kind", style.KindOf(err), "error", err)
		return nil, err
	}
	b := res.Image.Bounds()
	logger.Info("transfer finished",
		"elapsed", res.Elapsed,
		"width", b.Dx(),
		"height", b.Dy(),
		"device", res.Device,
	)
	return res, nil
}

func formImage(r *http.Request, field string) (image.Image, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, style.E(style.KindDecode, field, err)
	}
	defer f.Close()

	img, err := imgio.Decode(f)
	if err != nil {
		return nil, style.E(style.KindDecode, field, err)
	}
	return img, nil
}

// formOverrides reads overrides from multipart form fields
func formOverrides(r *http.Request) overrideSource {
	return func(name string) string { return r.FormValue(name) }
}

// overrideSource looks up a raw override value by field name
type overrideSource func(name string) string

func (src overrideSource) parse() (Overrides, error) {
	var o Overrides
	var errs []error
	intField := func(name string, dst **int) {
		if v := src(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = &n
		}
	}
	floatField := func(name string, dst **float64) {
		if v := src(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = &f
		}
	}

	intField("steps", &o.Steps)
	intField("max_size", &o.MaxSize)
	intField("report_every", &o.ReportEvery)
	floatField("content_weight", &o.ContentWeight)
	floatField("style_weight", &o.StyleWeight)
	floatField("learning_rate", &o.LearningRate)
	if v := src("device"); v != "" {
		o.Device = &v
	}
	return o, errors.Join(errs...)
}

// transferConfig merges form overrides into the server defaults
func (s *Server) transferConfig(src overrideSource) (style.Config, error) {
	o, err := src.parse()
	if err != nil {
		return style.Config{}, style.E(style.KindConfig, "overrides", err)
	}
	return s.applyOverrides(o)
}

// applyOverrides merges o into the server defaults and enforces the caps
func (s *Server) applyOverrides(o Overrides) (style.Config, error) {
	cfg := s.defaults
	if o.Steps != nil {
		cfg.Steps = *o.Steps
	}
	if o.MaxSize != nil {
		cfg.MaxSize = *o.MaxSize
	}
	if o.ContentWeight != nil {
		cfg.ContentWeight = *o.ContentWeight
	}
	if o.StyleWeight != nil {
		cfg.StyleWeight = *o.StyleWeight
	}
	if o.LearningRate != nil {
		cfg.LearningRate = *o.LearningRate
	}
	if o.ReportEvery != nil {
		cfg.ReportEvery = *o.ReportEvery
	}
	if o.Device != nil {
		d, err := nn.ParseDevice(*o.Device)
		if err != nil {
			return cfg, style.E(style.KindConfig, "overrides", err)
		}
		cfg.Device = d
	}

	var errs []error
	if s.cfg.MaxSteps > 0 && cfg.Steps > s.cfg.MaxSteps {
		errs = append(errs, fmt.Errorf("steps %d exceeds the server limit %d", cfg.Steps, s.cfg.MaxSteps))
	}
	if cfg.MaxSize > s.cfg.MaxImageSize {
		errs = append(errs, fmt.Errorf("max_size %d exceeds the server limit %d", cfg.MaxSize, s.cfg.MaxImageSize))
	}
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return cfg, style.E(style.KindConfig, "overrides", err)
	}
	return cfg, nil
}

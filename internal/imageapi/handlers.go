package imageapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mzyy94/stripview/internal/config"
	"github.com/mzyy94/stripview/internal/decoder"
	"github.com/mzyy94/stripview/internal/display"
	"github.com/mzyy94/stripview/internal/jpegcheck"
	"github.com/mzyy94/stripview/internal/memory"
	"github.com/mzyy94/stripview/internal/pending"
	"github.com/mzyy94/stripview/internal/upload"
)

const chunkSize = 4096

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	ID      string `json:"id,omitempty"`
}

type stripResponse struct {
	Success    bool   `json:"success"`
	StripIndex int    `json:"strip_index"`
	StripCount int    `json:"strip_count"`
	Complete   bool   `json:"complete"`
	ID         string `json:"id,omitempty"`
}

type urlRequest struct {
	URL     string `json:"url"`
	Timeout int    `json:"timeout"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := classify(err)
	writeJSON(w, status, response{Success: false, Message: msg})
}

// classify maps pipeline errors onto HTTP status codes.
func classify(err error) (int, string) {
	var (
		ve  *jpegcheck.Error
		ime *memory.InsufficientMemoryError
		de  *decoder.DecodeError
	)
	switch {
	case errors.Is(err, upload.ErrBusy):
		return http.StatusConflict, "Upload busy"
	case errors.Is(err, pending.ErrSuperseded):
		return http.StatusConflict, "Superseded by a newer operation"
	case errors.Is(err, upload.ErrStale):
		return http.StatusConflict, "Upload timed out and was replaced"
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Msg
	case errors.Is(err, ErrBadURL):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, upload.ErrShortBody), errors.Is(err, upload.ErrOverflow),
		errors.Is(err, upload.ErrGap), errors.Is(err, upload.ErrNotInProgress):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &ime):
		return http.StatusInsufficientStorage, ime.Error()
	case errors.Is(err, decoder.ErrNoScaleFits):
		return http.StatusInsufficientStorage, "Out of memory (no scale fits)"
	case errors.Is(err, decoder.ErrNoSession):
		return http.StatusBadRequest, "Strip session not started"
	case errors.As(err, &de):
		return http.StatusInternalServerError, "Failed to decode image: " + de.Err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

// receive feeds the request body into upload id chunk by chunk.
func receive(body io.Reader, sess *upload.Session, id string) error {
	chunk := make([]byte, chunkSize)
	off := 0
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			if aerr := sess.Append(id, off, chunk[:n]); aerr != nil {
				return aerr
			}
			off += n
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", upload.ErrShortBody, err)
		}
	}
}

// ingest runs a whole request body through sess and returns the validated
// buffer. On failure the session is back at Idle.
func ingest(r *http.Request, sess *upload.Session, limit int, timeout time.Duration, validate func([]byte) error) (*memory.Buffer, string, error) {
	if r.ContentLength < 0 {
		return nil, "", fmt.Errorf("%w: Content-Length required", upload.ErrShortBody)
	}
	id, err := sess.Start(int(r.ContentLength), limit, timeout)
	if err != nil {
		return nil, "", err
	}
	if err := receive(r.Body, sess, id); err != nil {
		sess.Abort(id)
		return nil, id, err
	}
	buf, err := sess.Finish(id, validate)
	return buf, id, err
}

func timeoutParam(r *http.Request, st config.Settings) time.Duration {
	sec, _ := strconv.Atoi(r.URL.Query().Get("timeout"))
	return clampSeconds(sec, st.DefaultTimeoutSec, st.MaxTimeoutSec)
}

func (s *Service) fullValidator(st config.Settings) func([]byte) error {
	return func(b []byte) error {
		if err := jpegcheck.CheckMagic(b); err != nil {
			return err
		}
		if st.RenderMode == config.RenderOffscreen {
			return jpegcheck.ValidateFormat(b)
		}
		return jpegcheck.ValidateFull(b, s.panel.Width(), s.panel.Height())
	}
}

func (s *Service) handleImage(w http.ResponseWriter, r *http.Request) {
	st := s.settings.Get()
	timeout := timeoutParam(r, st)

	buf, id, err := ingest(r, s.full, st.MaxImageBytes, timeout, s.fullValidator(st))
	if err != nil {
		slog.Warn("image upload rejected", "err", err, "length", r.ContentLength)
		writeError(w, err)
		return
	}

	op := pending.ShowFullImage(buf, timeout)
	op.OnDone = func(err error) {
		s.full.Complete()
		if err != nil && !errors.Is(err, pending.ErrSuperseded) {
			slog.Warn("image display failed", "id", id, "err", err)
		}
	}
	s.queue.Publish(op)
	slog.Info("image queued", "id", id, "bytes", buf.Len(), "timeout", timeout)
	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: fmt.Sprintf("Image queued for display (%ds timeout)", int(timeout/time.Second)),
		ID:      id,
	})
}

func (s *Service) handleDismiss(w http.ResponseWriter, r *http.Request) {
	s.queue.Publish(pending.Dismiss())
	writeJSON(w, http.StatusOK, response{Success: true, Message: "Image dismissed"})
}

type stripParams struct {
	index, count, width, height int
}

func parseStripParams(r *http.Request, panelW, panelH int) (stripParams, error) {
	q := r.URL.Query()
	var p stripParams
	fields := []struct {
		name string
		dst  *int
	}{
		{"strip_index", &p.index},
		{"strip_count", &p.count},
		{"width", &p.width},
		{"height", &p.height},
	}
	for _, f := range fields {
		v, err := strconv.Atoi(q.Get(f.name))
		if err != nil {
			return p, fmt.Errorf("missing or invalid %s", f.name)
		}
		*f.dst = v
	}
	switch {
	case p.count <= 0 || p.index < 0 || p.index >= p.count:
		return p, fmt.Errorf("strip_index %d out of range for strip_count %d", p.index, p.count)
	case p.width <= 0 || p.width > panelW:
		return p, fmt.Errorf("width %d out of range (1-%d)", p.width, panelW)
	case p.height <= 0 || p.height > panelH:
		return p, fmt.Errorf("height %d out of range (1-%d)", p.height, panelH)
	}
	return p, nil
}

func (s *Service) handleStrip(w http.ResponseWriter, r *http.Request) {
	st := s.settings.Get()
	sp, err := parseStripParams(r, s.panel.Width(), s.panel.Height())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Success: false, Message: err.Error()})
		return
	}
	timeout := timeoutParam(r, st)

	validate := func(b []byte) error {
		if err := jpegcheck.CheckMagic(b); err != nil {
			return err
		}
		return jpegcheck.ValidateFragment(b, sp.width, sp.height, s.panel.Height())
	}
	buf, id, err := ingest(r, s.strip, st.MaxImageBytes, timeout, validate)
	if err != nil {
		slog.Warn("strip upload rejected", "index", sp.index, "err", err)
		writeError(w, err)
		return
	}

	done := make(chan error, 1)
	op := pending.ShowStrip(buf, pending.Strip{Index: sp.index, Count: sp.count, Width: sp.width, Height: sp.height}, timeout)
	op.OnDone = func(err error) {
		s.strip.Complete()
		done <- err
	}
	s.queue.Publish(op)

	select {
	case err := <-done:
		if err != nil {
			writeError(w, err)
			return
		}
	case <-r.Context().Done():
		return
	case <-time.After(s.stripWait):
		writeJSON(w, http.StatusInternalServerError, response{Success: false, Message: "Strip decode timed out"})
		return
	}

	writeJSON(w, http.StatusOK, stripResponse{
		Success:    true,
		StripIndex: sp.index,
		StripCount: sp.count,
		Complete:   sp.index == sp.count-1,
		ID:         id,
	})
}

func (s *Service) handleImageURL(w http.ResponseWriter, r *http.Request) {
	st := s.settings.Get()
	buf, _, err := ingest(r, s.urlBody, st.URLBodyMax, 0, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	var req urlRequest
	err = json.Unmarshal(buf.Bytes(), &req)
	buf.Release()
	if err == nil {
		err = CheckURL(req.URL, st.URLMaxLength)
	} else {
		err = fmt.Errorf("%w: invalid JSON body", ErrBadURL)
	}
	if err != nil {
		s.urlBody.Complete()
		writeError(w, err)
		return
	}

	timeout := clampSeconds(req.Timeout, st.DefaultTimeoutSec, st.MaxTimeoutSec)
	op := pending.ShowURLImage(req.URL, timeout)
	op.OnDone = func(error) { s.urlBody.Complete() }
	s.queue.Publish(op)
	slog.Info("image URL queued", "url", req.URL, "timeout", timeout)
	writeJSON(w, http.StatusOK, response{Success: true, Message: "Image URL queued for download"})
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	fb, ok := s.panel.(*display.Framebuffer)
	if !ok {
		writeJSON(w, http.StatusNotFound, response{Success: false, Message: "panel has no readable framebuffer"})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := fb.WritePNG(w); err != nil {
		slog.Warn("snapshot encode failed", "err", err)
	}
}

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	_ "golang.org/x/image/webp"

	canvassvc "github.com/dyluth/pixelcanvas/internal/canvas"
)

var (
	errBadRequest = errors.New("bad request")
	errTooLarge   = errors.New("request body too large")
)

type bulkRequest struct {
	Pixels map[string]canvassvc.PixelInput `json:"pixels"`
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: limit is %d bytes", errTooLarge, tooLarge.Limit)
		}
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

// GET /api/canvas
func (s *Server) handleGetCanvas(w http.ResponseWriter, r *http.Request) {
	state, err := s.canvas.GetCanvasState(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// POST /api/canvas
func (s *Server) handlePlacePixel(w http.ResponseWriter, r *http.Request) {
	var in canvassvc.PixelInput
	if err := s.decodeBody(w, r, &in); err != nil {
		s.writeError(w, err)
		return
	}

	p, err := s.canvas.PlacePixel(r.Context(), in.X, in.Y, in.Color, identityFrom(r.Context()).UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// POST /api/canvas/bulk
func (s *Server) handleBulkPlace(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Pixels) == 0 {
		writeDetail(w, http.StatusBadRequest, "no pixels provided")
		return
	}
	if limit := s.canvas.Width() * s.canvas.Height(); len(req.Pixels) > limit {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("too many pixels: %d exceeds the canvas size of %d", len(req.Pixels), limit))
		return
	}

	result, err := s.canvas.BulkPlacePixels(r.Context(), req.Pixels, identityFrom(r.Context()).UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /api/canvas/overwrite, multipart field "image"
func (s *Server) handleOverwrite(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("image")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "missing image file")
		return
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "unsupported or corrupt image")
		return
	}

	id := identityFrom(r.Context())
	if err := s.canvas.OverwriteFromImage(r.Context(), img, id.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("canvas overwritten from upload", "user", id.UserID, "format", format)
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/canvas/snapshot
func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	info, err := s.snapshots.Create(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GET /api/canvas/snapshots?limit=&offset=
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, err)
		return
	}

	page, err := s.snapshots.List(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GET /api/canvas/snapshots/{id}
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshots.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// POST /api/canvas/snapshots/{id}/restore
func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.snapshots.Restore(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /api/canvas/snapshots/{id}
func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.snapshots.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryInt returns 0 for an absent parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}

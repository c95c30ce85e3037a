package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/prebuf/internal/cache"
	"github.com/tanq16/prebuf/internal/controller"
	"github.com/tanq16/prebuf/internal/utils"
)

type handlers struct {
	ctrl *controller.Controller
}

type bufferRequest struct {
	URL string `json:"url"`
}

type bufferStatus struct {
	cache.Snapshot
	IsBuffered    bool `json:"isBuffered"`
	PlaybackReady bool `json:"playbackReady"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Str("op", "server/response").Err(err).Msg("Could not write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, utils.ErrInvalidURL), errors.Is(err, utils.ErrInvalidOptions):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) status(url string) (bufferStatus, bool) {
	snap, ok := h.ctrl.Status(url)
	if !ok {
		return bufferStatus{}, false
	}
	return bufferStatus{
		Snapshot:      snap,
		IsBuffered:    h.ctrl.IsBuffered(url),
		PlaybackReady: h.ctrl.PlaybackReady(url),
	}, true
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) startBuffer(w http.ResponseWriter, r *http.Request) {
	var req bufferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := h.ctrl.StartBuffering(req.URL, nil); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	st, _ := h.status(req.URL)
	writeJSON(w, http.StatusAccepted, st)
}

func (h *handlers) bufferStatus(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	st, ok := h.status(url)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("url is not tracked"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) cancelBuffer(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if _, err := utils.ValidateURL(url); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	purge, _ := strconv.ParseBool(r.URL.Query().Get("purge"))
	if purge {
		if err := h.ctrl.Remove(r.Context(), url, true); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true, "purged": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": h.ctrl.CancelBuffering(url)})
}

func (h *handlers) listBuffers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.List())
}

func (h *handlers) getOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Options())
}

// putOptions accepts a partial document; omitted fields keep their value.
func (h *handlers) putOptions(w http.ResponseWriter, r *http.Request) {
	opts := h.ctrl.Options()
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.ctrl.SetOptions(opts); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Options())
}

package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"snooze/internal/condition"
	"snooze/internal/metrics"
	"snooze/internal/pipeline"

	"github.com/gorilla/mux"
)

const maxAdminBodyBytes = 1 << 20

type reloadRequest struct {
	Plugins []string `json:"plugins"`
}

type retroApplyRequest struct {
	Names []string `json:"names"`
}

type parseRequest struct {
	Query string `json:"query"`
}

type apiError struct {
	Error string `json:"error"`
}

// newRouter wires admin, ingest and probe endpoints.
// Params: manager, optional ingest handler, metrics registry, readiness probe and logger.
// Returns: router serving the service API.
func newRouter(manager *Manager, ingestHandler http.Handler, reg *metrics.Registry, ready func() bool, logger *slog.Logger) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	router.HandleFunc("/readyz", func(writer http.ResponseWriter, _ *http.Request) {
		if !ready() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	if ingestHandler != nil {
		api.Handle("/alerts", ingestHandler).Methods(http.MethodPost)
	}

	api.HandleFunc("/reload", func(writer http.ResponseWriter, request *http.Request) {
		var body reloadRequest
		if !decodeBody(writer, request, &body, true) {
			return
		}
		if err := manager.Reload(request.Context(), body.Plugins...); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, pipeline.ErrUnknownStage) {
				status = http.StatusBadRequest
			}
			logger.Warn("reload request failed", "plugins", body.Plugins, "error", err)
			writeJSON(writer, status, apiError{Error: err.Error()})
			return
		}
		plugins := body.Plugins
		if len(plugins) == 0 {
			plugins = manager.Stages()
		}
		writeJSON(writer, http.StatusOK, map[string]any{"reloaded": plugins})
	}).Methods(http.MethodPost)

	api.HandleFunc("/snooze/retro-apply", func(writer http.ResponseWriter, request *http.Request) {
		var body retroApplyRequest
		if !decodeBody(writer, request, &body, false) {
			return
		}
		deleted, err := manager.RetroApply(request.Context(), body.Names)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrStageDisabled) {
				status = http.StatusConflict
			}
			writeJSON(writer, status, apiError{Error: err.Error()})
			return
		}
		writeJSON(writer, http.StatusOK, map[string]any{"deleted": deleted})
	}).Methods(http.MethodPost)

	api.HandleFunc("/condition/parse", func(writer http.ResponseWriter, request *http.Request) {
		var body parseRequest
		if !decodeBody(writer, request, &body, false) {
			return
		}
		parsed, err := condition.Parse(body.Query)
		if err != nil {
			writeJSON(writer, http.StatusBadRequest, apiError{Error: err.Error()})
			return
		}
		writeJSON(writer, http.StatusOK, map[string]any{"condition": condition.ToStructured(parsed)})
	}).Methods(http.MethodPost)

	return router
}

// decodeBody reads a bounded JSON body into target.
// Params: response writer, request, target and whether an empty body is allowed.
// Returns: false after writing a 400 response.
func decodeBody(writer http.ResponseWriter, request *http.Request, target any, allowEmpty bool) bool {
	request.Body = http.MaxBytesReader(writer, request.Body, maxAdminBodyBytes)
	defer request.Body.Close()
	err := json.NewDecoder(request.Body).Decode(target)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	writeJSON(writer, http.StatusBadRequest, apiError{Error: "invalid request body: " + err.Error()})
	return false
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}

package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"snooze/internal/clock"
)

// HTTPHandler decodes JSON alerts and runs them through the processor.
// Params: processor, max body size, readiness probe, clock and logger.
// Returns: HTTP handler for POST /api/v1/alerts.
type HTTPHandler struct {
	processor   Processor
	maxBodySize int64
	ready       func() bool
	clock       clock.Clock
	logger      *slog.Logger
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: processor, max request body size in bytes, optional readiness probe, clock and logger.
// Returns: configured handler.
func NewHTTPHandler(processor Processor, maxBodySize int64, ready func() bool, clk clock.Clock, logger *slog.Logger) *HTTPHandler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{processor: processor, maxBodySize: maxBodySize, ready: ready, clock: clk, logger: logger}
}

type ingestResponse struct {
	Results []RecordResult `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ServeHTTP handles one alert or an array of alerts.
// Params: HTTP request/response writer pair.
// Returns: 202 with per-record results, 400 on decode error, 503 when not ready.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.ready != nil && !h.ready() {
		writeJSON(writer, http.StatusServiceUnavailable, errorResponse{Error: "pipeline is not ready"})
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(writer, status, errorResponse{Error: err.Error()})
		return
	}

	records, err := decodePayload(body, h.clock.Now())
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	results, err := processAll(request.Context(), h.processor, records)
	if err != nil {
		h.logger.Warn("http ingest had rejected records", "records", len(records), "error", err)
	}
	writeJSON(writer, http.StatusAccepted, ingestResponse{Results: results})
}

// writeJSON writes status and JSON body.
func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}

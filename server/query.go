package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/INLOpen/nexusstate/core"
	"github.com/INLOpen/nexusstate/source"
	"github.com/google/uuid"
)

// scanResponse is the JSON body of a successful scan.
type scanResponse struct {
	RequestID string           `json:"requestId"`
	Source    string           `json:"source"`
	Columns   []source.Column  `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	Truncated bool             `json:"truncated,omitempty"`
}

type errorResponse struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

type queryHandler struct {
	sources     *source.Registry
	defaultPath string
	logger      *slog.Logger
}

// Reserved query parameters; everything else is a source option.
const (
	paramHidden = "hidden"
	paramLimit  = "limit"
)

func (h *queryHandler) serveScan(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	name := r.PathValue("source")
	src, err := h.sources.Lookup(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{RequestID: requestID, Error: err.Error()})
		return
	}

	opts := source.Options{}
	var (
		withHidden bool
		limit      = -1
	)
	for k, vs := range r.URL.Query() {
		if len(vs) == 0 {
			continue
		}
		switch k {
		case paramHidden:
			withHidden, _ = strconv.ParseBool(vs[0])
		case paramLimit:
			n, err := strconv.Atoi(vs[0])
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, errorResponse{RequestID: requestID, Error: "limit must be a non-negative integer"})
				return
			}
			limit = n
		default:
			opts[k] = vs[0]
		}
	}
	if _, ok := opts.Get(source.OptionPath); !ok && h.defaultPath != "" {
		opts[source.OptionPath] = h.defaultPath
	}

	start := time.Now()
	res, err := src.Scan(r.Context(), opts)
	if err != nil {
		h.logger.Debug("Scan rejected", "request_id", requestID, "source", name, "error", err)
		writeJSON(w, statusFor(err), errorResponse{RequestID: requestID, Error: err.Error()})
		return
	}
	defer res.Close()

	resp := scanResponse{RequestID: requestID, Source: src.Name(), Columns: res.Columns, Rows: []map[string]any{}}
	if !withHidden {
		resp.Columns = res.VisibleColumns()
	}
	for res.Next() {
		if limit >= 0 && len(resp.Rows) >= limit {
			resp.Truncated = true
			break
		}
		resp.Rows = append(resp.Rows, res.Map(res.Record(), withHidden))
	}
	if err := res.Err(); err != nil {
		h.logger.Error("Scan failed", "request_id", requestID, "source", name, "error", err)
		writeJSON(w, statusFor(err), errorResponse{RequestID: requestID, Error: err.Error()})
		return
	}
	h.logger.Debug("Scan served", "request_id", requestID, "source", name, "rows", len(resp.Rows), "duration", time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	var optErr *source.OptionError
	switch {
	case errors.As(err, &optErr), core.IsInvalidCoordinate(err):
		return http.StatusBadRequest
	case core.IsBatchNotAvailable(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

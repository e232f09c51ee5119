package web

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coursemill/coursemill/internal/engine"
	"github.com/coursemill/coursemill/internal/schema"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// importRequest is the JSON body for starting an import run. Sheets carry
// tokenized spreadsheet content; mappings map original column headers to
// canonical field names per entity type.
type importRequest struct {
	Sheets   []engine.SheetInput `json:"sheets"`
	Mappings engine.MappingSet   `json:"mappings"`
	Options  engine.Options      `json:"options"`
}

// handleStartImport starts an asynchronous import run and returns its ID.
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxBodySize)

	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Sheets) == 0 {
		writeError(w, http.StatusBadRequest, "no sheets provided")
		return
	}

	runID, err := s.service.StartImport(r.Context(), req.Sheets, req.Mappings, req.Options)
	if err != nil {
		if errors.Is(err, engine.ErrTooManyRuns) {
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, map[string]string{"run_id": runID})
}

// handleImportProgress returns the current progress snapshot of a run.
func (s *Server) handleImportProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "missing run ID")
		return
	}

	progress, err := s.service.GetProgress(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, progress)
}

// handleImportProgressStream streams run progress via Server-Sent Events.
func (s *Server) handleImportProgressStream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "missing run ID")
		return
	}

	progressCh, err := s.service.SubscribeProgress(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	eventID := 0
	for {
		select {
		case progress, ok := <-progressCh:
			if !ok {
				// Channel closed - run finished
				fmt.Fprintf(w, "event: complete\ndata: {}\n\n")
				flusher.Flush()
				return
			}

			eventID++
			data, _ := json.Marshal(progress)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", eventID, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleImportResult returns the final report of a run, blocking until the
// run completes.
func (s *Server) handleImportResult(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "missing run ID")
		return
	}

	report, err := s.service.GetReport(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, report)
}

// handleCancelImport cancels an in-progress run.
func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "missing run ID")
		return
	}

	if err := s.service.CancelRun(runID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"cancelled"}`))
}

// handleListRuns returns run history, most recent first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "run history not configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"runs": runs})
}

// handleListDefects returns the stored defects for a run.
func (s *Server) handleListDefects(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "run history not configured")
		return
	}

	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run ID")
		return
	}

	defects, err := s.store.ListDefects(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"defects": defects})
}

// handleExportDefects exports a run's defects as CSV for spreadsheet triage.
func (s *Server) handleExportDefects(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "run history not configured")
		return
	}

	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run ID")
		return
	}

	defects, err := s.store.ListDefects(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("defects_%s.csv", timestamp)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	csvWriter := csv.NewWriter(w)
	csvWriter.Write([]string{"stage", "code", "entity_type", "natural_key", "field", "value", "sheet", "row", "message"})
	for _, d := range defects {
		csvWriter.Write([]string{
			d.Stage,
			d.Code,
			d.EntityType,
			d.NaturalKey,
			d.Field,
			d.Value,
			d.Sheet,
			strconv.Itoa(d.Row),
			d.Message,
		})
	}
	csvWriter.Flush()
}

// handleRollback removes everything a committed run imported.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "rollback not configured")
		return
	}

	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run ID")
		return
	}

	deleted, err := s.store.RollbackRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"status":  "rolled_back",
		"deleted": deleted,
	})
}

// schemaField is the JSON shape of one field in the schema description.
type schemaField struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	Required      bool     `json:"required"`
	AllowedValues []string `json:"allowedValues,omitempty"`
}

// schemaEntity is the JSON shape of one entity type.
type schemaEntity struct {
	Type     string        `json:"type"`
	KeyField string        `json:"keyField"`
	RefField string        `json:"refField,omitempty"`
	Fields   []schemaField `json:"fields"`
}

// handleSchema describes all entity types and their fields so clients can
// build column mappings without hardcoding the hierarchy.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	entities := make([]schemaEntity, 0, len(schema.HierarchyOrder))
	for _, spec := range schema.All() {
		entity := schemaEntity{
			Type:     string(spec.Type),
			KeyField: spec.KeyField,
			RefField: spec.RefField,
			Fields:   make([]schemaField, 0, len(spec.Fields)),
		}
		for _, f := range spec.Fields {
			entity.Fields = append(entity.Fields, schemaField{
				Name:          f.Name,
				Type:          f.Type.String(),
				Required:      f.Required,
				AllowedValues: f.AllowedValues,
			})
		}
		entities = append(entities, entity)
	}
	writeJSON(w, map[string]any{"entities": entities})
}

// sanitizeErrorMessage strips internals (SQL fragments, file paths) from
// messages before they reach a client.
func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, marker := range []string{"sqlstate", "pq:", "pgx", "syntax error"} {
		if strings.Contains(lower, marker) {
			return "internal storage error"
		}
	}
	return message
}

package http

import (
	"encoding/json"
	"net/http"

	"github.com/atinyakov/bicicletario/internal/jobs"
	"github.com/atinyakov/bicicletario/internal/models"
	"github.com/atinyakov/bicicletario/internal/service"
	"github.com/go-chi/chi/v5"
)

// defaultJobLimit is the number of jobs GET /api/jobs returns without
// ?limit=.
const defaultJobLimit = 10

// JobReader reads the background job table.
type JobReader interface {
	Get(id string) (jobs.Job, bool)
	Active() []jobs.Job
	Recent(limit int) []jobs.Job
}

// ImportService queues bulk imports.
type ImportService interface {
	ImportClients(clients []models.Client) (string, error)
	ImportRecords(records []models.Record) (string, error)
	ImportSystemBackup(data service.SystemData) (string, error)
}

// ChangeService exposes the per-type change counters.
type ChangeService interface {
	Changes() map[string]int64
	ChangesSince(previous map[string]int64) map[string]bool
}

// JobHandler serves background jobs, imports and change polling.
type JobHandler struct {
	Jobs     JobReader
	Importer ImportService
	Counters ChangeService
}

func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.Jobs.Recent(queryInt(r, "limit", defaultJobLimit))
	if list == nil {
		list = []jobs.Job{}
	}
	respondOK(w, map[string]any{"jobs": list})
}

func (h *JobHandler) Active(w http.ResponseWriter, r *http.Request) {
	list := h.Jobs.Active()
	if list == nil {
		list = []jobs.Job{}
	}
	respondOK(w, map[string]any{"jobs": list})
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.Jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		respondMessage(w, http.StatusNotFound, "job not found")
		return
	}
	respondOK(w, map[string]any{"job": job})
}

// decodeList reads a JSON array, or an object holding the array under one
// of keys.
func decodeList[T any](r *http.Request, keys ...string) ([]T, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	var list []T
	if json.Unmarshal(body, &list) == nil {
		return list, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, errInvalidBody
	}
	for _, k := range keys {
		if raw, ok := wrapped[k]; ok {
			if err := json.Unmarshal(raw, &list); err != nil {
				return nil, errInvalidBody
			}
			return list, nil
		}
	}
	return nil, errInvalidBody
}

func respondJob(w http.ResponseWriter, id string, err error) {
	if err != nil {
		respondJSON(w, statusFor(err), map[string]any{"success": false, "error": err.Error(), "jobId": id})
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"success": true, "jobId": id})
}

// ImportClients queues the clients in the body and returns the job id.
func (h *JobHandler) ImportClients(w http.ResponseWriter, r *http.Request) {
	clients, err := decodeList[models.Client](r, "clientes", "clients")
	if err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.Importer.ImportClients(clients)
	respondJob(w, id, err)
}

// ImportRecords queues the records in the body and returns the job id.
func (h *JobHandler) ImportRecords(w http.ResponseWriter, r *http.Request) {
	records, err := decodeList[models.Record](r, "registros")
	if err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.Importer.ImportRecords(records)
	respondJob(w, id, err)
}

// ImportBackup queues a full system import. The body is either the data
// section itself or a whole backup document wrapping it under "data".
func (h *JobHandler) ImportBackup(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	var doc struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		respondMessage(w, http.StatusBadRequest, errInvalidBody.Error())
		return
	}
	if len(doc.Data) > 0 {
		body = doc.Data
	}
	var data service.SystemData
	if err := json.Unmarshal(body, &data); err != nil {
		respondMessage(w, http.StatusBadRequest, errInvalidBody.Error())
		return
	}
	id, err := h.Importer.ImportSystemBackup(data)
	respondJob(w, id, err)
}

// Changes returns the current change counters.
func (h *JobHandler) Changes(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]any{"changes": h.Counters.Changes()})
}

// ChangesRequest is the body of POST /api/changes/since.
type ChangesRequest struct {
	Changes map[string]int64 `json:"changes"`
}

// ChangesSince compares the client's counters with the current ones and
// reports which types moved.
func (h *JobHandler) ChangesSince(w http.ResponseWriter, r *http.Request) {
	var req ChangesRequest
	if err := decodeJSON(r, &req); err != nil {
		respondMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	respondOK(w, map[string]any{
		"changed": h.Counters.ChangesSince(req.Changes),
		"changes": h.Counters.Changes(),
	})
}

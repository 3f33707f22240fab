package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/casepilot/casepilot/internal/models"
)

type createBatchRequest struct {
	Reference string   `json:"reference"`
	CaseRefs  []string `json:"case_refs"`
}

// handleCreateBatch ingests a batch of case references. Every row becomes a
// work item; rows that are blank after trimming are kept so the run reports
// them as failures instead of silently dropping them.
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.CaseRefs) == 0 {
		jsonError(w, "case_refs is required", http.StatusBadRequest)
		return
	}

	items := make([]models.BatchItem, 0, len(req.CaseRefs))
	valid := 0
	for _, ref := range req.CaseRefs {
		ref = strings.TrimSpace(ref)
		if ref != "" {
			valid++
		}
		items = append(items, models.BatchItem{CaseRef: ref, Status: models.ItemReady})
	}
	if valid == 0 {
		jsonError(w, "case_refs contains no usable references", http.StatusBadRequest)
		return
	}

	batch := &models.Batch{
		Reference: strings.TrimSpace(req.Reference),
		Status:    models.BatchReady,
	}
	if err := s.db.CreateBatch(r.Context(), batch, items); err != nil {
		s.logger.Error("create batch", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("batch created", "batch_id", batch.ID, "reference", batch.Reference, "items", len(items))
	jsonResponse(w, http.StatusCreated, batch)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 200)
	batches, err := s.db.ListBatches(r.Context(), limit)
	if err != nil {
		s.logger.Error("list batches", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if batches == nil {
		batches = []models.Batch{}
	}
	jsonResponse(w, http.StatusOK, batches)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "batch id")
	if !ok {
		return
	}
	batch, err := s.db.GetBatch(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "batch not found", http.StatusNotFound)
			return
		}
		s.logger.Error("get batch", "batch_id", id, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, http.StatusOK, batch)
}

func (s *Server) handleListBatchItems(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePathID(w, r, "id", "batch id")
	if !ok {
		return
	}
	if _, err := s.db.GetBatch(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "batch not found", http.StatusNotFound)
			return
		}
		s.logger.Error("get batch", "batch_id", id, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	items, err := s.db.ListBatchItems(r.Context(), id)
	if err != nil {
		s.logger.Error("list batch items", "batch_id", id, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []models.BatchItem{}
	}
	jsonResponse(w, http.StatusOK, items)
}

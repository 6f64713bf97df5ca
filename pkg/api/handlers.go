package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type rootResponse struct {
	Status        string `json:"status"`
	DatasetLoaded bool   `json:"dataset_loaded"`
	Districts     int    `json:"districts"`
	Records       int    `json:"records"`
	Head          string `json:"head"`
	Orphans       int    `json:"orphans"`
	Uptime        string `json:"uptime"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Status()
	status := "FoodTrace API LIVE"
	if st.StorageError != "" {
		status = "FoodTrace API DEGRADED"
	}
	writeJSON(w, http.StatusOK, rootResponse{
		Status:        status,
		DatasetLoaded: st.Districts > 0,
		Districts:     st.Districts,
		Records:       st.Length,
		Head:          st.Head,
		Orphans:       st.Orphans,
		Uptime:        time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if st := s.svc.Status(); st.StorageError != "" {
		WriteServiceUnavailable(w, r, "chain storage unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleDistricts(w http.ResponseWriter, r *http.Request) {
	names, err := s.svc.Districts(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"districts": names})
}

type statsEntry struct {
	District  string  `json:"district"`
	TotalArea float64 `json:"total_area"`
	Risk      string  `json:"risk"`
	Priority  bool    `json:"priority"`
	Records   int     `json:"records"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	n := 0
	if raw := r.URL.Query().Get("count"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			WriteBadRequest(w, r, "count must be a non-negative integer")
			return
		}
		n = v
	}
	stats, err := s.svc.Stats(r.Context(), n)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	out := make([]statsEntry, len(stats))
	for i, st := range stats {
		out[i] = statsEntry{
			District:  st.Name,
			TotalArea: st.TotalArea,
			Risk:      string(st.RiskLevel),
			Priority:  st.Priority,
			Records:   st.RecordsCount,
		}
	}
	writeJSON(w, http.StatusOK, map[string][]statsEntry{"districts": out})
}

type safetyResponse struct {
	District           string  `json:"district"`
	TotalAreaHa        float64 `json:"total_area_ha"`
	RiskLevel          string  `json:"risk_level"`
	PriorityMonitoring bool    `json:"priority_monitoring"`
	RecordsCount       int     `json:"records_count"`
}

func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Safety(r.Context(), r.PathValue("district"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, safetyResponse{
		District:           st.Name,
		TotalAreaHa:        st.TotalArea,
		RiskLevel:          string(st.RiskLevel),
		PriorityMonitoring: st.Priority,
		RecordsCount:       st.RecordsCount,
	})
}

type traceResponse struct {
	BatchID   string    `json:"batch_id"`
	Data      string    `json:"data"`
	TxHash    string    `json:"tx_hash"`
	PrevHash  string    `json:"prev_hash"`
	Sequence  uint64    `json:"sequence_number"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Trace(r.Context(), r.PathValue("batch_id"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, traceResponse{
		BatchID:   rec.BatchID,
		Data:      rec.Payload,
		TxHash:    rec.RecordHash,
		PrevHash:  rec.PrevHash,
		Sequence:  rec.Sequence,
		Timestamp: rec.Timestamp,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report := s.svc.VerifyChain(r.Context())
	status := http.StatusOK
	if !report.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

type addBatchRequest struct {
	BatchID string `json:"batch_id"`
	Data    string `json:"data"`
}

type addBatchResponse struct {
	TxHash   string `json:"tx_hash"`
	BatchID  string `json:"batch_id"`
	Sequence uint64 `json:"sequence_number"`
}

func (s *Server) handleAddBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, http.StatusRequestEntityTooLarge, "Payload Too Large", "request body exceeds the configured limit")
			return
		}
		WriteBadRequest(w, r, "could not read request body")
		return
	}
	if err := validateBody(s.schema, body); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	var req addBatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, r, "request body is not valid JSON")
		return
	}

	receipt, err := s.svc.AddBatch(r.Context(), req.BatchID, req.Data)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "batch accepted",
		"batch_id", receipt.BatchID,
		"sequence", receipt.Sequence,
		"principal", Principal(r.Context()),
	)
	writeJSON(w, http.StatusOK, addBatchResponse{
		TxHash:   receipt.RecordHash,
		BatchID:  receipt.BatchID,
		Sequence: receipt.Sequence,
	})
}

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.RebuildIndex(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	s.logger.WarnContext(r.Context(), "index rebuilt by request", "entries", n, "principal", Principal(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"indexed": n, "orphans": s.svc.Orphans()})
}

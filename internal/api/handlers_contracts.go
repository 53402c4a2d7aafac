package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"contractlens/internal/eventbus"
	"contractlens/internal/pipeline"
)

// maxUploadBytes bounds the multipart form; parsed PDFs rarely exceed
// a few megabytes but scanned contracts can be large.
const maxUploadBytes = 32 << 20

// handleContractUpload accepts a multipart contract upload and runs the
// analysis pipeline synchronously. The response carries the full analysis
// state, including partial results when individual stages failed.
func (s *Server) handleContractUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_input", "expected multipart form with a file field")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_input", "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_input", "could not read uploaded file")
		return
	}
	if len(data) == 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_input", "uploaded file is empty")
		return
	}

	contractID := uuid.NewString()
	query := r.FormValue("query")

	s.publish(eventbus.Event{
		Type:       eventbus.TypeAnalysisStarted,
		ContractID: contractID,
		Timestamp:  time.Now(),
		Data:       map[string]string{"filename": header.Filename},
	})

	state := s.deps.Analysis.Run(r.Context(), pipeline.AnalysisRequest{
		ContractID: contractID,
		Filename:   header.Filename,
		FileBytes:  data,
		Query:      query,
	})

	evtType := eventbus.TypeAnalysisCompleted
	if len(state.Errors) > 0 {
		evtType = eventbus.TypeAnalysisFailed
	}
	s.logger().Info("contract analysis finished",
		zap.String("contract_id", contractID),
		zap.String("filename", header.Filename),
		zap.Int("errors", len(state.Errors)),
		zap.Float64("total_cost", state.TotalCost))
	s.publish(eventbus.Event{
		Type:       evtType,
		ContractID: contractID,
		Timestamp:  time.Now(),
		Data:       state,
	})
	broadcastEvent(evtType, contractID)

	writeAPIResponse(w, http.StatusCreated, state, map[string]any{
		"contract_id": contractID,
	})
}

func (s *Server) handleContractGet(w http.ResponseWriter, r *http.Request) {
	contractID := mux.Vars(r)["id"]

	view, err := s.deps.Graph.GetContract(r.Context(), contractID)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	if view == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "contract not found")
		return
	}
	writeAPIResponse(w, http.StatusOK, view, nil)
}

// handleContractDelete removes the contract from both indexes. Vector
// deletion runs first so a partial failure never leaves orphaned chunks
// behind a deleted graph node.
func (s *Server) handleContractDelete(w http.ResponseWriter, r *http.Request) {
	contractID := mux.Vars(r)["id"]

	deleted, err := s.deps.Vectors.DeleteContract(r.Context(), contractID)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	if err := s.deps.Graph.DeleteContract(r.Context(), contractID); err != nil {
		writeFaultError(w, err)
		return
	}

	s.publish(eventbus.Event{
		Type:       eventbus.TypeContractDeleted,
		ContractID: contractID,
		Timestamp:  time.Now(),
	})
	broadcastEvent(eventbus.TypeContractDeleted, contractID)

	writeAPIResponse(w, http.StatusOK, map[string]any{
		"contract_id":    contractID,
		"chunks_deleted": deleted,
	}, nil)
}

type queryRequest struct {
	Query    string `json:"query"`
	NResults int    `json:"n_results,omitempty"`
}

func (s *Server) handleContractQuery(w http.ResponseWriter, r *http.Request) {
	contractID := mux.Vars(r)["id"]
	s.answerQuery(w, r, contractID)
}

func (s *Server) handleGlobalQuery(w http.ResponseWriter, r *http.Request) {
	s.answerQuery(w, r, "")
}

func (s *Server) answerQuery(w http.ResponseWriter, r *http.Request, contractID string) {
	var req queryRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	res, err := s.deps.Query.Answer(r.Context(), req.Query, pipeline.QueryOptions{
		ContractID: contractID,
		NResults:   req.NResults,
	})
	if err != nil {
		writeFaultError(w, err)
		return
	}

	s.publish(eventbus.Event{
		Type:       eventbus.TypeQueryAnswered,
		ContractID: contractID,
		Timestamp:  time.Now(),
		Data: map[string]any{
			"vector_count": res.VectorCount,
			"graph_count":  res.GraphCount,
			"cost":         res.Cost,
		},
	})

	writeAPIResponse(w, http.StatusOK, res, nil)
}

type compareRequest struct {
	ContractIDA string   `json:"contract_id_a"`
	ContractIDB string   `json:"contract_id_b"`
	Aspects     []string `json:"aspects,omitempty"`
}

func (s *Server) handleContractCompare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	res, err := s.deps.Compare.Compare(r.Context(), pipeline.CompareRequest{
		ContractIDA: req.ContractIDA,
		ContractIDB: req.ContractIDB,
		Aspects:     req.Aspects,
	})
	if err != nil {
		writeFaultError(w, err)
		return
	}
	writeAPIResponse(w, http.StatusOK, res, map[string]any{
		"aspects": len(res.Comparisons),
	})
}

func (s *Server) handleContractClauses(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	clauseCtx, err := s.deps.GraphCtx.ContextForClauseType(r.Context(), vars["id"], vars["type"])
	if err != nil {
		writeFaultError(w, err)
		return
	}
	if clauseCtx == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "no matching clause")
		return
	}
	writeAPIResponse(w, http.StatusOK, clauseCtx, nil)
}

func (s *Server) handleContractRisks(w http.ResponseWriter, r *http.Request) {
	contractID := mux.Vars(r)["id"]
	level := r.URL.Query().Get("level")

	risks, err := s.deps.GraphCtx.RiskContextFor(r.Context(), contractID, level)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	writeAPIResponse(w, http.StatusOK, risks, map[string]any{
		"count": len(risks),
	})
}

func (s *Server) handleCompanyContracts(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeAPIError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	contracts, err := s.deps.GraphCtx.ContractsByCompany(r.Context(), name, limit)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	writeAPIResponse(w, http.StatusOK, contracts, map[string]any{
		"count": len(contracts),
	})
}

func (s *Server) publish(evt eventbus.Event) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(evt)
}

func (s *Server) logger() *zap.Logger {
	if s.log == nil {
		return zap.NewNop()
	}
	return s.log
}

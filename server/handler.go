package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/securecollab/mpstudy/ledger"
	"github.com/securecollab/mpstudy/protocol"
	"github.com/securecollab/mpstudy/services"
)

// StudyHandler exposes the orchestrator's operations as a JSON REST
// API. It owns no protocol state: every request is decoded, handed to
// the orchestrator, and the typed error mapped to a status code.
type StudyHandler struct {
	orch *services.Orchestrator
	log  *slog.Logger
}

// NewStudyHandler creates the REST handler for the orchestrator.
func NewStudyHandler(orch *services.Orchestrator, log *slog.Logger) *StudyHandler {
	if log == nil {
		log = slog.Default()
	}
	return &StudyHandler{orch: orch, log: log}
}

// RegisterRoutes mounts the study API under /api/v1.
func (h *StudyHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/studies", func(r chi.Router) {
		r.Post("/", h.createStudy)
		r.Get("/", h.listStudies)
		r.Route("/{studyID}", func(r chi.Router) {
			r.Get("/", h.getStudy)
			r.Post("/join", h.joinStudy)
			r.Post("/datasets", h.uploadDataset)
			r.Post("/jobs", h.requestJob)
			r.Get("/jobs/{jobID}", h.getJob)
			r.Post("/jobs/{jobID}/approve", h.approveJob)
			r.Post("/jobs/{jobID}/reject", h.rejectJob)
			r.Post("/jobs/{jobID}/decryption-share", h.submitShare)
			r.Get("/report", h.report)
			r.Get("/audit", h.auditTrail)
			r.Get("/audit/verify", h.verifyAudit)
		})
	})
}

// writeError maps the protocol's typed errors onto HTTP status codes.
func (h *StudyHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var (
		validation *protocol.ValidationError
		conflict   *protocol.ConflictError
		notFound   *protocol.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode[T any](w http.ResponseWriter, r *http.Request) (*T, bool) {
	defer r.Body.Close()
	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body: " + err.Error()})
		return nil, false
	}
	return &req, true
}

// StudyResponse is the API projection of a study.
type StudyResponse struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Description          string    `json:"description,omitempty"`
	CreatedBy            string    `json:"created_by"`
	State                string    `json:"state"`
	ThresholdT           int       `json:"threshold_t"`
	ThresholdN           int       `json:"threshold_n"`
	AllowedAlgorithms    []string  `json:"allowed_algorithms"`
	Participants         int       `json:"participants,omitempty"`
	PublicKeyFingerprint string    `json:"public_key_fingerprint,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

func studyResponse(s *protocol.Study) StudyResponse {
	return StudyResponse{
		ID:                   s.ID,
		Name:                 s.Name,
		Description:          s.Description,
		CreatedBy:            s.CreatedBy,
		State:                string(s.State),
		ThresholdT:           s.Config.ThresholdT(),
		ThresholdN:           s.Config.ThresholdN(),
		AllowedAlgorithms:    s.Config.AllowedAlgorithms(),
		PublicKeyFingerprint: s.PublicKeyFingerprint,
		CreatedAt:            s.CreatedAt,
	}
}

// JobResponse is the API projection of a job. Result is only populated
// once the job completed; it carries the released plaintext.
type JobResponse struct {
	ID               string    `json:"id"`
	StudyID          string    `json:"study_id"`
	Requester        string    `json:"requester"`
	Algorithm        string    `json:"algorithm"`
	SelectedColumns  []string  `json:"selected_columns,omitempty"`
	State            string    `json:"state"`
	Approvals        int       `json:"approvals"`
	DecryptionShares int       `json:"decryption_shares"`
	ResultCommitment string    `json:"result_commitment,omitempty"`
	Result           []byte    `json:"result,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	RejectedBy       string    `json:"rejected_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func jobResponse(j *protocol.Job) JobResponse {
	return JobResponse{
		ID:               j.ID,
		StudyID:          j.StudyID,
		Requester:        j.Requester,
		Algorithm:        j.Algorithm,
		SelectedColumns:  j.SelectedColumns,
		State:            string(j.State),
		Approvals:        len(j.Approvals),
		DecryptionShares: len(j.Shares),
		ResultCommitment: j.ResultCommitment,
		Result:           j.Result,
		FailureReason:    j.FailureReason,
		RejectedBy:       j.RejectedBy,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
}

type createStudyRequest struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Creator           string   `json:"creator"`
	ThresholdT        int      `json:"threshold_t"`
	ThresholdN        int      `json:"threshold_n"`
	AllowedAlgorithms []string `json:"allowed_algorithms"`
}

func (h *StudyHandler) createStudy(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[createStudyRequest](w, r)
	if !ok {
		return
	}
	study, err := h.orch.CreateStudy(r.Context(), services.CreateStudyParams{
		Name:              req.Name,
		Description:       req.Description,
		Creator:           req.Creator,
		ThresholdT:        req.ThresholdT,
		ThresholdN:        req.ThresholdN,
		AllowedAlgorithms: req.AllowedAlgorithms,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, studyResponse(study))
}

func (h *StudyHandler) listStudies(w http.ResponseWriter, r *http.Request) {
	studies, err := h.orch.Studies(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]StudyResponse, 0, len(studies))
	for _, s := range studies {
		resp := studyResponse(s)
		roster, err := h.orch.Participants(r.Context(), s.ID)
		if err != nil {
			h.log.Error("listing study participants", "studyID", s.ID, "err", err)
		} else {
			resp.Participants = len(roster)
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *StudyHandler) getStudy(w http.ResponseWriter, r *http.Request) {
	study, err := h.orch.Study(r.Context(), chi.URLParam(r, "studyID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := studyResponse(study)
	roster, err := h.orch.Participants(r.Context(), study.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp.Participants = len(roster)
	writeJSON(w, http.StatusOK, resp)
}

type joinStudyRequest struct {
	Institution string `json:"institution"`
	Name        string `json:"name"`
	KeyShare    []byte `json:"key_share"`
}

func (h *StudyHandler) joinStudy(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[joinStudyRequest](w, r)
	if !ok {
		return
	}
	study, err := h.orch.JoinStudy(r.Context(), chi.URLParam(r, "studyID"), req.Institution, req.Name, req.KeyShare)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, studyResponse(study))
}

type uploadDatasetRequest struct {
	Institution string    `json:"institution"`
	Name        string    `json:"name"`
	Ciphertext  []byte    `json:"ciphertext"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
	Commitment  string    `json:"commitment,omitempty"`
}

type datasetResponse struct {
	ID             string    `json:"id"`
	StudyID        string    `json:"study_id"`
	Owner          string    `json:"owner"`
	Name           string    `json:"name"`
	CommitmentHash string    `json:"commitment_hash"`
	CommittedAt    time.Time `json:"committed_at"`
}

func (h *StudyHandler) uploadDataset(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[uploadDatasetRequest](w, r)
	if !ok {
		return
	}
	ds, err := h.orch.UploadDataset(r.Context(), chi.URLParam(r, "studyID"),
		req.Institution, req.Name, req.Ciphertext, req.Timestamp, req.Commitment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, datasetResponse{
		ID:             ds.ID,
		StudyID:        ds.StudyID,
		Owner:          ds.Owner,
		Name:           ds.Name,
		CommitmentHash: ds.CommitmentHash,
		CommittedAt:    ds.CommittedAt,
	})
}

type requestJobRequest struct {
	Requester       string         `json:"requester"`
	Algorithm       string         `json:"algorithm"`
	SelectedColumns []string       `json:"selected_columns,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
}

func (h *StudyHandler) requestJob(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[requestJobRequest](w, r)
	if !ok {
		return
	}
	job, err := h.orch.RequestJob(r.Context(), chi.URLParam(r, "studyID"),
		req.Requester, req.Algorithm, req.SelectedColumns, req.Params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse(job))
}

func (h *StudyHandler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.Job(r.Context(), chi.URLParam(r, "studyID"), chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

type voteRequest struct {
	Institution string `json:"institution"`
}

func (h *StudyHandler) approveJob(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[voteRequest](w, r)
	if !ok {
		return
	}
	job, err := h.orch.ApproveJob(r.Context(), chi.URLParam(r, "studyID"), chi.URLParam(r, "jobID"), req.Institution)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

func (h *StudyHandler) rejectJob(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[voteRequest](w, r)
	if !ok {
		return
	}
	job, err := h.orch.RejectJob(r.Context(), chi.URLParam(r, "studyID"), chi.URLParam(r, "jobID"), req.Institution)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

type shareRequest struct {
	Institution string `json:"institution"`
	Share       []byte `json:"share"`
}

func (h *StudyHandler) submitShare(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[shareRequest](w, r)
	if !ok {
		return
	}
	job, err := h.orch.SubmitDecryptionShare(r.Context(), chi.URLParam(r, "studyID"), chi.URLParam(r, "jobID"), req.Institution, req.Share)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

func (h *StudyHandler) report(w http.ResponseWriter, r *http.Request) {
	report, err := h.orch.ProtocolReport(r.Context(), chi.URLParam(r, "studyID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type auditResponse struct {
	StudyID string          `json:"study_id"`
	Entries []*ledger.Entry `json:"entries"`
}

func (h *StudyHandler) auditTrail(w http.ResponseWriter, r *http.Request) {
	studyID := chi.URLParam(r, "studyID")
	entries, err := h.orch.AuditTrail(r.Context(), studyID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auditResponse{StudyID: studyID, Entries: entries})
}

func (h *StudyHandler) verifyAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.orch.VerifyAuditChain(r.Context(), chi.URLParam(r, "studyID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/db"
	"github.com/patrickwarner/openadbuyer/internal/execution"
	"github.com/patrickwarner/openadbuyer/internal/flow"
	"github.com/patrickwarner/openadbuyer/internal/middleware"
	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/token"
)

const defaultListLimit = 20

type bookingResponse struct {
	FlowID          string                         `json:"flow_id"`
	Status          models.FlowStatus              `json:"status"`
	Consolidation   flow.ConsolidationResult       `json:"consolidation"`
	Recommendations []models.ProductRecommendation `json:"recommendations"`
	ApprovalToken   string                         `json:"approval_token,omitempty"`
}

// CreateBookingHandler starts a booking flow from a campaign brief and runs it
// up to the approval gate.
func (s *Server) CreateBookingHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "bookings_create"
	status := http.StatusCreated
	defer func() { s.observe(endpoint, r.Method, status, start) }()
	logger := middleware.LoggerFromRequest(r, s.Logger)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "read body: "+err.Error())
		return
	}
	f, err := flow.NewFromJSON(s.flowDeps(), raw)
	if err != nil {
		status = http.StatusBadRequest
		writeError(w, status, err.Error())
		return
	}

	res, err := f.Run(r.Context())
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			status = http.StatusUnprocessableEntity
			writeError(w, status, verr.Error(), f.GetStatus().Errors...)
			return
		}
		status = http.StatusServiceUnavailable
		writeError(w, status, err.Error(), f.GetStatus().Errors...)
		return
	}

	pending := f.PendingApprovals()
	resp := bookingResponse{
		FlowID:          f.ID(),
		Status:          f.GetStatus(),
		Consolidation:   res,
		Recommendations: pending,
	}
	// A flow without a usable token could never be approved, so it is not held.
	if len(s.TokenSecret) > 0 && len(pending) > 0 {
		tok, err := token.Generate(resp.FlowID, flow.SortedIDs(pending), s.TokenSecret)
		if err != nil {
			logger.Error("failed to issue approval token", zap.String("flow_id", resp.FlowID), zap.Error(err))
			status = http.StatusInternalServerError
			writeError(w, status, "failed to issue approval token: "+err.Error())
			return
		}
		resp.ApprovalToken = tok
	}
	s.register(f)
	logger.Info("booking flow awaiting approval",
		zap.String("flow_id", resp.FlowID),
		zap.Int("recommendations", len(pending)))
	writeJSON(w, status, resp)
}

// ListBookingsHandler lists persisted flows, most recently updated first.
func (s *Server) ListBookingsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "bookings_list"
	status := http.StatusOK
	defer func() { s.observe(endpoint, r.Method, status, start) }()

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			status = http.StatusBadRequest
			writeError(w, status, "invalid limit")
			return
		}
		limit = n
	}
	states, err := s.Store.List(r.Context(), limit)
	if err != nil {
		status = http.StatusInternalServerError
		middleware.LoggerFromRequest(r, s.Logger).Error("list flows", zap.Error(err))
		writeError(w, status, "failed to list bookings")
		return
	}
	out := make([]models.FlowStatus, 0, len(states))
	for _, st := range states {
		out = append(out, st.Status())
	}
	writeJSON(w, status, out)
}

// state returns the flow state for id, preferring the live flow.
func (s *Server) state(r *http.Request, id string) (*models.FlowState, error) {
	if f, ok := s.live(id); ok {
		return f.Snapshot()
	}
	return s.Store.Load(r.Context(), id)
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, err error) int {
	if errors.Is(err, db.ErrFlowNotFound) {
		writeError(w, http.StatusNotFound, "booking not found")
		return http.StatusNotFound
	}
	middleware.LoggerFromRequest(r, s.Logger).Error("load flow", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load booking")
	return http.StatusInternalServerError
}

// GetBookingHandler returns the status projection of one flow.
func (s *Server) GetBookingHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "bookings_get"
	status := http.StatusOK
	defer func() { s.observe(endpoint, r.Method, status, start) }()

	id := mux.Vars(r)["id"]
	if f, ok := s.live(id); ok {
		writeJSON(w, status, f.GetStatus())
		return
	}
	st, err := s.Store.Load(r.Context(), id)
	if err != nil {
		status = s.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, status, st.Status())
}

// RecommendationsHandler returns the recommendations awaiting approval.
func (s *Server) RecommendationsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "bookings_recommendations"
	status := http.StatusOK
	defer func() { s.observe(endpoint, r.Method, status, start) }()

	st, err := s.state(r, mux.Vars(r)["id"])
	if err != nil {
		status = s.writeLookupError(w, r, err)
		return
	}
	recs := st.PendingApprovals
	if recs == nil {
		recs = []models.ProductRecommendation{}
	}
	writeJSON(w, status, recs)
}

// EventsHandler returns the status history of a flow. The ClickHouse event
// log is used when configured, otherwise the flow's own event list.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "bookings_events"
	status := http.StatusOK
	defer func() { s.observe(endpoint, r.Method, status, start) }()

	id := mux.Vars(r)["id"]
	if s.EventLog != nil {
		evs, err := s.EventLog.EventsForFlow(r.Context(), id)
		if err == nil && len(evs) > 0 {
			writeJSON(w, status, evs)
			return
		}
		if err != nil {
			middleware.LoggerFromRequest(r, s.Logger).Warn("event log query failed", zap.String("flow_id", id), zap.Error(err))
		}
	}
	st, err := s.state(r, id)
	if err != nil {
		status = s.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, status, st.Events)
}

type approveRequest struct {
	IDs   []string `json:"ids"`
	All   bool     `json:"all"`
	Token string   `json:"token"`

	// Optional seller submission of the approved lines.
	AccountID string `json:"account_id,omitempty"`
	OrderName string `json:"order_name,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

type approveResponse struct {
	FlowID          string                `json:"flow_id"`
	Result          flow.ExecutionResult  `json:"result"`
	Status          models.FlowStatus     `json:"status"`
	Submission      *execution.Submission `json:"submission,omitempty"`
	SubmissionError string                `json:"submission_error,omitempty"`
}

// ApproveHandler approves pending recommendations and executes the bookings.
// When an approval secret is configured the request must carry the token
// issued with the recommendations.
func (s *Server) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "bookings_approve"
	status := http.StatusOK
	defer func() { s.observe(endpoint, r.Method, status, start) }()
	logger := middleware.LoggerFromRequest(r, s.Logger)

	id := mux.Vars(r)["id"]
	f, ok := s.live(id)
	if !ok {
		if _, err := s.Store.Load(r.Context(), id); err == nil {
			status = http.StatusConflict
			writeError(w, status, "booking is not active in this process")
			return
		}
		status = http.StatusNotFound
		writeError(w, status, "booking not found")
		return
	}

	var req approveRequest
	if err := decodeBody(w, r, &req); err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "invalid request body")
		return
	}

	ids := req.IDs
	if req.All {
		ids = flow.SortedIDs(f.PendingApprovals())
	}
	if len(s.TokenSecret) > 0 {
		if err := token.VerifyApproval(req.Token, s.TokenSecret, s.TokenTTL, id, ids); err != nil {
			status = http.StatusForbidden
			writeError(w, status, "approval token rejected: "+err.Error())
			return
		}
	}

	var (
		res flow.ExecutionResult
		err error
	)
	if req.All {
		res, err = f.ApproveAll(r.Context())
	} else {
		res, err = f.ApproveRecommendations(r.Context(), req.IDs)
	}
	if err != nil {
		if f.GetStatus().ExecutionStatus.IsTerminal() {
			s.release(id)
		}
		status = http.StatusConflict
		writeError(w, status, err.Error())
		return
	}

	resp := approveResponse{FlowID: id, Result: res}
	if req.AccountID != "" && s.Seller != nil && res.Booked > 0 {
		sub, err := s.submit(r, f, req)
		if err != nil {
			logger.Warn("seller submission failed", zap.String("flow_id", id), zap.Error(err))
			resp.SubmissionError = err.Error()
		} else {
			resp.Submission = &sub
		}
	}
	resp.Status = f.GetStatus()
	if resp.Status.ExecutionStatus.IsTerminal() {
		s.release(id)
	}
	writeJSON(w, status, resp)
}

func (s *Server) submit(r *http.Request, f *flow.BookingFlow, req approveRequest) (execution.Submission, error) {
	snap, err := f.Snapshot()
	if err != nil {
		return execution.Submission{}, err
	}
	var lines []models.BookedLine
	for _, l := range snap.BookedLines {
		if l.BookingStatus == models.BookingPendingExecution {
			lines = append(lines, l)
		}
	}
	brief := snap.CampaignBrief
	order := execution.Order{
		AccountID: req.AccountID,
		Name:      firstNonEmpty(req.OrderName, brief.Name),
		StartDate: firstNonEmpty(req.StartDate, brief.StartDate),
		EndDate:   firstNonEmpty(req.EndDate, brief.EndDate),
	}
	ex := execution.New(s.Seller, s.Via, f.RecordLineStatus, middleware.LoggerFromRequest(r, s.Logger))
	return ex.Submit(r.Context(), order, lines)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

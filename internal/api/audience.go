package api

import (
	"net/http"
	"time"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/ucp"
)

type validateAudienceRequest struct {
	TargetAudience map[string]any `json:"target_audience"`
	Endpoints      []string       `json:"endpoints,omitempty"`
	Consent        *ucp.Consent   `json:"consent,omitempty"`
}

type endpointValidation struct {
	Endpoint string `json:"endpoint"`
	ucp.AudienceValidationResult
}

type validateAudienceResponse struct {
	Plan        *models.AudiencePlan `json:"plan"`
	Validations []endpointValidation `json:"validations"`
}

// endpoints returns the sellers to validate against: the request's list, or
// the configured UCP endpoint and seller endpoints.
func (s *Server) endpoints(req validateAudienceRequest) []string {
	if len(req.Endpoints) > 0 {
		return req.Endpoints
	}
	var out []string
	if s.Config.UCPEndpoint != "" {
		out = append(out, s.Config.UCPEndpoint)
	}
	return append(out, s.Config.SellerEndpoints...)
}

// ValidateAudienceHandler plans the audience and checks it against each
// seller's signal capabilities. A seller that cannot be reached yields an
// invalid result for that seller only.
func (s *Server) ValidateAudienceHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "audience_validate"
	status := http.StatusOK
	defer func() { s.observe(endpoint, r.Method, status, start) }()

	var req validateAudienceRequest
	if err := decodeBody(w, r, &req); err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "invalid request body")
		return
	}
	if len(req.TargetAudience) == 0 {
		status = http.StatusBadRequest
		writeError(w, status, (&models.MissingRequiredField{Field: "target_audience"}).Error())
		return
	}
	plan, err := s.Planner.Plan(req.TargetAudience)
	if err != nil {
		status = http.StatusUnprocessableEntity
		writeError(w, status, err.Error())
		return
	}

	resp := validateAudienceResponse{Plan: plan, Validations: []endpointValidation{}}
	if s.UCP != nil {
		for _, ep := range s.endpoints(req) {
			res := s.UCP.ValidateAudience(r.Context(), req.TargetAudience, ep, req.Consent)
			resp.Validations = append(resp.Validations, endpointValidation{Endpoint: ep, AudienceValidationResult: res})
		}
	}
	writeJSON(w, status, resp)
}

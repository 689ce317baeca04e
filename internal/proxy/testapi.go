package proxy

import (
	"encoding/json"
	"net/http"

	"ai-anonymizing-proxy/internal/anonymizer"
	"ai-anonymizing-proxy/internal/deanonymizer"
)

// testAnonymizeRequest/testAnonymizeResponse and their deanonymize
// counterparts back two debug endpoints that exercise anonymize/deanonymize
// directly, without an upstream call, for manual verification and
// client-side integration testing.
type testAnonymizeRequest struct {
	Text string `json:"text"`
}

type testAnonymizeResponse struct {
	Text      string `json:"text"`
	MappingID string `json:"mapping_id"`
	Count     int    `json:"count"`
}

type testDeanonymizeRequest struct {
	Text      string `json:"text"`
	MappingID string `json:"mapping_id"`
}

type testDeanonymizeResponse struct {
	Text       string   `json:"text"`
	Unresolved []string `json:"unresolved,omitempty"`
}

func (s *Server) handleTestAnonymize(w http.ResponseWriter, r *http.Request) {
	var req testAnonymizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		newError(KindBadRequest, "invalid JSON body").writeJSON(w)
		return
	}

	cfg := s.cfgMgr.Current()
	out, m, err := s.anon.AnonymizeText(r.Context(), req.Text, anonymizer.Options{
		TenantID: tenantID(r),
		TTL:      cfg.MappingTTL(),
	})
	if err != nil {
		wrapError(KindInternal, "anonymization failed", err).writeJSON(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(testAnonymizeResponse{ //nolint:errcheck
		Text:      out,
		MappingID: m.ID,
		Count:     m.Len(),
	})
}

func (s *Server) handleTestDeanonymize(w http.ResponseWriter, r *http.Request) {
	var req testDeanonymizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		newError(KindBadRequest, "invalid JSON body").writeJSON(w)
		return
	}
	if req.MappingID == "" {
		newError(KindBadRequest, "mapping_id is required").writeJSON(w)
		return
	}

	m, err := s.store.Get(r.Context(), req.MappingID)
	if err != nil || m == nil {
		newError(KindMappingLost, "no mapping found for the given mapping_id").writeJSON(w)
		return
	}

	cfg := s.cfgMgr.Current()
	result := deanonymizer.Deanonymize(req.Text, m, s.hashIdx, deanonymizer.Options{
		FuzzyEnabled:             cfg.FuzzyEnabled,
		FuzzyConfidenceThreshold: cfg.FuzzyConfidenceThreshold,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(testDeanonymizeResponse{ //nolint:errcheck
		Text:       result.Text,
		Unresolved: result.Unresolved,
	})
}

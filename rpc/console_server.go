package rpc

import (
	"context"
	"net/http"
)

// SampleStatus is the narrow slice of sampling.Oracle ConsoleService
// needs: whether this node currently holds a stabilized sample view.
type SampleStatus interface {
	HasActiveSample() bool
}

// ConsoleService answers operational status queries (spec.md §6). It is
// deliberately the smallest of the three services — a single read with
// no request body — grounded on the same routeTable shape as APIService
// and SynchronizerService for consistency rather than on any one teacher
// file.
type ConsoleService struct {
	sample SampleStatus
}

// NewConsoleService constructs a ConsoleService.
func NewConsoleService(sample SampleStatus) *ConsoleService {
	return &ConsoleService{sample: sample}
}

func (s *ConsoleService) routes() routeTable {
	return routeTable{"/v1/console/status": s.status}
}

func (s *ConsoleService) status(_ context.Context, e *RequestEvent, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(e, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(e, w, http.StatusOK, StatusResponse{HasActiveSample: s.sample.HasActiveSample()})
}

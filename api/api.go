package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buybackoff/atomix/fsm"
)

// Router builds the HTTP status surface over a running GroupFSM: a
// read-only window onto membership/property/task state plus Prometheus
// metrics, the same shape as the teacher's fsm/service/ha subrouters,
// narrowed to the one state machine this domain has.
func Router(groupFSM fsm.GroupFSM) (*mux.Router, error) {
	r := mux.NewRouter()
	if err := registerGroupRouter(groupFSM, r.PathPrefix("/group").Subrouter()); err != nil {
		return nil, errors.Wrap(err, "Error registering group subrouter for API")
	}
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r, nil
}

type apiSuccessResponse struct {
	Data interface{} `json:"data,omitempty"`
}
type apiErrorResponse struct {
	Errors []error `json:"errors"`
}

func sendResponse(code int, jsonData interface{}, errorMsgs []error, w http.ResponseWriter) error {
	var resp interface{}
	if len(errorMsgs) > 0 {
		resp = apiErrorResponse{Errors: errorMsgs}
	} else if jsonData != nil {
		resp = apiSuccessResponse{Data: jsonData}
	} else {
		return errors.New("Must supply either errorsMsgs or jsonDATA to response")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if resp == nil {
		return nil
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return errors.Wrap(err, "Error encoding JSON into response body")
	}
	return nil
}

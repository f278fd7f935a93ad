package api

import (
	"net/http"

	log "github.com/Sirupsen/logrus"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/buybackoff/atomix/fsm"
)

func registerGroupRouter(groupFSM fsm.GroupFSM, r *mux.Router) error {
	r.HandleFunc("/id", groupIDHandler(groupFSM)).Methods("GET")
	r.HandleFunc("/member/{id}", groupMemberHandler(groupFSM)).Methods("GET")
	r.HandleFunc("/members", groupMembersHandler(groupFSM)).Methods("GET")
	r.HandleFunc("/property/{id}/{name}", groupPropertyHandler(groupFSM)).Methods("GET")
	return nil
}

func groupIDHandler(groupFSM fsm.GroupFSM) http.HandlerFunc {
	type idAPIResp struct {
		ID uint64 `json:"id"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		id := groupFSM.UniqueID()
		if err := sendResponse(200, idAPIResp{ID: id}, []error{}, w); err != nil {
			log.Error("Error sending response for ID request")
		}
	}
}

func groupMemberHandler(groupFSM fsm.GroupFSM) http.HandlerFunc {
	type memberAPIResp struct {
		Member fsm.GroupMemberInfo `json:"member"`
		Exists bool                `json:"exists"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		id, ok := vars["id"]
		if !ok {
			if err := sendResponse(400, nil, []error{errors.New("ID not provided in request for member")}, w); err != nil {
				log.Error("Error sending error response")
			}
			return
		}

		member, exists := groupFSM.Member(id)
		if err := sendResponse(200, memberAPIResp{Member: member, Exists: exists}, []error{}, w); err != nil {
			log.Error("Error sending member response")
		}
	}
}

func groupMembersHandler(groupFSM fsm.GroupFSM) http.HandlerFunc {
	type membersAPIResp struct {
		Members []fsm.GroupMemberInfo `json:"members"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		members := groupFSM.Members()
		if err := sendResponse(200, membersAPIResp{Members: members}, []error{}, w); err != nil {
			log.Error("Error sending members response")
		}
	}
}

func groupPropertyHandler(groupFSM fsm.GroupFSM) http.HandlerFunc {
	type propertyAPIResp struct {
		Value  []byte `json:"value,omitempty"`
		Exists bool   `json:"exists"`
	}
	return func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		id := vars["id"]
		name := vars["name"]

		value, exists, err := groupFSM.GetProperty(id, name)
		if err != nil {
			if err := sendResponse(500, nil, []error{err}, w); err != nil {
				log.Error("Error sending error response")
			}
			return
		}
		if err := sendResponse(200, propertyAPIResp{Value: value, Exists: exists}, []error{}, w); err != nil {
			log.Error("Error sending property response")
		}
	}
}

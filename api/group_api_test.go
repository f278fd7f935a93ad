package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/compose/canoe"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/buybackoff/atomix/fsm"
)

type fakeGroupFSM struct {
	members map[string]fsm.GroupMemberInfo
	props   map[string][]byte
}

func (f *fakeGroupFSM) UniqueID() uint64      { return 7 }
func (f *fakeGroupFSM) CompletedRestore() bool { return true }
func (f *fakeGroupFSM) Cleanup() error         { return nil }
func (f *fakeGroupFSM) Destroy() error         { return nil }
func (f *fakeGroupFSM) Join(req fsm.JoinRequest) (fsm.GroupMemberInfo, error) {
	return fsm.GroupMemberInfo{}, nil
}
func (f *fakeGroupFSM) Leave(memberID string) error { return nil }
func (f *fakeGroupFSM) Listen(session uint64) ([]fsm.GroupMemberInfo, error) { return nil, nil }
func (f *fakeGroupFSM) Events(session uint64) <-chan fsm.Event               { return nil }
func (f *fakeGroupFSM) CloseSession(session uint64) error                   { return nil }
func (f *fakeGroupFSM) SetProperty(memberID, name string, value []byte) error {
	return nil
}
func (f *fakeGroupFSM) GetProperty(memberID, name string) ([]byte, bool, error) {
	v, ok := f.props[memberID+"/"+name]
	return v, ok, nil
}
func (f *fakeGroupFSM) RemoveProperty(memberID, name string) error          { return nil }
func (f *fakeGroupFSM) Submit(req fsm.SubmitRequest) (uint64, error)        { return 0, nil }
func (f *fakeGroupFSM) Ack(memberID string, taskIndex uint64, succeeded bool) error {
	return nil
}
func (f *fakeGroupFSM) Members() []fsm.GroupMemberInfo {
	out := make([]fsm.GroupMemberInfo, 0, len(f.members))
	for _, m := range f.members {
		out = append(out, m)
	}
	return out
}
func (f *fakeGroupFSM) Member(memberID string) (fsm.GroupMemberInfo, bool) {
	m, ok := f.members[memberID]
	return m, ok
}
func (f *fakeGroupFSM) Snapshot() (canoe.SnapshotData, error) { return nil, nil }

func TestGroupIDHandler(t *testing.T) {
	r := mux.NewRouter()
	assert.NoError(t, registerGroupRouter(&fakeGroupFSM{}, r))

	req := httptest.NewRequest("GET", "/id", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp apiSuccessResponse
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
}

func TestGroupMemberHandlerReportsExists(t *testing.T) {
	fakeFSM := &fakeGroupFSM{members: map[string]fsm.GroupMemberInfo{
		"m1": {MemberID: "m1", Index: 3},
	}}

	r := mux.NewRouter()
	assert.NoError(t, registerGroupRouter(fakeFSM, r))

	req := httptest.NewRequest("GET", "/member/m1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			Member fsm.GroupMemberInfo `json:"member"`
			Exists bool                `json:"exists"`
		} `json:"data"`
	}
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Data.Exists)
	assert.EqualValues(t, 3, resp.Data.Member.Index)
}

func TestGroupMembersHandlerListsAll(t *testing.T) {
	fakeFSM := &fakeGroupFSM{members: map[string]fsm.GroupMemberInfo{
		"m1": {MemberID: "m1"},
		"m2": {MemberID: "m2"},
	}}

	r := mux.NewRouter()
	assert.NoError(t, registerGroupRouter(fakeFSM, r))

	req := httptest.NewRequest("GET", "/members", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			Members []fsm.GroupMemberInfo `json:"members"`
		} `json:"data"`
	}
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp.Data.Members, 2)
}

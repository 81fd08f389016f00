package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/engine"
)

func (a *API) listAssignments(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	opts, err := listOpts(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var f engine.AssignmentFilter
	if actor.Role == RoleDriver {
		f.DriverID = actor.ID
	} else {
		f.TransporterID = actor.ID
	}

	list, err := a.eng.ListAssignments(r.Context(), f, opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*broadcast.Assignment{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) closeAssignment(w http.ResponseWriter, r *http.Request) {
	asg, err := a.eng.CloseAssignment(r.Context(), chi.URLParam(r, "assignmentId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asg)
}

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/haul"
	"github.com/xraph/haul/acceptance"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/lifecycle"
)

func (a *API) createBroadcast(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	var req CreateBroadcastRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.eng.CreateBroadcast(r.Context(), lifecycle.CreateInput{
		CustomerID:   actor.ID,
		Pickup:       req.Pickup,
		Drop:         req.Drop,
		Vehicle:      req.Vehicle,
		TrucksNeeded: req.TrucksNeeded,
		Token:        r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateBroadcastResponse{
		RequestID:    res.Request.ID.String(),
		ExpiresAt:    res.Request.ExpiresAt,
		MatchedCount: res.MatchedCount,
	})
}

func (a *API) listBroadcasts(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	opts, err := listOpts(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	list, err := a.eng.ListBroadcasts(r.Context(), actor.ID, opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*broadcast.Request{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) getBroadcast(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	view, err := a.eng.GetBroadcast(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	// Customers only see their own requests.
	if actor.Role == RoleCustomer && view.Request.CustomerID != actor.ID {
		a.writeError(w, r, haul.ErrRequestNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) cancelBroadcast(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	req, err := a.eng.CancelBroadcast(r.Context(), actor.ID, chi.URLParam(r, "requestId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) acceptDemandUnit(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	var req AcceptRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.eng.AcceptDemandUnit(r.Context(), acceptance.Input{
		RequestID:     chi.URLParam(r, "requestId"),
		DemandUnitID:  chi.URLParam(r, "unitId"),
		TransporterID: actor.ID,
		DriverID:      req.DriverID,
		VehicleID:     req.VehicleID,
		Token:         r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AcceptResponse{
		AssignmentID:    res.AssignmentID,
		TrucksConfirmed: res.TrucksConfirmed,
		TrucksNeeded:    res.TrucksNeeded,
		IsFullyFilled:   res.IsFullyFilled,
	})
}

func listOpts(r *http.Request) (broadcast.ListOpts, error) {
	opts := broadcast.ListOpts{Limit: defaultLimit}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return opts, haul.Invalid("limit", "must be a positive integer")
		}
		opts.Limit = min(n, maxLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, haul.Invalid("offset", "must be a non-negative integer")
		}
		opts.Offset = n
	}
	return opts, nil
}

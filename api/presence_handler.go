package api

import (
	"net/http"

	"github.com/xraph/haul"
)

func (a *API) setPresence(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	var req PresenceRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	changed, err := a.eng.SetOnline(r.Context(), actor.ID, req.Online, req.Capabilities)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PresenceResponse{Online: req.Online, Changed: changed})
}

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())

	var req HeartbeatRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	online, err := a.eng.Heartbeat(r.Context(), actor.ID, haul.Point{Lat: req.Lat, Lon: req.Lon})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HeartbeatResponse{Online: online})
}

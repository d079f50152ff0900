package routegroups

import (
	"berkut-incidents/api/handlers"
	"github.com/go-chi/chi/v5"
)

func RegisterIncidents(apiRouter chi.Router, g Guards, incidents *handlers.IncidentsHandler) {
	apiRouter.Route("/incidents", func(incidentsRouter chi.Router) {
		incidentsRouter.MethodFunc("POST", "/", g.Actor(incidents.Create))
		incidentsRouter.MethodFunc("GET", "/{id:[0-9]+}", g.Actor(incidents.Get))
		incidentsRouter.MethodFunc("PUT", "/{id:[0-9]+}/status", g.Actor(incidents.UpdateStatus))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/assign", g.Actor(incidents.Assign))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/auto-assign", g.Actor(incidents.AutoAssign))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/evidence", g.Actor(incidents.AddEvidence))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/evidence/{evidence_id}/custody", g.Actor(incidents.TransferCustody))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/notes", g.Actor(incidents.AddNote))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/escalate", g.Actor(incidents.Escalate))
	})
	apiRouter.MethodFunc("GET", "/stores/{store_id}/workloads", g.Actor(incidents.Workloads))
	apiRouter.MethodFunc("POST", "/escalation/sweep", g.Actor(incidents.RunSweep))
}

package routegroups

import (
	"berkut-incidents/api/handlers"
	"github.com/go-chi/chi/v5"
)

func RegisterRules(apiRouter chi.Router, g Guards, rules *handlers.RulesHandler) {
	apiRouter.MethodFunc("PUT", "/rules/{kind:assignment|escalation}/{rule_id:[0-9]+}/active", g.Actor(rules.SetActive))
}

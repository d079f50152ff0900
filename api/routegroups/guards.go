package routegroups

import "net/http"

// Guards wraps handlers with the server's request checks.
type Guards struct {
	WithActor func(http.HandlerFunc) http.HandlerFunc
}

func (g Guards) Actor(h http.HandlerFunc) http.HandlerFunc {
	if g.WithActor == nil {
		return h
	}
	return g.WithActor(h)
}

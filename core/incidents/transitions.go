package incidents

import "berkut-incidents/core/store"

// nextStatuses lists the legal targets from a status. Closed is terminal.
func nextStatuses(from store.Status) []store.Status {
	switch from {
	case store.StatusOpen:
		return []store.Status{store.StatusInvestigating, store.StatusResolved}
	case store.StatusInvestigating:
		return []store.Status{store.StatusResolved, store.StatusOpen}
	case store.StatusResolved:
		return []store.Status{store.StatusClosed, store.StatusInvestigating}
	case store.StatusClosed:
		return nil
	default:
		return nil
	}
}

func CanTransition(from, to store.Status) bool {
	for _, s := range nextStatuses(from) {
		if s == to {
			return true
		}
	}
	return false
}

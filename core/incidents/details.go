package incidents

import (
	"context"

	"berkut-incidents/core/store"
	"berkut-incidents/core/workload"
)

type Details struct {
	Incident store.Incident        `json:"incident"`
	Timeline []store.TimelineEvent `json:"timeline"`
	Evidence []store.Evidence      `json:"evidence"`
}

func (s *Service) GetIncidentDetails(ctx context.Context, id int64) (*Details, error) {
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	timeline, err := s.timeline.ListTimeline(ctx, id)
	if err != nil {
		return nil, err
	}
	evidence, err := s.evidence.ListEvidence(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Details{Incident: *inc, Timeline: timeline, Evidence: evidence}, nil
}

func (s *Service) GetUserWorkloads(ctx context.Context, storeID string) ([]workload.UserWorkload, error) {
	return s.workload.StoreWorkloads(ctx, storeID)
}

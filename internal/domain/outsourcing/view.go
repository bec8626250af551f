package outsourcing

import (
	"context"

	"github.com/google/uuid"
)

// GroupByPatient lists the collaboration's rows bucketed by patient, in the
// order patients first appear. Presentation only.
func (e *Engine) GroupByPatient(ctx context.Context, caller Caller, collabID uuid.UUID) ([]*PatientGroup, error) {
	recs, _, err := e.ListByCollaboration(ctx, caller, collabID, TrackerFilter{}, 0, 0)
	if err != nil {
		return nil, err
	}
	return groupByPatient(recs), nil
}

func groupByPatient(recs []*TrackerRecord) []*PatientGroup {
	groups := []*PatientGroup{}
	byPatient := make(map[uuid.UUID]*PatientGroup)
	for _, r := range recs {
		g, ok := byPatient[r.PatientID]
		if !ok {
			g = &PatientGroup{PatientID: r.PatientID}
			byPatient[r.PatientID] = g
			groups = append(groups, g)
		}
		if g.PatientIDAtCounterpart == nil && r.PatientIDAtClient != nil {
			g.PatientIDAtCounterpart = r.PatientIDAtClient
		}
		g.Records = append(g.Records, r)
	}
	return groups
}

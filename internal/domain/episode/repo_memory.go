package episode

import (
	"context"
	"sort"
	"sync"
)

type memoryRepo struct {
	mu       sync.RWMutex
	nextID   int64
	byKey    map[string]int64
	byPerson map[int64][]*Episode
}

// NewMemoryRepo returns an in-process repository. Stored episodes are copied
// on the way in and out, so callers can never mutate the log.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		byKey:    make(map[string]int64),
		byPerson: make(map[int64][]*Episode),
	}
}

func (r *memoryRepo) Insert(ctx context.Context, e *Episode) (InsertOutcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := e.validate(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := e.DedupeKey()
	if _, ok := r.byKey[key]; ok {
		return AlreadyExists, nil
	}
	r.nextID++
	e.ID = r.nextID
	r.byKey[key] = e.ID
	r.byPerson[e.PersonID] = append(r.byPerson[e.PersonID], clone(e))
	return Inserted, nil
}

func (r *memoryRepo) ListByPatient(ctx context.Context, personID int64) ([]*Episode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	stored := r.byPerson[personID]
	out := make([]*Episode, len(stored))
	for i, e := range stored {
		out[i] = clone(e)
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return Before(out[j], out[i]) })
	return out, nil
}

func (r *memoryRepo) LatestValue(ctx context.Context, personID int64, class ConceptClass) (*Observation, bool, error) {
	eps, err := r.ListByPatient(ctx, personID)
	if err != nil {
		return nil, false, err
	}
	for _, e := range eps {
		if e.ObservationCode == nil || !class.Contains(*e.ObservationCode) {
			continue
		}
		if o, ok := ObservationOf(e); ok {
			return o, true, nil
		}
	}
	return nil, false, nil
}

func (r *memoryRepo) Ping(ctx context.Context) error {
	return ctx.Err()
}

func clone(e *Episode) *Episode {
	c := *e
	if e.ObservationCode != nil {
		v := *e.ObservationCode
		c.ObservationCode = &v
	}
	if e.ValueAsNumber != nil {
		v := *e.ValueAsNumber
		c.ValueAsNumber = &v
	}
	if e.UnitSourceValue != nil {
		v := *e.UnitSourceValue
		c.UnitSourceValue = &v
	}
	if e.SourceSystem != nil {
		v := *e.SourceSystem
		c.SourceSystem = &v
	}
	return &c
}

package episode

import (
	"context"
)

// Repository is the durable episode log. Insert must be atomic: a reader
// never observes a partially written episode.
type Repository interface {
	// Insert stores e unless an episode with the same dedupe key exists.
	// On Inserted, e.ID is set to the assigned id.
	Insert(ctx context.Context, e *Episode) (InsertOutcome, error)
	// ListByPatient returns the patient's episodes, most recent first
	// (start datetime desc, episode id desc).
	ListByPatient(ctx context.Context, personID int64) ([]*Episode, error)
	// LatestValue returns the most recent lab value whose code is in class.
	LatestValue(ctx context.Context, personID int64, class ConceptClass) (*Observation, bool, error)
	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}

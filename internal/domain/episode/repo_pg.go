package episode

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oncopharm/cdss/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type episodeRepoPG struct{ pool *pgxpool.Pool }

// NewEpisodeRepoPG returns a Repository backed by PostgreSQL. The schema comes
// from the migrations package.
func NewEpisodeRepoPG(pool *pgxpool.Pool) Repository {
	return &episodeRepoPG{pool: pool}
}

func (r *episodeRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const episodeCols = `episode_id, person_id, episode_concept_id, episode_start_date,
	COALESCE(episode_start_datetime, episode_start_date::timestamptz),
	COALESCE(episode_number, 0), episode_source_value,
	episode_object_concept_id, episode_type_concept_id,
	observation_code, value_as_number, unit_source_value, source_system`

func (r *episodeRepoPG) scanRow(row pgx.Row) (*Episode, error) {
	var e Episode
	err := row.Scan(&e.ID, &e.PersonID, &e.ConceptID, &e.StartDate,
		&e.StartDateTime, &e.Number, &e.SourceValue,
		&e.ObjectConceptID, &e.TypeConceptID,
		&e.ObservationCode, &e.ValueAsNumber, &e.UnitSourceValue, &e.SourceSystem)
	if err != nil {
		return nil, err
	}
	e.StartDate = e.StartDate.UTC()
	e.StartDateTime = e.StartDateTime.UTC()
	return &e, nil
}

// Insert runs in its own transaction holding a transaction-scoped advisory
// lock on the person id, so writers for one patient are serialized across
// processes. The unique dedupe_key index makes the insert idempotent.
func (r *episodeRepoPG) Insert(ctx context.Context, e *Episode) (InsertOutcome, error) {
	if err := e.validate(); err != nil {
		return 0, err
	}

	var outcome InsertOutcome
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, e.PersonID); err != nil {
			return fmt.Errorf("lock person %d: %w", e.PersonID, err)
		}

		var id int64
		err := q.QueryRow(ctx, `
			INSERT INTO episode (person_id, episode_concept_id, episode_start_date,
				episode_start_datetime, episode_number, episode_source_value,
				episode_object_concept_id, episode_type_concept_id,
				observation_code, value_as_number, unit_source_value, source_system,
				dedupe_key)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (dedupe_key) DO NOTHING
			RETURNING episode_id`,
			e.PersonID, e.ConceptID, e.StartDate,
			e.StartDateTime, e.Number, e.SourceValue,
			e.ObjectConceptID, e.TypeConceptID,
			e.ObservationCode, e.ValueAsNumber, e.UnitSourceValue, e.SourceSystem,
			e.DedupeKey()).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			outcome = AlreadyExists
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert episode: %w", err)
		}
		e.ID = id
		outcome = Inserted
		return nil
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

func (r *episodeRepoPG) ListByPatient(ctx context.Context, personID int64) ([]*Episode, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+episodeCols+` FROM episode
		WHERE person_id = $1
		ORDER BY episode_start_datetime DESC, episode_id DESC`, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Episode
	for rows.Next() {
		e, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *episodeRepoPG) LatestValue(ctx context.Context, personID int64, class ConceptClass) (*Observation, bool, error) {
	e, err := r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+episodeCols+` FROM episode
		WHERE person_id = $1 AND episode_concept_id = $2
			AND upper(observation_code) = ANY($3) AND value_as_number IS NOT NULL
		ORDER BY episode_start_datetime DESC, episode_id DESC
		LIMIT 1`, personID, ConceptLabResult, upperCodes(class)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	o, ok := ObservationOf(e)
	return o, ok, nil
}

func (r *episodeRepoPG) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

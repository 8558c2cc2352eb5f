package episode

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS episode (
    episode_id                INTEGER PRIMARY KEY AUTOINCREMENT,
    person_id                 INTEGER NOT NULL,
    episode_concept_id        INTEGER NOT NULL,
    episode_start_date        TEXT    NOT NULL,
    episode_start_datetime    INTEGER NOT NULL,
    episode_number            INTEGER NOT NULL DEFAULT 0,
    episode_source_value      TEXT    NOT NULL,
    episode_object_concept_id INTEGER NOT NULL DEFAULT 0,
    episode_type_concept_id   INTEGER NOT NULL DEFAULT 0,
    observation_code          TEXT,
    value_as_number           REAL,
    unit_source_value         TEXT,
    source_system             TEXT,
    dedupe_key                TEXT    NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS ix_episode_person_start
    ON episode (person_id, episode_start_datetime DESC, episode_id DESC);
`

type episodeRepoSQLite struct{ db *sql.DB }

// OpenSQLite opens (creating if needed) an embedded episode store at path.
// The connection pool is limited to one connection: SQLite has a single
// writer and this keeps every insert a plain serialized statement.
func OpenSQLite(ctx context.Context, path string) (Repository, func() error, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &episodeRepoSQLite{db: db}, db.Close, nil
}

const sqliteCols = `episode_id, person_id, episode_concept_id, episode_start_date,
	episode_start_datetime, episode_number, episode_source_value,
	episode_object_concept_id, episode_type_concept_id,
	observation_code, value_as_number, unit_source_value, source_system`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *episodeRepoSQLite) scanRow(row rowScanner) (*Episode, error) {
	var (
		e         Episode
		startDate string
		startUnix int64
		code      sql.NullString
		value     sql.NullFloat64
		unit      sql.NullString
		source    sql.NullString
	)
	err := row.Scan(&e.ID, &e.PersonID, &e.ConceptID, &startDate,
		&startUnix, &e.Number, &e.SourceValue,
		&e.ObjectConceptID, &e.TypeConceptID,
		&code, &value, &unit, &source)
	if err != nil {
		return nil, err
	}
	if e.StartDate, err = time.Parse(time.DateOnly, startDate); err != nil {
		return nil, fmt.Errorf("episode %d: bad start date %q: %w", e.ID, startDate, err)
	}
	e.StartDateTime = time.UnixMicro(startUnix).UTC()
	if code.Valid {
		e.ObservationCode = &code.String
	}
	if value.Valid {
		e.ValueAsNumber = &value.Float64
	}
	if unit.Valid {
		e.UnitSourceValue = &unit.String
	}
	if source.Valid {
		e.SourceSystem = &source.String
	}
	return &e, nil
}

func (r *episodeRepoSQLite) Insert(ctx context.Context, e *Episode) (InsertOutcome, error) {
	if err := e.validate(); err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO episode (person_id, episode_concept_id, episode_start_date,
			episode_start_datetime, episode_number, episode_source_value,
			episode_object_concept_id, episode_type_concept_id,
			observation_code, value_as_number, unit_source_value, source_system,
			dedupe_key)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.PersonID, e.ConceptID, e.StartDate.UTC().Format(time.DateOnly),
		e.StartDateTime.UnixMicro(), e.Number, e.SourceValue,
		e.ObjectConceptID, e.TypeConceptID,
		e.ObservationCode, e.ValueAsNumber, e.UnitSourceValue, e.SourceSystem,
		e.DedupeKey())
	if err != nil {
		return 0, fmt.Errorf("insert episode: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return AlreadyExists, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	return Inserted, nil
}

func (r *episodeRepoSQLite) ListByPatient(ctx context.Context, personID int64) ([]*Episode, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sqliteCols+` FROM episode
		WHERE person_id = ?
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

func (r *episodeRepoSQLite) LatestValue(ctx context.Context, personID int64, class ConceptClass) (*Observation, bool, error) {
	codes := upperCodes(class)
	if len(codes) == 0 {
		return nil, false, nil
	}
	args := []any{personID, ConceptLabResult}
	for _, c := range codes {
		args = append(args, c)
	}
	query := `SELECT ` + sqliteCols + ` FROM episode
		WHERE person_id = ? AND episode_concept_id = ?
			AND upper(observation_code) IN (?` + strings.Repeat(",?", len(codes)-1) + `)
			AND value_as_number IS NOT NULL
		ORDER BY episode_start_datetime DESC, episode_id DESC
		LIMIT 1`

	e, err := r.scanRow(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	o, ok := ObservationOf(e)
	return o, ok, nil
}

func (r *episodeRepoSQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

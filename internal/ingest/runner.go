package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Runner pulls messages from a Source and feeds them to the Gateway until the
// source is exhausted or the context is cancelled.
type Runner struct {
	name    string
	source  Source
	gateway *Gateway
	logger  zerolog.Logger
}

func NewRunner(name string, source Source, gateway *Gateway, logger zerolog.Logger) *Runner {
	return &Runner{
		name:    name,
		source:  source,
		gateway: gateway,
		logger:  logger.With().Str("component", "ingest_runner").Str("source", name).Logger(),
	}
}

// Run blocks until ctx is cancelled or the source returns io.EOF. A message
// already taken from the source is processed to completion on a context that
// ignores the cancellation. Unparseable messages and store failures are
// logged and skipped; only a source failure ends the loop with an error.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Msg("ingestion loop started")
	defer r.logger.Info().Msg("ingestion loop stopped")

	work := context.WithoutCancel(ctx)
	for {
		msg, err := r.source.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("ingest %s: read source: %w", r.name, err)
		}

		res, err := r.gateway.IngestHL7(work, r.name, msg)
		if err != nil {
			r.logger.Error().Err(err).Msg("message lost: store unavailable")
			continue
		}
		if res.Status == StatusRejected {
			r.logger.Debug().Str("detail", res.Detail).Msg("message rejected")
		}
	}
}

package ingest

import (
	"context"

	"github.com/oncopharm/cdss/internal/domain/observation"
	"github.com/oncopharm/cdss/internal/platform/hl7v2"
)

// MLLPHandler adapts the gateway to an MLLP listener. Every message gets an
// ACK: AA when stored, AE when it cannot be parsed or validated, AR when the
// episode store is unavailable so the sender retries.
func MLLPHandler(g *Gateway) hl7v2.MessageHandler {
	return func(ctx context.Context, raw []byte) *hl7v2.Message {
		incoming, err := hl7v2.Parse(raw)
		if err != nil {
			g.dropUnparseable("mllp", &observation.ParseError{Reason: err.Error(), Raw: raw})
			return hl7v2.GenerateACK(&hl7v2.Message{Version: "2.3"}, hl7v2.AckError, err.Error())
		}

		res, err := g.ingestMessage(ctx, "mllp", incoming, raw)
		switch {
		case err != nil:
			return hl7v2.GenerateACK(incoming, hl7v2.AckReject, "episode store unavailable")
		case res.Status == StatusRejected:
			return hl7v2.GenerateACK(incoming, hl7v2.AckError, res.Detail)
		default:
			return hl7v2.GenerateACK(incoming, hl7v2.AckAccept, "")
		}
	}
}

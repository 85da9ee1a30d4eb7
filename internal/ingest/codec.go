package ingest

import (
	"context"
	"errors"
	"time"

	"snooze/internal/domain"
	"snooze/internal/permanent"
	"snooze/internal/pipeline"
)

// Processor runs one record through the alert pipeline.
// Params: context and normalized record.
// Returns: pipeline result or processing error.
type Processor interface {
	Process(ctx context.Context, record domain.Record) (pipeline.Result, error)
}

// RecordResult is the per-record ingest report.
type RecordResult struct {
	UID     string `json:"uid"`
	Hash    string `json:"hash,omitempty"`
	Outcome string `json:"outcome"`
	Stage   string `json:"stage,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OutcomeRejected marks records whose processing failed.
const OutcomeRejected = "rejected"

// decodePayload decodes one object or array and applies ingestion defaults.
// Params: raw JSON bytes and ingestion time.
// Returns: normalized records, or a permanent decode error.
func decodePayload(raw []byte, now time.Time) ([]domain.Record, error) {
	records, err := domain.DecodeRecords(raw)
	if err != nil {
		return nil, permanent.Mark(err)
	}
	for _, record := range records {
		domain.Normalize(record, now)
	}
	return records, nil
}

// processAll runs every record and collects per-record results.
// Params: context, processor and decoded records.
// Returns: results in input order and joined processing errors.
func processAll(ctx context.Context, processor Processor, records []domain.Record) ([]RecordResult, error) {
	results := make([]RecordResult, 0, len(records))
	var errs []error
	for _, record := range records {
		uid := record.UID()
		result, err := processor.Process(ctx, record)
		if err != nil {
			errs = append(errs, err)
			results = append(results, RecordResult{UID: uid, Outcome: OutcomeRejected, Error: err.Error()})
			continue
		}
		out := RecordResult{UID: uid, Outcome: result.Outcome.String(), Stage: result.Stage}
		if result.Record != nil {
			out.UID = result.Record.UID()
			out.Hash = result.Record.Hash()
		}
		results = append(results, out)
	}
	return results, errors.Join(errs...)
}

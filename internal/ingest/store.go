package ingest

import (
	"context"

	"example.com/tlsreporting/internal/domain"
)

// Queries is the set of persistence operations the intake pipeline needs.
// Lookups return domain.ErrNotFound when nothing matches; inserts return
// domain.ErrAlreadyExists when a unique constraint rejects the row.
type Queries interface {
	FindOrganisationByName(ctx context.Context, name string) (domain.Organisation, error)
	InsertOrganisation(ctx context.Context, org domain.Organisation) (domain.Organisation, error)
	FindReportID(ctx context.Context, externalID, organisationID string) (string, error)
	InsertReport(ctx context.Context, rec domain.ReportRecord) error
	GetReport(ctx context.Context, id string) (domain.ReportRecord, error)
	ListReports(ctx context.Context, filter domain.ReportFilter) ([]domain.ReportRecord, error)
}

// Store runs Queries outside or inside a transaction. A non-nil error from
// fn rolls the transaction back and is returned unchanged.
type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(q Queries) error) error
}

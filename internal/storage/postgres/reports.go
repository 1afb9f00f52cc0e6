package postgres

import (
	"context"
	"errors"
	"fmt"

	"example.com/tlsreporting/internal/domain"
)

const reportColumns = `"ReportID", "StartDatetime", "EndDatetime", "ContactInfo", "ExternalID", "OrganisationID", "Created", "Updated"`

func (q *queries) FindReportID(ctx context.Context, externalID, organisationID string) (string, error) {
	var id string
	sql := `SELECT "ReportID" FROM "Reports" WHERE "ExternalID" = $1 AND "OrganisationID" = $2`
	if err := q.db.QueryRow(ctx, sql, externalID, organisationID).Scan(&id); err != nil {
		return "", mapError(err)
	}
	return id, nil
}

// InsertReport stores rec; the (ExternalID, OrganisationID) unique constraint
// turns a repeated report into domain.ErrAlreadyExists.
func (q *queries) InsertReport(ctx context.Context, rec domain.ReportRecord) error {
	sql := `INSERT INTO "Reports" (` + reportColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT ("ExternalID", "OrganisationID") DO NOTHING
RETURNING "ReportID"`

	var id string
	err := q.db.QueryRow(ctx, sql,
		rec.ID, rec.StartDatetime, rec.EndDatetime, rec.ContactInfo,
		rec.ExternalID, rec.OrganisationID, rec.Created, rec.Updated,
	).Scan(&id)
	if err != nil {
		err = mapInsertError(err)
		if errors.Is(err, domain.ErrAlreadyExists) {
			return err
		}
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (q *queries) GetReport(ctx context.Context, id string) (domain.ReportRecord, error) {
	sql := `SELECT ` + reportColumns + ` FROM "Reports" WHERE "ReportID" = $1`
	rec, err := scanReport(q.db.QueryRow(ctx, sql, id))
	if err != nil {
		return domain.ReportRecord{}, mapError(err)
	}
	return rec, nil
}

// ListReports applies the optional filters; zero values mean "no filter".
func (q *queries) ListReports(ctx context.Context, filter domain.ReportFilter) ([]domain.ReportRecord, error) {
	cond := "WHERE TRUE"
	args := []any{}
	idx := 1

	if filter.OrganisationName != "" {
		cond += fmt.Sprintf(` AND o."Name" = $%d`, idx)
		args = append(args, filter.OrganisationName)
		idx++
	}
	if !filter.From.IsZero() {
		cond += fmt.Sprintf(` AND r."StartDatetime" >= $%d`, idx)
		args = append(args, filter.From)
		idx++
	}
	if !filter.To.IsZero() {
		cond += fmt.Sprintf(` AND r."EndDatetime" <= $%d`, idx)
		args = append(args, filter.To)
		idx++
	}
	args = append(args, filter.Limit)

	sql := fmt.Sprintf(`
SELECT r."ReportID", r."StartDatetime", r."EndDatetime", r."ContactInfo", r."ExternalID", r."OrganisationID", r."Created", r."Updated"
FROM "Reports" r
JOIN "Organisations" o ON o."OrganisationID" = r."OrganisationID"
%s
ORDER BY r."Created" DESC, r."ReportID" DESC
LIMIT $%d`, cond, idx)

	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	out := []domain.ReportRecord{}
	for rows.Next() {
		rec, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (domain.ReportRecord, error) {
	var rec domain.ReportRecord
	err := row.Scan(&rec.ID, &rec.StartDatetime, &rec.EndDatetime, &rec.ContactInfo,
		&rec.ExternalID, &rec.OrganisationID, &rec.Created, &rec.Updated)
	return rec, err
}

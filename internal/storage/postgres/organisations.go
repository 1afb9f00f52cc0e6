package postgres

import (
	"context"
	"errors"
	"fmt"

	"example.com/tlsreporting/internal/domain"
)

const organisationColumns = `"OrganisationID", "Name", "Created", "Updated"`

func (q *queries) FindOrganisationByName(ctx context.Context, name string) (domain.Organisation, error) {
	var org domain.Organisation
	sql := `SELECT ` + organisationColumns + ` FROM "Organisations" WHERE "Name" = $1`
	err := q.db.QueryRow(ctx, sql, name).Scan(&org.ID, &org.Name, &org.Created, &org.Updated)
	if err != nil {
		return domain.Organisation{}, mapError(err)
	}
	return org, nil
}

// InsertOrganisation returns domain.ErrAlreadyExists when the name is taken,
// including by a transaction that committed after ours started.
func (q *queries) InsertOrganisation(ctx context.Context, org domain.Organisation) (domain.Organisation, error) {
	sql := `INSERT INTO "Organisations" (` + organisationColumns + `) VALUES ($1, $2, $3, $4)
ON CONFLICT ("Name") DO NOTHING
RETURNING ` + organisationColumns

	var out domain.Organisation
	err := q.db.QueryRow(ctx, sql, org.ID, org.Name, org.Created, org.Updated).
		Scan(&out.ID, &out.Name, &out.Created, &out.Updated)
	if err != nil {
		err = mapInsertError(err)
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.Organisation{}, err
		}
		return domain.Organisation{}, fmt.Errorf("insert organisation: %w", err)
	}
	return out, nil
}

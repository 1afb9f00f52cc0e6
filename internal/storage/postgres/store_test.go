package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"example.com/tlsreporting/internal/domain"
	"example.com/tlsreporting/internal/ingest"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
)

var (
	organisationCols = []string{"OrganisationID", "Name", "Created", "Updated"}
	reportCols       = []string{"ReportID", "StartDatetime", "EndDatetime", "ContactInfo", "ExternalID", "OrganisationID", "Created", "Updated"}
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("could not create mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return NewStore(&DB{Pool: mock}, nil), mock
}

func expectationsMet(t *testing.T, mock pgxmock.PgxPoolIface) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindOrganisationByName(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "Organisations" WHERE "Name" = $1`)).
		WithArgs("Company-X").
		WillReturnRows(pgxmock.NewRows(organisationCols).AddRow("org-1", "Company-X", now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "Organisations" WHERE "Name" = $1`)).
		WithArgs("Company-Y").
		WillReturnError(pgx.ErrNoRows)

	org, err := store.FindOrganisationByName(context.Background(), "Company-X")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if org.ID != "org-1" || org.Name != "Company-X" || !org.Created.Equal(now) {
		t.Fatalf("unexpected organisation %+v", org)
	}

	if _, err := store.FindOrganisationByName(context.Background(), "Company-Y"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestInsertOrganisation(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	org := domain.Organisation{ID: "org-1", Name: "Company-X", Created: now, Updated: now}
	insert := regexp.QuoteMeta(`INSERT INTO "Organisations"`)

	tt := []struct {
		name    string
		setup   func(mock pgxmock.PgxPoolIface)
		wantErr error
	}{
		{
			name: "created",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(insert).
					WithArgs(org.ID, org.Name, org.Created, org.Updated).
					WillReturnRows(pgxmock.NewRows(organisationCols).AddRow(org.ID, org.Name, now, now))
			},
		},
		{
			name: "conflict returns nothing",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(insert).
					WithArgs(org.ID, org.Name, org.Created, org.Updated).
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: domain.ErrAlreadyExists,
		},
		{
			name: "unique violation",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(insert).
					WithArgs(org.ID, org.Name, org.Created, org.Updated).
					WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})
			},
			wantErr: domain.ErrAlreadyExists,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			tc.setup(mock)
			got, err := store.InsertOrganisation(context.Background(), org)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got.ID != org.ID {
					t.Fatalf("unexpected organisation %+v", got)
				}
			}
			expectationsMet(t, mock)
		})
	}
}

func TestInsertReport(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := domain.ReportRecord{
		ID:             "report-1",
		StartDatetime:  now.Add(-24 * time.Hour),
		EndDatetime:    now,
		ContactInfo:    "tlsrpt@company-x.example",
		ExternalID:     "5065427c",
		OrganisationID: "org-1",
		Created:        now,
		Updated:        now,
	}
	args := []any{rec.ID, rec.StartDatetime, rec.EndDatetime, rec.ContactInfo, rec.ExternalID, rec.OrganisationID, rec.Created, rec.Updated}
	insert := regexp.QuoteMeta(`INSERT INTO "Reports"`)

	store, mock := newMockStore(t)
	mock.ExpectQuery(insert).WithArgs(args...).WillReturnRows(pgxmock.NewRows([]string{"ReportID"}).AddRow(rec.ID))
	mock.ExpectQuery(insert).WithArgs(args...).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(insert).WithArgs(args...).WillReturnError(errors.New("connection reset"))

	if err := store.InsertReport(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.InsertReport(context.Background(), rec); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	err := store.InsertReport(context.Background(), rec)
	if err == nil || errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected an internal error, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestFindReportID(t *testing.T) {
	store, mock := newMockStore(t)
	query := regexp.QuoteMeta(`SELECT "ReportID" FROM "Reports" WHERE "ExternalID" = $1 AND "OrganisationID" = $2`)
	mock.ExpectQuery(query).WithArgs("5065427c", "org-1").
		WillReturnRows(pgxmock.NewRows([]string{"ReportID"}).AddRow("report-1"))
	mock.ExpectQuery(query).WithArgs("missing", "org-1").WillReturnError(pgx.ErrNoRows)

	id, err := store.FindReportID(context.Background(), "5065427c", "org-1")
	if err != nil || id != "report-1" {
		t.Fatalf("unexpected result %q, %v", id, err)
	}
	if _, err := store.FindReportID(context.Background(), "missing", "org-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestGetReport(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	query := regexp.QuoteMeta(`FROM "Reports" WHERE "ReportID" = $1`)
	mock.ExpectQuery(query).WithArgs("report-1").
		WillReturnRows(pgxmock.NewRows(reportCols).
			AddRow("report-1", now.Add(-time.Hour), now, "tlsrpt@company-x.example", "5065427c", "org-1", now, now))
	mock.ExpectQuery(query).WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	rec, err := store.GetReport(context.Background(), "report-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ExternalID != "5065427c" || rec.OrganisationID != "org-1" || !rec.EndDatetime.Equal(now) {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := store.GetReport(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestListReports(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	from := now.Add(-48 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "Reports" r`)).
		WithArgs("Company-X", from, 10).
		WillReturnRows(pgxmock.NewRows(reportCols).
			AddRow("report-2", now.Add(-time.Hour), now, "tlsrpt@company-x.example", "b", "org-1", now, now).
			AddRow("report-1", now.Add(-2*time.Hour), now, "tlsrpt@company-x.example", "a", "org-1", now, now))

	out, err := store.ListReports(context.Background(), domain.ReportFilter{OrganisationName: "Company-X", From: from, Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0].ID != "report-2" || out[1].ExternalID != "a" {
		t.Fatalf("unexpected reports %+v", out)
	}
	expectationsMet(t, mock)
}

func TestWithTx(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT "ReportID" FROM "Reports"`)).
			WithArgs("5065427c", "org-1").
			WillReturnRows(pgxmock.NewRows([]string{"ReportID"}).AddRow("report-1"))
		mock.ExpectCommit()

		err := store.WithTx(context.Background(), func(q ingest.Queries) error {
			_, err := q.FindReportID(context.Background(), "5065427c", "org-1")
			return err
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		expectationsMet(t, mock)
	})

	t.Run("rollback", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		sentinel := errors.New("abort")
		err := store.WithTx(context.Background(), func(ingest.Queries) error { return sentinel })
		if !errors.Is(err, sentinel) {
			t.Fatalf("expected the callback error, got %v", err)
		}
		expectationsMet(t, mock)
	})

	t.Run("begin fails", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

		called := false
		err := store.WithTx(context.Background(), func(ingest.Queries) error { called = true; return nil })
		if err == nil || called {
			t.Fatalf("expected begin failure without callback, got %v (called=%v)", err, called)
		}
		expectationsMet(t, mock)
	})
}

func TestMigrateURL(t *testing.T) {
	tt := map[string]string{
		"postgres://u:p@db:5432/tls?sslmode=disable":   "pgx5://u:p@db:5432/tls?sslmode=disable",
		"postgresql://u:p@db:5432/tls?sslmode=disable": "pgx5://u:p@db:5432/tls?sslmode=disable",
		"pgx5://u:p@db/tls":                            "pgx5://u:p@db/tls",
	}
	for in, want := range tt {
		if got := migrateURL(in); got != want {
			t.Errorf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}

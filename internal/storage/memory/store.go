// Package memory is a process-local ingest.Store for development and tests.
// Transactions are serialized and applied atomically on commit.
package memory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"example.com/tlsreporting/internal/domain"
	"example.com/tlsreporting/internal/idempotency"
	"example.com/tlsreporting/internal/ingest"
)

type state struct {
	orgs       map[string]domain.Organisation // by id
	orgNames   map[string]string              // name -> id
	reports    map[string]domain.ReportRecord // by id
	reportKeys map[string]string              // idempotency key -> id
}

func newState() *state {
	return &state{
		orgs:       make(map[string]domain.Organisation),
		orgNames:   make(map[string]string),
		reports:    make(map[string]domain.ReportRecord),
		reportKeys: make(map[string]string),
	}
}

func (s *state) clone() *state {
	return &state{
		orgs:       maps.Clone(s.orgs),
		orgNames:   maps.Clone(s.orgNames),
		reports:    maps.Clone(s.reports),
		reportKeys: maps.Clone(s.reportKeys),
	}
}

type Store struct {
	mu    sync.Mutex
	txMu  sync.Mutex
	state *state
}

var _ ingest.Store = (*Store)(nil)

func New() *Store {
	return &Store{state: newState()}
}

// WithTx runs fn against a private copy of the data which replaces the
// shared data only when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(q ingest.Queries) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	work := s.state.clone()
	s.mu.Unlock()

	if err := fn(&queries{state: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

func (s *Store) current() *queries {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &queries{state: s.state}
}

func (s *Store) FindOrganisationByName(ctx context.Context, name string) (domain.Organisation, error) {
	return s.current().FindOrganisationByName(ctx, name)
}

func (s *Store) InsertOrganisation(ctx context.Context, org domain.Organisation) (domain.Organisation, error) {
	var out domain.Organisation
	err := s.WithTx(ctx, func(q ingest.Queries) error {
		var err error
		out, err = q.InsertOrganisation(ctx, org)
		return err
	})
	return out, err
}

func (s *Store) FindReportID(ctx context.Context, externalID, organisationID string) (string, error) {
	return s.current().FindReportID(ctx, externalID, organisationID)
}

func (s *Store) InsertReport(ctx context.Context, rec domain.ReportRecord) error {
	return s.WithTx(ctx, func(q ingest.Queries) error {
		return q.InsertReport(ctx, rec)
	})
}

func (s *Store) GetReport(ctx context.Context, id string) (domain.ReportRecord, error) {
	return s.current().GetReport(ctx, id)
}

func (s *Store) ListReports(ctx context.Context, filter domain.ReportFilter) ([]domain.ReportRecord, error) {
	return s.current().ListReports(ctx, filter)
}

// Organisations returns the stored organisations ordered by name.
func (s *Store) Organisations() []domain.Organisation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.state.orgs))
	slices.SortFunc(out, func(a, b domain.Organisation) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Reports returns the number of stored reports.
func (s *Store) Reports() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.reports)
}

// queries reads and writes one state snapshot. Committed snapshots are only
// read, never written.
type queries struct {
	state *state
}

func (q *queries) FindOrganisationByName(_ context.Context, name string) (domain.Organisation, error) {
	id, ok := q.state.orgNames[name]
	if !ok {
		return domain.Organisation{}, domain.ErrNotFound
	}
	return q.state.orgs[id], nil
}

func (q *queries) InsertOrganisation(_ context.Context, org domain.Organisation) (domain.Organisation, error) {
	if _, ok := q.state.orgNames[org.Name]; ok {
		return domain.Organisation{}, domain.ErrAlreadyExists
	}
	if _, ok := q.state.orgs[org.ID]; ok {
		return domain.Organisation{}, domain.ErrAlreadyExists
	}
	q.state.orgs[org.ID] = org
	q.state.orgNames[org.Name] = org.ID
	return org, nil
}

func (q *queries) FindReportID(_ context.Context, externalID, organisationID string) (string, error) {
	id, ok := q.state.reportKeys[idempotency.ReportKey(organisationID, externalID)]
	if !ok {
		return "", domain.ErrNotFound
	}
	return id, nil
}

func (q *queries) InsertReport(_ context.Context, rec domain.ReportRecord) error {
	if _, ok := q.state.orgs[rec.OrganisationID]; !ok {
		return domain.ErrNotFound
	}
	key := idempotency.ReportKey(rec.OrganisationID, rec.ExternalID)
	if _, ok := q.state.reportKeys[key]; ok {
		return domain.ErrAlreadyExists
	}
	if _, ok := q.state.reports[rec.ID]; ok {
		return domain.ErrAlreadyExists
	}
	q.state.reports[rec.ID] = rec
	q.state.reportKeys[key] = rec.ID
	return nil
}

func (q *queries) GetReport(_ context.Context, id string) (domain.ReportRecord, error) {
	rec, ok := q.state.reports[id]
	if !ok {
		return domain.ReportRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (q *queries) ListReports(_ context.Context, filter domain.ReportFilter) ([]domain.ReportRecord, error) {
	orgID := ""
	if filter.OrganisationName != "" {
		id, ok := q.state.orgNames[filter.OrganisationName]
		if !ok {
			return []domain.ReportRecord{}, nil
		}
		orgID = id
	}

	out := make([]domain.ReportRecord, 0)
	for _, rec := range q.state.reports {
		if orgID != "" && rec.OrganisationID != orgID {
			continue
		}
		if !filter.From.IsZero() && rec.StartDatetime.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && rec.EndDatetime.After(filter.To) {
			continue
		}
		out = append(out, rec)
	}
	// identifiers are time ordered
	slices.SortFunc(out, func(a, b domain.ReportRecord) int { return strings.Compare(b.ID, a.ID) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

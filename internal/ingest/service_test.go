package ingest_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"example.com/tlsreporting/internal/apierror"
	"example.com/tlsreporting/internal/domain"
	"example.com/tlsreporting/internal/ingest"
	"example.com/tlsreporting/internal/storage/memory"
	"example.com/tlsreporting/internal/tlsrpt"
)

func reportJSON(org, reportID string) []byte {
	return []byte(fmt.Sprintf(`{"organization-name": %q, "date-range": {"start-datetime": "2016-04-01T00:00:00Z", "end-datetime": "2016-04-01T23:59:59Z"}, "contact-info": "sts-reporting@company-x.example", "report-id": %q, "policies": [{"policy": {"policy-type": "no-policy-found", "policy-string": [], "policy-domain": "company-y.example"}, "summary": {"total-successful-session-count": 0, "total-failure-session-count": 0}}]}`, org, reportID))
}

func gzipBytes(t *testing.T, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(content); err != nil {
		t.Fatalf("could not write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("could not close gzip: %v", err)
	}
	return buf.Bytes()
}

func newService(t *testing.T, store ingest.Store, cacheSize int) *ingest.Service {
	t.Helper()
	svc, err := ingest.NewService(store, tlsrpt.NewParser(), nil, cacheSize)
	if err != nil {
		t.Fatalf("could not create service: %v", err)
	}
	return svc
}

func TestSubmitRoundTrip(t *testing.T) {
	store := memory.New()
	svc := newService(t, store, 16)
	ctx := context.Background()

	created, err := svc.Submit(ctx, reportJSON("Company-X", "5065427c"))
	if err != nil {
		t.Fatalf("submit returned error: %v", err)
	}
	if created.Identifier == "" {
		t.Fatal("expected an identifier")
	}

	rec, err := svc.GetReport(ctx, created.Identifier)
	if err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	if rec.ExternalID != "5065427c" || rec.ContactInfo != "sts-reporting@company-x.example" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.StartDatetime.Equal(time.Date(2016, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %s", rec.StartDatetime)
	}
	orgs := store.Organisations()
	if len(orgs) != 1 || orgs[0].Name != "Company-X" || orgs[0].ID != rec.OrganisationID {
		t.Fatalf("unexpected organisations %+v", orgs)
	}
}

func TestSubmitGzipTransparent(t *testing.T) {
	store := memory.New()
	svc := newService(t, store, 0)
	ctx := context.Background()

	plain, err := svc.Submit(ctx, reportJSON("Company-X", "plain"))
	if err != nil {
		t.Fatalf("plain submit returned error: %v", err)
	}
	compressed, err := svc.Submit(ctx, gzipBytes(t, reportJSON("Company-X", "compressed")))
	if err != nil {
		t.Fatalf("gzip submit returned error: %v", err)
	}

	a, _ := svc.GetReport(ctx, plain.Identifier)
	b, _ := svc.GetReport(ctx, compressed.Identifier)
	if a.OrganisationID != b.OrganisationID || !a.EndDatetime.Equal(b.EndDatetime) || a.ContactInfo != b.ContactInfo {
		t.Fatalf("gzip upload stored differently:\n%+v\n%+v", a, b)
	}
}

func TestSubmitDuplicate(t *testing.T) {
	store := memory.New()
	svc := newService(t, store, 16)
	ctx := context.Background()

	first, err := svc.Submit(ctx, reportJSON("Company-X", "5065427c"))
	if err != nil {
		t.Fatalf("submit returned error: %v", err)
	}

	_, err = svc.Submit(ctx, reportJSON("Company-X", "5065427c"))
	var dup *ingest.DuplicateReportError
	if !errors.As(err, &dup) {
		t.Fatalf("expected a duplicate error, got %v", err)
	}
	if dup.ExistingID != first.Identifier {
		t.Fatalf("expected existing id %s, got %s", first.Identifier, dup.ExistingID)
	}
	if store.Reports() != 1 {
		t.Fatalf("expected 1 stored report, got %d", store.Reports())
	}

	// same external id, different organisation
	if _, err := svc.Submit(ctx, reportJSON("Company-Y", "5065427c")); err != nil {
		t.Fatalf("submit for another organisation returned error: %v", err)
	}
	if store.Reports() != 2 {
		t.Fatalf("expected 2 stored reports, got %d", store.Reports())
	}
}

func TestSubmitRejectedNeverReachesStore(t *testing.T) {
	tt := []struct {
		name    string
		payload []byte
		check   func(error) bool
	}{
		{
			name:    "truncated gzip",
			payload: []byte{0x1f, 0x8b, 0x08, 0x00},
			check:   func(err error) bool { var e *tlsrpt.GzipError; return errors.As(err, &e) },
		},
		{
			name:    "invalid json",
			payload: []byte(`{"organization-name": "Company-X"}`),
			check:   func(err error) bool { var e *tlsrpt.ValidationError; return errors.As(err, &e) },
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.New()
			svc := newService(t, store, 16)
			_, err := svc.Submit(context.Background(), tc.payload)
			if !tc.check(err) {
				t.Fatalf("unexpected error %T: %v", err, err)
			}
			if store.Reports() != 0 || len(store.Organisations()) != 0 {
				t.Fatal("rejected upload reached the store")
			}
		})
	}
}

func TestResolveOrganisationIdempotent(t *testing.T) {
	store := memory.New()
	svc := newService(t, store, 0)
	ctx := context.Background()

	a, err := svc.ResolveOrganisation(ctx, "Company-X")
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	b, err := svc.ResolveOrganisation(ctx, "Company-X")
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	if a != b {
		t.Fatalf("expected the same identifier, got %s and %s", a, b)
	}
	c, err := svc.ResolveOrganisation(ctx, "company-x")
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	if c == a {
		t.Fatal("organisation names must be case sensitive")
	}
	if len(store.Organisations()) != 2 {
		t.Fatalf("expected 2 organisations, got %d", len(store.Organisations()))
	}
}

func TestSubmitConcurrentNewOrganisation(t *testing.T) {
	store := memory.New()
	svc := newService(t, store, 16)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Submit(context.Background(), reportJSON("Company-Z", fmt.Sprintf("report-%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("submit returned error: %v", err)
		}
	}
	if len(store.Organisations()) != 1 || store.Reports() != 10 {
		t.Fatalf("expected 1 organisation and 10 reports, got %d and %d", len(store.Organisations()), store.Reports())
	}
}

// conflictStore simulates an organisation created by a concurrent
// transaction between the lookup and the insert.
type conflictStore struct {
	*memory.Store
	finds int
}

func (s *conflictStore) WithTx(ctx context.Context, fn func(q ingest.Queries) error) error {
	return s.Store.WithTx(ctx, func(q ingest.Queries) error {
		return fn(&conflictQueries{Queries: q, store: s})
	})
}

type conflictQueries struct {
	ingest.Queries
	store *conflictStore
}

func (q *conflictQueries) FindOrganisationByName(ctx context.Context, name string) (domain.Organisation, error) {
	q.store.finds++
	if q.store.finds == 1 {
		return domain.Organisation{}, domain.ErrNotFound
	}
	return q.Queries.FindOrganisationByName(ctx, name)
}

func TestResolveOrganisationConflictRetriesLookup(t *testing.T) {
	store := &conflictStore{Store: memory.New()}
	existing, err := store.InsertOrganisation(context.Background(), domain.NewOrganisation("Company-X", time.Now()))
	if err != nil {
		t.Fatalf("could not seed organisation: %v", err)
	}

	svc := newService(t, store, 0)
	id, err := svc.ResolveOrganisation(context.Background(), "Company-X")
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	if id != existing.ID {
		t.Fatalf("expected %s, got %s", existing.ID, id)
	}
	if store.finds != 2 {
		t.Fatalf("expected a retried lookup, got %d lookups", store.finds)
	}
}

// failingStore fails every report insert with err.
type failingStore struct {
	*memory.Store
	err error
}

func (s *failingStore) WithTx(ctx context.Context, fn func(q ingest.Queries) error) error {
	return s.Store.WithTx(ctx, func(q ingest.Queries) error {
		return fn(failingQueries{Queries: q, err: s.err})
	})
}

type failingQueries struct {
	ingest.Queries
	err error
}

func (q failingQueries) InsertReport(context.Context, domain.ReportRecord) error {
	return q.err
}

func TestSubmitRollsBackNewOrganisation(t *testing.T) {
	store := &failingStore{Store: memory.New(), err: errors.New("connection reset")}
	svc := newService(t, store, 16)

	_, err := svc.Submit(context.Background(), reportJSON("Company-X", "5065427c"))
	if err == nil {
		t.Fatal("expected an error")
	}
	var dup *ingest.DuplicateReportError
	if errors.As(err, &dup) {
		t.Fatalf("unexpected duplicate error: %v", err)
	}
	if len(store.Organisations()) != 0 {
		t.Fatal("organisation created by a failed submission was kept")
	}
}

func TestSubmitLookupFailuresAreInternal(t *testing.T) {
	tt := []struct {
		name string
		err  error
	}{
		// the organisation vanished before the report insert
		{name: "insert reports not found", err: domain.ErrNotFound},
		// the conflicting report cannot be found afterwards
		{name: "existing report missing", err: domain.ErrAlreadyExists},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			svc := newService(t, &failingStore{Store: memory.New(), err: tc.err}, 16)

			_, err := svc.Submit(context.Background(), reportJSON("Company-X", "5065427c"))
			if err == nil {
				t.Fatal("expected an error")
			}
			if errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("not found leaked out of the submit pipeline: %v", err)
			}
			if kind := apierror.Translate(err).Kind; kind != apierror.KindInternal {
				t.Fatalf("expected an internal error, got %s", kind)
			}
		})
	}
}

// countingStore counts organisation lookups.
type countingStore struct {
	*memory.Store
	lookups int
}

func (s *countingStore) WithTx(ctx context.Context, fn func(q ingest.Queries) error) error {
	return s.Store.WithTx(ctx, func(q ingest.Queries) error {
		return fn(&countingQueries{Queries: q, store: s})
	})
}

type countingQueries struct {
	ingest.Queries
	store *countingStore
}

func (q *countingQueries) FindOrganisationByName(ctx context.Context, name string) (domain.Organisation, error) {
	q.store.lookups++
	return q.Queries.FindOrganisationByName(ctx, name)
}

func TestOrganisationCache(t *testing.T) {
	store := &countingStore{Store: memory.New()}
	svc := newService(t, store, 16)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Submit(ctx, reportJSON("Company-X", fmt.Sprintf("report-%d", i))); err != nil {
			t.Fatalf("submit returned error: %v", err)
		}
	}
	if store.lookups != 1 {
		t.Fatalf("expected 1 organisation lookup, got %d", store.lookups)
	}
}

func TestGetReportNotFound(t *testing.T) {
	svc := newService(t, memory.New(), 0)
	for _, id := range []string{"", "missing", string(make([]byte, domain.MaxIdentifierLength+1))} {
		if _, err := svc.GetReport(context.Background(), id); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found for %q, got %v", id, err)
		}
	}
}

func TestListReports(t *testing.T) {
	store := memory.New()
	svc := newService(t, store, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Submit(ctx, reportJSON("Company-X", fmt.Sprintf("x-%d", i))); err != nil {
			t.Fatalf("submit returned error: %v", err)
		}
	}
	if _, err := svc.Submit(ctx, reportJSON("Company-Y", "y-0")); err != nil {
		t.Fatalf("submit returned error: %v", err)
	}

	all, err := svc.ListReports(ctx, domain.ReportFilter{})
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 reports, got %d", len(all))
	}

	x, err := svc.ListReports(ctx, domain.ReportFilter{OrganisationName: "Company-X", Limit: 2})
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if len(x) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(x))
	}

	none, err := svc.ListReports(ctx, domain.ReportFilter{OrganisationName: "Company-Q"})
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no reports, got %d", len(none))
	}
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"example.com/tlsreporting/internal/domain"
	"example.com/tlsreporting/internal/tlsrpt"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Service is the report intake pipeline: decompress, validate, resolve the
// organisation and store the report in a single transaction.
type Service struct {
	store  Store
	parser *tlsrpt.Parser
	// committed organisation names to identifiers; nil when disabled
	orgs *lru.Cache[string, string]
	log  *log.Logger
	now  func() time.Time
}

// NewService wires the pipeline. A non-positive orgCacheSize disables the
// organisation cache; a nil logger discards output.
func NewService(store Store, parser *tlsrpt.Parser, logger *log.Logger, orgCacheSize int) (*Service, error) {
	if parser == nil {
		parser = tlsrpt.NewParser()
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	s := &Service{
		store:  store,
		parser: parser,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if orgCacheSize > 0 {
		cache, err := lru.New[string, string](orgCacheSize)
		if err != nil {
			return nil, fmt.Errorf("organisation cache: %w", err)
		}
		s.orgs = cache
	}
	return s, nil
}

// Submit runs a raw upload (plain or gzip framed JSON) through the pipeline.
func (s *Service) Submit(ctx context.Context, payload []byte) (domain.ResourceCreated, error) {
	report, err := s.parser.ParseReport(payload)
	if err != nil {
		s.log.Warn("report rejected", "bytes", len(payload), "err", err)
		return domain.ResourceCreated{}, err
	}
	return s.StoreReport(ctx, report)
}

// StoreReport persists an already validated report. Lookups inside the
// pipeline never surface domain.ErrNotFound; only GetReport reports a missing
// resource.
func (s *Service) StoreReport(ctx context.Context, report domain.Report) (domain.ResourceCreated, error) {
	var (
		rec   domain.ReportRecord
		orgID string
	)
	err := s.store.WithTx(ctx, func(q Queries) error {
		id, err := s.resolveOrganisation(ctx, q, report.OrganizationName)
		if err != nil {
			return err
		}
		orgID = id
		rec = domain.NewReportRecord(report, orgID, s.now())
		if err := q.InsertReport(ctx, rec); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return errDuplicateReport
			}
			return fmt.Errorf("insert report: %v", err)
		}
		return nil
	})
	if errors.Is(err, errDuplicateReport) {
		existing, ferr := s.store.FindReportID(ctx, report.ReportID, orgID)
		if ferr != nil {
			return domain.ResourceCreated{}, fmt.Errorf("find existing report: %v", ferr)
		}
		s.log.Info("duplicate report", "organisation", report.OrganizationName, "report_id", report.ReportID, "existing", existing)
		return domain.ResourceCreated{}, &DuplicateReportError{
			ExternalID:     report.ReportID,
			OrganisationID: orgID,
			ExistingID:     existing,
		}
	}
	if err != nil {
		return domain.ResourceCreated{}, err
	}

	s.remember(report.OrganizationName, orgID)
	s.log.Info("report stored", "identifier", rec.ID, "organisation", report.OrganizationName, "report_id", report.ReportID, "policies", len(report.Policies))
	s.logPolicies(rec.ID, report.Policies)
	return domain.ResourceCreated{Identifier: rec.ID}, nil
}

// ResolveOrganisation returns the identifier of the organisation called name,
// creating it when it does not exist yet.
func (s *Service) ResolveOrganisation(ctx context.Context, name string) (string, error) {
	var orgID string
	err := s.store.WithTx(ctx, func(q Queries) error {
		id, err := s.resolveOrganisation(ctx, q, name)
		orgID = id
		return err
	})
	if err != nil {
		return "", err
	}
	s.remember(name, orgID)
	return orgID, nil
}

func (s *Service) resolveOrganisation(ctx context.Context, q Queries, name string) (string, error) {
	if s.orgs != nil {
		if id, ok := s.orgs.Get(name); ok {
			return id, nil
		}
	}

	org, err := q.FindOrganisationByName(ctx, name)
	if err == nil {
		return org.ID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("find organisation: %w", err)
	}

	org, err = q.InsertOrganisation(ctx, domain.NewOrganisation(name, s.now()))
	if errors.Is(err, domain.ErrAlreadyExists) {
		// created concurrently by another submission
		org, err = q.FindOrganisationByName(ctx, name)
		if err != nil {
			return "", fmt.Errorf("find organisation after conflict: %v", err)
		}
		return org.ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("insert organisation: %w", err)
	}
	s.log.Info("organisation created", "identifier", org.ID, "name", name)
	return org.ID, nil
}

// remember caches a committed organisation.
func (s *Service) remember(name, id string) {
	if s.orgs != nil && id != "" {
		s.orgs.Add(name, id)
	}
}

// Policies are not persisted yet.
func (s *Service) logPolicies(reportID string, policies []domain.PolicyContainer) {
	for i, pc := range policies {
		s.log.Debug("policy",
			"report", reportID,
			"index", i,
			"type", pc.Policy.Type,
			"domain", pc.Policy.Domain,
			"successful", pc.Summary.TotalSuccessfulSessionCount,
			"failed", pc.Summary.TotalFailureSessionCount,
			"failure_details", len(pc.FailureDetails),
		)
	}
}

// GetReport returns the stored report with the given identifier.
func (s *Service) GetReport(ctx context.Context, id string) (domain.ReportRecord, error) {
	if id == "" || len(id) > domain.MaxIdentifierLength {
		return domain.ReportRecord{}, domain.ErrNotFound
	}
	return s.store.GetReport(ctx, id)
}

// ListReports returns stored reports, newest first.
func (s *Service) ListReports(ctx context.Context, filter domain.ReportFilter) ([]domain.ReportRecord, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultListLimit
	case filter.Limit > MaxListLimit:
		filter.Limit = MaxListLimit
	}
	return s.store.ListReports(ctx, filter)
}

package ingest

import (
	"errors"
	"fmt"
)

// DuplicateReportError is returned when a report with the same external id
// was already stored for the organisation.
type DuplicateReportError struct {
	ExternalID     string
	OrganisationID string
	ExistingID     string
}

func (e *DuplicateReportError) Error() string {
	return fmt.Sprintf("report %q of organisation %s already exists as %s", e.ExternalID, e.OrganisationID, e.ExistingID)
}

var errDuplicateReport = errors.New("duplicate report")

package domain

import "time"

// Organisation is the persisted reporting organisation. Name is unique and
// matched exactly (case-sensitive).
type Organisation struct {
	ID      string    `json:"identifier"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// NewOrganisation returns an organisation with a fresh identifier.
func NewOrganisation(name string, now time.Time) Organisation {
	return Organisation{
		ID:      NewIdentifier(),
		Name:    name,
		Created: now,
		Updated: now,
	}
}

// ReportRecord is the stored form of a report. The pair
// (ExternalID, OrganisationID) is unique.
type ReportRecord struct {
	ID             string    `json:"identifier"`
	StartDatetime  time.Time `json:"start-datetime"`
	EndDatetime    time.Time `json:"end-datetime"`
	ContactInfo    string    `json:"contact-info"`
	ExternalID     string    `json:"external-id"`
	OrganisationID string    `json:"organisation-id"`
	Created        time.Time `json:"created"`
	Updated        time.Time `json:"updated"`
}

// NewReportRecord maps a parsed report onto a record owned by organisationID.
func NewReportRecord(r Report, organisationID string, now time.Time) ReportRecord {
	return ReportRecord{
		ID:             NewIdentifier(),
		StartDatetime:  r.DateRange.Start,
		EndDatetime:    r.DateRange.End,
		ContactInfo:    r.ContactInfo,
		ExternalID:     r.ReportID,
		OrganisationID: organisationID,
		Created:        now,
		Updated:        now,
	}
}

// ResourceCreated is returned for every successful submission.
type ResourceCreated struct {
	Identifier string `json:"identifier"`
}

// ReportFilter narrows a report listing. Zero values disable a criterion.
type ReportFilter struct {
	OrganisationName string
	From             time.Time
	To               time.Time
	Limit            int
}

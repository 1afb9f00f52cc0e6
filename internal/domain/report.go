package domain

import (
	"net/netip"
	"time"
)

// Report is the validated form of an SMTP TLS aggregate report (RFC 8460).
// It only lives for the duration of one submission.
type Report struct {
	OrganizationName string            `json:"organization-name"`
	DateRange        DateRange         `json:"date-range"`
	ContactInfo      string            `json:"contact-info"`
	ReportID         string            `json:"report-id"`
	Policies         []PolicyContainer `json:"policies"`
}

type DateRange struct {
	Start time.Time `json:"start-datetime"`
	End   time.Time `json:"end-datetime"`
}

// PolicyContainer bundles one evaluated policy with its session counts.
type PolicyContainer struct {
	Policy         Policy          `json:"policy"`
	Summary        Summary         `json:"summary"`
	FailureDetails []FailureDetail `json:"failure-details"`
}

type PolicyType string

const (
	PolicyTypeTLSA          PolicyType = "tlsa"
	PolicyTypeSTS           PolicyType = "sts"
	PolicyTypeNoPolicyFound PolicyType = "no-policy-found"
)

// PolicyTypes lists the accepted policy-type literals in their documented order.
var PolicyTypes = []PolicyType{PolicyTypeTLSA, PolicyTypeSTS, PolicyTypeNoPolicyFound}

type Policy struct {
	Type   PolicyType `json:"policy-type"`
	String []string   `json:"policy-string"`
	Domain string     `json:"policy-domain"`
	// MXHost is only meaningful for sts policies; empty when absent.
	MXHost string `json:"mx-host,omitempty"`
}

type Summary struct {
	TotalSuccessfulSessionCount int64 `json:"total-successful-session-count"`
	TotalFailureSessionCount    int64 `json:"total-failure-session-count"`
}

// FailureDetail describes one class of failed sessions. Optional string
// members are empty when the report omitted them; ReceivingIP is nil then.
type FailureDetail struct {
	ResultType            string      `json:"result-type"`
	SendingMTAIP          netip.Addr  `json:"sending-mta-ip"`
	ReceivingMXHostname   string      `json:"receiving-mx-hostname,omitempty"`
	ReceivingMXHelo       string      `json:"receiving-mx-helo,omitempty"`
	ReceivingIP           *netip.Addr `json:"receiving-ip,omitempty"`
	FailedSessionCount    int64       `json:"failed-session-count"`
	AdditionalInformation string      `json:"additional-information,omitempty"`
	FailureReasonCode     string      `json:"failure-reason-code,omitempty"`
}

// Validation constraints (keep in sync with the migrations)
const (
	DateTimeLayout      = "2006-01-02T15:04:05Z"
	MaxPolicyDomainLen  = 255
	MaxMXHostLen        = 450
	MaxOrgNameLen       = 255
	MaxExternalIDLen    = 255
	MaxContactInfoLen   = 64 + 1 + 255
	MinFailedSessions   = 1
	MinSessionCount     = 0
	MaxIdentifierLength = 64
)

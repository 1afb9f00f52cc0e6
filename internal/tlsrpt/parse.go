package tlsrpt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"example.com/tlsreporting/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
)

// Messages reported for field failures.
const (
	msgRequired     = "field required"
	msgNull         = "none is not an allowed value"
	msgString       = "str type expected"
	msgInteger      = "value is not a valid integer"
	msgList         = "value is not a valid list"
	msgDict         = "value is not a valid dict"
	msgDatetime     = "invalid datetime format, expected YYYY-MM-DDTHH:MM:SSZ"
	msgEmail        = "value is not a valid email address"
	msgIP           = "value is not a valid IPv4 or IPv6 address"
	msgURL          = "invalid or missing URL scheme"
	msgNUL          = "string must not contain NUL characters"
	msgInvalidJSON  = "invalid JSON document"
	msgInvalidUTF8  = "document is not valid UTF-8"
	msgTrailingData = "unexpected data after the JSON document"
	rootLocation    = "__root__"
	policyTypeOneOf = "oneof=tlsa sts no-policy-found"
)

var dateTimePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`)

// Parser turns raw report uploads into validated reports. It is safe for
// concurrent use.
type Parser struct {
	validate             *validator.Validate
	maxDecompressedBytes int64
}

type Option func(*Parser)

// WithMaxDecompressedBytes caps the size of gzip framed uploads once inflated.
func WithMaxDecompressedBytes(n int64) Option {
	return func(p *Parser) { p.maxDecompressedBytes = n }
}

func NewParser(opts ...Option) *Parser {
	p := &Parser{validate: validator.New()}
	for _, o := range opts {
		o(p)
	}
	return p
}

var defaultParser = NewParser()

// Parse validates an uncompressed report document with the default parser.
func Parse(content []byte) (domain.Report, error) {
	return defaultParser.Parse(content)
}

// ParseReport decompresses (when gzip framed) and validates a raw upload.
func (p *Parser) ParseReport(raw []byte) (domain.Report, error) {
	content, err := Decompress(raw, p.maxDecompressedBytes)
	if err != nil {
		return domain.Report{}, err
	}
	return p.Parse(content)
}

// Parse validates an uncompressed report document. Either a fully populated
// report or a *ValidationError listing every failure is returned.
func (p *Parser) Parse(content []byte) (domain.Report, error) {
	doc, fe := decodeDocument(content)
	if fe != nil {
		return domain.Report{}, newValidationError(multierror.Append(nil, *fe))
	}

	w := &walker{validate: p.validate}
	report := w.report(doc)
	if w.errs != nil {
		return domain.Report{}, newValidationError(w.errs)
	}
	return report, nil
}

func decodeDocument(content []byte) (any, *domain.FieldError) {
	root := domain.Loc(rootLocation)
	if !utf8.Valid(content) {
		return nil, &domain.FieldError{Location: root, Message: msgInvalidUTF8}
	}
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return nil, &domain.FieldError{Location: root, Message: fmt.Sprintf("%s at offset %d", msgInvalidJSON, syn.Offset)}
		}
		return nil, &domain.FieldError{Location: root, Message: msgInvalidJSON}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &domain.FieldError{Location: root, Message: msgTrailingData}
	}
	return doc, nil
}

type path []any

// key and index never share the backing array with the receiver.
func (p path) key(k string) path { return append(p[:len(p):len(p)], k) }
func (p path) index(i int) path  { return append(p[:len(p):len(p)], i) }
func (p path) location() []any  { return append([]any(nil), p...) }

// walker performs the validation pass and collects all failures.
type walker struct {
	validate *validator.Validate
	errs     *multierror.Error
}

func (w *walker) fail(at path, msg string) {
	w.errs = multierror.Append(w.errs, domain.FieldError{Location: at.location(), Message: msg})
}

func (w *walker) report(doc any) domain.Report {
	var r domain.Report
	obj, ok := doc.(map[string]any)
	if !ok {
		w.fail(path{rootLocation}, msgDict)
		return r
	}
	var root path

	if s, ok := w.str(obj, root, "organization-name", true); ok {
		w.maxLength(s, root.key("organization-name"), domain.MaxOrgNameLen)
		r.OrganizationName = s
	}
	if dr, ok := w.object(obj, root, "date-range", true); ok {
		at := root.key("date-range")
		r.DateRange.Start, _ = w.datetime(dr, at, "start-datetime")
		r.DateRange.End, _ = w.datetime(dr, at, "end-datetime")
	}
	if s, ok := w.str(obj, root, "contact-info", true); ok {
		if w.validate.Var(s, "email") != nil {
			w.fail(root.key("contact-info"), msgEmail)
		} else {
			w.maxLength(s, root.key("contact-info"), domain.MaxContactInfoLen)
		}
		r.ContactInfo = s
	}
	if s, ok := w.str(obj, root, "report-id", true); ok {
		w.maxLength(s, root.key("report-id"), domain.MaxExternalIDLen)
		r.ReportID = s
	}

	if items, ok := w.list(obj, root, "policies", true); ok {
		at := root.key("policies")
		r.Policies = make([]domain.PolicyContainer, 0, len(items))
		for i, item := range items {
			r.Policies = append(r.Policies, w.policyContainer(item, at.index(i)))
		}
	}
	return r
}

func (w *walker) policyContainer(v any, at path) domain.PolicyContainer {
	var pc domain.PolicyContainer
	obj, ok := v.(map[string]any)
	if !ok {
		w.fail(at, msgDict)
		return pc
	}
	if p, ok := w.object(obj, at, "policy", true); ok {
		pc.Policy = w.policy(p, at.key("policy"))
	}
	if s, ok := w.object(obj, at, "summary", true); ok {
		sat := at.key("summary")
		pc.Summary.TotalSuccessfulSessionCount, _ = w.integer(s, sat, "total-successful-session-count", true, domain.MinSessionCount)
		pc.Summary.TotalFailureSessionCount, _ = w.integer(s, sat, "total-failure-session-count", true, domain.MinSessionCount)
	}
	pc.FailureDetails = []domain.FailureDetail{}
	if items, ok := w.list(obj, at, "failure-details", false); ok {
		fat := at.key("failure-details")
		for i, item := range items {
			pc.FailureDetails = append(pc.FailureDetails, w.failureDetail(item, fat.index(i)))
		}
	}
	return pc
}

func (w *walker) policy(obj map[string]any, at path) domain.Policy {
	var p domain.Policy
	if s, ok := w.str(obj, at, "policy-type", true); ok {
		if w.validate.Var(s, policyTypeOneOf) != nil {
			w.fail(at.key("policy-type"), enumMessage())
		}
		p.Type = domain.PolicyType(s)
	}
	if items, ok := w.list(obj, at, "policy-string", true); ok {
		sat := at.key("policy-string")
		p.String = make([]string, 0, len(items))
		for i, item := range items {
			s, isString := item.(string)
			if !isString {
				w.fail(sat.index(i), msgString)
				continue
			}
			if strings.ContainsRune(s, 0) {
				w.fail(sat.index(i), msgNUL)
				continue
			}
			p.String = append(p.String, s)
		}
	}
	if s, ok := w.str(obj, at, "policy-domain", true); ok {
		w.maxLength(s, at.key("policy-domain"), domain.MaxPolicyDomainLen)
		p.Domain = s
	}
	if s, ok := w.str(obj, at, "mx-host", false); ok {
		w.maxLength(s, at.key("mx-host"), domain.MaxMXHostLen)
		p.MXHost = s
	}
	return p
}

func (w *walker) failureDetail(v any, at path) domain.FailureDetail {
	var fd domain.FailureDetail
	obj, ok := v.(map[string]any)
	if !ok {
		w.fail(at, msgDict)
		return fd
	}
	fd.ResultType, _ = w.str(obj, at, "result-type", true)
	if addr, ok := w.ip(obj, at, "sending-mta-ip", true); ok {
		fd.SendingMTAIP = addr
	}
	fd.ReceivingMXHostname, _ = w.str(obj, at, "receiving-mx-hostname", false)
	fd.ReceivingMXHelo, _ = w.str(obj, at, "receiving-mx-helo", false)
	if addr, ok := w.ip(obj, at, "receiving-ip", false); ok {
		fd.ReceivingIP = &addr
	}
	fd.FailedSessionCount, _ = w.integer(obj, at, "failed-session-count", true, domain.MinFailedSessions)
	if s, ok := w.str(obj, at, "additional-information", false); ok {
		if w.validate.Var(s, "url") != nil {
			w.fail(at.key("additional-information"), msgURL)
		}
		fd.AdditionalInformation = s
	}
	fd.FailureReasonCode, _ = w.str(obj, at, "failure-reason-code", false)
	return fd
}

// lookup reports whether key holds a usable value. Missing required members
// and explicit nulls are recorded as failures; optional nulls count as absent.
func (w *walker) lookup(obj map[string]any, at path, key string, required bool) (any, bool) {
	v, present := obj[key]
	switch {
	case !present && required:
		w.fail(at.key(key), msgRequired)
		return nil, false
	case !present:
		return nil, false
	case v == nil && required:
		w.fail(at.key(key), msgNull)
		return nil, false
	case v == nil:
		return nil, false
	}
	return v, true
}

func (w *walker) str(obj map[string]any, at path, key string, required bool) (string, bool) {
	v, ok := w.lookup(obj, at, key, required)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		w.fail(at.key(key), msgString)
		return "", false
	}
	if strings.ContainsRune(s, 0) {
		// text columns cannot hold 0x00
		w.fail(at.key(key), msgNUL)
		return "", false
	}
	return s, true
}

func (w *walker) object(obj map[string]any, at path, key string, required bool) (map[string]any, bool) {
	v, ok := w.lookup(obj, at, key, required)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		w.fail(at.key(key), msgDict)
		return nil, false
	}
	return m, true
}

func (w *walker) list(obj map[string]any, at path, key string, required bool) ([]any, bool) {
	v, ok := w.lookup(obj, at, key, required)
	if !ok {
		return nil, false
	}
	l, ok := v.([]any)
	if !ok {
		w.fail(at.key(key), msgList)
		return nil, false
	}
	return l, true
}

func (w *walker) integer(obj map[string]any, at path, key string, required bool, min int64) (int64, bool) {
	v, ok := w.lookup(obj, at, key, required)
	if !ok {
		return 0, false
	}
	num, ok := v.(json.Number)
	if !ok {
		w.fail(at.key(key), msgInteger)
		return 0, false
	}
	n, err := num.Int64()
	if err != nil {
		w.fail(at.key(key), msgInteger)
		return 0, false
	}
	if n < min {
		w.fail(at.key(key), fmt.Sprintf("ensure this value is greater than or equal to %d", min))
		return n, false
	}
	return n, true
}

func (w *walker) datetime(obj map[string]any, at path, key string) (time.Time, bool) {
	s, ok := w.str(obj, at, key, true)
	if !ok {
		return time.Time{}, false
	}
	// time.Parse tolerates fractional seconds, the pattern does not
	if !dateTimePattern.MatchString(s) {
		w.fail(at.key(key), msgDatetime)
		return time.Time{}, false
	}
	t, err := time.Parse(domain.DateTimeLayout, s)
	if err != nil {
		w.fail(at.key(key), msgDatetime)
		return time.Time{}, false
	}
	return t.UTC(), true
}

func (w *walker) ip(obj map[string]any, at path, key string, required bool) (netip.Addr, bool) {
	s, ok := w.str(obj, at, key, required)
	if !ok {
		return netip.Addr{}, false
	}
	if w.validate.Var(s, "ip") != nil {
		w.fail(at.key(key), msgIP)
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		w.fail(at.key(key), msgIP)
		return netip.Addr{}, false
	}
	return addr, true
}

func (w *walker) maxLength(s string, at path, max int) {
	if w.validate.Var(s, fmt.Sprintf("max=%d", max)) != nil {
		w.fail(at, fmt.Sprintf("ensure this value has at most %d characters", max))
	}
}

func enumMessage() string {
	quoted := make([]string, len(domain.PolicyTypes))
	for i, t := range domain.PolicyTypes {
		quoted[i] = "'" + string(t) + "'"
	}
	return "value is not a valid enumeration member; permitted: " + strings.Join(quoted, ", ")
}

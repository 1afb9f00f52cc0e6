package transporthttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"example.com/tlsreporting/internal/apierror"
	"example.com/tlsreporting/internal/config"
	"example.com/tlsreporting/internal/domain"
	"example.com/tlsreporting/internal/logging"

	"github.com/charmbracelet/log"
	"github.com/rs/cors"
)

const (
	reportsPath     = "/api/v1/reports/mta-sts"
	reportFormField = "report"
)

// Accepted media types for report uploads.
var reportContentTypes = []string{
	"application/json",
	"application/tlsrpt+json",
	"application/gzip",
	"application/tlsrpt+gzip",
	"application/octet-stream",
	"multipart/form-data",
}

type ReportService interface {
	Submit(ctx context.Context, payload []byte) (domain.ResourceCreated, error)
	GetReport(ctx context.Context, id string) (domain.ReportRecord, error)
	ListReports(ctx context.Context, filter domain.ReportFilter) ([]domain.ReportRecord, error)
}

type Readiness interface {
	Ready(ctx context.Context) error
}

type ServerDeps struct {
	Cfg      config.Config
	Service  ReportService
	DB       Readiness // nil means always ready
	Log      *log.Logger
	Reporter logging.ErrReporter
	Now      func() time.Time
}

// writeFailure translates err, reports internal faults and writes the envelope.
func (d *ServerDeps) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	e := apierror.Translate(err)
	if e.Kind == apierror.KindInternal {
		d.Reporter.Report(err, logging.Options{
			Tags: map[string]string{"method": r.Method, "path": r.URL.Path},
			Msg:  "request failed",
		})
	} else {
		d.Log.Warn("request rejected", "path", r.URL.Path, "code", e.Kind.Code(), "err", err)
	}
	WriteError(w, e)
}

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if d.DB != nil {
		if err := d.DB.Ready(r.Context()); err != nil {
			d.Log.Warn("not ready", "err", err)
			WriteError(w, apierror.New(apierror.KindUnavailable, err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Reports ---

func (d *ServerDeps) HandlePostReport(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)

	payload, err := d.readReport(r)
	if err != nil {
		d.writeFailure(w, r, err)
		return
	}
	created, err := d.Service.Submit(r.Context(), payload)
	if err != nil {
		d.writeFailure(w, r, err)
		return
	}

	w.Header().Set("Location", resourceURL(r, created.Identifier))
	writeJSON(w, http.StatusCreated, created)
}

// resourceURL joins id onto the absolute request URL.
func resourceURL(r *http.Request, id string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	u := url.URL{
		Scheme: scheme,
		Host:   r.Host,
		Path:   strings.TrimSuffix(r.URL.Path, "/") + "/" + id,
	}
	return u.String()
}

// readReport returns the upload from the "report" part of a multipart form,
// or the whole body otherwise.
func (d *ServerDeps) readReport(r *http.Request) ([]byte, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "multipart/form-data" {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return b, nil
	}

	if err := r.ParseMultipartForm(d.Cfg.MaxBodyBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, apierror.New(apierror.KindJSON, err,
			domain.FieldError{Location: domain.Loc("body"), Message: "invalid multipart form"})
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}
	f, _, err := r.FormFile(reportFormField)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, apierror.New(apierror.KindJSON, err,
			domain.FieldError{Location: domain.Loc("body", reportFormField), Message: "field required"})
	}
	if err != nil {
		return nil, fmt.Errorf("form file: %w", err)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read form file: %w", err)
	}
	return b, nil
}

func (d *ServerDeps) HandleGetReport(w http.ResponseWriter, r *http.Request) {
	rec, err := d.Service.GetReport(r.Context(), r.PathValue("identifier"))
	if err != nil {
		d.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type listResp struct {
	Reports []domain.ReportRecord `json:"reports"`
}

func (d *ServerDeps) HandleListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ReportFilter{OrganisationName: strings.TrimSpace(q.Get("organisation"))}

	var fields []any
	parseTime := func(name string) time.Time {
		v := q.Get(name)
		if v == "" {
			return time.Time{}
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fields = append(fields, domain.FieldError{Location: domain.Loc("query", name), Message: "invalid datetime format, expected RFC 3339"})
			return time.Time{}
		}
		return t
	}
	filter.From = parseTime("from")
	filter.To = parseTime("to")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		switch {
		case err != nil:
			fields = append(fields, domain.FieldError{Location: domain.Loc("query", "limit"), Message: "value is not a valid integer"})
		case n < 1:
			fields = append(fields, domain.FieldError{Location: domain.Loc("query", "limit"), Message: "ensure this value is greater than or equal to 1"})
		default:
			filter.Limit = n
		}
	}
	if len(fields) > 0 {
		d.writeFailure(w, r, apierror.New(apierror.KindJSON, errors.New("invalid query parameters"), fields...))
		return
	}

	reports, err := d.Service.ListReports(r.Context(), filter)
	if err != nil {
		d.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResp{Reports: reports})
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", d.HandleHealthz)
	mux.HandleFunc("GET /readyz", d.HandleReadyz)

	var postReport http.Handler = http.HandlerFunc(d.HandlePostReport)
	postReport = BodyLimit(d.Cfg.MaxBodyBytes)(postReport)
	postReport = RequireContentType(reportContentTypes...)(postReport)
	postReport = APIKeyAuth(d.Cfg.APIKeys)(postReport)
	mux.Handle("POST "+reportsPath, postReport)

	var getReport http.Handler = http.HandlerFunc(d.HandleGetReport)
	getReport = APIKeyAuth(d.Cfg.APIKeys)(getReport)
	mux.Handle("GET "+reportsPath+"/{identifier}", getReport)

	var listReports http.Handler = http.HandlerFunc(d.HandleListReports)
	listReports = RateLimitPerMinute(d.Cfg.RateLimitListPerMin, d.Now)(listReports)
	listReports = APIKeyAuth(d.Cfg.APIKeys)(listReports)
	mux.Handle("GET "+reportsPath, listReports)

	var h http.Handler = mux
	if len(d.Cfg.CORSAllowedOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: d.Cfg.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type", "X-API-Key"},
			ExposedHeaders: []string{"Location"},
		}).Handler(h)
	}
	h = Recover(d.Reporter)(h)
	h = RequestLogger(d.Log)(h)
	return h
}

// Package mailbox polls an IMAP folder for TLS reports delivered by mail
// and submits every report attachment to the intake pipeline.
package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"example.com/tlsreporting/internal/apierror"
	"example.com/tlsreporting/internal/config"
	"example.com/tlsreporting/internal/domain"
	"example.com/tlsreporting/internal/logging"

	"github.com/charmbracelet/log"
	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

type Submitter interface {
	Submit(ctx context.Context, payload []byte) (domain.ResourceCreated, error)
}

type Poller struct {
	cfg      config.IMAPConfig
	submit   Submitter
	log      *log.Logger
	reporter logging.ErrReporter
}

func NewPoller(cfg config.IMAPConfig, submit Submitter, logger *log.Logger, reporter logging.ErrReporter) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 30
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Poller{cfg: cfg, submit: submit, log: logger, reporter: reporter}
}

// Run polls once immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("starting first run", "folder", p.cfg.Folder)
	if err := p.poll(ctx); err != nil {
		p.reporter.Report(err, logging.Options{Tags: map[string]string{"component": "mailbox"}, Msg: "mailbox run failed"})
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("mailbox poller stopped")
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				// keep the loop running
				p.reporter.Report(err, logging.Options{Tags: map[string]string{"component": "mailbox"}, Msg: "mailbox run failed"})
			}
		}
	}
}

// poll works in batches as some IMAP servers have pretty short timeouts.
func (p *Poller) poll(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hasMore, handled, err := p.fetchBatch(ctx)
		if err != nil {
			return err
		}
		if !hasMore || handled == 0 {
			return nil
		}
	}
}

func (p *Poller) connect() (*client.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if p.cfg.SSL {
		return client.DialTLS(p.cfg.Host, tlsConfig)
	}
	c, err := client.Dial(p.cfg.Host)
	if err != nil {
		return nil, err
	}
	support, err := c.SupportStartTLS()
	if err != nil {
		_ = c.Logout()
		return nil, err
	}
	if support {
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, err
		}
	}
	return c, nil
}

// fetchBatch processes up to BatchSize unhandled messages. It reports whether
// more messages are waiting and how many were handled.
func (p *Poller) fetchBatch(ctx context.Context) (bool, int, error) {
	c, err := p.connect()
	if err != nil {
		return false, 0, fmt.Errorf("could not connect to %s: %w", p.cfg.Host, err)
	}
	c.ErrorLog = p.log.StandardLog(log.StandardLogOptions{ForceLevel: log.WarnLevel})
	defer func() {
		if err := c.Logout(); err != nil {
			p.log.Warn("error on logout", "err", err)
		}
	}()

	if err := c.Login(p.cfg.User, p.cfg.Pass); err != nil {
		return false, 0, fmt.Errorf("could not login: %w", err)
	}

	mbox, err := c.Select(p.cfg.Folder, false)
	if err != nil {
		return false, 0, fmt.Errorf("could not select folder %s: %w", p.cfg.Folder, err)
	}
	p.log.Debug("opened folder", "name", mbox.Name, "messages", mbox.Messages, "unseen", mbox.Unseen)

	criteria := goimap.NewSearchCriteria()
	criteria.WithoutFlags = []string{goimap.DeletedFlag, goimap.SeenFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return false, 0, fmt.Errorf("could not search for mails: %w", err)
	}
	if len(uids) == 0 {
		return false, 0, nil
	}

	hasMore := len(uids) > p.cfg.BatchSize
	if hasMore {
		uids = uids[:p.cfg.BatchSize]
	}
	seqset := new(goimap.SeqSet)
	seqset.AddNum(uids...)

	// peek so failed messages stay unseen and are retried on the next run
	section := &goimap.BodySectionName{Peek: true}
	items := []goimap.FetchItem{section.FetchItem(), goimap.FetchEnvelope, goimap.FetchUid}

	messages := make(chan *goimap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	handled := new(goimap.SeqSet)
	count := 0
	for msg := range messages {
		subject := ""
		if msg.Envelope != nil {
			subject = msg.Envelope.Subject
		}
		body := msg.GetBody(section)
		if body == nil {
			p.log.Warn("server didn't return message body", "uid", msg.Uid)
			continue
		}
		if p.processMessage(ctx, subject, body) {
			handled.AddNum(msg.Uid)
			count++
		}
	}
	if err := <-done; err != nil {
		return false, count, fmt.Errorf("error on fetch: %w", err)
	}
	if count == 0 {
		return hasMore, 0, nil
	}

	flag := goimap.SeenFlag
	if p.cfg.DeleteProcessed {
		flag = goimap.DeletedFlag
	}
	op := goimap.FormatFlagsOp(goimap.AddFlags, true)
	if err := c.UidStore(handled, op, []interface{}{flag}, nil); err != nil {
		return false, count, fmt.Errorf("could not flag processed messages: %w", err)
	}
	if p.cfg.DeleteProcessed {
		if err := c.Expunge(nil); err != nil {
			return false, count, fmt.Errorf("could not expunge: %w", err)
		}
	}
	p.log.Info("processed mails", "count", count)
	return hasMore, count, nil
}

// processMessage submits every report in the message. It returns false when
// a submission failed for a reason that may succeed later.
func (p *Poller) processMessage(ctx context.Context, subject string, r io.Reader) bool {
	reports, err := extractReports(ctx, r)
	if err != nil {
		p.log.Warn("could not parse message, skipping", "subject", subject, "err", err)
		return true
	}
	if len(reports) == 0 {
		p.log.Info("message does not contain a tls report", "subject", subject)
		return true
	}

	ok := true
	for _, a := range reports {
		created, err := p.submit.Submit(ctx, a.content)
		if err == nil {
			p.log.Info("report accepted", "subject", subject, "file", a.filename, "identifier", created.Identifier)
			continue
		}
		e := apierror.Translate(err)
		if e.IsClientError() {
			p.log.Warn("report rejected", "subject", subject, "file", a.filename, "code", e.Kind.Code(), "err", err)
			continue
		}
		p.reporter.Report(err, logging.Options{
			Tags: map[string]string{"component": "mailbox", "file": a.filename},
			Msg:  "could not store report",
		})
		ok = false
	}
	return ok
}

package payu

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dvloznov/payu-reconciler/internal/acquisition"
	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/logger"
)

const providerDateLayout = "2006/01/02"

// ReportConfig configures the order report endpoints.
type ReportConfig struct {
	APIBaseURL   string
	AccountID    string
	Language     string
	TimeZone     string
	MaxRangeDays int
}

// ReportClient requests, checks and downloads PayU order CSV reports.
type ReportClient struct {
	cfg ReportConfig
	now func() time.Time
}

// NewReportClient creates a new ReportClient.
func NewReportClient(cfg ReportConfig) *ReportClient {
	return &ReportClient{cfg: cfg, now: time.Now}
}

func (c *ReportClient) endpoint(name string) string {
	return strings.TrimSuffix(c.cfg.APIBaseURL, "/") + "/merchant-reports/reports/order/" + name
}

// Submit queues report generation for the range and returns the job in
// state PENDING. It is never retried: resubmitting would queue a second report.
func (c *ReportClient) Submit(ctx context.Context, sess Session, rng domain.DateRange) (*domain.ReportJob, error) {
	if err := rng.Validate(c.cfg.MaxRangeDays); err != nil {
		return nil, fmt.Errorf("ReportClient.Submit: %w", err)
	}

	resp, err := sess.Do(ctx, Request{
		Method: http.MethodGet,
		URL:    c.endpoint("load-csv/" + url.PathEscape(c.cfg.AccountID) + "/" + url.PathEscape(c.cfg.Language)),
		Query: url.Values{
			"fromDate": {rng.Start.In(time.UTC).Format(providerDateLayout)},
			"toDate":   {rng.End.In(time.UTC).Format(providerDateLayout)},
			"timeZone": {c.cfg.TimeZone},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ReportClient.Submit: %w", err)
	}
	if err := classify("load-csv", resp); err != nil {
		return nil, fmt.Errorf("ReportClient.Submit: %w", err)
	}

	fileName := strings.Trim(strings.TrimSpace(string(resp.Body)), `"`)
	if fileName == "" {
		return nil, fmt.Errorf("ReportClient.Submit: %w", &domain.TransportError{
			Op:  "load-csv",
			Err: fmt.Errorf("empty report file name in response"),
		})
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("file_name", fileName).
		Str("range", rng.String()).
		Msg("Report queued")

	return &domain.ReportJob{
		ID:          fileName,
		Range:       rng,
		Status:      domain.JobPending,
		SubmittedAt: c.now(),
	}, nil
}

// Poll checks whether the queued report file exists yet.
//
// 200 means ready; 202, 204 and 404 mean still generating; 410 and 422 are
// treated as the provider giving up on the job. Everything else is an error.
func (c *ReportClient) Poll(ctx context.Context, sess Session, jobID string) (acquisition.PollResponse, error) {
	resp, err := sess.Do(ctx, Request{
		Method: http.MethodHead,
		URL:    c.endpoint("check-csv"),
		Query:  url.Values{"fileName": {jobID}},
	})
	if err != nil {
		return acquisition.PollResponse{}, fmt.Errorf("ReportClient.Poll: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return acquisition.PollResponse{Outcome: acquisition.OutcomeReady, ArtifactRef: jobID}, nil
	case http.StatusAccepted, http.StatusNoContent, http.StatusNotFound:
		return acquisition.PollResponse{Outcome: acquisition.OutcomePending}, nil
	case http.StatusGone, http.StatusUnprocessableEntity:
		return acquisition.PollResponse{
			Outcome: acquisition.OutcomeFailed,
			Reason:  fmt.Sprintf("provider answered %d for %s", resp.StatusCode, jobID),
		}, nil
	}

	if err := classify("check-csv", resp); err != nil {
		return acquisition.PollResponse{}, fmt.Errorf("ReportClient.Poll: %w", err)
	}
	// Any other 2xx: not ready yet.
	return acquisition.PollResponse{Outcome: acquisition.OutcomePending}, nil
}

// Poller binds the client to a session for the acquisition state machine.
func (c *ReportClient) Poller(sess Session) acquisition.Poller {
	return acquisition.PollerFunc(func(ctx context.Context, jobID string) (acquisition.PollResponse, error) {
		return c.Poll(ctx, sess, jobID)
	})
}

// Download fetches a ready report.
func (c *ReportClient) Download(ctx context.Context, sess Session, ref string) (*domain.RawArtifact, error) {
	resp, err := sess.Do(ctx, Request{
		Method: http.MethodGet,
		URL:    c.endpoint("download-csv"),
		Query:  url.Values{"fileName": {ref}},
	})
	if err != nil {
		return nil, fmt.Errorf("ReportClient.Download: %w", err)
	}
	if err := classify("download-csv", resp); err != nil {
		return nil, fmt.Errorf("ReportClient.Download: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("file_name", ref).
		Int("bytes", len(resp.Body)).
		Msg("Report downloaded")

	return &domain.RawArtifact{Ref: ref, Format: domain.FormatCSV, Data: resp.Body}, nil
}

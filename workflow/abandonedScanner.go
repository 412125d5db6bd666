package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type ScanRequest struct {
	ProcessTypes []string `json:"processTypes"`
	DryRun       bool     `json:"dryRun"`
}

type TypeScanResult struct {
	Found          int  `json:"found"`
	NewDetections  int  `json:"newDetections"`
	AlreadyTracked int  `json:"alreadyTracked"`
	Truncated      bool `json:"truncated,omitempty"`
}

// TypeError reports a process type whose scan or cleanup failed while the
// others completed.
type TypeError struct {
	ProcessType models.ProcessType `json:"processType"`
	Error       string             `json:"error"`
	Code        string             `json:"code"`
}

type ScanReport struct {
	ScanResults         map[models.ProcessType]*TypeScanResult `json:"scanResults"`
	TotalFound          int                                    `json:"totalFound"`
	TotalNewDetections  int                                    `json:"totalNewDetections"`
	TotalAlreadyTracked int                                    `json:"totalAlreadyTracked"`
	DryRun              bool                                   `json:"dryRun"`
	ScannedAt           time.Time                              `json:"scannedAt"`
	Errors              []TypeError                            `json:"errors,omitempty"`
}

// Scan finds entities past their threshold for each requested process type
// and opens a tracking record for every one that has no active record yet.
// Types are scanned independently: one type failing is reported in Errors and
// does not discard the others' results. With DryRun nothing is written and
// NewDetections counts what would have been created.
func (m *AbandonedProcessManager) Scan(ctx context.Context, req ScanRequest) (*ScanReport, error) {
	types, err := m.Rules.Resolve(req.ProcessTypes)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "abandoned.scan", trace.WithAttributes(
		attribute.Int("process_types", len(types)),
		attribute.Bool("dry_run", req.DryRun),
	))
	defer span.End()

	now := m.now()
	results := make([]*TypeScanResult, len(types))
	errs := make([]error, len(types))

	var wg sync.WaitGroup
	for i, pt := range types {
		wg.Add(1)
		go func(i int, pt models.ProcessType) {
			defer wg.Done()
			results[i], errs[i] = m.scanType(ctx, pt, now, req.DryRun)
		}(i, pt)
	}
	wg.Wait()

	report := &ScanReport{
		ScanResults: make(map[models.ProcessType]*TypeScanResult, len(types)),
		DryRun:      req.DryRun,
		ScannedAt:   now,
	}
	for i, pt := range types {
		res := results[i]
		if res == nil {
			res = &TypeScanResult{}
		}
		report.ScanResults[pt] = res
		report.TotalFound += res.Found
		report.TotalNewDetections += res.NewDetections
		report.TotalAlreadyTracked += res.AlreadyTracked

		if errs[i] != nil {
			appErr := utils.AsAppError(errs[i])
			report.Errors = append(report.Errors, TypeError{ProcessType: pt, Error: appErr.Message, Code: appErr.Code})
			config.LogError(m.logger(), "abandonedScanner.go", "Scan", "scan process type", string(pt), errs[i])
			span.RecordError(errs[i], trace.WithAttributes(attribute.String("process_type", string(pt))))
		}
	}
	if len(report.Errors) > 0 {
		span.SetStatus(codes.Error, "one or more process types failed")
	}
	span.SetAttributes(
		attribute.Int("found", report.TotalFound),
		attribute.Int("new_detections", report.TotalNewDetections),
	)

	m.logger().WithFields(logrus.Fields{
		"dry_run":         req.DryRun,
		"found":           report.TotalFound,
		"new_detections":  report.TotalNewDetections,
		"already_tracked": report.TotalAlreadyTracked,
		"failed_types":    len(report.Errors),
	}).Info("abandoned scan finished")

	return report, nil
}

// scanType returns partial counts alongside an error so callers can report
// what was written before the failure.
func (m *AbandonedProcessManager) scanType(ctx context.Context, pt models.ProcessType, now time.Time, dryRun bool) (*TypeScanResult, error) {
	rule, ok := m.Rules.Rule(pt)
	if !ok {
		return nil, utils.NewValidationError(utils.CodeInvalidProcessType, "unknown process type "+string(pt))
	}

	ctx, span := tracer.Start(ctx, "abandoned.scan."+string(pt))
	defer span.End()

	if !dryRun {
		release := m.lockScan(ctx, pt)
		defer release()
	}

	cutoff := now.Add(-rule.Threshold)
	candidates, err := rule.Collect(ctx, m.Source, rule.Statuses, cutoff, m.MaxRowsPerType)
	if err != nil {
		span.RecordError(err)
		return &TypeScanResult{}, utils.NewInternalError("failed to query "+string(pt)+" candidates", err)
	}

	res := &TypeScanResult{
		Found:     len(candidates),
		Truncated: m.MaxRowsPerType > 0 && len(candidates) >= m.MaxRowsPerType,
	}
	if res.Truncated {
		m.logger().WithFields(logrus.Fields{
			"process_type": pt,
			"limit":        m.MaxRowsPerType,
		}).Warn("abandoned scan hit the row cap; remaining candidates are picked up by the next scan")
	}

	workers := m.Workers
	if workers <= 0 {
		workers = 1
	}
	var created, tracked atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			isNew, err := m.track(gctx, pt, c, now, dryRun)
			if err != nil {
				return err
			}
			if isNew {
				created.Add(1)
			} else {
				tracked.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	res.NewDetections = int(created.Load())
	res.AlreadyTracked = int(tracked.Load())
	span.SetAttributes(
		attribute.Int("found", res.Found),
		attribute.Int("new_detections", res.NewDetections),
		attribute.Int("already_tracked", res.AlreadyTracked),
	)
	if err != nil {
		span.RecordError(err)
		return res, utils.NewInternalError("failed to record "+string(pt)+" detections", err)
	}
	return res, nil
}

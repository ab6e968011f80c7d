package blacklist

import (
	"context"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/params"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const detectJob = "blacklist_detect"

// DetectOptions controls one detector run
type DetectOptions struct {
	ChunkSize   int
	Concurrency int
	DryRun      bool
	Actor       string
	Types       []models.IdentifierType
}

func (o *DetectOptions) normalize() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 500
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Actor == "" {
		o.Actor = "blacklist-detector"
	}
	if len(o.Types) == 0 {
		o.Types = []models.IdentifierType{models.IdentifierPhone, models.IdentifierEmail, models.IdentifierAddress}
	}
}

// DetectStats summarizes a detector run
type DetectStats struct {
	Scanned  int `json:"scanned"`
	Flagged  int `json:"flagged"`
	Added    int `json:"added"`
	Existing int `json:"existing"`
	Chunks   int `json:"chunks"`
}

// Finding is a shared identifier the detector would list
type Finding struct {
	Shared         models.SharedIdentifier
	MaxSimilarity  float64
	MixedKinds     bool
	MixedRoles     bool
	AlreadyPresent bool
}

// Detector scans for identifiers shared by subjects that are clearly
// different: names that do not resemble each other, or different kinds or
// roles. It never takes guard locks.
type Detector struct {
	logger  ectologger.Logger
	store   store.Store
	service *Service
	params  params.Provider
}

// NewDetector creates a detector writing through the service
func NewDetector(logger ectologger.Logger, st store.Store, service *Service, provider params.Provider) *Detector {
	return &Detector{
		logger:  logger,
		store:   st,
		service: service,
		params:  provider,
	}
}

func checkpointKey(t models.IdentifierType) string {
	return detectJob + ":" + string(t)
}

// Run scans every identifier type from its last checkpoint. Each chunk is
// written and checkpointed before the next is read; a finished type resets
// its checkpoint. Dry runs log findings and write nothing.
func (d *Detector) Run(ctx context.Context, opts DetectOptions) (*DetectStats, error) {
	ctx, span := tracing.StartSpan(ctx, "blacklist.Detector.Run")
	defer span.End()

	opts.normalize()
	stats := &DetectStats{}

	for _, t := range opts.Types {
		if err := d.scanType(ctx, t, opts, stats); err != nil {
			return stats, err
		}
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"scanned":  stats.Scanned,
		"flagged":  stats.Flagged,
		"added":    stats.Added,
		"existing": stats.Existing,
		"dry_run":  opts.DryRun,
	}).Info("Blacklist detection finished")
	return stats, nil
}

func (d *Detector) scanType(ctx context.Context, t models.IdentifierType, opts DetectOptions, stats *DetectStats) error {
	cfg := d.params.Current().Blacklist
	log := d.logger.WithContext(ctx).WithField("identifier_type", t)

	cursor, err := d.store.GetCheckpoint(ctx, checkpointKey(t))
	if err != nil {
		return err
	}
	if cursor != "" {
		log.WithField("cursor", cursor).Info("Resuming blacklist detection")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := d.store.SharedIdentifiers(ctx, t, cfg.DetectMinSubjects, cursor, opts.ChunkSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			if opts.DryRun {
				return nil
			}
			return d.store.SaveCheckpoint(ctx, checkpointKey(t), "")
		}

		findings, err := d.evaluate(ctx, page, cfg, opts.Concurrency)
		if err != nil {
			return err
		}

		stats.Chunks++
		stats.Scanned += len(page)
		for _, f := range findings {
			stats.Flagged++
			if f.AlreadyPresent {
				stats.Existing++
				continue
			}

			flog := log.WithFields(map[string]any{
				"identifier":     f.Shared.Key(),
				"subjects":       len(f.Shared.SubjectIDs),
				"max_similarity": f.MaxSimilarity,
				"mixed_kinds":    f.MixedKinds,
				"mixed_roles":    f.MixedRoles,
			})
			if opts.DryRun {
				flog.Info("Would blacklist shared identifier")
				continue
			}
			if err := d.add(ctx, f, cfg, opts.Actor); err != nil {
				return err
			}
			stats.Added++
			metrics.RecordBatchItem(detectJob, "added")
			flog.Info("Blacklisted shared identifier")
		}

		cursor = page[len(page)-1].Key()
		if !opts.DryRun {
			if err := d.store.SaveCheckpoint(ctx, checkpointKey(t), cursor); err != nil {
				return err
			}
		}
	}
}

// evaluate inspects one chunk in parallel and returns the flagged identifiers
// in page order
func (d *Detector) evaluate(ctx context.Context, page []models.SharedIdentifier, cfg params.Blacklist, concurrency int) ([]Finding, error) {
	results := make([]*Finding, len(page))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, shared := range page {
		g.Go(func() error {
			f, err := d.inspect(gctx, shared, cfg)
			if err != nil {
				return err
			}
			results[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Finding
	for _, f := range results {
		if f != nil {
			out = append(out, *f)
		}
	}
	return out, nil
}

// inspect returns a finding when the holders of a shared identifier look like
// distinct subjects, nil otherwise
func (d *Detector) inspect(ctx context.Context, shared models.SharedIdentifier, cfg params.Blacklist) (*Finding, error) {
	subjects, err := d.store.GetSubjects(ctx, shared.SubjectIDs)
	if err != nil {
		return nil, err
	}
	if len(subjects) < 2 {
		return nil, nil
	}

	f := &Finding{Shared: shared}
	for i := 0; i < len(subjects); i++ {
		for j := i + 1; j < len(subjects); j++ {
			a, b := subjects[i], subjects[j]
			if a.Kind != b.Kind {
				f.MixedKinds = true
			}
			ra, rb := a.Attributes[models.AttributeRole], b.Attributes[models.AttributeRole]
			if ra != "" && rb != "" && ra != rb {
				f.MixedRoles = true
			}
			if sim := matching.NameSimilarity(a.Name(), b.Name()); sim > f.MaxSimilarity {
				f.MaxSimilarity = sim
			}
		}
	}

	if !f.MixedKinds && !f.MixedRoles && f.MaxSimilarity >= cfg.DetectNameFloor {
		return nil, nil
	}

	existing, err := d.store.GetBlacklistEntry(ctx, shared.Type, shared.Value)
	if err != nil {
		return nil, err
	}
	f.AlreadyPresent = existing != nil
	return f, nil
}

func (d *Detector) add(ctx context.Context, f Finding, cfg params.Blacklist, actor string) error {
	reason := models.BlacklistReasonDetected
	if f.MixedKinds || f.MixedRoles {
		reason = models.BlacklistReasonSharedCaretaker
	}
	entry := &models.SoftBlacklistEntry{
		IdentifierType:      f.Shared.Type,
		Value:               f.Shared.Value,
		ReasonCode:          reason,
		DistinctSubjects:    len(f.Shared.SubjectIDs),
		MinNameSimilarity:   cfg.MinNameSimilarity,
		RequireAddressMatch: cfg.RequireAddressMatch,
		CreatedBy:           actor,
	}
	return d.store.RunInTx(ctx, func(ctx context.Context) error {
		return d.service.put(ctx, entry, actor, "detected: identifier shared by distinct subjects")
	})
}

// Package refresh re-scores existing subjects against each other in chunks,
// queueing review candidates and auto-merging clear duplicates.
package refresh

import (
	"context"
	"sync"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/clover/pkg/blocking"
	"github.com/Ramsey-B/clover/pkg/decision"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/params"
	"github.com/Ramsey-B/clover/pkg/resolver"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const job = "candidate_refresh"

// Options controls one refresh run
type Options struct {
	ChunkSize   int
	Concurrency int
	DryRun      bool
	Actor       string
	Kinds       []models.SubjectKind
}

func (o *Options) normalize() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 200
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Actor == "" {
		o.Actor = "candidate-refresh"
	}
	if len(o.Kinds) == 0 {
		o.Kinds = []models.SubjectKind{models.SubjectKindPerson, models.SubjectKindAnimal, models.SubjectKindPlace}
	}
}

// Stats summarizes a refresh run
type Stats struct {
	Scanned    int `json:"scanned"`
	Queued     int `json:"queued"`
	AutoMerged int `json:"auto_merged"`
	Capped     int `json:"capped"`
	Rejected   int `json:"rejected"`
	Chunks     int `json:"chunks"`
}

func (s *Stats) add(o Stats) {
	s.Scanned += o.Scanned
	s.Queued += o.Queued
	s.AutoMerged += o.AutoMerged
	s.Capped += o.Capped
	s.Rejected += o.Rejected
}

// Refresher walks canonical subjects by id from a checkpoint
type Refresher struct {
	logger   ectologger.Logger
	store    store.Store
	params   params.Provider
	resolver *resolver.Resolver
	executor *merging.Executor
}

// New creates a refresher
func New(logger ectologger.Logger, st store.Store, provider params.Provider, r *resolver.Resolver, executor *merging.Executor) *Refresher {
	return &Refresher{
		logger:   logger,
		store:    st,
		params:   provider,
		resolver: r,
		executor: executor,
	}
}

func checkpointKey(kind models.SubjectKind) string {
	return job + ":" + string(kind)
}

// Run refreshes every kind. No guard lock is held across chunks; each merge
// takes its own.
func (r *Refresher) Run(ctx context.Context, opts Options) (*Stats, error) {
	ctx, span := tracing.StartSpan(ctx, "refresh.Refresher.Run")
	defer span.End()

	opts.normalize()
	stats := &Stats{}
	for _, kind := range opts.Kinds {
		if err := r.runKind(ctx, kind, opts, stats); err != nil {
			return stats, err
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"scanned":     stats.Scanned,
		"queued":      stats.Queued,
		"auto_merged": stats.AutoMerged,
		"capped":      stats.Capped,
		"rejected":    stats.Rejected,
		"dry_run":     opts.DryRun,
	}).Info("Candidate refresh finished")
	return stats, nil
}

func (r *Refresher) runKind(ctx context.Context, kind models.SubjectKind, opts Options, stats *Stats) error {
	log := r.logger.WithContext(ctx).WithField("kind", kind)

	cursor, err := r.store.GetCheckpoint(ctx, checkpointKey(kind))
	if err != nil {
		return err
	}
	if cursor != "" {
		log.WithField("cursor", cursor).Info("Resuming candidate refresh")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := r.store.ListCanonicalIDs(ctx, kind, cursor, opts.ChunkSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			if opts.DryRun {
				return nil
			}
			return r.store.SaveCheckpoint(ctx, checkpointKey(kind), "")
		}

		var (
			mu    sync.Mutex
			chunk Stats
		)
		p := r.params.Current()
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Concurrency)
		for _, id := range ids {
			g.Go(func() error {
				s, err := r.refreshSubject(gctx, p, id, opts)
				if err != nil {
					return err
				}
				mu.Lock()
				chunk.add(s)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		stats.add(chunk)
		stats.Chunks++
		cursor = ids[len(ids)-1]
		if !opts.DryRun {
			if err := r.store.SaveCheckpoint(ctx, checkpointKey(kind), cursor); err != nil {
				return err
			}
		}
		log.WithFields(map[string]any{
			"cursor":  cursor,
			"scanned": chunk.Scanned,
			"queued":  chunk.Queued,
			"merged":  chunk.AutoMerged,
		}).Debug("Refreshed chunk")
	}
}

// refreshSubject scores one subject against its blocked candidates
func (r *Refresher) refreshSubject(ctx context.Context, p *params.Params, id string, opts Options) (Stats, error) {
	var out Stats

	s, err := r.store.GetSubject(ctx, id)
	if err != nil {
		if clerrors.IsNotFound(err) {
			return out, nil
		}
		return out, err
	}
	// merged away earlier in this run
	if !s.IsCanonical() {
		return out, nil
	}
	out.Scanned = 1

	ids, err := r.store.ListIdentifiers(ctx, id)
	if err != nil {
		return out, err
	}
	profile := matching.NewProfile(s, ids)
	query := blocking.NewQuery(s.Kind, s.Attributes, profile.Identifiers, s.Location())
	query.Exclude = []string{id}

	d, err := r.resolver.Match(ctx, p, query, profile)
	if err != nil {
		return out, err
	}
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"subject_id": id,
		"tier":       d.Tier,
		"score":      d.Score(),
	})

	switch d.Tier {
	case models.TierNoMatch:
		return out, nil
	case models.TierAutoMerge:
		if opts.DryRun {
			log.WithField("target_id", d.Target.Candidate.ID).Info("Would merge subjects")
			out.AutoMerged = 1
			return out, nil
		}
		merged, err := r.autoMerge(ctx, s, d, opts.Actor)
		if err == nil {
			if merged {
				out.AutoMerged = 1
				metrics.RecordBatchItem(job, "merged")
			}
			return out, nil
		}
		if !clerrors.IsConflict(err) && !clerrors.IsValidation(err) {
			return out, err
		}
		// blocked merges go to a reviewer instead
		log.WithError(err).Info("Auto-merge blocked, queueing for review")
		out.Rejected = 1
	}

	queued, capped, err := r.queue(ctx, p, s, d, opts)
	if err != nil {
		return out, err
	}
	out.Queued += queued
	out.Capped += capped
	return out, nil
}

// autoMerge folds the less established subject of the pair into the other:
// a protected subject always survives, then the older one.
func (r *Refresher) autoMerge(ctx context.Context, s *models.Subject, d decision.Decision, actor string) (bool, error) {
	other, err := r.store.GetSubject(ctx, d.Target.Candidate.ID)
	if err != nil {
		return false, err
	}
	winner, loser := other, s
	if survives(s, other) {
		winner, loser = s, other
	}

	res, err := r.executor.Merge(ctx, models.MergeRequest{
		LoserID:  loser.ID,
		WinnerID: winner.ID,
		Reason:   "refresh: " + d.Reason,
		Actor:    actor,
	})
	if err != nil {
		return false, err
	}
	return !res.AlreadyMerged, nil
}

func survives(a, b *models.Subject) bool {
	if a.Protected != b.Protected {
		return a.Protected
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// queue writes pending candidates for the subject up to the per-subject cap,
// counting pairs already pending against it
func (r *Refresher) queue(ctx context.Context, p *params.Params, s *models.Subject, d decision.Decision, opts Options) (int, int, error) {
	pending, err := r.store.CountPending(ctx, s.ID)
	if err != nil {
		return 0, 0, err
	}

	room := p.Blocking.MaxCandidatesPerSubject - pending
	capped := 0
	if room < len(d.Qualifying) {
		if room < 0 {
			room = 0
		}
		capped = len(d.Qualifying) - room
	}
	if room == 0 || len(d.Qualifying) == 0 {
		return 0, capped, nil
	}

	written := 0
	for _, sc := range d.Qualifying[:min(room, len(d.Qualifying))] {
		tier := decision.TierFor(sc.Result.Score, p.Thresholds)
		if tier == models.TierAutoMerge {
			tier = models.TierNeedsReview
		}
		if opts.DryRun {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"subject_id": s.ID,
				"other_id":   sc.Candidate.ID,
				"score":      sc.Result.Score,
			}).Info("Would queue candidate")
			written++
			continue
		}

		c := resolver.NewCandidate(p, s.ID, s.Kind, sc, tier, d.Reason)
		err := r.store.RunInTx(ctx, func(ctx context.Context) error {
			_, ok, err := r.store.UpsertCandidate(ctx, c)
			if ok {
				written++
			}
			return err
		})
		if err != nil {
			return written, capped, err
		}
		metrics.RecordCandidate(string(tier))
	}
	return written, capped, nil
}

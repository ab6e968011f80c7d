// Package decision maps scored candidates to auto_merge, needs_review or no_match.
package decision

import (
	"context"
	"fmt"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/params"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Blacklist finds the soft blacklist entry for an identifier, nil when the
// identifier is not listed.
type Blacklist interface {
	Lookup(ctx context.Context, t models.IdentifierType, value string) (*models.SoftBlacklistEntry, error)
}

// Scored is one candidate subject and its score against the incoming record
type Scored struct {
	Candidate matching.Profile
	Result    matching.Result
}

// Decision is the outcome for one incoming record
type Decision struct {
	Tier models.Tier
	// Best ranked candidate, nil when there were none
	Target *Scored
	// Every candidate at or above the lower cut point, best first
	Qualifying []Scored
	// Set when a blacklisted decisive identifier lowered the tier
	Blacklisted *models.SoftBlacklistEntry
	Downgraded  bool
	Reason      string
}

// Score returns the target's raw score, 0 without a target
func (d Decision) Score() float64 {
	if d.Target == nil {
		return 0
	}
	return d.Target.Result.Score
}

// Engine decides tiers
type Engine struct {
	logger    ectologger.Logger
	blacklist Blacklist
}

// NewEngine creates a new decision engine
func NewEngine(logger ectologger.Logger, blacklist Blacklist) *Engine {
	return &Engine{logger: logger, blacklist: blacklist}
}

// TierFor maps a raw score to a tier under the thresholds
func TierFor(score float64, t params.Thresholds) models.Tier {
	switch {
	case score >= t.Upper:
		return models.TierAutoMerge
	case score >= t.Lower:
		return models.TierNeedsReview
	default:
		return models.TierNoMatch
	}
}

// Rank orders candidates best first: highest score, then most corroborating
// identifiers, then earliest created. Subject id settles exact ties.
func Rank(scored []Scored) {
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Result.Score != b.Result.Score {
			return a.Result.Score > b.Result.Score
		}
		if a.Result.Corroborating() != b.Result.Corroborating() {
			return a.Result.Corroborating() > b.Result.Corroborating()
		}
		if !a.Candidate.CreatedAt.Equal(b.Candidate.CreatedAt) {
			return a.Candidate.CreatedAt.Before(b.Candidate.CreatedAt)
		}
		return a.Candidate.ID < b.Candidate.ID
	})
}

// Decide ranks the candidates and assigns a tier to the best one, applying
// the soft blacklist override.
func (e *Engine) Decide(ctx context.Context, p *params.Params, scored []Scored) (Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "decision.Engine.Decide")
	defer span.End()

	if len(scored) == 0 {
		return Decision{Tier: models.TierNoMatch, Reason: "no candidates"}, nil
	}

	ranked := append([]Scored(nil), scored...)
	Rank(ranked)

	d := Decision{Target: &ranked[0]}
	for _, s := range ranked {
		if s.Result.Score >= p.Thresholds.Lower {
			d.Qualifying = append(d.Qualifying, s)
		}
	}

	d.Tier = TierFor(d.Target.Result.Score, p.Thresholds)
	d.Reason = fmt.Sprintf("score %.2f", d.Target.Result.Score)
	if d.Tier == models.TierNoMatch {
		return d, nil
	}

	if err := e.applyBlacklist(ctx, p, &d); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// applyBlacklist lowers the tier one step when the decisive identifier is on
// the soft blacklist and nothing else corroborates the match.
func (e *Engine) applyBlacklist(ctx context.Context, p *params.Params, d *Decision) error {
	if e.blacklist == nil {
		return nil
	}
	res := d.Target.Result
	decisive := res.Decisive()
	if decisive == nil {
		return nil
	}

	entry, err := e.blacklist.Lookup(ctx, decisive.Type, decisive.Value)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	d.Blacklisted = entry

	corroborated, why, err := e.corroborated(ctx, res, entry)
	if err != nil {
		return err
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"candidate_id":    d.Target.Candidate.ID,
		"identifier":      decisive.Key(),
		"reason_code":     entry.ReasonCode,
		"name_similarity": res.NameSimilarity,
	})

	if corroborated {
		d.Reason = fmt.Sprintf("%s; blacklisted %s corroborated by %s", d.Reason, decisive.Key(), why)
		log.Debug("Blacklisted identifier corroborated")
		return nil
	}

	from := d.Tier
	d.Tier = d.Tier.Downgrade()
	d.Downgraded = true
	metrics.BlacklistDowngrades.Inc()
	d.Reason = fmt.Sprintf("%s; downgraded from %s: %s is soft blacklisted (%s)", d.Reason, from, decisive.Key(), entry.ReasonCode)
	log.WithFields(map[string]any{"from": from, "to": d.Tier}).Info("Downgraded decision on blacklisted identifier")
	return nil
}

// corroborated reports whether a signal other than the blacklisted identifier
// supports the match: enough name similarity (plus address agreement when the
// entry requires it), or another agreeing identifier that is not itself
// blacklisted.
func (e *Engine) corroborated(ctx context.Context, res matching.Result, entry *models.SoftBlacklistEntry) (bool, string, error) {
	if res.NameSimilarity >= entry.MinNameSimilarity && (!entry.RequireAddressMatch || res.AddressAgrees) {
		return true, fmt.Sprintf("name similarity %.2f", res.NameSimilarity), nil
	}

	for _, id := range res.Identifiers[1:] {
		other, err := e.blacklist.Lookup(ctx, id.Type, id.Value)
		if err != nil {
			return false, "", err
		}
		if other == nil {
			return true, id.Key(), nil
		}
	}
	return false, "", nil
}

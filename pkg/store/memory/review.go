package memory

import (
	"context"
	"sort"

	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Candidates

func findPair(st *state, a, b string) (models.MergeCandidate, bool) {
	for _, c := range st.candidates {
		if c.SubjectA == a && c.SubjectB == b {
			return c, true
		}
	}
	return models.MergeCandidate{}, false
}

// UpsertCandidate implements store.CandidateStore
func (s *Store) UpsertCandidate(ctx context.Context, c *models.MergeCandidate) (*models.MergeCandidate, bool, error) {
	var out *models.MergeCandidate
	written := false
	err := s.view(ctx, func(st *state, _ func(string)) error {
		c.SubjectA, c.SubjectB = models.OrderPair(c.SubjectA, c.SubjectB)
		now := s.now()

		existing, ok := findPair(st, c.SubjectA, c.SubjectB)
		switch {
		case ok && existing.Status.Terminal():
			out = &existing
			return nil
		case ok:
			if c.Score > existing.Score {
				existing.Score = c.Score
				existing.Probability = c.Probability
				existing.Tier = c.Tier
				existing.DecisiveIdentifier = c.DecisiveIdentifier
				existing.Reason = c.Reason
				existing.Comparisons = c.Comparisons
				existing.ParamsVersion = c.ParamsVersion
			}
			existing.UpdatedAt = now
			put(st, st.candidates, existing.ID, existing)
			out = &existing
		default:
			if c.ID == "" {
				c.ID = newID()
			}
			c.Status = models.MergeCandidateStatusPending
			c.CreatedAt = now
			c.UpdatedAt = now
			put(st, st.candidates, c.ID, *c)
			stored := *c
			out = &stored
		}
		written = true
		return nil
	})
	return out, written, err
}

// GetCandidate implements store.CandidateStore
func (s *Store) GetCandidate(ctx context.Context, id string) (*models.MergeCandidate, error) {
	var out *models.MergeCandidate
	err := s.view(ctx, func(st *state, _ func(string)) error {
		c, ok := st.candidates[id]
		if !ok {
			return clerrors.NewNotFoundError("merge_candidate", id)
		}
		out = &c
		return nil
	})
	return out, err
}

// ListCandidates implements store.CandidateStore. Highest score first.
func (s *Store) ListCandidates(ctx context.Context, f models.CandidateFilter) (*models.CandidatePage, error) {
	f.Normalize()
	page := &models.CandidatePage{Items: []models.MergeCandidate{}, Limit: f.Limit, Offset: f.Offset}
	err := s.view(ctx, func(st *state, _ func(string)) error {
		var all []models.MergeCandidate
		for _, c := range st.candidates {
			if f.Status != "" && c.Status != f.Status {
				continue
			}
			if f.Tier != "" && c.Tier != f.Tier {
				continue
			}
			if f.MinScore != nil && c.Score < *f.MinScore {
				continue
			}
			if f.MaxScore != nil && c.Score > *f.MaxScore {
				continue
			}
			if f.SubjectID != "" && !c.Involves(f.SubjectID) {
				continue
			}
			all = append(all, c)
		}
		sort.Slice(all, func(i, j int) bool {
			if all[i].Score != all[j].Score {
				return all[i].Score > all[j].Score
			}
			if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
				return all[i].CreatedAt.Before(all[j].CreatedAt)
			}
			return all[i].ID < all[j].ID
		})

		page.Total = len(all)
		if f.Offset < len(all) {
			end := min(f.Offset+f.Limit, len(all))
			page.Items = append(page.Items, all[f.Offset:end]...)
		}
		return nil
	})
	return page, err
}

// ResolveCandidate implements store.CandidateStore
func (s *Store) ResolveCandidate(ctx context.Context, id string, status models.MergeCandidateStatus, actor string, reason *string) (*models.MergeCandidate, error) {
	var out *models.MergeCandidate
	err := s.view(ctx, func(st *state, _ func(string)) error {
		c, ok := st.candidates[id]
		if !ok {
			return clerrors.NewNotFoundError("merge_candidate", id)
		}
		if c.Status.Terminal() {
			return clerrors.NewConflictError("candidate already resolved").With("status", c.Status)
		}
		now := s.now()
		c.Status = status
		c.ResolvedAt = &now
		c.ResolvedBy = &actor
		if reason != nil {
			c.Reason = reason
		}
		c.UpdatedAt = now
		put(st, st.candidates, id, c)
		out = &c
		return nil
	})
	return out, err
}

// ClosePending implements store.CandidateStore
func (s *Store) ClosePending(ctx context.Context, loser, winner, actor string) (int, error) {
	closed := 0
	err := s.view(ctx, func(st *state, _ func(string)) error {
		a, b := models.OrderPair(loser, winner)
		now := s.now()
		for id, c := range st.candidates {
			if c.Status != models.MergeCandidateStatusPending || !c.Involves(loser) {
				continue
			}
			c.Status = models.MergeCandidateStatusDismissed
			if c.SubjectA == a && c.SubjectB == b {
				c.Status = models.MergeCandidateStatusMerged
			}
			c.ResolvedAt = &now
			by := actor
			c.ResolvedBy = &by
			c.UpdatedAt = now
			put(st, st.candidates, id, c)
			closed++
		}
		return nil
	})
	return closed, err
}

// CountPending implements store.CandidateStore
func (s *Store) CountPending(ctx context.Context, subjectID string) (int, error) {
	n := 0
	err := s.view(ctx, func(st *state, _ func(string)) error {
		for _, c := range st.candidates {
			if c.Status == models.MergeCandidateStatusPending && c.Involves(subjectID) {
				n++
			}
		}
		return nil
	})
	return n, err
}

// Audit

// AppendAudit implements store.AuditStore
func (s *Store) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	return s.view(ctx, func(st *state, _ func(string)) error {
		if e.ID == "" {
			e.ID = newID()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		st.appendAudit(*e)
		return nil
	})
}

// ListAudit implements store.AuditStore. Newest first.
func (s *Store) ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	f.Normalize()
	out := []models.AuditEntry{}
	err := s.view(ctx, func(st *state, _ func(string)) error {
		skipped := 0
		for i := len(st.audit) - 1; i >= 0 && len(out) < f.Limit; i-- {
			e := st.audit[i]
			if f.EntityType != "" && e.EntityType != f.EntityType {
				continue
			}
			if f.EntityID != "" && e.EntityID != f.EntityID {
				continue
			}
			if f.Action != "" && e.Action != f.Action {
				continue
			}
			if skipped < f.Offset {
				skipped++
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Blacklist

// GetBlacklistEntry implements store.BlacklistStore
func (s *Store) GetBlacklistEntry(ctx context.Context, t models.IdentifierType, value string) (*models.SoftBlacklistEntry, error) {
	var out *models.SoftBlacklistEntry
	err := s.view(ctx, func(st *state, _ func(string)) error {
		if e, ok := st.blacklist[string(t)+":"+value]; ok {
			out = &e
		}
		return nil
	})
	return out, err
}

// GetBlacklistEntryByID implements store.BlacklistStore
func (s *Store) GetBlacklistEntryByID(ctx context.Context, id string) (*models.SoftBlacklistEntry, error) {
	var out *models.SoftBlacklistEntry
	err := s.view(ctx, func(st *state, _ func(string)) error {
		for _, e := range st.blacklist {
			if e.ID == id {
				found := e
				out = &found
				return nil
			}
		}
		return clerrors.NewNotFoundError("soft_blacklist", id)
	})
	return out, err
}

// UpsertBlacklistEntry implements store.BlacklistStore
func (s *Store) UpsertBlacklistEntry(ctx context.Context, e *models.SoftBlacklistEntry) error {
	return s.view(ctx, func(st *state, _ func(string)) error {
		if existing, ok := st.blacklist[e.Key()]; ok {
			e.ID = existing.ID
			e.CreatedAt = existing.CreatedAt
		}
		if e.ID == "" {
			e.ID = newID()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		put(st, st.blacklist, e.Key(), *e)
		return nil
	})
}

// DeleteBlacklistEntry implements store.BlacklistStore
func (s *Store) DeleteBlacklistEntry(ctx context.Context, id string) error {
	return s.view(ctx, func(st *state, _ func(string)) error {
		for k, e := range st.blacklist {
			if e.ID == id {
				remove(st, st.blacklist, k)
				return nil
			}
		}
		return clerrors.NewNotFoundError("soft_blacklist", id)
	})
}

// ListBlacklist implements store.BlacklistStore
func (s *Store) ListBlacklist(ctx context.Context, limit, offset int) ([]models.SoftBlacklistEntry, error) {
	out := []models.SoftBlacklistEntry{}
	err := s.view(ctx, func(st *state, _ func(string)) error {
		all := make([]models.SoftBlacklistEntry, 0, len(st.blacklist))
		for _, e := range st.blacklist {
			all = append(all, e)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Key() < all[j].Key() })
		if offset < len(all) {
			end := len(all)
			if limit > 0 {
				end = min(offset+limit, len(all))
			}
			out = append(out, all[offset:end]...)
		}
		return nil
	})
	return out, err
}

// Checkpoints

// GetCheckpoint implements store.CheckpointStore. Unknown jobs start from "".
func (s *Store) GetCheckpoint(ctx context.Context, job string) (string, error) {
	var out string
	err := s.view(ctx, func(st *state, _ func(string)) error {
		out = st.checkpoints[job]
		return nil
	})
	return out, err
}

// SaveCheckpoint implements store.CheckpointStore
func (s *Store) SaveCheckpoint(ctx context.Context, job, cursor string) error {
	return s.view(ctx, func(st *state, _ func(string)) error {
		put(st, st.checkpoints, job, cursor)
		return nil
	})
}

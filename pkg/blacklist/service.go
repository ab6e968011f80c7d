// Package blacklist manages the soft blacklist: identifiers legitimately
// shared by distinct subjects, which may not drive an auto-merge alone.
package blacklist

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/params"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

var kinds = []models.SubjectKind{models.SubjectKindPerson, models.SubjectKindAnimal, models.SubjectKindPlace}

// Service reads and edits soft blacklist entries. Every change is audited.
type Service struct {
	logger ectologger.Logger
	store  store.Store
	params params.Provider
}

// NewService creates a blacklist service
func NewService(logger ectologger.Logger, st store.Store, provider params.Provider) *Service {
	return &Service{
		logger: logger,
		store:  st,
		params: provider,
	}
}

// Lookup implements decision.Blacklist
func (s *Service) Lookup(ctx context.Context, t models.IdentifierType, value string) (*models.SoftBlacklistEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "blacklist.Service.Lookup")
	defer span.End()

	return s.store.GetBlacklistEntry(ctx, t, value)
}

// Get returns one entry by id
func (s *Service) Get(ctx context.Context, id string) (*models.SoftBlacklistEntry, error) {
	return s.store.GetBlacklistEntryByID(ctx, id)
}

// List pages entries in identifier order
func (s *Service) List(ctx context.Context, limit, offset int) ([]models.SoftBlacklistEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "blacklist.Service.List")
	defer span.End()

	return s.store.ListBlacklist(ctx, limit, offset)
}

// Add creates or replaces the entry for an identifier. The value is
// normalized; zero thresholds take the parameter defaults.
func (s *Service) Add(ctx context.Context, req models.CreateBlacklistEntryRequest, actor string) (*models.SoftBlacklistEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "blacklist.Service.Add")
	defer span.End()

	value, err := normalizers.NormalizeIdentifier(req.IdentifierType, req.Value)
	if err != nil {
		return nil, err
	}

	defaults := s.params.Current().Blacklist
	entry := &models.SoftBlacklistEntry{
		IdentifierType:      req.IdentifierType,
		Value:               value,
		ReasonCode:          req.ReasonCode,
		MinNameSimilarity:   req.MinNameSimilarity,
		RequireAddressMatch: req.RequireAddressMatch || defaults.RequireAddressMatch,
		CreatedBy:           actor,
	}
	if entry.MinNameSimilarity == 0 {
		entry.MinNameSimilarity = defaults.MinNameSimilarity
	}

	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		n, err := s.holders(ctx, entry.IdentifierType, entry.Value)
		if err != nil {
			return err
		}
		entry.DistinctSubjects = n
		return s.put(ctx, entry, actor, "")
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"identifier":  entry.Key(),
		"reason_code": entry.ReasonCode,
		"actor":       actor,
	}).Info("Added soft blacklist entry")
	return entry, nil
}

// put upserts an entry and appends its audit record. Runs inside a transaction.
func (s *Service) put(ctx context.Context, entry *models.SoftBlacklistEntry, actor, reason string) error {
	previous, err := s.store.GetBlacklistEntry(ctx, entry.IdentifierType, entry.Value)
	if err != nil {
		return err
	}
	if err := s.store.UpsertBlacklistEntry(ctx, entry); err != nil {
		return err
	}

	var changes models.Changes
	if previous == nil {
		changes.Add("entry", nil, *entry)
	} else {
		changes.Add("entry", *previous, *entry)
	}
	if reason == "" {
		reason = entry.ReasonCode
	}
	return s.store.AppendAudit(ctx, &models.AuditEntry{
		EntityType: models.AuditEntityBlacklist,
		EntityID:   entry.ID,
		Action:     models.AuditActionBlacklistAdd,
		Changes:    changes,
		Actor:      actor,
		Reason:     reason,
	})
}

// Remove deletes an entry. The removed entry is kept in the audit log.
func (s *Service) Remove(ctx context.Context, id, actor, reason string) error {
	ctx, span := tracing.StartSpan(ctx, "blacklist.Service.Remove")
	defer span.End()

	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		entry, err := s.store.GetBlacklistEntryByID(ctx, id)
		if err != nil {
			return err
		}
		if err := s.store.DeleteBlacklistEntry(ctx, id); err != nil {
			return err
		}
		var changes models.Changes
		changes.Add("entry", *entry, nil)
		return s.store.AppendAudit(ctx, &models.AuditEntry{
			EntityType: models.AuditEntityBlacklist,
			EntityID:   id,
			Action:     models.AuditActionBlacklistRemove,
			Changes:    changes,
			Actor:      actor,
			Reason:     reason,
		})
	})
	if err != nil {
		return err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"entry_id": id,
		"actor":    actor,
	}).Info("Removed soft blacklist entry")
	return nil
}

// holders counts canonical subjects of any kind holding the identifier
func (s *Service) holders(ctx context.Context, t models.IdentifierType, value string) (int, error) {
	n := 0
	for _, k := range kinds {
		ids, err := s.store.FindHolders(ctx, k, t, value)
		if err != nil {
			return 0, err
		}
		n += len(ids)
	}
	return n, nil
}

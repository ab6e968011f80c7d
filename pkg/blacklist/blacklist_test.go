package blacklist

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/params/paramstest"
	"github.com/Ramsey-B/clover/pkg/store/memory"
)

func newService() (*Service, *memory.Store) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	st := memory.New()
	return NewService(logger, st, paramstest.Provider()), st
}

func seed(t *testing.T, st *memory.Store, id string, kind models.SubjectKind, attrs models.Attributes, ids ...models.Identifier) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateSubject(ctx, &models.Subject{ID: id, Kind: kind, Attributes: attrs, Source: "clinic"}))
	for i := range ids {
		ids[i].SubjectID = id
	}
	if len(ids) > 0 {
		_, err := st.AddIdentifiers(ctx, ids)
		require.NoError(t, err)
	}
}

func phone(v string) models.Identifier {
	return models.Identifier{Type: models.IdentifierPhone, Value: v}
}

func TestService_AddLookupRemove(t *testing.T) {
	ctx := context.Background()
	svc, st := newService()
	seed(t, st, "a", models.SubjectKindPerson, models.Attributes{"name": "Ann Lee"}, phone("5035550100"))
	seed(t, st, "b", models.SubjectKindPerson, models.Attributes{"name": "Bob Stone"}, phone("5035550100"))

	entry, err := svc.Add(ctx, models.CreateBlacklistEntryRequest{
		IdentifierType: models.IdentifierPhone,
		Value:          "(503) 555-0100",
		ReasonCode:     models.BlacklistReasonSharedCaretaker,
	}, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, "5035550100", entry.Value)
	assert.Equal(t, 2, entry.DistinctSubjects)
	assert.Equal(t, 0.6, entry.MinNameSimilarity)
	assert.NotEmpty(t, entry.ID)

	got, err := svc.Lookup(ctx, models.IdentifierPhone, "5035550100")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.ID, got.ID)

	t.Run("re-adding replaces in place", func(t *testing.T) {
		again, err := svc.Add(ctx, models.CreateBlacklistEntryRequest{
			IdentifierType:    models.IdentifierPhone,
			Value:             "503.555.0100",
			ReasonCode:        models.BlacklistReasonManual,
			MinNameSimilarity: 0.8,
		}, "reviewer")
		require.NoError(t, err)
		assert.Equal(t, entry.ID, again.ID)

		list, err := svc.List(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, 0.8, list[0].MinNameSimilarity)
	})

	require.NoError(t, svc.Remove(ctx, entry.ID, "reviewer", "not shared after all"))
	got, err = svc.Lookup(ctx, models.IdentifierPhone, "5035550100")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = svc.Remove(ctx, entry.ID, "reviewer", "again")
	assert.True(t, clerrors.IsNotFound(err))

	audit, err := st.ListAudit(ctx, models.AuditFilter{EntityType: models.AuditEntityBlacklist})
	require.NoError(t, err)
	require.Len(t, audit, 3)
	assert.Equal(t, models.AuditActionBlacklistRemove, audit[0].Action)
	assert.Equal(t, "not shared after all", audit[0].Reason)
}

func TestService_Add_RejectsInvalidValue(t *testing.T) {
	svc, _ := newService()
	_, err := svc.Add(context.Background(), models.CreateBlacklistEntryRequest{
		IdentifierType: models.IdentifierEmail,
		Value:          "not-an-email",
		ReasonCode:     models.BlacklistReasonManual,
	}, "reviewer")
	assert.True(t, clerrors.IsValidation(err))
}

func TestDetector_Run(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Detector, *memory.Store) {
		svc, st := newService()
		logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

		// a household phone shared by two different people
		seed(t, st, "p1", models.SubjectKindPerson, models.Attributes{"name": "Ann Lee"}, phone("5035550100"))
		seed(t, st, "p2", models.SubjectKindPerson, models.Attributes{"name": "Bob Stone"}, phone("5035550100"))
		// the same person entered twice: a merge candidate, not a shared phone
		seed(t, st, "p3", models.SubjectKindPerson, models.Attributes{"name": "Carol King"}, phone("5035550111"))
		seed(t, st, "p4", models.SubjectKindPerson, models.Attributes{"name": "Carol King"}, phone("5035550111"))
		// a clinic number attached to a vet and an owner with similar names
		seed(t, st, "p5", models.SubjectKindPerson, models.Attributes{"name": "Dana Ray", "role": "veterinarian"}, phone("5035550122"))
		seed(t, st, "p6", models.SubjectKindPerson, models.Attributes{"name": "Dana Rae", "role": "owner"}, phone("5035550122"))

		return NewDetector(logger, st, svc, paramstest.Provider()), st
	}

	t.Run("lists materially different holders", func(t *testing.T) {
		d, st := setup(t)
		stats, err := d.Run(ctx, DetectOptions{ChunkSize: 1, Types: []models.IdentifierType{models.IdentifierPhone}})
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Scanned)
		assert.Equal(t, 2, stats.Flagged)
		assert.Equal(t, 2, stats.Added)
		assert.Equal(t, 3, stats.Chunks)

		household, err := st.GetBlacklistEntry(ctx, models.IdentifierPhone, "5035550100")
		require.NoError(t, err)
		require.NotNil(t, household)
		assert.Equal(t, models.BlacklistReasonDetected, household.ReasonCode)
		assert.Equal(t, 2, household.DistinctSubjects)

		clinic, err := st.GetBlacklistEntry(ctx, models.IdentifierPhone, "5035550122")
		require.NoError(t, err)
		require.NotNil(t, clinic)
		assert.Equal(t, models.BlacklistReasonSharedCaretaker, clinic.ReasonCode)

		dup, err := st.GetBlacklistEntry(ctx, models.IdentifierPhone, "5035550111")
		require.NoError(t, err)
		assert.Nil(t, dup)

		cursor, err := st.GetCheckpoint(ctx, checkpointKey(models.IdentifierPhone))
		require.NoError(t, err)
		assert.Empty(t, cursor, "finished scans reset the checkpoint")

		again, err := d.Run(ctx, DetectOptions{Types: []models.IdentifierType{models.IdentifierPhone}})
		require.NoError(t, err)
		assert.Equal(t, 0, again.Added)
		assert.Equal(t, 2, again.Existing)
	})

	t.Run("resumes from the checkpoint", func(t *testing.T) {
		d, st := setup(t)
		require.NoError(t, st.SaveCheckpoint(ctx, checkpointKey(models.IdentifierPhone), "phone:5035550100"))

		stats, err := d.Run(ctx, DetectOptions{Types: []models.IdentifierType{models.IdentifierPhone}})
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Scanned)
		assert.Equal(t, 1, stats.Added)
	})

	t.Run("dry run writes nothing", func(t *testing.T) {
		d, st := setup(t)
		stats, err := d.Run(ctx, DetectOptions{DryRun: true, Types: []models.IdentifierType{models.IdentifierPhone}})
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Flagged)
		assert.Equal(t, 0, stats.Added)

		list, err := st.ListBlacklist(ctx, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, list)

		audit, err := st.ListAudit(ctx, models.AuditFilter{})
		require.NoError(t, err)
		assert.Empty(t, audit)
	})
}

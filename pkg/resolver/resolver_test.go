package resolver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/blacklist"
	"github.com/Ramsey-B/clover/pkg/decision"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/guard"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/params"
	"github.com/Ramsey-B/clover/pkg/params/paramstest"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/store/memory"
)

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, eventType string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
	return nil
}

func (p *recordingPublisher) count(eventType events.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.types {
		if t == string(eventType) {
			n++
		}
	}
	return n
}

type recordingMirror struct {
	mu       sync.Mutex
	subjects []string
	edges    []models.Edge
	merges   [][2]string
}

func (m *recordingMirror) UpsertSubject(_ context.Context, s *models.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, s.ID)
	return nil
}

func (m *recordingMirror) UpsertEdge(_ context.Context, e models.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges = append(m.edges, e)
	return nil
}

func (m *recordingMirror) MergeSubjects(_ context.Context, loserID, winnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merges = append(m.merges, [2]string{loserID, winnerID})
	return nil
}

type fixture struct {
	store     *memory.Store
	resolver  *Resolver
	publisher *recordingPublisher
	mirror    *recordingMirror
	locker    *guard.MemoryLocker
}

func newFixture(t *testing.T, mutate ...func(*params.Params)) *fixture {
	t.Helper()
	return newWrappedFixture(t, nil, mutate...)
}

// newWrappedFixture builds the resolver on wrap(store) when wrap is set. The
// fixture store stays the unwrapped memory store.
func newWrappedFixture(t *testing.T, wrap func(store.Store) store.Store, mutate ...func(*params.Params)) *fixture {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	provider := paramstest.Provider(mutate...)
	mem := memory.New(memory.WithUniqueIdentifiers(func() []models.IdentifierType {
		return provider.Current().UniqueIdentifiers
	}))
	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	locker := guard.NewMemoryLocker()
	g := guard.New(logger, locker, provider)
	pub := &recordingPublisher{}
	mirror := &recordingMirror{}
	emitter := events.NewEmitter(pub, logger)

	decider := decision.NewEngine(logger, blacklist.NewService(logger, st, provider))
	executor := merging.NewExecutor(logger, st, g, provider, emitter, mirror)
	return &fixture{
		store:     mem,
		resolver:  New(logger, st, g, provider, decider, executor, emitter, mirror),
		publisher: pub,
		mirror:    mirror,
		locker:    locker,
	}
}

func person(source, name string, ids ...models.IdentifierInput) models.Record {
	return models.Record{
		Kind:        models.SubjectKindPerson,
		Source:      source,
		Attributes:  models.Attributes{models.AttributeName: name},
		Identifiers: ids,
	}
}

func email(v string) models.IdentifierInput {
	return models.IdentifierInput{Type: models.IdentifierEmail, Value: v}
}

func phone(v string) models.IdentifierInput {
	return models.IdentifierInput{Type: models.IdentifierPhone, Value: v}
}

func countSubjects(t *testing.T, st *memory.Store, kind models.SubjectKind) int {
	t.Helper()
	ids, err := st.ListCanonicalIDs(context.Background(), kind, "", 1000)
	require.NoError(t, err)
	return len(ids)
}

func TestResolver_ResolveOrCreate_CreatesThenAutoMerges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.resolver.ResolveOrCreate(ctx, person("web_form", "Ann Lee",
		email("Ann.Lee@Example.com"), phone("(503) 555-0100")))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, models.TierNoMatch, first.Tier)

	second, err := f.resolver.ResolveOrCreate(ctx, models.Record{
		Kind:   models.SubjectKindPerson,
		Source: "clinic",
		Attributes: models.Attributes{
			models.AttributeName: "Ann Lee",
			models.AttributeSex:  "F",
		},
		Identifiers: []models.IdentifierInput{email("ann.lee@example.com"), phone("503-555-0100")},
	})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, models.TierAutoMerge, second.Tier)
	assert.Equal(t, first.SubjectID, second.SubjectID)
	assert.Greater(t, second.Score, 15.0)

	s, err := f.store.GetSubject(ctx, first.SubjectID)
	require.NoError(t, err)
	assert.Equal(t, "F", s.Attributes[models.AttributeSex])
	assert.Equal(t, "clinic", s.AttributeSources[models.AttributeSex])

	assert.Equal(t, 1, countSubjects(t, f.store, models.SubjectKindPerson))
	assert.Equal(t, 1, f.publisher.count(events.EventTypeSubjectCreated))
	assert.Equal(t, 1, f.publisher.count(events.EventTypeSubjectAbsorbed))
	assert.Equal(t, []string{first.SubjectID}, f.mirror.subjects)
	assert.Zero(t, f.locker.Held())
}

func TestResolver_ResolveOrCreate_QueuesReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.resolver.ResolveOrCreate(ctx, person("clinic", "Carol King", phone("5035550111")))
	require.NoError(t, err)

	// same name and phone, no email on either side: needs a reviewer
	second, err := f.resolver.ResolveOrCreate(ctx, person("shelter", "Carol King", phone("503 555 0111")))
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.Equal(t, models.TierNeedsReview, second.Tier)
	assert.Equal(t, first.SubjectID, second.MatchedID)
	require.NotEmpty(t, second.CandidateID)

	c, err := f.resolver.GetCandidate(ctx, second.CandidateID)
	require.NoError(t, err)
	assert.Equal(t, models.MergeCandidateStatusPending, c.Status)
	assert.True(t, c.Involves(first.SubjectID))
	require.NotNil(t, c.Legacy)
	assert.Equal(t, 0, c.Legacy.Tier)
	assert.Equal(t, 1.0, c.Legacy.Confidence)
	assert.Contains(t, c.Legacy.MatchedOn, "phone")
	assert.Contains(t, c.Legacy.MatchedOn, "name")
	assert.True(t, c.Involves(second.SubjectID))
	require.NotNil(t, c.DecisiveIdentifier)
	assert.Equal(t, "phone:5035550111", *c.DecisiveIdentifier)
	assert.Equal(t, 1, c.ParamsVersion)

	page, err := f.resolver.ListCandidates(ctx, models.CandidateFilter{Status: models.MergeCandidateStatusPending})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 1, f.publisher.count(events.EventTypeCandidateQueued))
}

func TestResolver_ResolveOrCreate_NoMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.resolver.ResolveOrCreate(ctx, person("clinic", "Ann Lee", phone("5035550100")))
	require.NoError(t, err)
	b, err := f.resolver.ResolveOrCreate(ctx, person("clinic", "Bob Stone", phone("5035550199")))
	require.NoError(t, err)

	assert.NotEqual(t, a.SubjectID, b.SubjectID)
	assert.Equal(t, models.TierNoMatch, b.Tier)
	assert.Empty(t, b.CandidateID)

	page, err := f.resolver.ListCandidates(ctx, models.CandidateFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestResolver_ResolveOrCreate_ValidatesBeforeLocking(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		rec  models.Record
	}{
		{name: "unknown kind", rec: models.Record{Kind: "plant", Source: "clinic", Attributes: models.Attributes{"name": "Fern"}}},
		{name: "missing source", rec: person("", "Ann Lee", phone("5035550100"))},
		{name: "bad email", rec: person("clinic", "Ann Lee", email("not-an-email"))},
		{name: "nothing to key on", rec: models.Record{Kind: models.SubjectKindPerson, Source: "clinic"}},
		{name: "latitude out of range", rec: models.Record{
			Kind:       models.SubjectKindPlace,
			Source:     "clinic",
			Attributes: models.Attributes{"name": "Main St"},
			Location:   &models.Location{Latitude: 91, Longitude: 0},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.resolver.ResolveOrCreate(ctx, tt.rec)
			require.Error(t, err)
			assert.True(t, clerrors.IsValidation(err), "got %v", err)
			assert.Zero(t, f.locker.Held())
			assert.Equal(t, 0, countSubjects(t, f.store, models.SubjectKindPerson))
		})
	}
}

func TestResolver_ResolveOrCreate_ConcurrentMicrochip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const workers = 16
	results := make([]*models.Resolution, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.resolver.ResolveOrCreate(ctx, models.Record{
				Kind:       models.SubjectKindAnimal,
				Source:     "shelter",
				Attributes: models.Attributes{models.AttributeName: "Biscuit", models.AttributeSpecies: "dog"},
				Identifiers: []models.IdentifierInput{
					{Type: models.IdentifierMicrochip, Value: "985100000000001"},
				},
			})
		}(i)
	}
	close(start)
	wg.Wait()

	created := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if results[i].Created {
			created++
		}
		assert.Equal(t, results[0].SubjectID, results[i].SubjectID)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, countSubjects(t, f.store, models.SubjectKindAnimal))

	holders, err := f.store.FindHolders(ctx, models.SubjectKindAnimal, models.IdentifierMicrochip, "985100000000001")
	require.NoError(t, err)
	assert.Len(t, holders, 1)
	assert.Zero(t, f.locker.Held())
}

func TestResolver_ResolveOrCreate_ConcurrentSharedMicrochipUnionsIdentifiers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	chip := models.IdentifierInput{Type: models.IdentifierMicrochip, Value: "985100000000001"}
	records := []models.Record{
		{
			Kind:        models.SubjectKindAnimal,
			Source:      "clinic",
			Attributes:  models.Attributes{models.AttributeName: "Biscuit"},
			Identifiers: []models.IdentifierInput{chip, phone("503-555-0100")},
		},
		{
			Kind:        models.SubjectKindAnimal,
			Source:      "shelter",
			Attributes:  models.Attributes{models.AttributeName: "Biscuit"},
			Identifiers: []models.IdentifierInput{chip, phone("(503) 555 0100"), email("a@x.com")},
		},
	}

	results := make([]*models.Resolution, len(records))
	errs := make([]error, len(records))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, rec := range records {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.resolver.ResolveOrCreate(ctx, rec)
		}()
	}
	close(start)
	wg.Wait()

	for i := range records {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, results[0].SubjectID, results[1].SubjectID)
	assert.Equal(t, 1, countSubjects(t, f.store, models.SubjectKindAnimal))

	ids, err := f.store.ListIdentifiers(ctx, results[0].SubjectID)
	require.NoError(t, err)
	got := map[models.IdentifierType][]string{}
	for _, id := range ids {
		got[id.Type] = append(got[id.Type], id.Value)
	}
	assert.Equal(t, []string{"985100000000001"}, got[models.IdentifierMicrochip])
	assert.Equal(t, []string{"5035550100"}, got[models.IdentifierPhone])
	assert.Equal(t, []string{"a@x.com"}, got[models.IdentifierEmail])
}

// interleavingStore runs a hook once, right after the first identifier read
type interleavingStore struct {
	store.Store
	mu   sync.Mutex
	hook func()
}

func (s *interleavingStore) ListIdentifiers(ctx context.Context, subjectIDs ...string) ([]models.Identifier, error) {
	ids, err := s.Store.ListIdentifiers(ctx, subjectIDs...)
	s.mu.Lock()
	hook := s.hook
	s.hook = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ids, err
}

func TestResolver_ResolveOrCreate_TargetMergedAfterMatch(t *testing.T) {
	ctx := context.Background()
	hooked := &interleavingStore{}
	f := newWrappedFixture(t, func(st store.Store) store.Store {
		hooked.Store = st
		return hooked
	})

	first, err := f.resolver.ResolveOrCreate(ctx, person("web_form", "Ann Lee",
		email("ann.lee@example.com"), phone("5035550100")))
	require.NoError(t, err)
	require.True(t, first.Created)

	survivor := &models.Subject{
		ID:               "survivor",
		Kind:             models.SubjectKindPerson,
		Attributes:       models.Attributes{models.AttributeName: "Ann Lee"},
		AttributeSources: models.Attributes{models.AttributeName: "clinic"},
		Source:           "clinic",
	}
	require.NoError(t, f.store.CreateSubject(ctx, survivor))

	// a reviewer merge lands between candidate scoring and the absorb
	hooked.hook = func() {
		_, err := f.resolver.executor.Merge(context.Background(), models.MergeRequest{
			LoserID:  first.SubjectID,
			WinnerID: survivor.ID,
			Reason:   "duplicate",
			Actor:    "reviewer",
		})
		require.NoError(t, err)
	}

	res, err := f.resolver.ResolveOrCreate(ctx, models.Record{
		Kind:        models.SubjectKindPerson,
		Source:      "clinic",
		Attributes:  models.Attributes{models.AttributeName: "Ann Lee", models.AttributeSex: "F"},
		Identifiers: []models.IdentifierInput{email("ann.lee@example.com"), phone("503-555-0100")},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TierAutoMerge, res.Tier)
	assert.False(t, res.Created)
	assert.Equal(t, survivor.ID, res.SubjectID)

	s, err := f.store.GetSubject(ctx, survivor.ID)
	require.NoError(t, err)
	assert.Equal(t, "F", s.Attributes[models.AttributeSex])

	tomb, err := f.store.GetSubject(ctx, first.SubjectID)
	require.NoError(t, err)
	require.NotNil(t, tomb.MergedInto)
	assert.Empty(t, tomb.Attributes[models.AttributeSex])

	assert.Equal(t, 1, countSubjects(t, f.store, models.SubjectKindPerson))
	assert.Zero(t, f.locker.Held())
}

func TestResolver_ResolveOrCreate_UniqueHoldersConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	animal := func(chip string) models.Record {
		return models.Record{
			Kind:        models.SubjectKindAnimal,
			Source:      "shelter",
			Attributes:  models.Attributes{models.AttributeName: "Biscuit"},
			Identifiers: []models.IdentifierInput{{Type: models.IdentifierMicrochip, Value: chip}},
		}
	}
	_, err := f.resolver.ResolveOrCreate(ctx, animal("985100000000001"))
	require.NoError(t, err)
	_, err = f.resolver.ResolveOrCreate(ctx, animal("985100000000002"))
	require.NoError(t, err)

	rec := animal("985100000000001")
	rec.Identifiers = append(rec.Identifiers, models.IdentifierInput{Type: models.IdentifierMicrochip, Value: "985100000000002"})
	_, err = f.resolver.ResolveOrCreate(ctx, rec)
	assert.True(t, clerrors.IsConflict(err), "got %v", err)
}

func queuedPair(t *testing.T, f *fixture) (older, younger, candidateID string) {
	t.Helper()
	ctx := context.Background()
	first, err := f.resolver.ResolveOrCreate(ctx, person("clinic", "Carol King", phone("5035550111")))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := f.resolver.ResolveOrCreate(ctx, person("shelter", "Carol King", phone("5035550111")))
	require.NoError(t, err)
	require.NotEmpty(t, second.CandidateID)
	return first.SubjectID, second.SubjectID, second.CandidateID
}

func TestResolver_ResolveCandidate(t *testing.T) {
	ctx := context.Background()

	t.Run("merge folds the younger subject into the older", func(t *testing.T) {
		f := newFixture(t)
		older, younger, id := queuedPair(t, f)

		out, err := f.resolver.ResolveCandidate(ctx, id, models.ResolveCandidateRequest{
			Decision: models.CandidateDecisionMerge,
		}, "reviewer")
		require.NoError(t, err)
		require.NotNil(t, out.Merge)
		assert.Equal(t, older, out.Merge.WinnerID)
		assert.Equal(t, younger, out.Merge.LoserID)
		assert.Equal(t, models.MergeCandidateStatusMerged, out.Candidate.Status)

		canonical, err := f.resolver.Canonical(ctx, younger)
		require.NoError(t, err)
		assert.Equal(t, older, canonical.ID)
		assert.Equal(t, [][2]string{{younger, older}}, f.mirror.merges)
	})

	t.Run("winner override", func(t *testing.T) {
		f := newFixture(t)
		older, younger, id := queuedPair(t, f)

		out, err := f.resolver.ResolveCandidate(ctx, id, models.ResolveCandidateRequest{
			Decision: models.CandidateDecisionMerge,
			WinnerID: younger,
		}, "reviewer")
		require.NoError(t, err)
		assert.Equal(t, younger, out.Merge.WinnerID)
		assert.Equal(t, older, out.Merge.LoserID)
	})

	t.Run("keep separate closes without merging", func(t *testing.T) {
		f := newFixture(t)
		older, younger, id := queuedPair(t, f)

		out, err := f.resolver.ResolveCandidate(ctx, id, models.ResolveCandidateRequest{
			Decision: models.CandidateDecisionKeepSeparate,
			Reason:   "siblings",
		}, "reviewer")
		require.NoError(t, err)
		assert.Nil(t, out.Merge)
		assert.Equal(t, models.MergeCandidateStatusKeptSeparate, out.Candidate.Status)

		for _, id := range []string{older, younger} {
			s, err := f.store.GetSubject(ctx, id)
			require.NoError(t, err)
			assert.True(t, s.IsCanonical())
		}

		audit, err := f.store.ListAudit(ctx, models.AuditFilter{Action: models.AuditActionCandidateResolve})
		require.NoError(t, err)
		require.Len(t, audit, 1)
		assert.Equal(t, "siblings", audit[0].Reason)
	})

	t.Run("resolved candidates conflict", func(t *testing.T) {
		f := newFixture(t)
		_, _, id := queuedPair(t, f)

		_, err := f.resolver.ResolveCandidate(ctx, id, models.ResolveCandidateRequest{Decision: models.CandidateDecisionDismiss}, "reviewer")
		require.NoError(t, err)
		_, err = f.resolver.ResolveCandidate(ctx, id, models.ResolveCandidateRequest{Decision: models.CandidateDecisionMerge}, "reviewer")
		assert.True(t, clerrors.IsConflict(err), "got %v", err)
	})

	t.Run("protected loser is rejected and stays pending", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		first := person("clinic", "Carol King", phone("5035550111"))
		first.Protected = true
		a, err := f.resolver.ResolveOrCreate(ctx, first)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
		b, err := f.resolver.ResolveOrCreate(ctx, person("shelter", "Carol King", phone("5035550111")))
		require.NoError(t, err)
		require.NotEmpty(t, b.CandidateID)

		_, err = f.resolver.ResolveCandidate(ctx, b.CandidateID, models.ResolveCandidateRequest{
			Decision: models.CandidateDecisionMerge,
			WinnerID: b.SubjectID,
		}, "reviewer")
		require.Error(t, err)
		assert.True(t, clerrors.IsConflict(err))

		c, err := f.resolver.GetCandidate(ctx, b.CandidateID)
		require.NoError(t, err)
		assert.Equal(t, models.MergeCandidateStatusPending, c.Status)

		s, err := f.store.GetSubject(ctx, a.SubjectID)
		require.NoError(t, err)
		assert.True(t, s.IsCanonical())
	})

	t.Run("invalid input", func(t *testing.T) {
		f := newFixture(t)
		_, _, id := queuedPair(t, f)

		_, err := f.resolver.ResolveCandidate(ctx, id, models.ResolveCandidateRequest{Decision: "maybe"}, "reviewer")
		assert.True(t, clerrors.IsValidation(err))
		_, err = f.resolver.ResolveCandidate(ctx, id, models.ResolveCandidateRequest{
			Decision: models.CandidateDecisionMerge,
			WinnerID: "someone-else",
		}, "reviewer")
		assert.True(t, clerrors.IsValidation(err))
		_, err = f.resolver.ResolveCandidate(ctx, "missing", models.ResolveCandidateRequest{Decision: models.CandidateDecisionDismiss}, "reviewer")
		assert.True(t, clerrors.IsNotFound(err))
	})
}

func TestResolver_Correct(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.resolver.ResolveOrCreate(ctx, person("web_form", "Ann Lee",
		phone("5035550100"), email("ann@example.com")))
	require.NoError(t, err)

	s, err := f.resolver.Correct(ctx, res.SubjectID, models.CorrectionRequest{
		Field:  "name",
		Value:  "Anne Lee",
		Reason: "owner called to correct spelling",
	}, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, "Anne Lee", s.Attributes[models.AttributeName])
	assert.Equal(t, params.SourceManual, s.AttributeSources[models.AttributeName])
	assert.Equal(t, 1, f.publisher.count(events.EventTypeSubjectCorrected))

	audit, err := f.store.ListAudit(ctx, models.AuditFilter{Action: models.AuditActionCorrect})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "reviewer", audit[0].Actor)

	t.Run("later records cannot overwrite a correction", func(t *testing.T) {
		_, err := f.resolver.Correct(ctx, res.SubjectID, models.CorrectionRequest{Field: "sex", Value: "f", Reason: "intake form"}, "reviewer")
		require.NoError(t, err)

		again, err := f.resolver.ResolveOrCreate(ctx, models.Record{
			Kind:        models.SubjectKindPerson,
			Source:      "clinic",
			Attributes:  models.Attributes{models.AttributeName: "Anne Lee", models.AttributeSex: "m"},
			Identifiers: []models.IdentifierInput{phone("5035550100"), email("ann@example.com")},
		})
		require.NoError(t, err)
		require.Equal(t, res.SubjectID, again.SubjectID)
		require.Equal(t, models.TierAutoMerge, again.Tier)

		got, err := f.store.GetSubject(ctx, res.SubjectID)
		require.NoError(t, err)
		assert.Equal(t, "f", got.Attributes[models.AttributeSex])
		assert.Equal(t, params.SourceManual, got.AttributeSources[models.AttributeSex])
	})

	t.Run("empty value removes the attribute", func(t *testing.T) {
		s, err := f.resolver.Correct(ctx, res.SubjectID, models.CorrectionRequest{Field: "attributes.sex", Reason: "unknown"}, "reviewer")
		require.NoError(t, err)
		_, ok := s.Attributes[models.AttributeSex]
		assert.False(t, ok)
	})

	t.Run("tombstones reject corrections", func(t *testing.T) {
		other, err := f.resolver.ResolveOrCreate(ctx, person("web_form", "Zed Quill", phone("5035550999")))
		require.NoError(t, err)
		_, err = f.resolver.executor.Merge(ctx, models.MergeRequest{LoserID: other.SubjectID, WinnerID: res.SubjectID, Reason: "test"})
		require.NoError(t, err)

		_, err = f.resolver.Correct(ctx, other.SubjectID, models.CorrectionRequest{Field: "name", Value: "x", Reason: "r"}, "reviewer")
		assert.True(t, clerrors.IsConflict(err), "got %v", err)
	})

	t.Run("reason is required", func(t *testing.T) {
		_, err := f.resolver.Correct(ctx, res.SubjectID, models.CorrectionRequest{Field: "name", Value: "x"}, "reviewer")
		assert.True(t, clerrors.IsValidation(err))
	})
}

func TestResolver_Link(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owner, err := f.resolver.ResolveOrCreate(ctx, person("clinic", "Ann Lee", phone("5035550100")))
	require.NoError(t, err)
	pet, err := f.resolver.ResolveOrCreate(ctx, models.Record{
		Kind:        models.SubjectKindAnimal,
		Source:      "clinic",
		Attributes:  models.Attributes{models.AttributeName: "Biscuit"},
		Identifiers: []models.IdentifierInput{{Type: models.IdentifierMicrochip, Value: "985100000000001"}},
	})
	require.NoError(t, err)

	edge, err := f.resolver.Link(ctx, models.CreateEdgeRequest{Type: models.EdgeTypeOwnerOf, FromID: owner.SubjectID, ToID: pet.SubjectID, Source: "clinic"})
	require.NoError(t, err)
	assert.NotEmpty(t, edge.ID)
	assert.Len(t, f.mirror.edges, 1)

	view, err := f.resolver.Subject(ctx, owner.SubjectID)
	require.NoError(t, err)
	assert.Len(t, view.Edges, 1)
	assert.Len(t, view.Identifiers, 1)

	_, err = f.resolver.Link(ctx, models.CreateEdgeRequest{Type: models.EdgeTypeOwnerOf, FromID: owner.SubjectID, ToID: owner.SubjectID, Source: "clinic"})
	assert.True(t, clerrors.IsValidation(err))
}

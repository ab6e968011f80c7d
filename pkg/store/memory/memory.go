// Package memory provides an in-process transactional Store. Transactions
// write the live state under the store lock and keep an undo journal that
// is replayed on rollback; the blocking index is refreshed for touched
// subjects after commit. Identifiers are indexed by subject and by value.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/blocking"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/store"
)

type idSet map[string]struct{}

type state struct {
	subjects    map[string]models.Subject
	identifiers map[string]models.Identifier
	bySubject   map[string]idSet // subject id -> identifier ids
	byValue     map[string]idSet // identifier key -> identifier ids
	edges       map[string]models.Edge
	candidates  map[string]models.MergeCandidate
	audit       []models.AuditEntry
	blacklist   map[string]models.SoftBlacklistEntry
	checkpoints map[string]string

	// undo is the journal of the open transaction, nil outside one
	undo    []func()
	journal bool
}

func newState() *state {
	return &state{
		subjects:    map[string]models.Subject{},
		identifiers: map[string]models.Identifier{},
		bySubject:   map[string]idSet{},
		byValue:     map[string]idSet{},
		edges:       map[string]models.Edge{},
		candidates:  map[string]models.MergeCandidate{},
		blacklist:   map[string]models.SoftBlacklistEntry{},
		checkpoints: map[string]string{},
	}
}

func (st *state) record(undo func()) {
	if st.journal {
		st.undo = append(st.undo, undo)
	}
}

func (st *state) rollback() {
	for i := len(st.undo) - 1; i >= 0; i-- {
		st.undo[i]()
	}
	st.undo = nil
}

// put stores v under k, journaling the previous entry
func put[K comparable, V any](st *state, m map[K]V, k K, v V) {
	old, had := m[k]
	st.record(func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

// remove deletes k, journaling the previous entry
func remove[K comparable, V any](st *state, m map[K]V, k K) {
	old, had := m[k]
	if !had {
		return
	}
	st.record(func() { m[k] = old })
	delete(m, k)
}

func (st *state) appendAudit(e models.AuditEntry) {
	n := len(st.audit)
	st.record(func() { st.audit = st.audit[:n] })
	st.audit = append(st.audit, e)
}

func (st *state) putIdentifier(i models.Identifier) {
	if old, ok := st.identifiers[i.ID]; ok {
		st.unindex(old)
	}
	put(st, st.identifiers, i.ID, i)
	st.addToSet(st.bySubject, i.SubjectID, i.ID)
	st.addToSet(st.byValue, i.Key(), i.ID)
}

func (st *state) deleteIdentifier(id string) {
	old, ok := st.identifiers[id]
	if !ok {
		return
	}
	st.unindex(old)
	remove(st, st.identifiers, id)
}

func (st *state) unindex(i models.Identifier) {
	st.removeFromSet(st.bySubject, i.SubjectID, i.ID)
	st.removeFromSet(st.byValue, i.Key(), i.ID)
}

func (st *state) addToSet(idx map[string]idSet, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = idSet{}
		idx[key] = set
		st.record(func() { delete(idx, key) })
	}
	if _, ok := set[id]; ok {
		return
	}
	set[id] = struct{}{}
	st.record(func() { delete(set, id) })
}

func (st *state) removeFromSet(idx map[string]idSet, key, id string) {
	set := idx[key]
	if _, ok := set[id]; !ok {
		return
	}
	delete(set, id)
	st.record(func() { set[id] = struct{}{} })
	if len(set) == 0 {
		delete(idx, key)
		st.record(func() { idx[key] = set })
	}
}

// withValue returns the identifiers holding key, in no particular order
func (st *state) withValue(key string) []models.Identifier {
	set := st.byValue[key]
	out := make([]models.Identifier, 0, len(set))
	for id := range set {
		out = append(out, st.identifiers[id])
	}
	return out
}

type txKey struct{}

type tx struct {
	state   *state
	touched map[string]bool
}

// Option configures a Store
type Option func(*Store)

// WithUniqueIdentifiers makes the store reject a second canonical holder of
// an identifier value of one of these types
func WithUniqueIdentifiers(fn func() []models.IdentifierType) Option {
	return func(s *Store) { s.unique = fn }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is an in-memory store.Store
type Store struct {
	mu     sync.Mutex
	state  *state
	index  *blocking.MemoryIndex
	unique func() []models.IdentifierType
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store
func New(opts ...Option) *Store {
	s := &Store{
		state:  newState(),
		index:  blocking.NewMemoryIndex(),
		unique: func() []models.IdentifierType { return nil },
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunInTx implements store.Transactor. The store is locked for the whole
// transaction; a nested call joins the outer one. Writes are undone when fn
// fails or panics.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	st.journal = true
	committed := false
	defer func() {
		st.journal = false
		if !committed {
			st.rollback()
		}
		st.undo = nil
	}()

	t := &tx{state: st, touched: map[string]bool{}}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	committed = true

	for id := range t.touched {
		s.reindex(id)
	}
	return nil
}

// Ping implements store.Store. The memory store is always reachable.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// view runs fn against the transaction state, or the live state under the
// lock when ctx carries no transaction.
func (s *Store) view(ctx context.Context, fn func(st *state, touch func(id string)) error) error {
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(t.state, func(id string) { t.touched[id] = true })
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var touched []string
	err := fn(s.state, func(id string) { touched = append(touched, id) })
	for _, id := range touched {
		s.reindex(id)
	}
	return err
}

// reindex refreshes one subject in the blocking index. Caller holds mu.
func (s *Store) reindex(id string) {
	subj, ok := s.state.subjects[id]
	if !ok || !subj.IsCanonical() {
		s.index.Remove(id)
		return
	}
	s.index.Put(&subj, identifiersOf(s.state, id))
}

func identifiersOf(st *state, subjectIDs ...string) []models.Identifier {
	var out []models.Identifier
	for _, subjectID := range slices.Compact(slices.Sorted(slices.Values(subjectIDs))) {
		for id := range st.bySubject[subjectID] {
			out = append(out, st.identifiers[id])
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Type != out[b].Type {
			return out[a].Type < out[b].Type
		}
		if out[a].Value != out[b].Value {
			return out[a].Value < out[b].Value
		}
		return out[a].SubjectID < out[b].SubjectID
	})
	return out
}

func (s *Store) isUnique(t models.IdentifierType) bool {
	return slices.Contains(s.unique(), t)
}

func newID() string {
	return uuid.New().String()
}

// Subjects

// CreateSubject implements store.SubjectStore
func (s *Store) CreateSubject(ctx context.Context, subj *models.Subject) error {
	return s.view(ctx, func(st *state, touch func(string)) error {
		if subj.ID == "" {
			subj.ID = newID()
		}
		if _, exists := st.subjects[subj.ID]; exists {
			return clerrors.NewIntegrityError("create subject", clerrors.NewConflictError("subject already exists").With("id", subj.ID))
		}
		now := s.now()
		if subj.CreatedAt.IsZero() {
			subj.CreatedAt = now
		}
		subj.UpdatedAt = now
		put(st, st.subjects, subj.ID, *subj.Clone())
		touch(subj.ID)
		return nil
	})
}

// GetSubject implements store.SubjectStore
func (s *Store) GetSubject(ctx context.Context, id string) (*models.Subject, error) {
	var out *models.Subject
	err := s.view(ctx, func(st *state, _ func(string)) error {
		subj, ok := st.subjects[id]
		if !ok {
			return clerrors.NewNotFoundError("subject", id)
		}
		out = subj.Clone()
		return nil
	})
	return out, err
}

// GetSubjects implements store.SubjectStore. Unknown ids are skipped.
func (s *Store) GetSubjects(ctx context.Context, ids []string) ([]*models.Subject, error) {
	var out []*models.Subject
	err := s.view(ctx, func(st *state, _ func(string)) error {
		for _, id := range ids {
			if subj, ok := st.subjects[id]; ok {
				out = append(out, subj.Clone())
			}
		}
		return nil
	})
	return out, err
}

// UpdateSubject implements store.SubjectStore
func (s *Store) UpdateSubject(ctx context.Context, subj *models.Subject) error {
	return s.view(ctx, func(st *state, touch func(string)) error {
		if _, ok := st.subjects[subj.ID]; !ok {
			return clerrors.NewNotFoundError("subject", subj.ID)
		}
		subj.UpdatedAt = s.now()
		put(st, st.subjects, subj.ID, *subj.Clone())
		touch(subj.ID)
		return nil
	})
}

// RepointMergedInto implements store.SubjectStore
func (s *Store) RepointMergedInto(ctx context.Context, from, to string) ([]string, error) {
	var moved []string
	err := s.view(ctx, func(st *state, touch func(string)) error {
		for id, subj := range st.subjects {
			if subj.MergedInto == nil || *subj.MergedInto != from {
				continue
			}
			c := subj.Clone()
			target := to
			c.MergedInto = &target
			c.UpdatedAt = s.now()
			put(st, st.subjects, id, *c)
			moved = append(moved, id)
		}
		sort.Strings(moved)
		return nil
	})
	return moved, err
}

// ListCanonicalIDs implements store.SubjectStore
func (s *Store) ListCanonicalIDs(ctx context.Context, kind models.SubjectKind, afterID string, limit int) ([]string, error) {
	var out []string
	err := s.view(ctx, func(st *state, _ func(string)) error {
		for id, subj := range st.subjects {
			if subj.IsCanonical() && subj.Kind == kind && id > afterID {
				out = append(out, id)
			}
		}
		sort.Strings(out)
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

// Identifiers

// AddIdentifiers implements store.IdentifierStore
func (s *Store) AddIdentifiers(ctx context.Context, ids []models.Identifier) ([]models.Identifier, error) {
	var added []models.Identifier
	err := s.view(ctx, func(st *state, touch func(string)) error {
		for _, in := range ids {
			dup := false
			for _, existing := range st.withValue(in.Key()) {
				if existing.SubjectID == in.SubjectID {
					dup = true
					break
				}
				if s.isUnique(in.Type) {
					return clerrors.NewIntegrityError("add identifier",
						clerrors.NewConflictError("identifier already held").With("identifier", in.Key()).With("subject_id", existing.SubjectID))
				}
			}
			if dup {
				continue
			}
			if in.ID == "" {
				in.ID = newID()
			}
			if in.CreatedAt.IsZero() {
				in.CreatedAt = s.now()
			}
			st.putIdentifier(in)
			added = append(added, in)
			touch(in.SubjectID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// ListIdentifiers implements store.IdentifierStore
func (s *Store) ListIdentifiers(ctx context.Context, subjectIDs ...string) ([]models.Identifier, error) {
	var out []models.Identifier
	err := s.view(ctx, func(st *state, _ func(string)) error {
		out = identifiersOf(st, subjectIDs...)
		return nil
	})
	return out, err
}

// FindHolders implements store.IdentifierStore
func (s *Store) FindHolders(ctx context.Context, kind models.SubjectKind, t models.IdentifierType, value string) ([]string, error) {
	var out []string
	err := s.view(ctx, func(st *state, _ func(string)) error {
		seen := map[string]bool{}
		for _, i := range st.withValue(models.Identifier{Type: t, Value: value}.Key()) {
			if seen[i.SubjectID] {
				continue
			}
			subj, ok := st.subjects[i.SubjectID]
			if !ok || !subj.IsCanonical() || subj.Kind != kind {
				continue
			}
			seen[i.SubjectID] = true
			out = append(out, i.SubjectID)
		}
		sort.Strings(out)
		return nil
	})
	return out, err
}

// MoveIdentifiers implements store.IdentifierStore
func (s *Store) MoveIdentifiers(ctx context.Context, from, to string) (models.RepointResult, error) {
	var res models.RepointResult
	err := s.view(ctx, func(st *state, touch func(string)) error {
		held := map[string]bool{}
		for _, i := range identifiersOf(st, to) {
			held[i.Key()] = true
		}
		for _, i := range identifiersOf(st, from) {
			if held[i.Key()] {
				st.deleteIdentifier(i.ID)
				res.Dropped++
				res.DroppedIDs = append(res.DroppedIDs, i.ID)
				continue
			}
			i.SubjectID = to
			st.putIdentifier(i)
			held[i.Key()] = true
			res.Repointed++
		}
		touch(from)
		touch(to)
		return nil
	})
	return res, err
}

// SharedIdentifiers implements store.IdentifierStore
func (s *Store) SharedIdentifiers(ctx context.Context, t models.IdentifierType, minSubjects int, afterKey string, limit int) ([]models.SharedIdentifier, error) {
	var out []models.SharedIdentifier
	err := s.view(ctx, func(st *state, _ func(string)) error {
		holders := map[string]map[string]bool{}
		for _, i := range st.identifiers {
			if i.Type != t {
				continue
			}
			if subj, ok := st.subjects[i.SubjectID]; !ok || !subj.IsCanonical() {
				continue
			}
			if holders[i.Value] == nil {
				holders[i.Value] = map[string]bool{}
			}
			holders[i.Value][i.SubjectID] = true
		}
		for value, subs := range holders {
			shared := models.SharedIdentifier{Type: t, Value: value}
			if len(subs) < minSubjects || shared.Key() <= afterKey {
				continue
			}
			for id := range subs {
				shared.SubjectIDs = append(shared.SubjectIDs, id)
			}
			sort.Strings(shared.SubjectIDs)
			out = append(out, shared)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

// Edges

// CreateEdge implements store.EdgeStore. An existing (type, from, to) edge is kept.
func (s *Store) CreateEdge(ctx context.Context, e *models.Edge) error {
	return s.view(ctx, func(st *state, _ func(string)) error {
		for _, existing := range st.edges {
			if existing.Key() == e.Key() {
				*e = existing
				return nil
			}
		}
		if e.ID == "" {
			e.ID = newID()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		put(st, st.edges, e.ID, *e)
		return nil
	})
}

// ListEdges implements store.EdgeStore
func (s *Store) ListEdges(ctx context.Context, subjectID string) ([]models.Edge, error) {
	var out []models.Edge
	err := s.view(ctx, func(st *state, _ func(string)) error {
		for _, e := range st.edges {
			if e.FromID == subjectID || e.ToID == subjectID {
				out = append(out, e)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
		return nil
	})
	return out, err
}

// RepointEdges implements store.EdgeStore
func (s *Store) RepointEdges(ctx context.Context, from, to string) (models.RepointResult, error) {
	var res models.RepointResult
	err := s.view(ctx, func(st *state, _ func(string)) error {
		keys := map[string]bool{}
		var moving []models.Edge
		for _, e := range st.edges {
			if e.FromID == from || e.ToID == from {
				moving = append(moving, e)
			} else {
				keys[e.Key()] = true
			}
		}
		sort.Slice(moving, func(i, j int) bool { return moving[i].ID < moving[j].ID })

		for _, e := range moving {
			if e.FromID == from {
				e.FromID = to
			}
			if e.ToID == from {
				e.ToID = to
			}
			if e.FromID == e.ToID || keys[e.Key()] {
				remove(st, st.edges, e.ID)
				res.Dropped++
				res.DroppedIDs = append(res.DroppedIDs, e.ID)
				continue
			}
			keys[e.Key()] = true
			put(st, st.edges, e.ID, e)
			res.Repointed++
		}
		return nil
	})
	return res, err
}

// EdgeBetween implements store.EdgeStore
func (s *Store) EdgeBetween(ctx context.Context, a, b string, types []string) (*models.Edge, error) {
	var out *models.Edge
	err := s.view(ctx, func(st *state, _ func(string)) error {
		for _, e := range st.edges {
			if !slices.Contains(types, e.Type) {
				continue
			}
			if (e.FromID == a && e.ToID == b) || (e.FromID == b && e.ToID == a) {
				found := e
				out = &found
				return nil
			}
		}
		return nil
	})
	return out, err
}

// Blocking index

// LookupExact implements blocking.Index
func (s *Store) LookupExact(ctx context.Context, kind models.SubjectKind, t models.IdentifierType, value string) ([]string, error) {
	return s.index.LookupExact(ctx, kind, t, value)
}

// LookupSimilar implements blocking.Index
func (s *Store) LookupSimilar(ctx context.Context, kind models.SubjectKind, field, value string, floor float64, limit int) ([]blocking.Hit, error) {
	return s.index.LookupSimilar(ctx, kind, field, value, floor, limit)
}

// LookupNear implements blocking.Index
func (s *Store) LookupNear(ctx context.Context, kind models.SubjectKind, loc models.Location, radiusMeters float64, limit int) ([]blocking.Hit, error) {
	return s.index.LookupNear(ctx, kind, loc, radiusMeters, limit)
}

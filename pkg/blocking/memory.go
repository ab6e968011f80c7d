package blocking

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

type set map[string]struct{}

func (s set) add(v string) { s[v] = struct{}{} }

type indexed struct {
	kind     models.SubjectKind
	exact    []string
	similar  map[string][]string
	grams    map[string][]string
	lat, lng *float64
	cells    []string
}

// MemoryIndex is an in-process Index kept in sync by the memory store
type MemoryIndex struct {
	mu       sync.RWMutex
	subjects map[string]*indexed
	exact    map[string]set
	// field -> kind|trigram -> subject ids
	trigrams map[string]map[string]set
	// kind|cell prefix -> subject ids
	cells map[string]set
}

// NewMemoryIndex creates an empty index
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		subjects: make(map[string]*indexed),
		exact:    make(map[string]set),
		trigrams: map[string]map[string]set{
			FieldName:    {},
			FieldAddress: {},
		},
		cells: make(map[string]set),
	}
}

func exactKey(kind models.SubjectKind, t models.IdentifierType, value string) string {
	return string(kind) + "|" + string(t) + ":" + value
}

func kindKey(kind models.SubjectKind, v string) string {
	return string(kind) + "|" + v
}

// Put indexes a canonical subject, replacing any previous entry. Tombstones
// are removed instead.
func (m *MemoryIndex) Put(s *models.Subject, ids []models.Identifier) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(s.ID)
	if !s.IsCanonical() {
		return
	}

	e := &indexed{
		kind:    s.Kind,
		similar: make(map[string][]string),
		grams:   make(map[string][]string),
	}

	for _, id := range ids {
		key := exactKey(s.Kind, id.Type, id.Value)
		e.exact = append(e.exact, key)
		if m.exact[key] == nil {
			m.exact[key] = set{}
		}
		m.exact[key].add(s.ID)

		if id.Type == models.IdentifierAddress {
			e.similar[FieldAddress] = append(e.similar[FieldAddress], id.Value)
		}
	}
	if name := normalizers.NormalizeName(s.Name()); name != "" {
		e.similar[FieldName] = append(e.similar[FieldName], name)
	}

	for field, values := range e.similar {
		for _, v := range values {
			for g := range matching.Trigrams(v) {
				key := kindKey(s.Kind, g)
				postings := m.trigrams[field]
				if postings[key] == nil {
					postings[key] = set{}
				}
				postings[key].add(s.ID)
				e.grams[field] = append(e.grams[field], key)
			}
		}
	}

	if s.HasLocation() {
		e.lat, e.lng = s.Latitude, s.Longitude
		hash := Geohash(*s.Latitude, *s.Longitude)
		for p := 1; p <= len(hash); p++ {
			key := kindKey(s.Kind, hash[:p])
			if m.cells[key] == nil {
				m.cells[key] = set{}
			}
			m.cells[key].add(s.ID)
			e.cells = append(e.cells, key)
		}
	}

	m.subjects[s.ID] = e
}

// Remove drops a subject from the index
func (m *MemoryIndex) Remove(subjectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(subjectID)
}

func (m *MemoryIndex) remove(subjectID string) {
	e, ok := m.subjects[subjectID]
	if !ok {
		return
	}
	for _, key := range e.exact {
		deleteFrom(m.exact, key, subjectID)
	}
	for field, keys := range e.grams {
		for _, key := range keys {
			deleteFrom(m.trigrams[field], key, subjectID)
		}
	}
	for _, key := range e.cells {
		deleteFrom(m.cells, key, subjectID)
	}
	delete(m.subjects, subjectID)
}

func deleteFrom(postings map[string]set, key, id string) {
	if s, ok := postings[key]; ok {
		delete(s, id)
		if len(s) == 0 {
			delete(postings, key)
		}
	}
}

// LookupExact implements Index
func (m *MemoryIndex) LookupExact(_ context.Context, kind models.SubjectKind, t models.IdentifierType, value string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.exact[exactKey(kind, t, value)]))
	for id := range m.exact[exactKey(kind, t, value)] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// LookupSimilar implements Index. Candidates share at least one trigram with
// value; each is then scored against its best indexed value.
func (m *MemoryIndex) LookupSimilar(_ context.Context, kind models.SubjectKind, field, value string, floor float64, limit int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	postings, ok := m.trigrams[field]
	if !ok || strings.TrimSpace(value) == "" {
		return nil, nil
	}

	seen := set{}
	for g := range matching.Trigrams(value) {
		for id := range postings[kindKey(kind, g)] {
			seen.add(id)
		}
	}

	hits := make([]Hit, 0, len(seen))
	for id := range seen {
		best := 0.0
		for _, v := range m.subjects[id].similar[field] {
			if sim := matching.TrigramSimilarity(value, v); sim > best {
				best = sim
			}
		}
		if best >= floor {
			hits = append(hits, Hit{SubjectID: id, Reason: ReasonSimilar, Similarity: best})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].SubjectID < hits[j].SubjectID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// LookupNear implements Index
func (m *MemoryIndex) LookupNear(_ context.Context, kind models.SubjectKind, loc models.Location, radiusMeters float64, limit int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if radiusMeters <= 0 {
		return nil, nil
	}

	seen := set{}
	for _, cell := range SearchCells(loc.Latitude, loc.Longitude, radiusMeters) {
		for id := range m.cells[kindKey(kind, cell)] {
			seen.add(id)
		}
	}

	hits := make([]Hit, 0, len(seen))
	for id := range seen {
		e := m.subjects[id]
		d := HaversineMeters(loc.Latitude, loc.Longitude, *e.lat, *e.lng)
		if d <= radiusMeters {
			hits = append(hits, Hit{SubjectID: id, Reason: ReasonNear, DistanceMeters: d})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceMeters != hits[j].DistanceMeters {
			return hits[i].DistanceMeters < hits[j].DistanceMeters
		}
		return hits[i].SubjectID < hits[j].SubjectID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Len returns the number of indexed subjects
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subjects)
}

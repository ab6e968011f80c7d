// Package params holds the versioned, hot-reloadable resolution parameters:
// field weights, decision thresholds, source priority, blocking and guard settings.
package params

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/clover/pkg/models"
)

// FieldKind says where a compared field is read from
type FieldKind string

const (
	FieldKindAttribute  FieldKind = "attribute"
	FieldKindIdentifier FieldKind = "identifier"
)

// Comparator names
const (
	ComparatorExact           = "exact"
	ComparatorNormalizedExact = "normalized_exact"
	ComparatorLevenshtein     = "levenshtein"
	ComparatorJaroWinkler     = "jaro_winkler"
	ComparatorTokenOverlap    = "token_overlap"
	ComparatorSoundex         = "soundex"
	ComparatorTrigram         = "trigram"
)

var comparators = []any{
	ComparatorExact, ComparatorNormalizedExact, ComparatorLevenshtein,
	ComparatorJaroWinkler, ComparatorTokenOverlap, ComparatorSoundex, ComparatorTrigram,
}

// Params is one version of the resolution parameter set
type Params struct {
	Version           int                     `yaml:"version" json:"version"`
	Description       string                  `yaml:"description" json:"description"`
	PriorLogOdds      float64                 `yaml:"prior_log_odds" json:"prior_log_odds"`
	Fields            []FieldSpec             `yaml:"fields" json:"fields"`
	Thresholds        Thresholds              `yaml:"thresholds" json:"thresholds"`
	SourcePriority    []string                `yaml:"source_priority" json:"source_priority"`
	UniqueIdentifiers []models.IdentifierType `yaml:"unique_identifiers" json:"unique_identifiers"`
	StructuralEdges   []string                `yaml:"structural_edges" json:"structural_edges"`
	Blocking          Blocking                `yaml:"blocking" json:"blocking"`
	Guard             Guard                   `yaml:"guard" json:"guard"`
	Blacklist         Blacklist               `yaml:"blacklist" json:"blacklist"`
}

// FieldSpec describes how one field is compared and weighted
type FieldSpec struct {
	Name       string               `yaml:"name" json:"name"`
	Kind       FieldKind            `yaml:"kind" json:"kind"`
	Comparator string               `yaml:"comparator" json:"comparator"`
	Normalizer string               `yaml:"normalizer,omitempty" json:"normalizer,omitempty"`
	Threshold  float64              `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	MaxEdits   int                  `yaml:"max_edits,omitempty" json:"max_edits,omitempty"`
	M          float64              `yaml:"m" json:"m"`
	U          float64              `yaml:"u" json:"u"`
	Kinds      []models.SubjectKind `yaml:"kinds,omitempty" json:"kinds,omitempty"`
}

// AgreementWeight is log2(m/u)
func (f FieldSpec) AgreementWeight() float64 {
	return math.Log2(f.M / f.U)
}

// DisagreementWeight is log2((1-m)/(1-u))
func (f FieldSpec) DisagreementWeight() float64 {
	return math.Log2((1 - f.M) / (1 - f.U))
}

// AppliesTo reports whether the field is compared for the subject kind
func (f FieldSpec) AppliesTo(kind models.SubjectKind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Thresholds are the decision cut points on the raw log-odds score
type Thresholds struct {
	Lower float64 `yaml:"lower" json:"lower"`
	Upper float64 `yaml:"upper" json:"upper"`
}

// Blocking bounds candidate generation
type Blocking struct {
	MaxCandidates           int     `yaml:"max_candidates" json:"max_candidates"`
	MaxCandidatesPerSubject int     `yaml:"max_candidates_per_subject" json:"max_candidates_per_subject"`
	TrigramFloor            float64 `yaml:"trigram_floor" json:"trigram_floor"`
	RadiusMeters            float64 `yaml:"radius_meters" json:"radius_meters"`
}

// Guard configures lock acquisition and retry
type Guard struct {
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout"`
	LockTTL     time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff" json:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// Blacklist holds defaults for new entries and the detector
type Blacklist struct {
	MinNameSimilarity   float64 `yaml:"min_name_similarity" json:"min_name_similarity"`
	RequireAddressMatch bool    `yaml:"require_address_match" json:"require_address_match"`
	DetectNameFloor     float64 `yaml:"detect_name_floor" json:"detect_name_floor"`
	DetectMinSubjects   int     `yaml:"detect_min_subjects" json:"detect_min_subjects"`
}

// Parse decodes and validates a YAML parameter document. Environment
// variables in the document are expanded first.
func Parse(data []byte) (*Params, error) {
	expanded := os.ExpandEnv(string(data))

	var p Params
	if err := yaml.Unmarshal([]byte(expanded), &p); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("params validation failed: %w", err)
	}
	return &p, nil
}

// LoadFile reads and parses a parameter file
func LoadFile(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read params file %s: %w", path, err)
	}
	return Parse(data)
}

func (p *Params) applyDefaults() {
	if p.Blocking.MaxCandidates == 0 {
		p.Blocking.MaxCandidates = 50
	}
	if p.Blocking.MaxCandidatesPerSubject == 0 {
		p.Blocking.MaxCandidatesPerSubject = 5
	}
	if p.Guard.LockTimeout == 0 {
		p.Guard.LockTimeout = 5 * time.Second
	}
	if p.Guard.LockTTL == 0 {
		p.Guard.LockTTL = 30 * time.Second
	}
	if p.Guard.MaxAttempts == 0 {
		p.Guard.MaxAttempts = 3
	}
	if p.Guard.BaseBackoff == 0 {
		p.Guard.BaseBackoff = 50 * time.Millisecond
	}
	if p.Guard.MaxBackoff == 0 {
		p.Guard.MaxBackoff = time.Second
	}
	if p.Blacklist.DetectMinSubjects == 0 {
		p.Blacklist.DetectMinSubjects = 2
	}
	for i := range p.Fields {
		if p.Fields[i].Kind == "" {
			p.Fields[i].Kind = FieldKindAttribute
		}
	}
}

// Validate implements validation.Validatable
func (p Params) Validate() error {
	if err := validation.ValidateStruct(&p,
		validation.Field(&p.Version, validation.Required, validation.Min(1)),
		validation.Field(&p.Fields, validation.Required),
		validation.Field(&p.Thresholds),
		validation.Field(&p.SourcePriority, validation.Required),
		validation.Field(&p.Blocking),
		validation.Field(&p.Guard),
		validation.Field(&p.Blacklist),
	); err != nil {
		return err
	}

	seen := make(map[string]bool, len(p.Fields))
	for _, f := range p.Fields {
		key := string(f.Kind) + ":" + f.Name
		if seen[key] {
			return fmt.Errorf("fields: duplicate field %s", key)
		}
		seen[key] = true
	}
	for _, t := range p.UniqueIdentifiers {
		if !t.Valid() {
			return fmt.Errorf("unique_identifiers: unknown identifier type %q", t)
		}
	}
	return nil
}

// Validate implements validation.Validatable
func (f FieldSpec) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Name, validation.Required),
		validation.Field(&f.Kind, validation.In(FieldKindAttribute, FieldKindIdentifier)),
		validation.Field(&f.Comparator, validation.Required, validation.In(comparators...)),
		validation.Field(&f.U, validation.Required, validation.Min(0.0).Exclusive(), validation.Max(1.0).Exclusive()),
		validation.Field(&f.M, validation.Required, validation.Max(1.0).Exclusive(), validation.By(func(any) error {
			// m > u keeps every agreement weight positive, so adding an agreeing
			// field can never lower a score.
			if f.M <= f.U {
				return errors.New("must be greater than u")
			}
			return nil
		})),
		validation.Field(&f.Threshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&f.MaxEdits, validation.Min(0)),
	)
}

// Validate implements validation.Validatable
func (t Thresholds) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Upper, validation.By(func(any) error {
			if t.Upper <= t.Lower {
				return errors.New("must be greater than lower")
			}
			return nil
		})),
	)
}

// Validate implements validation.Validatable
func (b Blocking) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.MaxCandidates, validation.Min(1), validation.Max(1000)),
		validation.Field(&b.MaxCandidatesPerSubject, validation.Min(1)),
		validation.Field(&b.TrigramFloor, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&b.RadiusMeters, validation.Min(0.0)),
	)
}

// Validate implements validation.Validatable
func (g Guard) Validate() error {
	return validation.ValidateStruct(&g,
		validation.Field(&g.MaxAttempts, validation.Min(1), validation.Max(20)),
		validation.Field(&g.MaxBackoff, validation.Min(g.BaseBackoff)),
	)
}

// Validate implements validation.Validatable
func (b Blacklist) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.MinNameSimilarity, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&b.DetectNameFloor, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&b.DetectMinSubjects, validation.Min(2)),
	)
}

// SourceManual marks values set by a reviewer correction. It outranks every
// listed source.
const SourceManual = "manual"

// SourceRank returns the position of a source in the priority table. Lower is
// more trusted; unknown sources rank after every listed one.
func (p *Params) SourceRank(source string) int {
	if source == SourceManual {
		return -1
	}
	for i, s := range p.SourcePriority {
		if s == source {
			return i
		}
	}
	return len(p.SourcePriority)
}

// IsUnique reports whether an identifier type may belong to only one active subject
func (p *Params) IsUnique(t models.IdentifierType) bool {
	for _, u := range p.UniqueIdentifiers {
		if u == t {
			return true
		}
	}
	return false
}

// IsStructuralEdge reports whether an edge type is a parent/child structure
func (p *Params) IsStructuralEdge(edgeType string) bool {
	for _, s := range p.StructuralEdges {
		if s == edgeType {
			return true
		}
	}
	return false
}

// FieldsFor returns the field specs compared for a subject kind
func (p *Params) FieldsFor(kind models.SubjectKind) []FieldSpec {
	out := make([]FieldSpec, 0, len(p.Fields))
	for _, f := range p.Fields {
		if f.AppliesTo(kind) {
			out = append(out, f)
		}
	}
	return out
}

// Package catalog loads the static source catalog consumed at process start.
// Source descriptors are immutable once loaded; the engine never mutates or
// rewrites the catalog file.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/medmirror/medmirror/pkg/record"
	"github.com/medmirror/medmirror/pkg/syncerr"
)

// Merge policy names accepted in the catalog file.
const (
	MergePreferNewest       = "prefer-newest-source"
	MergePreferMoreComplete = "prefer-more-complete-payload"
	MergeUnionOfFields      = "union-of-fields"
)

// Source describes one external dataset provider.
type Source struct {
	ID       string `yaml:"id"`
	Kind     string `yaml:"kind"`
	Endpoint string `yaml:"endpoint"`

	// RatePerSec and Burst parameterize the source's token bucket
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`

	PageSize      int    `yaml:"page_size"`
	SchemaVersion string `yaml:"schema_version"`

	// Options carries adapter-specific settings (bucket names, prefixes,
	// credential endpoints) that only the owning adapter interprets
	Options map[string]string `yaml:"options"`
}

// DatasetKind returns the parsed dataset kind for the source.
func (s *Source) DatasetKind() record.DatasetKind {
	k, _ := record.ParseKind(s.Kind)
	return k
}

// Option returns an adapter-specific option with a fallback default.
func (s *Source) Option(key, def string) string {
	if v, ok := s.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// KindPolicy holds per-dataset-kind deduplication settings.
type KindPolicy struct {
	// SimilarityThreshold is the minimum Jaccard similarity over natural-key
	// tokens for a near-duplicate to become a merge candidate
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// MergePolicy selects how a merge candidate is consolidated
	MergePolicy string `yaml:"merge_policy"`
}

// Catalog is the full parsed catalog file.
type Catalog struct {
	Sources []Source `yaml:"sources"`

	// Policies is keyed by dataset kind; unset kinds get defaults
	Policies map[string]KindPolicy `yaml:"policies"`
}

// defaultPolicies reflect how distinct the natural keys of each kind are:
// code sets have near-exact keys, topic titles drift the most.
var defaultPolicies = map[record.DatasetKind]KindPolicy{
	record.KindBibliographic: {SimilarityThreshold: 0.90, MergePolicy: MergeUnionOfFields},
	record.KindTrials:        {SimilarityThreshold: 0.90, MergePolicy: MergePreferNewest},
	record.KindDrugLabels:    {SimilarityThreshold: 0.85, MergePolicy: MergePreferMoreComplete},
	record.KindCodeSets:      {SimilarityThreshold: 0.97, MergePolicy: MergePreferNewest},
	record.KindTopics:        {SimilarityThreshold: 0.80, MergePolicy: MergePreferMoreComplete},
}

// LoadCatalog loads and validates the catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	cat.applyDefaults()

	if err := cat.Validate(); err != nil {
		return nil, err
	}

	return &cat, nil
}

func (c *Catalog) applyDefaults() {
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Burst == 0 {
			s.Burst = int(s.RatePerSec)
			if s.Burst < 1 {
				s.Burst = 1
			}
		}
		if s.PageSize == 0 {
			s.PageSize = 100
		}
		if s.SchemaVersion == "" {
			s.SchemaVersion = "v1"
		}
	}

	if c.Policies == nil {
		c.Policies = make(map[string]KindPolicy)
	}
	for kind, def := range defaultPolicies {
		p, ok := c.Policies[string(kind)]
		if !ok {
			c.Policies[string(kind)] = def
			continue
		}
		if p.SimilarityThreshold == 0 {
			p.SimilarityThreshold = def.SimilarityThreshold
		}
		if p.MergePolicy == "" {
			p.MergePolicy = def.MergePolicy
		}
		c.Policies[string(kind)] = p
	}
}

// Validate checks the catalog for configuration errors.
func (c *Catalog) Validate() error {
	if len(c.Sources) == 0 {
		return syncerr.ErrInvalidConfiguration("sources", nil, "catalog declares no sources")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.ID == "" {
			return syncerr.ErrInvalidConfiguration("id", "", "source is missing an id")
		}
		if seen[s.ID] {
			return syncerr.ErrInvalidConfiguration("id", s.ID, "duplicate source id")
		}
		seen[s.ID] = true

		if _, err := record.ParseKind(s.Kind); err != nil {
			return syncerr.ErrInvalidConfiguration("kind", s.Kind, err.Error()).
				WithContext("source_id", s.ID)
		}
		// Object-store sources address a bucket instead of an endpoint
		if s.Endpoint == "" && s.Option("bucket", "") == "" {
			return syncerr.ErrInvalidConfiguration("endpoint", "", "source is missing an endpoint").
				WithContext("source_id", s.ID)
		}
		if s.RatePerSec <= 0 {
			return syncerr.ErrInvalidConfiguration("rate_per_sec", s.RatePerSec,
				"rate must be greater than zero").
				WithContext("source_id", s.ID)
		}
	}

	for kind, p := range c.Policies {
		if _, err := record.ParseKind(kind); err != nil {
			return syncerr.ErrInvalidConfiguration("policies", kind, err.Error())
		}
		if p.SimilarityThreshold <= 0 || p.SimilarityThreshold > 1 {
			return syncerr.ErrInvalidConfiguration("similarity_threshold", p.SimilarityThreshold,
				"threshold must be in (0, 1]").
				WithContext("dataset_kind", kind)
		}
		switch p.MergePolicy {
		case MergePreferNewest, MergePreferMoreComplete, MergeUnionOfFields:
		default:
			return syncerr.ErrInvalidConfiguration("merge_policy", p.MergePolicy,
				"unknown merge policy").
				WithContext("dataset_kind", kind)
		}
	}

	return nil
}

// Source returns the descriptor for a source id.
func (c *Catalog) Source(id string) (*Source, bool) {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i], true
		}
	}
	return nil, false
}

// Policy returns the dedup policy for a dataset kind.
func (c *Catalog) Policy(kind record.DatasetKind) KindPolicy {
	if p, ok := c.Policies[string(kind)]; ok {
		return p
	}
	return defaultPolicies[kind]
}

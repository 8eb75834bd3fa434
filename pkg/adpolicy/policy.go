package adpolicy

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

// Surface names a UI area whose ad visibility is controlled independently.
type Surface string

const (
	SurfaceMain         Surface = "main"
	SurfaceRecommend    Surface = "recommend"
	SurfaceStats        Surface = "stats"
	SurfaceAnalysis     Surface = "analysis"
	SurfaceCheckWinning Surface = "check_winning"
	SurfaceSavedNumbers Surface = "saved_numbers"
	SurfaceVirtualDraw  Surface = "virtual_draw"
)

// RuleKind selects how a surface decides during an active trial.
type RuleKind string

const (
	RuleThreshold RuleKind = "threshold" // ads when days remaining < Threshold
	RuleAlways    RuleKind = "always"
	RuleNever     RuleKind = "never"
)

// Rule is a single row of the policy table.
type Rule struct {
	Kind      RuleKind `yaml:"kind" json:"kind"`
	Threshold int      `yaml:"threshold,omitempty" json:"threshold,omitempty"`
}

// Threshold builds a RuleThreshold rule.
func Threshold(days int) Rule { return Rule{Kind: RuleThreshold, Threshold: days} }

// Always builds a RuleAlways rule.
func Always() Rule { return Rule{Kind: RuleAlways} }

// Never builds a RuleNever rule.
func Never() Rule { return Rule{Kind: RuleNever} }

func (r Rule) validate() error {
	switch r.Kind {
	case RuleThreshold:
		if r.Threshold < 0 {
			return fmt.Errorf("threshold must be >= 0, got %d", r.Threshold)
		}
	case RuleAlways, RuleNever:
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	return nil
}

// DefaultTable is the shipped surface table. Core surfaces are protected
// longest; secondary surfaces carry ads for the whole trial.
var DefaultTable = map[Surface]Rule{
	SurfaceMain:         Threshold(10),
	SurfaceRecommend:    Threshold(10),
	SurfaceStats:        Threshold(15),
	SurfaceAnalysis:     Threshold(15),
	SurfaceCheckWinning: Always(),
	SurfaceSavedNumbers: Always(),
	SurfaceVirtualDraw:  Always(),
}

// Policy is an immutable surface table.
type Policy struct {
	table map[Surface]Rule
}

// New builds a policy from table. The map is copied.
func New(table map[Surface]Rule) (*Policy, error) {
	copied := make(map[Surface]Rule, len(table))
	for surface, rule := range table {
		name := Surface(strings.TrimSpace(string(surface)))
		if name == "" {
			return nil, fmt.Errorf("empty surface name")
		}
		if err := rule.validate(); err != nil {
			return nil, fmt.Errorf("surface %q: %w", name, err)
		}
		copied[name] = rule
	}
	return &Policy{table: copied}, nil
}

// Default returns the policy for DefaultTable.
func Default() *Policy {
	p, err := New(DefaultTable)
	if err != nil {
		panic(err)
	}
	return p
}

// ShouldShowAd decides ad visibility for ent on surface. Pro never sees ads,
// and neither do Free or TrialExpired users: once the trial is exhausted,
// access gates the surface rather than ads. Unknown surfaces never show ads.
func (p *Policy) ShouldShowAd(ent entitlement.Entitlement, surface Surface) bool {
	if p == nil || ent.Tier != entitlement.TierTrialActive {
		return false
	}
	rule, ok := p.table[surface]
	if !ok {
		return false
	}
	switch rule.Kind {
	case RuleAlways:
		return true
	case RuleThreshold:
		return ent.DaysRemaining < rule.Threshold
	default:
		return false
	}
}

// Rule returns the rule for surface.
func (p *Policy) Rule(surface Surface) (Rule, bool) {
	if p == nil {
		return Rule{}, false
	}
	r, ok := p.table[surface]
	return r, ok
}

// Surfaces returns the configured surfaces in name order.
func (p *Policy) Surfaces() []Surface {
	if p == nil {
		return nil
	}
	out := make([]Surface, 0, len(p.table))
	for s := range p.table {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Decisions evaluates every surface for ent.
func (p *Policy) Decisions(ent entitlement.Entitlement) map[Surface]bool {
	out := make(map[Surface]bool, len(p.Surfaces()))
	for _, s := range p.Surfaces() {
		out[s] = p.ShouldShowAd(ent, s)
	}
	return out
}

type fileFormat struct {
	Surfaces map[string]Rule `yaml:"surfaces"`
}

// Parse reads a YAML table. Surfaces listed in the file replace the defaults
// of the same name; the rest of DefaultTable is kept.
func Parse(data []byte) (*Policy, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ad policy: %w", err)
	}
	merged := make(map[Surface]Rule, len(DefaultTable)+len(doc.Surfaces))
	for s, r := range DefaultTable {
		merged[s] = r
	}
	for name, r := range doc.Surfaces {
		merged[Surface(name)] = r
	}
	return New(merged)
}

// LoadFile reads a YAML table from path.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ad policy %s: %w", path, err)
	}
	return Parse(data)
}

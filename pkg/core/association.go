package core

import (
	"fmt"
	"math"
	"time"
)

// AssociationType tags the semantics of an edge.
type AssociationType uint8

const (
	AssocSemantic AssociationType = iota
	AssocCausal
	AssocTemporal
	AssocHierarchical
	AssocCompositional
)

// Edge limits and traversal reinforcement.
const (
	MaxWeight         = 10.0
	ConfidenceBoost   = 0.05
	WeightBoost       = 0.1
	DefaultEdgeWeight = 1.0
)

var assocNames = [...]string{"semantic", "causal", "temporal", "hierarchical", "compositional"}

func (t AssociationType) String() string {
	if int(t) < len(assocNames) {
		return assocNames[t]
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Valid reports whether t is one of the defined types.
func (t AssociationType) Valid() bool {
	return int(t) < len(assocNames)
}

// ParseAssociationType parses the lowercase name of an association type.
func ParseAssociationType(s string) (AssociationType, error) {
	for i, name := range assocNames {
		if name == s {
			return AssociationType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown association type %q", ErrInvalidArgument, s)
}

// Association is a directed, typed, weighted edge.
type Association struct {
	Source     string          `cbor:"source" json:"source"`
	Target     string          `cbor:"target" json:"target"`
	Type       AssociationType `cbor:"type" json:"type"`
	Confidence float64         `cbor:"confidence" json:"confidence"`
	Weight     float64         `cbor:"weight" json:"weight"`
	CreatedAt  time.Time       `cbor:"created_at" json:"created_at"`
	LastUsed   time.Time       `cbor:"last_used" json:"last_used"`
}

// EdgeKey identifies an association inside its source concept's edge set.
type EdgeKey struct {
	Target string
	Type   AssociationType
}

// Key returns the edge key of a.
func (a *Association) Key() EdgeKey {
	return EdgeKey{Target: a.Target, Type: a.Type}
}

// Validate checks ids, type and score ranges, filling defaults for zero weight.
func (a *Association) Validate() error {
	if err := ValidateID(a.Source); err != nil {
		return err
	}
	if err := ValidateID(a.Target); err != nil {
		return err
	}
	if a.Source == a.Target {
		return fmt.Errorf("%w: self association on %s", ErrInvalidArgument, a.Source)
	}
	if !a.Type.Valid() {
		return fmt.Errorf("%w: association type %d", ErrInvalidArgument, a.Type)
	}
	if a.Confidence < 0 || a.Confidence > 1 || math.IsNaN(a.Confidence) {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidArgument, a.Confidence)
	}
	if a.Weight == 0 {
		a.Weight = DefaultEdgeWeight
	}
	if a.Weight < 0 || math.IsNaN(a.Weight) {
		return fmt.Errorf("%w: weight %v", ErrInvalidArgument, a.Weight)
	}
	a.Weight = math.Min(a.Weight, MaxWeight)
	return nil
}

// Strengthen reinforces an edge after traversal. Both scores are capped.
func (a *Association) Strengthen(now time.Time) {
	a.Confidence = math.Min(1, a.Confidence+ConfidenceBoost)
	a.Weight = math.Min(MaxWeight, a.Weight+WeightBoost)
	a.LastUsed = now
}

// Decay scales confidence and weight by factor per elapsed day.
func (a *Association) Decay(elapsed time.Duration, factor float64) {
	days := elapsed.Hours() / 24
	if days <= 0 {
		return
	}
	f := math.Pow(factor, days)
	a.Confidence = Clamp01(a.Confidence * f)
	a.Weight *= f
}

// InboundRef is the target-shard record of an association whose source may live elsewhere.
type InboundRef struct {
	Source string          `cbor:"source"`
	Target string          `cbor:"target"`
	Type   AssociationType `cbor:"type"`
}

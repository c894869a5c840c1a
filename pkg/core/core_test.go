package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"
)

func TestConceptID(t *testing.T) {
	a := ConceptID("the sky is blue")
	if a != ConceptID("the sky is blue") {
		t.Fatal("content ids must be deterministic")
	}
	if err := ValidateID(a); err != nil {
		t.Fatalf("derived id rejected: %v", err)
	}
	if a == ConceptID("the sky is grey") {
		t.Fatal("different content produced the same id")
	}

	r1, r2 := ConceptID(""), ConceptID("")
	if r1 == r2 {
		t.Fatal("empty content should get random ids")
	}
	if err := ValidateID(r1); err != nil {
		t.Fatalf("random id rejected: %v", err)
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id string
		ok bool
	}{
		{strings.Repeat("a", IDLength), true},
		{strings.Repeat("0", IDLength), true},
		{strings.Repeat("A", IDLength), false},
		{strings.Repeat("g", IDLength), false},
		{"abc", false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateID(tt.id)
		if tt.ok != (err == nil) {
			t.Errorf("ValidateID(%q) = %v", tt.id, err)
		}
		if err != nil && !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ValidateID(%q) error %v is not InvalidArgument", tt.id, err)
		}
	}
}

func TestTouchCapsStrength(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := &Concept{Strength: MaxStrength - 0.05}
	c.Touch(now)
	if c.Strength != MaxStrength {
		t.Errorf("strength %v, want cap %v", c.Strength, MaxStrength)
	}
	if c.AccessCount != 1 || !c.LastAccessed.Equal(now) {
		t.Errorf("access not recorded: %+v", c)
	}
	for i := 0; i < 1000; i++ {
		c.Touch(now)
	}
	if c.Strength > MaxStrength {
		t.Errorf("strength %v exceeded cap", c.Strength)
	}
}

func TestDecay(t *testing.T) {
	c := &Concept{Strength: 8}
	c.Decay(48*time.Hour, 0.5)
	if math.Abs(c.Strength-2) > 1e-9 {
		t.Errorf("two days at 0.5 gave %v, want 2", c.Strength)
	}
	c.Decay(365*24*time.Hour, 0.5)
	if c.Strength != MinStrength {
		t.Errorf("decay went below floor: %v", c.Strength)
	}

	a := &Association{Confidence: 0.8, Weight: 2}
	a.Decay(24*time.Hour, 0.5)
	if math.Abs(a.Confidence-0.4) > 1e-9 || math.Abs(a.Weight-1) > 1e-9 {
		t.Errorf("association decay: %+v", a)
	}
	a.Decay(-time.Hour, 0.5)
	if math.Abs(a.Confidence-0.4) > 1e-9 {
		t.Error("negative elapsed time must not change scores")
	}
}

func TestAssociationValidate(t *testing.T) {
	src, tgt := ConceptID("a"), ConceptID("b")
	a := Association{Source: src, Target: tgt, Type: AssocTemporal, Confidence: 0.5}
	if err := a.Validate(); err != nil {
		t.Fatal(err)
	}
	if a.Weight != DefaultEdgeWeight {
		t.Errorf("zero weight should default, got %v", a.Weight)
	}

	bad := []Association{
		{Source: src, Target: src, Confidence: 0.5},
		{Source: src, Target: tgt, Confidence: 1.5},
		{Source: src, Target: tgt, Confidence: math.NaN()},
		{Source: src, Target: tgt, Type: AssociationType(42)},
		{Source: src, Target: tgt, Weight: -1},
		{Source: "x", Target: tgt},
	}
	for i, b := range bad {
		if err := b.Validate(); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("case %d: got %v, want InvalidArgument", i, err)
		}
	}

	capped := Association{Source: src, Target: tgt, Weight: 50}
	if err := capped.Validate(); err != nil || capped.Weight != MaxWeight {
		t.Errorf("weight should be capped at %v, got %v (%v)", MaxWeight, capped.Weight, err)
	}
}

func TestStrengthen(t *testing.T) {
	a := &Association{Confidence: 0.98, Weight: MaxWeight - 0.01}
	a.Strengthen(time.Now())
	if a.Confidence != 1 || a.Weight != MaxWeight {
		t.Errorf("strengthen must cap: %+v", a)
	}
}

func TestAssociationTypeNames(t *testing.T) {
	for _, typ := range []AssociationType{AssocSemantic, AssocCausal, AssocTemporal, AssocHierarchical, AssocCompositional} {
		got, err := ParseAssociationType(typ.String())
		if err != nil || got != typ {
			t.Errorf("round trip of %v gave %v, %v", typ, got, err)
		}
	}
	if _, err := ParseAssociationType("Causal"); err == nil {
		t.Error("names are lowercase only")
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{Errorf(KindNotFound, "get", "concept %s", "x"), KindNotFound},
		{WrapError("op", ErrDimensionMismatch), KindInvalidArgument},
		{fmt.Errorf("outer: %w", ErrRateLimited), KindRateLimited},
		{ErrClosed, KindInternal},
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.kind)
		}
		if got := ParseKind(tt.kind.String()); got != tt.kind {
			t.Errorf("ParseKind(%q) = %v", tt.kind.String(), got)
		}
	}

	err := Errorf(KindAuthFailed, "server.handle", "bad signature")
	if !errors.Is(err, ErrAuthFailed) {
		t.Error("kinded error should match its sentinel")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("kinded error matched a foreign sentinel")
	}
	if got := err.Error(); got != "conceptdb: server.handle: bad signature" {
		t.Errorf("message %q", got)
	}
	if WrapError("op", nil) != nil {
		t.Error("wrapping nil must stay nil")
	}
}

func TestMergeTopK(t *testing.T) {
	a := []SearchResult{{"a", 0.9}, {"c", 0.5}}
	b := []SearchResult{{"b", 0.9}, {"a", 0.9}, {"d", 0.1}}
	got := MergeTopK(3, a, b)
	want := []SearchResult{{"a", 0.9}, {"b", 0.9}, {"c", 0.5}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %v, want %v", i, got[i], want[i])
		}
	}
	if n := len(MergeTopK(10, a, b)); n != 4 {
		t.Errorf("duplicates should collapse, got %d results", n)
	}
}

func TestMetrics(t *testing.T) {
	x := []float32{1, 0}
	y := []float32{0, 1}
	if s := MetricCosine.Similarity()(x, x); math.Abs(s-1) > 1e-9 {
		t.Errorf("cosine self similarity %v", s)
	}
	if s := MetricCosine.Similarity()(x, y); math.Abs(s) > 1e-9 {
		t.Errorf("cosine orthogonal %v", s)
	}
	if s := MetricL2.Similarity()(x, y); math.Abs(s+math.Sqrt2) > 1e-9 {
		t.Errorf("l2 similarity %v", s)
	}
	if c := MetricL2.Confidence(MetricL2.Similarity()(x, x)); c != 1 {
		t.Errorf("l2 confidence of identical vectors %v", c)
	}
	if c := MetricL2.Confidence(-3); math.Abs(c-0.25) > 1e-9 {
		t.Errorf("l2 confidence at distance 3 is %v, want 0.25", c)
	}
	if c := MetricCosine.Confidence(-0.5); c != 0 {
		t.Errorf("negative cosine confidence %v", c)
	}
	for _, name := range []string{"cosine", "l2", "inner_product"} {
		m, err := ParseMetric(name)
		if err != nil || m.String() != name {
			t.Errorf("metric %q round trip: %v %v", name, m, err)
		}
	}
	if err := ValidateVector([]float32{1, float32(math.NaN())}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("NaN vector accepted: %v", err)
	}
	if err := ValidateVector(nil); err == nil {
		t.Error("empty vector accepted")
	}
}

func TestPreview(t *testing.T) {
	c := &Concept{Content: "héllo world"}
	if got := c.Preview(5); got != "héllo…" {
		t.Errorf("preview %q", got)
	}
	if got := c.Preview(50); got != c.Content {
		t.Errorf("short content should be returned whole, got %q", got)
	}
}

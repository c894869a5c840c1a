package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Strength and decay bounds.
const (
	MinStrength      = 1.0
	MaxStrength      = 10.0
	AccessBoost      = 0.1
	DailyDecay       = 0.995
	HopDecay         = 0.9
	DefaultNamespace = "default"

	// IDLength is the number of hex characters in a concept id.
	IDLength = 32
)

// Concept is a stored knowledge node.
type Concept struct {
	ID           string            `cbor:"id" json:"id"`
	Content      string            `cbor:"content" json:"content"`
	Embedding    []float32         `cbor:"embedding,omitempty" json:"embedding,omitempty"`
	Strength     float64           `cbor:"strength" json:"strength"`
	Confidence   float64           `cbor:"confidence" json:"confidence"`
	CreatedAt    time.Time         `cbor:"created_at" json:"created_at"`
	LastAccessed time.Time         `cbor:"last_accessed" json:"last_accessed"`
	AccessCount  uint64            `cbor:"access_count" json:"access_count"`
	Namespace    string            `cbor:"namespace,omitempty" json:"namespace,omitempty"`
	Attributes   map[string]string `cbor:"attributes,omitempty" json:"attributes,omitempty"`
}

// ConceptID derives the id for a piece of content: the first 16 bytes of its SHA-256 in hex.
// Empty content gets a random id.
func ConceptID(content string) string {
	if content == "" {
		u := uuid.New()
		return hex.EncodeToString(u[:])
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}

// ValidateID checks that id has the fixed-width lowercase hex shape.
func ValidateID(id string) error {
	if len(id) != IDLength {
		return fmt.Errorf("%w: concept id %q must be %d hex characters", ErrInvalidArgument, id, IDLength)
	}
	for _, r := range id {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return fmt.Errorf("%w: concept id %q is not lowercase hex", ErrInvalidArgument, id)
		}
	}
	return nil
}

// ClampStrength bounds s to [MinStrength, MaxStrength].
func ClampStrength(s float64) float64 {
	if s < MinStrength {
		return MinStrength
	}
	if s > MaxStrength {
		return MaxStrength
	}
	return s
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Touch records an access: strength grows by AccessBoost and never exceeds MaxStrength.
func (c *Concept) Touch(now time.Time) {
	c.Strength = ClampStrength(c.Strength + AccessBoost)
	c.LastAccessed = now
	c.AccessCount++
}

// Decay applies a per-day decay factor for the elapsed time. Strength stays within bounds.
func (c *Concept) Decay(elapsed time.Duration, factor float64) {
	days := elapsed.Hours() / 24
	if days <= 0 {
		return
	}
	c.Strength = ClampStrength(c.Strength * math.Pow(factor, days))
}

// Preview returns at most n runes of the content, used by ListRecent.
func (c *Concept) Preview(n int) string {
	r := []rune(c.Content)
	if len(r) <= n {
		return c.Content
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}

// Clone returns a deep copy safe to hand outside a shard.
func (c *Concept) Clone() *Concept {
	if c == nil {
		return nil
	}
	out := *c
	out.Embedding = slices.Clone(c.Embedding)
	out.Attributes = maps.Clone(c.Attributes)
	return &out
}

// Tokenize lowercases s and splits it into letter/digit runs.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

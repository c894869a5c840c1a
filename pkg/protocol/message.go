package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liliang-cn/conceptdb/internal/encoding"
	"github.com/liliang-cn/conceptdb/pkg/core"
)

// ErrMalformed is returned for payloads that decode but do not hold exactly one variant.
var ErrMalformed = fmt.Errorf("%w: malformed message", core.ErrInvalidArgument)

// Envelope is the outer request frame. Body holds the CBOR encoding of a Request and is what
// the signature covers.
type Envelope struct {
	Timestamp int64               `cbor:"ts"`
	Signature []byte              `cbor:"sig,omitempty"`
	Token     string              `cbor:"token,omitempty"`
	Body      encoding.RawMessage `cbor:"body"`
}

// LearnOptions are the options of LearnConceptV2. Zero numeric fields take the server
// defaults.
type LearnOptions struct {
	GenerateEmbedding         bool    `cbor:"generate_embedding,omitempty"`
	EmbeddingModel            string  `cbor:"embedding_model,omitempty"`
	ExtractAssociations       bool    `cbor:"extract_associations,omitempty"`
	MinAssociationConfidence  float64 `cbor:"min_association_confidence,omitempty"`
	MaxAssociationsPerConcept int     `cbor:"max_associations_per_concept,omitempty"`
	Strength                  float64 `cbor:"strength,omitempty"`
	Confidence                float64 `cbor:"confidence,omitempty"`
}

type LearnConceptV2 struct {
	Content    string            `cbor:"content"`
	Embedding  []float32         `cbor:"embedding,omitempty"`
	Namespace  string            `cbor:"namespace,omitempty"`
	Attributes map[string]string `cbor:"attributes,omitempty"`
	Options    *LearnOptions     `cbor:"options,omitempty"`
}

type LearnConcept struct {
	Content   string    `cbor:"content"`
	Embedding []float32 `cbor:"embedding,omitempty"`
}

type CreateAssociation struct {
	Source     string  `cbor:"source"`
	Target     string  `cbor:"target"`
	AssocType  string  `cbor:"assoc_type"`
	Confidence float64 `cbor:"confidence"`
	Weight     float64 `cbor:"weight,omitempty"`
}

type GetConcept struct {
	ConceptID string `cbor:"concept_id"`
}

type TextSearch struct {
	Query string `cbor:"query"`
	Limit int    `cbor:"limit"`
}

type VectorSearch struct {
	Vector   []float32 `cbor:"vector"`
	Limit    int       `cbor:"limit"`
	EfSearch int       `cbor:"ef_search,omitempty"`
}

type GetNeighbors struct {
	ConceptID string `cbor:"concept_id"`
}

type DeleteConcept struct {
	ID string `cbor:"id"`
}

type ListRecent struct {
	Namespace string `cbor:"namespace,omitempty"`
	Limit     int    `cbor:"limit"`
}

type Flush struct{}

type GetStats struct {
	Namespace string `cbor:"namespace,omitempty"`
}

type Ping struct{}

// Request is a tagged union encoded as a CBOR map with a single key naming the variant.
type Request struct {
	LearnConceptV2    *LearnConceptV2    `cbor:"LearnConceptV2,omitempty"`
	LearnConcept      *LearnConcept      `cbor:"LearnConcept,omitempty"`
	CreateAssociation *CreateAssociation `cbor:"CreateAssociation,omitempty"`
	GetConcept        *GetConcept        `cbor:"GetConcept,omitempty"`
	TextSearch        *TextSearch        `cbor:"TextSearch,omitempty"`
	VectorSearch      *VectorSearch      `cbor:"VectorSearch,omitempty"`
	GetNeighbors      *GetNeighbors      `cbor:"GetNeighbors,omitempty"`
	DeleteConcept     *DeleteConcept     `cbor:"DeleteConcept,omitempty"`
	ListRecent        *ListRecent        `cbor:"ListRecent,omitempty"`
	Flush             *Flush             `cbor:"Flush,omitempty"`
	GetStats          *GetStats          `cbor:"GetStats,omitempty"`
	Ping              *Ping              `cbor:"Ping,omitempty"`
}

// Variant returns the name of the variant set on r, or an error unless exactly one is set.
func (r *Request) Variant() (string, error) {
	set := []struct {
		name string
		ok   bool
	}{
		{"LearnConceptV2", r.LearnConceptV2 != nil},
		{"LearnConcept", r.LearnConcept != nil},
		{"CreateAssociation", r.CreateAssociation != nil},
		{"GetConcept", r.GetConcept != nil},
		{"TextSearch", r.TextSearch != nil},
		{"VectorSearch", r.VectorSearch != nil},
		{"GetNeighbors", r.GetNeighbors != nil},
		{"DeleteConcept", r.DeleteConcept != nil},
		{"ListRecent", r.ListRecent != nil},
		{"Flush", r.Flush != nil},
		{"GetStats", r.GetStats != nil},
		{"Ping", r.Ping != nil},
	}
	return single(set)
}

func single(set []struct {
	name string
	ok   bool
}) (string, error) {
	name := ""
	for _, s := range set {
		if !s.ok {
			continue
		}
		if name != "" {
			return "", fmt.Errorf("%w: both %s and %s set", ErrMalformed, name, s.name)
		}
		name = s.name
	}
	if name == "" {
		return "", fmt.Errorf("%w: no known variant", ErrMalformed)
	}
	return name, nil
}

// Level is the privilege a request needs. Levels are ordered.
type Level uint8

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelDelete
)

func (l Level) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelDelete:
		return "delete"
	default:
		return "none"
	}
}

// ParseLevel parses "read", "write" or "delete".
func ParseLevel(s string) (Level, error) {
	switch s {
	case "read":
		return LevelRead, nil
	case "write":
		return LevelWrite, nil
	case "delete":
		return LevelDelete, nil
	}
	return LevelNone, fmt.Errorf("%w: level %q", core.ErrInvalidArgument, s)
}

// Level classifies the request for authorization.
func (r *Request) Level() Level {
	switch {
	case r.DeleteConcept != nil:
		return LevelDelete
	case r.LearnConceptV2 != nil, r.LearnConcept != nil, r.CreateAssociation != nil, r.Flush != nil:
		return LevelWrite
	default:
		return LevelRead
	}
}

type LearnConceptV2Ok struct {
	ConceptID string `cbor:"concept_id"`
}

type LearnConceptOk struct {
	ConceptID string `cbor:"concept_id"`
}

type CreateAssociationOk struct {
	TransactionID string `cbor:"transaction_id,omitempty"`
}

type ConceptOk struct {
	Concept *core.Concept `cbor:"concept"`
}

type SearchOk struct {
	Results []core.SearchResult `cbor:"results"`
}

// Neighbor is one row of NeighborsOk.
type Neighbor struct {
	ConceptID  string  `cbor:"concept_id" json:"concept_id"`
	Content    string  `cbor:"content" json:"content"`
	AssocType  string  `cbor:"assoc_type" json:"assoc_type"`
	Confidence float64 `cbor:"confidence" json:"confidence"`
	Weight     float64 `cbor:"weight" json:"weight"`
}

type NeighborsOk struct {
	Neighbors []Neighbor `cbor:"neighbors"`
}

type DeleteConceptOk struct{}

// RecentItem is one row of ListRecentOk.
type RecentItem struct {
	ID             string    `cbor:"id" json:"id"`
	ContentPreview string    `cbor:"content_preview" json:"content_preview"`
	CreatedAt      time.Time `cbor:"created_at" json:"created_at"`
}

type ListRecentOk struct {
	Items []RecentItem `cbor:"items"`
}

type FlushOk struct{}

type StatsOk struct {
	ConceptCount       int    `cbor:"concept_count" json:"concept_count"`
	EdgeCount          int    `cbor:"edge_count" json:"edge_count"`
	VectorCount        int    `cbor:"vector_count" json:"vector_count"`
	PendingWrites      uint64 `cbor:"pending_writes" json:"pending_writes"`
	ActiveTransactions int    `cbor:"active_transactions" json:"active_transactions"`
	ShardCount         int    `cbor:"shard_count" json:"shard_count"`
	UptimeSeconds      uint64 `cbor:"uptime_seconds" json:"uptime_seconds"`
}

type Pong struct{}

// Error carries a failure. Kind is the name of a core.Kind.
type Error struct {
	Kind    string `cbor:"kind"`
	Message string `cbor:"message"`
}

// Err converts e back into a core error of the same kind.
func (e *Error) Err() error {
	return &core.Error{Kind: core.ParseKind(e.Kind), Err: errors.New(strings.TrimPrefix(e.Message, "conceptdb: "))}
}

// ErrorFrom builds the Error response for err.
func ErrorFrom(err error) *Error {
	return &Error{Kind: core.KindOf(err).String(), Message: err.Error()}
}

// Response is a tagged union like Request.
type Response struct {
	LearnConceptV2Ok    *LearnConceptV2Ok    `cbor:"LearnConceptV2Ok,omitempty"`
	LearnConceptOk      *LearnConceptOk      `cbor:"LearnConceptOk,omitempty"`
	CreateAssociationOk *CreateAssociationOk `cbor:"CreateAssociationOk,omitempty"`
	ConceptOk           *ConceptOk           `cbor:"ConceptOk,omitempty"`
	SearchOk            *SearchOk            `cbor:"SearchOk,omitempty"`
	NeighborsOk         *NeighborsOk         `cbor:"NeighborsOk,omitempty"`
	DeleteConceptOk     *DeleteConceptOk     `cbor:"DeleteConceptOk,omitempty"`
	ListRecentOk        *ListRecentOk        `cbor:"ListRecentOk,omitempty"`
	FlushOk             *FlushOk             `cbor:"FlushOk,omitempty"`
	StatsOk             *StatsOk             `cbor:"StatsOk,omitempty"`
	Pong                *Pong                `cbor:"Pong,omitempty"`
	Error               *Error               `cbor:"Error,omitempty"`
}

// Variant returns the name of the variant set on r, or an error unless exactly one is set.
func (r *Response) Variant() (string, error) {
	set := []struct {
		name string
		ok   bool
	}{
		{"LearnConceptV2Ok", r.LearnConceptV2Ok != nil},
		{"LearnConceptOk", r.LearnConceptOk != nil},
		{"CreateAssociationOk", r.CreateAssociationOk != nil},
		{"ConceptOk", r.ConceptOk != nil},
		{"SearchOk", r.SearchOk != nil},
		{"NeighborsOk", r.NeighborsOk != nil},
		{"DeleteConceptOk", r.DeleteConceptOk != nil},
		{"ListRecentOk", r.ListRecentOk != nil},
		{"FlushOk", r.FlushOk != nil},
		{"StatsOk", r.StatsOk != nil},
		{"Pong", r.Pong != nil},
		{"Error", r.Error != nil},
	}
	return single(set)
}

// Fail builds an Error response.
func Fail(err error) *Response {
	return &Response{Error: ErrorFrom(err)}
}

// EncodeRequest encodes req as an envelope body.
func EncodeRequest(req *Request) ([]byte, error) {
	if _, err := req.Variant(); err != nil {
		return nil, err
	}
	return encoding.Marshal(req)
}

// DecodeRequest decodes an envelope body.
func DecodeRequest(body []byte) (*Request, error) {
	var req Request
	if err := encoding.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := req.Variant(); err != nil {
		return nil, err
	}
	return &req, nil
}

// EncodeEnvelope encodes env as a frame payload.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	return encoding.Marshal(env)
}

// DecodeEnvelope decodes a frame payload into an envelope.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := encoding.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.Body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	return &env, nil
}

// EncodeResponse encodes resp as a frame payload.
func EncodeResponse(resp *Response) ([]byte, error) {
	return encoding.Marshal(resp)
}

// DecodeResponse decodes a frame payload into a response.
func DecodeResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := encoding.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := resp.Variant(); err != nil {
		return nil, err
	}
	return &resp, nil
}

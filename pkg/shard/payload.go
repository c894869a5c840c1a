package shard

import (
	"github.com/liliang-cn/conceptdb/internal/encoding"
	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/wal"
)

// WAL payloads. Each is self-contained so that replay never needs prior state.

type deleteConceptPayload struct {
	ID string `cbor:"id"`
}

// edgePayload carries the edge written and, inside a transaction, the value it replaced
// so that compensation can restore it.
type edgePayload struct {
	Edge core.Association  `cbor:"edge"`
	Prev *core.Association `cbor:"prev,omitempty"`
}

type deleteEdgePayload struct {
	Source string               `cbor:"source"`
	Target string               `cbor:"target"`
	Type   core.AssociationType `cbor:"type"`
}

type inboundPayload struct {
	Ref     core.InboundRef `cbor:"ref"`
	Existed bool            `cbor:"existed,omitempty"`
}

func decode[T any](e wal.Entry) (T, error) {
	var v T
	err := encoding.Unmarshal(e.Payload, &v)
	return v, err
}

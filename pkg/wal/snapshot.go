package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/liliang-cn/conceptdb/internal/encoding"
	"github.com/liliang-cn/conceptdb/pkg/core"
)

// SnapshotVersion is the version written by WriteSnapshot.
const SnapshotVersion uint16 = 3

// Snapshot header: magic "CSNP" | version uint16 | body length uint32 | CRC32-C of body.
const snapshotHeaderSize = 14

var snapshotMagic = [4]byte{'C', 'S', 'N', 'P'}

// ErrCorruptSnapshot is returned when a snapshot fails validation.
var ErrCorruptSnapshot = errors.New("wal: corrupt snapshot")

// PendingTxn records a prepared transaction whose outcome was unknown when the snapshot was
// taken, together with the entries it had applied.
type PendingTxn struct {
	TxID    string  `cbor:"tx"`
	Entries []Entry `cbor:"entries"`
}

// Snapshot is the full in-memory image of a shard at sequence Seq.
type Snapshot struct {
	Seq          uint64             `cbor:"seq"`
	Shard        int                `cbor:"shard"`
	CreatedAt    time.Time          `cbor:"created_at"`
	Concepts     []core.Concept     `cbor:"concepts"`
	Associations []core.Association `cbor:"associations"`
	Inbound      []core.InboundRef  `cbor:"inbound,omitempty"`
	Pending      []PendingTxn       `cbor:"pending,omitempty"`

	// Version is the on-disk version the snapshot was read from.
	Version uint16 `cbor:"-"`
}

// Version 1: concepts carried only identity, content, embedding and strength; associations
// were untyped and unweighted.
type conceptV1 struct {
	ID        string    `cbor:"id"`
	Content   string    `cbor:"content"`
	Embedding []float32 `cbor:"embedding,omitempty"`
	Strength  float64   `cbor:"strength"`
	CreatedAt time.Time `cbor:"created_at"`
}

type associationV1 struct {
	Source     string  `cbor:"source"`
	Target     string  `cbor:"target"`
	Confidence float64 `cbor:"confidence"`
}

type snapshotV1 struct {
	Seq          uint64          `cbor:"seq"`
	Shard        int             `cbor:"shard"`
	CreatedAt    time.Time       `cbor:"created_at"`
	Concepts     []conceptV1     `cbor:"concepts"`
	Associations []associationV1 `cbor:"associations"`
}

// Version 2 added access tracking and typed, weighted associations.
type conceptV2 struct {
	ID           string    `cbor:"id"`
	Content      string    `cbor:"content"`
	Embedding    []float32 `cbor:"embedding,omitempty"`
	Strength     float64   `cbor:"strength"`
	CreatedAt    time.Time `cbor:"created_at"`
	LastAccessed time.Time `cbor:"last_accessed"`
	AccessCount  uint64    `cbor:"access_count"`
}

type associationV2 struct {
	Source     string               `cbor:"source"`
	Target     string               `cbor:"target"`
	Type       core.AssociationType `cbor:"type"`
	Confidence float64              `cbor:"confidence"`
	Weight     float64              `cbor:"weight"`
	LastUsed   time.Time            `cbor:"last_used"`
}

type snapshotV2 struct {
	Seq          uint64          `cbor:"seq"`
	Shard        int             `cbor:"shard"`
	CreatedAt    time.Time       `cbor:"created_at"`
	Concepts     []conceptV2     `cbor:"concepts"`
	Associations []associationV2 `cbor:"associations"`
}

func upgradeV1toV2(in *snapshotV1) *snapshotV2 {
	out := &snapshotV2{
		Seq:          in.Seq,
		Shard:        in.Shard,
		CreatedAt:    in.CreatedAt,
		Concepts:     make([]conceptV2, len(in.Concepts)),
		Associations: make([]associationV2, len(in.Associations)),
	}
	for i, c := range in.Concepts {
		out.Concepts[i] = conceptV2{
			ID:           c.ID,
			Content:      c.Content,
			Embedding:    c.Embedding,
			Strength:     c.Strength,
			CreatedAt:    c.CreatedAt,
			LastAccessed: c.CreatedAt,
		}
	}
	for i, a := range in.Associations {
		out.Associations[i] = associationV2{
			Source:     a.Source,
			Target:     a.Target,
			Type:       core.AssocSemantic,
			Confidence: a.Confidence,
			Weight:     core.DefaultEdgeWeight,
			LastUsed:   in.CreatedAt,
		}
	}
	return out
}

func upgradeV2toV3(in *snapshotV2) *Snapshot {
	out := &Snapshot{
		Seq:          in.Seq,
		Shard:        in.Shard,
		CreatedAt:    in.CreatedAt,
		Concepts:     make([]core.Concept, len(in.Concepts)),
		Associations: make([]core.Association, len(in.Associations)),
	}
	created := make(map[string]time.Time, len(in.Concepts))
	for i, c := range in.Concepts {
		out.Concepts[i] = core.Concept{
			ID:           c.ID,
			Content:      c.Content,
			Embedding:    c.Embedding,
			Strength:     core.ClampStrength(c.Strength),
			Confidence:   1.0,
			CreatedAt:    c.CreatedAt,
			LastAccessed: c.LastAccessed,
			AccessCount:  c.AccessCount,
			Namespace:    core.DefaultNamespace,
			Attributes:   map[string]string{},
		}
		created[c.ID] = c.CreatedAt
	}
	for i, a := range in.Associations {
		createdAt, ok := created[a.Source]
		if !ok {
			createdAt = a.LastUsed
		}
		out.Associations[i] = core.Association{
			Source:     a.Source,
			Target:     a.Target,
			Type:       a.Type,
			Confidence: a.Confidence,
			Weight:     a.Weight,
			CreatedAt:  createdAt,
			LastUsed:   a.LastUsed,
		}
	}
	return out
}

// WriteSnapshot writes s at the current version, atomically replacing path.
func WriteSnapshot(path string, s *Snapshot) error {
	return writeSnapshotFile(path, SnapshotVersion, s)
}

func writeSnapshotFile(path string, version uint16, body any) error {
	data, err := encoding.Marshal(body)
	if err != nil {
		return fmt.Errorf("wal: encode snapshot: %w", err)
	}

	header := make([]byte, snapshotHeaderSize)
	copy(header[0:4], snapshotMagic[:])
	binary.BigEndian.PutUint16(header[4:6], version)
	binary.BigEndian.PutUint32(header[6:10], uint32(len(data)))
	binary.BigEndian.PutUint32(header[10:14], checksum(data))

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("wal: create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("wal: create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(header); err != nil {
		cleanup()
		return fmt.Errorf("wal: write snapshot header: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("wal: write snapshot body: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("wal: sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: rename snapshot: %w", err)
	}
	return syncDir(dir)
}

// ReadSnapshot loads the snapshot at path, upgrading older versions to the current one.
// A missing file yields an error matching os.ErrNotExist.
func ReadSnapshot(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < snapshotHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptSnapshot, len(raw))
	}
	if [4]byte(raw[0:4]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptSnapshot)
	}
	version := binary.BigEndian.Uint16(raw[4:6])
	length := binary.BigEndian.Uint32(raw[6:10])
	body := raw[snapshotHeaderSize:]
	if int(length) != len(body) {
		return nil, fmt.Errorf("%w: body length %d, header says %d", ErrCorruptSnapshot, len(body), length)
	}
	if checksum(body) != binary.BigEndian.Uint32(raw[10:14]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	snap, err := decodeSnapshot(version, body)
	if err != nil {
		return nil, err
	}
	snap.Version = version
	return snap, nil
}

func decodeSnapshot(version uint16, body []byte) (*Snapshot, error) {
	switch version {
	case 1:
		var v1 snapshotV1
		if err := encoding.Unmarshal(body, &v1); err != nil {
			return nil, fmt.Errorf("%w: decode v1: %v", ErrCorruptSnapshot, err)
		}
		return upgradeV2toV3(upgradeV1toV2(&v1)), nil
	case 2:
		var v2 snapshotV2
		if err := encoding.Unmarshal(body, &v2); err != nil {
			return nil, fmt.Errorf("%w: decode v2: %v", ErrCorruptSnapshot, err)
		}
		return upgradeV2toV3(&v2), nil
	case 3:
		var s Snapshot
		if err := encoding.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("%w: decode v3: %v", ErrCorruptSnapshot, err)
		}
		for i := range s.Concepts {
			if s.Concepts[i].Namespace == "" {
				s.Concepts[i].Namespace = core.DefaultNamespace
			}
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("%w: unsupported version %d (max %d)", ErrCorruptSnapshot, version, SnapshotVersion)
	}
}

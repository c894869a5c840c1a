// Package export writes an engine's graph to a standalone SQLite database.
package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/liliang-cn/conceptdb/internal/encoding"
	"github.com/liliang-cn/conceptdb/pkg/core"
)

// Source is what an export reads from. *engine.Engine implements it.
type Source interface {
	ForEachConcept(fn func(*core.Concept) bool) error
	ForEachAssociation(fn func(core.Association) bool) error
}

// Options tune an export.
type Options struct {
	// Overwrite replaces an existing file at the destination.
	Overwrite bool
	// SkipEmbeddings leaves the embedding column NULL.
	SkipEmbeddings bool
	Logger         core.Logger
}

// Result counts what was written.
type Result struct {
	Concepts     int
	Associations int
	Took         time.Duration
}

const schema = `
CREATE TABLE meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE concepts (
	id            TEXT PRIMARY KEY,
	content       TEXT NOT NULL,
	namespace     TEXT NOT NULL,
	strength      REAL NOT NULL,
	confidence    REAL NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	last_accessed TIMESTAMP NOT NULL,
	access_count  INTEGER NOT NULL,
	embedding     BLOB,
	attributes    TEXT
);
CREATE INDEX idx_concepts_namespace ON concepts(namespace);
CREATE TABLE associations (
	source     TEXT NOT NULL,
	target     TEXT NOT NULL,
	type       TEXT NOT NULL,
	confidence REAL NOT NULL,
	weight     REAL NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_used  TIMESTAMP NOT NULL,
	PRIMARY KEY (source, target, type)
);
CREATE INDEX idx_associations_target ON associations(target);
`

// ToSQLite writes every concept and association of src to a new SQLite file at path.
func ToSQLite(ctx context.Context, src Source, path string, opts Options) (*Result, error) {
	start := time.Now()
	logger := opts.Logger
	if logger == nil {
		logger = core.NopLogger()
	}

	if _, err := os.Stat(path); err == nil {
		if !opts.Overwrite {
			return nil, fmt.Errorf("%w: %s already exists", core.ErrInvalidArgument, path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove existing export: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(OFF)&_pragma=synchronous(OFF)")
	if err != nil {
		return nil, fmt.Errorf("open export database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create export schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res := &Result{}
	if err := writeConcepts(ctx, tx, src, opts, res); err != nil {
		return nil, err
	}
	if err := writeAssociations(ctx, tx, src, res); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('exported_at', ?), ('concepts', ?), ('associations', ?)`,
		time.Now().UTC().Format(time.RFC3339), res.Concepts, res.Associations); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit export: %w", err)
	}

	res.Took = time.Since(start)
	logger.Info("export finished", "path", path, "concepts", res.Concepts, "associations", res.Associations, "took", core.Since(start))
	return res, nil
}

func writeConcepts(ctx context.Context, tx *sql.Tx, src Source, opts Options, res *Result) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO concepts
		(id, content, namespace, strength, confidence, created_at, last_accessed, access_count, embedding, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	var werr error
	err = src.ForEachConcept(func(c *core.Concept) bool {
		if werr = ctx.Err(); werr != nil {
			return false
		}
		var blob []byte
		if len(c.Embedding) > 0 && !opts.SkipEmbeddings {
			if blob, werr = encoding.EncodeVector(c.Embedding); werr != nil {
				return false
			}
		}
		var attrs []byte
		if len(c.Attributes) > 0 {
			if attrs, werr = json.Marshal(c.Attributes); werr != nil {
				return false
			}
		}
		_, werr = stmt.ExecContext(ctx, c.ID, c.Content, c.Namespace, c.Strength, c.Confidence,
			c.CreatedAt.UTC(), c.LastAccessed.UTC(), int64(c.AccessCount), blob, nullable(attrs))
		if werr != nil {
			werr = fmt.Errorf("insert concept %s: %w", c.ID, werr)
			return false
		}
		res.Concepts++
		return true
	})
	return errors.Join(err, werr)
}

func writeAssociations(ctx context.Context, tx *sql.Tx, src Source, res *Result) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO associations
		(source, target, type, confidence, weight, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	var werr error
	err = src.ForEachAssociation(func(a core.Association) bool {
		if werr = ctx.Err(); werr != nil {
			return false
		}
		_, werr = stmt.ExecContext(ctx, a.Source, a.Target, a.Type.String(), a.Confidence, a.Weight,
			a.CreatedAt.UTC(), a.LastUsed.UTC())
		if werr != nil {
			werr = fmt.Errorf("insert association %s->%s: %w", a.Source, a.Target, werr)
			return false
		}
		res.Associations++
		return true
	})
	return errors.Join(err, werr)
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

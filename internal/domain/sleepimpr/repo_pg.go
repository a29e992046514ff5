package sleepimpr

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/sleepetl/internal/platform/db"
)

type sinkPG struct {
	pool *pgxpool.Pool
	q    querier
}

func NewSink(pool *pgxpool.Pool) Sink {
	return &sinkPG{pool: pool}
}

func newSinkWithQuerier(q querier) *sinkPG {
	return &sinkPG{q: q}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func (s *sinkPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if s.q != nil {
		return s.q
	}
	return s.pool
}

func (s *sinkPG) Upsert(ctx context.Context, table string, rec Record, conflictKey ...string) error {
	sql, err := buildUpsert(table, rec.Columns(), conflictKey)
	if err != nil {
		return err
	}
	if _, err := s.conn(ctx).Exec(ctx, sql, rec.Values()...); err != nil {
		return fmt.Errorf("upsert %s %s: %w", table, rec.NaturalKey(), err)
	}
	return nil
}

func (s *sinkPG) Insert(ctx context.Context, table string, rec Record) error {
	sql, err := buildInsert(table, rec.Columns())
	if err != nil {
		return err
	}
	if _, err := s.conn(ctx).Exec(ctx, sql, rec.Values()...); err != nil {
		return fmt.Errorf("insert %s %s: %w", table, rec.NaturalKey(), err)
	}
	return nil
}

func (s *sinkPG) InsertOnce(ctx context.Context, table string, rec Record, conflictKey ...string) (bool, error) {
	if len(conflictKey) == 0 {
		return false, fmt.Errorf("insert once into %s: conflict key is required", table)
	}
	sql, err := buildInsert(table, rec.Columns())
	if err != nil {
		return false, err
	}
	target, err := quoteList(conflictKey)
	if err != nil {
		return false, err
	}
	sql += " ON CONFLICT (" + target + ") DO NOTHING"
	tag, err := s.conn(ctx).Exec(ctx, sql, rec.Values()...)
	if err != nil {
		return false, fmt.Errorf("insert %s %s: %w", table, rec.NaturalKey(), err)
	}
	return tag.RowsAffected() == 1, nil
}

func quoteIdent(name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

func quoteList(names []string) (string, error) {
	quoted := make([]string, len(names))
	for i, n := range names {
		q, err := quoteIdent(n)
		if err != nil {
			return "", err
		}
		quoted[i] = q
	}
	return strings.Join(quoted, ", "), nil
}

func buildInsert(table string, cols []string) (string, error) {
	if len(cols) == 0 {
		return "", fmt.Errorf("insert into %s: no columns", table)
	}
	t, err := quoteIdent(table)
	if err != nil {
		return "", err
	}
	colList, err := quoteList(cols)
	if err != nil {
		return "", err
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	return "INSERT INTO " + t + " (" + colList + ") VALUES (" + strings.Join(placeholders, ", ") + ")", nil
}

// buildUpsert merges every non-key column and bumps updated_at. Key columns
// must be among cols.
func buildUpsert(table string, cols, conflictKey []string) (string, error) {
	if len(conflictKey) == 0 {
		return "", fmt.Errorf("upsert into %s: conflict key is required", table)
	}
	sql, err := buildInsert(table, cols)
	if err != nil {
		return "", err
	}
	isKey := make(map[string]bool, len(conflictKey))
	for _, k := range conflictKey {
		isKey[k] = true
	}
	found := 0
	var sets []string
	for _, c := range cols {
		if isKey[c] {
			found++
			continue
		}
		q, _ := quoteIdent(c)
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	if found != len(isKey) {
		return "", fmt.Errorf("upsert into %s: conflict key %v not among columns", table, conflictKey)
	}
	target, err := quoteList(conflictKey)
	if err != nil {
		return "", err
	}
	sets = append(sets, `"updated_at" = NOW()`)
	return sql + " ON CONFLICT (" + target + ") DO UPDATE SET " + strings.Join(sets, ", "), nil
}

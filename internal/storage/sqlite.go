package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cbalert/internal/alert"
	logx "cbalert/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const selectColumns = `_id, serial_number, plmn, lac, cid, format, service_category, language, body,
	priority, message_class, severity, urgency, certainty, subscription, date, read`

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	unread UnreadCounter
	dedup  bool

	// wmu serializes check-then-insert and the other writers. The pool is
	// already capped at one connection, but the transaction must not interleave
	// with another goroutine's check.
	wmu sync.Mutex

	stats counters
}

func openSQLite(cfg Config, log logx.Logger, unread UnreadCounter) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, unread: unread, dedup: cfg.DupDetection}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// dedupWhere builds the cascading match predicate for id.
func dedupWhere(id alert.Identity) (string, []any) {
	where := "serial_number = ?"
	args := []any{id.Serial}
	lvl := id.Level()
	if lvl >= alert.MatchSerialPLMN {
		where += " AND plmn = ?"
		args = append(args, id.PLMN)
	}
	if lvl >= alert.MatchSerialPLMNLAC {
		where += " AND lac = ?"
		args = append(args, id.LAC)
	}
	if lvl >= alert.MatchSerialPLMNLACCID {
		where += " AND cid = ?"
		args = append(args, id.CID)
	}
	return where, args
}

func (s *sqliteStore) Insert(ctx context.Context, rec alert.Record) bool {
	rec.Normalize()

	s.wmu.Lock()
	defer s.wmu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.stats.accepted()
		s.stats.persistFailed("insert")
		s.log.Error("failed to insert new broadcast", logx.Err(err), logx.Int("serial", rec.SerialNumber))
		return true
	}
	defer func() { _ = tx.Rollback() }()

	if s.dedup {
		where, args := dedupWhere(rec.Identity())
		var found int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM broadcasts WHERE "+where, args...).Scan(&found)
		switch {
		case err != nil:
			// A failed check never blocks the write.
			s.log.Error("duplicate check failed", logx.Err(err), logx.Int("serial", rec.SerialNumber))
		case found > 0:
			s.stats.duplicate()
			s.log.Debug("ignoring duplicate broadcast",
				logx.Int("serial", rec.SerialNumber),
				logx.String("match", rec.Identity().Level().String()),
				logx.Int("found", found))
			return false
		}
	}

	s.stats.accepted()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO broadcasts(serial_number, plmn, lac, cid, format, service_category, language, body,
			priority, message_class, severity, urgency, certainty, subscription, date, read)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,0)`,
		rec.SerialNumber, nullStr(rec.PLMN), nullStr(rec.LAC), nullStr(rec.CID), string(rec.Format),
		rec.ServiceCategory, nullStr(rec.Language), rec.Body, rec.Priority, rec.MessageClass,
		rec.Severity, rec.Urgency, rec.Certainty, rec.Subscription, rec.DeliveryTime.UnixMilli(),
	)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		s.stats.persistFailed("insert")
		s.log.Error("failed to insert new broadcast", logx.Err(err), logx.Int("serial", rec.SerialNumber))
	}
	return true
}

func (s *sqliteStore) Delete(ctx context.Context, id int64, decrementUnread bool) bool {
	s.wmu.Lock()
	n, err := s.exec(ctx, `DELETE FROM broadcasts WHERE _id = ?`, id)
	s.wmu.Unlock()
	if err != nil {
		s.stats.persistFailed("delete")
		s.log.Error("failed to delete broadcast", logx.Err(err), logx.Int64("id", id))
		return false
	}
	if n == 0 {
		s.log.Warn("no broadcast to delete", logx.Int64("id", id))
		return false
	}
	s.stats.deleted.Add(uint64(n))
	if decrementUnread {
		s.unread.Decrement()
	}
	return true
}

func (s *sqliteStore) DeleteAll(ctx context.Context) bool {
	s.wmu.Lock()
	n, err := s.exec(ctx, `DELETE FROM broadcasts`)
	s.wmu.Unlock()
	if err != nil {
		s.stats.persistFailed("delete_all")
		s.log.Error("failed to delete all broadcasts", logx.Err(err))
		return false
	}
	if n == 0 {
		s.log.Warn("no broadcasts to delete")
		return false
	}
	s.stats.deleted.Add(uint64(n))
	s.unread.Reset()
	return true
}

func (s *sqliteStore) MarkRead(ctx context.Context, sel Selector, value int64) bool {
	if !sel.valid() {
		s.log.Error("failed to mark broadcast read", logx.Err(ErrUnknownSelector), logx.String("selector", string(sel)))
		return false
	}
	s.wmu.Lock()
	// sel is one of two known column names, never caller text.
	n, err := s.exec(ctx, `UPDATE broadcasts SET read = 1 WHERE `+string(sel)+` = ?`, value)
	s.wmu.Unlock()
	if err != nil {
		s.stats.persistFailed("mark_read")
		s.log.Error("failed to mark broadcast read", logx.Err(err), logx.String("selector", string(sel)), logx.Int64("value", value))
		return false
	}
	if n == 0 {
		s.log.Warn("no broadcast to mark read", logx.String("selector", string(sel)), logx.Int64("value", value))
		return false
	}
	s.stats.markedRead.Add(uint64(n))
	return true
}

func (s *sqliteStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) Query(ctx context.Context, q Query) ([]alert.Record, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString("SELECT " + selectColumns + " FROM broadcasts")
	if q.ID > 0 {
		b.WriteString(" WHERE _id = ?")
		args = append(args, q.ID)
	}
	if q.Order == OrderOldestFirst {
		b.WriteString(" ORDER BY date ASC, _id ASC")
	} else {
		b.WriteString(" ORDER BY date DESC, _id DESC")
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alert.Record
	for rows.Next() {
		var (
			r                   alert.Record
			plmn, lac, cid, lng sql.NullString
			format              string
			date                int64
			read                int
		)
		if err := rows.Scan(&r.ID, &r.SerialNumber, &plmn, &lac, &cid, &format, &r.ServiceCategory, &lng, &r.Body,
			&r.Priority, &r.MessageClass, &r.Severity, &r.Urgency, &r.Certainty, &r.Subscription, &date, &read); err != nil {
			return nil, err
		}
		r.PLMN, r.LAC, r.CID, r.Language = plmn.String, lac.String, cid.String, lng.String
		r.Format = alert.MessageFormat(format)
		r.DeliveryTime = time.UnixMilli(date)
		r.Read = read != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Stats() Stats { return s.stats.snapshot() }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

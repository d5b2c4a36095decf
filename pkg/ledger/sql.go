package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/covenant/pkg/codec"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

// Dialect selects placeholder style and column types.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store and RequestJournal using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides clock for testing.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

func (s *SQLStore) schema() []string {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS subjects (
	subject_id TEXT PRIMARY KEY,
	governance_id TEXT NOT NULL,
	schema_id TEXT NOT NULL,
	namespace TEXT NOT NULL,
	owner TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	head_hash TEXT NOT NULL,
	governance_version BIGINT NOT NULL,
	state TEXT NOT NULL
)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS entries (
	subject_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	body %s NOT NULL,
	PRIMARY KEY (subject_id, sequence)
)`, blob),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS requests (
	request_id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	recorded_at BIGINT NOT NULL,
	body %s NOT NULL
)`, blob),
	}
}

// Init creates the tables if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Append(ctx context.Context, e *contracts.LedgerEntry) (err error) {
	body, err := codec.Marshal(e)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	id := e.SubjectID()
	if e.Sequence() == 0 {
		subject, serr := contracts.NextSubject(nil, e)
		if serr != nil {
			return serr
		}
		res, xerr := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO subjects (subject_id, governance_id, schema_id, namespace, owner, sequence, head_hash, governance_version, state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (subject_id) DO NOTHING`),
			subject.ID, subject.GovernanceID, subject.SchemaID, subject.Namespace, subject.Owner,
			int64(subject.Sequence), subject.HeadHash, int64(subject.GovernanceVersion), string(subject.State),
		)
		if xerr != nil {
			return fmt.Errorf("insert subject: %w", xerr)
		}
		if err = expectOneRow(res, fmt.Errorf("%w: subject %s already exists", ErrConflict, id)); err != nil {
			return err
		}
	} else {
		var headSeq uint64
		var headHash string
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT sequence, head_hash FROM subjects WHERE subject_id = ?`), id)
		if serr := row.Scan(&headSeq, &headHash); serr != nil {
			if errors.Is(serr, sql.ErrNoRows) {
				return fmt.Errorf("%w: subject %s has no head", ErrConflict, id)
			}
			return fmt.Errorf("read head: %w", serr)
		}
		if headSeq+1 != e.Sequence() {
			return fmt.Errorf("%w: head of %s is %d, entry is %d", ErrConflict, id, headSeq, e.Sequence())
		}
		if headHash != e.PrevHash() {
			return fmt.Errorf("%w: subject %s at %d", ErrInvalidChain, id, e.Sequence())
		}
		res, xerr := tx.ExecContext(ctx, s.rebind(`
			UPDATE subjects SET sequence = ?, head_hash = ?, governance_version = ?, state = ?
			WHERE subject_id = ? AND sequence = ? AND head_hash = ?`),
			int64(e.Sequence()), e.Hash, int64(e.Proposal.GovernanceVersion), string(e.State),
			id, int64(headSeq), headHash,
		)
		if xerr != nil {
			return fmt.Errorf("update head: %w", xerr)
		}
		if err = expectOneRow(res, fmt.Errorf("%w: head of %s moved", ErrConflict, id)); err != nil {
			return err
		}
	}

	if _, xerr := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO entries (subject_id, sequence, hash, prev_hash, body) VALUES (?, ?, ?, ?, ?)`),
		id, int64(e.Sequence()), e.Hash, e.PrevHash(), body,
	); xerr != nil {
		return fmt.Errorf("insert entry: %w", xerr)
	}

	if cerr := tx.Commit(); cerr != nil {
		return fmt.Errorf("commit append: %w", cerr)
	}
	return nil
}

func expectOneRow(res sql.Result, conflict error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return conflict
	}
	return nil
}

func (s *SQLStore) Head(ctx context.Context, subjectID string) (Head, error) {
	var h Head
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT sequence, head_hash FROM subjects WHERE subject_id = ?`), subjectID)
	if err := row.Scan(&h.Sequence, &h.Hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Head{}, fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
		}
		return Head{}, err
	}
	return h, nil
}

const subjectColumns = `subject_id, governance_id, schema_id, namespace, owner, sequence, head_hash, governance_version, state`

func scanSubject(row interface{ Scan(...any) error }) (*contracts.Subject, error) {
	var subj contracts.Subject
	var state string
	if err := row.Scan(&subj.ID, &subj.GovernanceID, &subj.SchemaID, &subj.Namespace, &subj.Owner,
		&subj.Sequence, &subj.HeadHash, &subj.GovernanceVersion, &state); err != nil {
		return nil, err
	}
	subj.State = []byte(state)
	return &subj, nil
}

func (s *SQLStore) Subject(ctx context.Context, subjectID string) (*contracts.Subject, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+subjectColumns+` FROM subjects WHERE subject_id = ?`), subjectID)
	subj, err := scanSubject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
		}
		return nil, err
	}
	return subj, nil
}

func (s *SQLStore) Subjects(ctx context.Context) ([]*contracts.Subject, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subjectColumns+` FROM subjects ORDER BY subject_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.Subject, 0)
	for rows.Next() {
		subj, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, subj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) Entry(ctx context.Context, subjectID string, seq uint64) (*contracts.LedgerEntry, error) {
	var body []byte
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT body FROM entries WHERE subject_id = ? AND sequence = ?`), subjectID, int64(seq))
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entry %s/%d: %w", subjectID, seq, ErrNotFound)
		}
		return nil, err
	}
	var e contracts.LedgerEntry
	if err := codec.Unmarshal(body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLStore) Entries(ctx context.Context, subjectID string, from, to uint64) ([]*contracts.LedgerEntry, error) {
	if _, err := s.Head(ctx, subjectID); err != nil {
		return nil, err
	}
	// Clip so the upper bound fits a signed BIGINT.
	if to > 1<<62 {
		to = 1 << 62
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT body FROM entries WHERE subject_id = ? AND sequence >= ? AND sequence <= ? ORDER BY sequence`),
		subjectID, int64(from), int64(to))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.LedgerEntry, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e contracts.LedgerEntry
		if err := codec.Unmarshal(body, &e); err != nil {
			return nil, err
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) Record(ctx context.Context, requestID string, req *contracts.EventRequest) error {
	body, err := codec.Marshal(req)
	if err != nil {
		return err
	}
	subjectID, err := req.TargetSubject()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO requests (request_id, subject_id, recorded_at, body) VALUES (?, ?, ?, ?)
		ON CONFLICT (request_id) DO NOTHING`),
		requestID, subjectID, s.clock().UnixNano(), body)
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

func (s *SQLStore) Remove(ctx context.Context, requestID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM requests WHERE request_id = ?`), requestID); err != nil {
		return fmt.Errorf("remove request: %w", err)
	}
	return nil
}

func (s *SQLStore) Pending(ctx context.Context) ([]PendingRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT request_id, recorded_at, body FROM requests ORDER BY recorded_at, request_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]PendingRequest, 0)
	for rows.Next() {
		var p PendingRequest
		var recorded int64
		var body []byte
		if err := rows.Scan(&p.RequestID, &recorded, &body); err != nil {
			return nil, err
		}
		if err := codec.Unmarshal(body, &p.Request); err != nil {
			return nil, err
		}
		p.RecordedAt = time.Unix(0, recorded)
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

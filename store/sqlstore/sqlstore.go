/*
Package sqlstore implements allocation.Store over database/sql for SQLite
and PostgreSQL.

PURPOSE:
  One implementation, two dialects. The SQL is written once with "?"
  placeholders and rebound for PostgreSQL. Drivers are registered by the
  opener packages (store/sqlite, store/postgres), not here.

KEY TABLES:
  requesters:    strike counter and ban window
  donors:        donation dates
  stock_entries: one row per blood group, units >= 0 enforced by CHECK
  requests:      Main and child requests in one table, discriminated by kind

ATOMICITY:
  - AdjustStock is one conditional UPDATE ... RETURNING; it never reads
    then writes from Go.
  - Read-modify-write methods run in a transaction. On PostgreSQL the row
    is taken with SELECT ... FOR UPDATE; on SQLite every write is
    serialised by the store mutex over a single connection.
  - InsertChild locks the parent row, so child creation and aggregation on
    one family serialise. Donor exclusivity is backed by a partial unique
    index, so two families racing for one donor cannot both commit.

TIME:
  Timestamps are stored as fixed-width UTC text, which sorts
  lexicographically in both dialects.

SEE ALSO:
  - allocation/store.go: the contract
  - allocation/storetest: the behavioural suite run against both dialects
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/warp/bloodbank/allocation"
	"github.com/warp/bloodbank/blood"
)

// Dialect captures the differences between the supported databases.
type Dialect struct {
	Name string
	// Numbered rewrites "?" placeholders as $1, $2, ...
	Numbered bool
	// LockClause is appended to row reads inside read-modify-write transactions.
	LockClause string
	// Serialize guards every call with the store mutex.
	Serialize bool
}

var (
	SQLite   = Dialect{Name: "sqlite", Serialize: true}
	Postgres = Dialect{Name: "postgres", Numbered: true, LockClause: " FOR UPDATE"}
)

// Store implements allocation.Store and allocation.Directory.
type Store struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
}

var (
	_ allocation.Store     = (*Store)(nil)
	_ allocation.Directory = (*Store)(nil)
)

// New wraps an open database and migrates the schema.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping checks the connection. Used by health checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Dialect() Dialect { return s.dialect }

// =============================================================================
// SCHEMA
// =============================================================================

var schema = []string{
	`CREATE TABLE IF NOT EXISTS requesters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		cancel_count INTEGER NOT NULL DEFAULT 0 CHECK (cancel_count >= 0),
		banned_until TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS donors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		blood_group TEXT NOT NULL,
		city TEXT NOT NULL DEFAULT '',
		last_donation_date TEXT,
		next_eligible_date TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_donors_blood_group ON donors(blood_group)`,

	`CREATE TABLE IF NOT EXISTS stock_entries (
		id TEXT PRIMARY KEY,
		blood_group TEXT NOT NULL UNIQUE,
		units INTEGER NOT NULL CHECK (units >= 0),
		last_updated TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		seq BIGINT NOT NULL,
		kind TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		donor_id TEXT,
		stock_entry_id TEXT,
		parent_id TEXT,
		blood_group TEXT NOT NULL,
		units INTEGER NOT NULL CHECK (units >= 1),
		city TEXT NOT NULL DEFAULT '',
		hospital TEXT NOT NULL DEFAULT '',
		patient_ref TEXT NOT NULL DEFAULT '',
		contact TEXT NOT NULL DEFAULT '',
		required_date TEXT NOT NULL,
		arrival_date TEXT,
		status TEXT NOT NULL,
		transit_state TEXT NOT NULL DEFAULT '',
		donor_contact_json TEXT,
		requester_contact_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_requester ON requests(requester_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_parent ON requests(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status)`,

	// At most one outstanding donor request per donor
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_donor_outstanding
		ON requests(donor_id)
		WHERE kind = 'donor' AND status IN ('pending', 'accepted')`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// REQUESTERS
// =============================================================================

func (s *Store) GetRequester(ctx context.Context, id allocation.RequesterID) (*allocation.Requester, error) {
	defer s.rlock()()
	return s.getRequester(ctx, s.db, id, false)
}

func (s *Store) UpdateRequester(ctx context.Context, id allocation.RequesterID, fn func(*allocation.Requester) error) (*allocation.Requester, error) {
	var out *allocation.Requester
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.getRequester(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE requesters SET name = ?, phone = ?, city = ?, cancel_count = ?, banned_until = ?
			WHERE id = ?`),
			r.Name, r.Phone, r.City, r.CancelCount, nullTime(r.BannedUntil), string(id))
		if err != nil {
			return fmt.Errorf("update requester: %w", err)
		}
		out = r
		return nil
	})
	return out, err
}

func (s *Store) SaveRequester(ctx context.Context, r allocation.Requester) error {
	if r.ID == "" {
		return fmt.Errorf("%w: requester id required", allocation.ErrValidation)
	}
	defer s.lock()()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO requesters (id, name, phone, city, cancel_count, banned_until)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			city = excluded.city,
			cancel_count = excluded.cancel_count,
			banned_until = excluded.banned_until`),
		string(r.ID), r.Name, r.Phone, r.City, r.CancelCount, nullTime(r.BannedUntil))
	return err
}

func (s *Store) getRequester(ctx context.Context, q querier, id allocation.RequesterID, forUpdate bool) (*allocation.Requester, error) {
	var (
		r      allocation.Requester
		banned sql.NullString
	)
	err := q.QueryRowContext(ctx, s.q(`
		SELECT id, name, phone, city, cancel_count, banned_until
		FROM requesters WHERE id = ?`+s.lockClause(forUpdate)), string(id)).
		Scan(&r.ID, &r.Name, &r.Phone, &r.City, &r.CancelCount, &banned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, allocation.NotFound("requester", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get requester: %w", err)
	}
	if r.BannedUntil, err = parseNullTime(banned); err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// DONORS
// =============================================================================

const donorColumns = `id, name, phone, blood_group, city, last_donation_date, next_eligible_date`

func (s *Store) GetDonor(ctx context.Context, id allocation.DonorID) (*allocation.Donor, error) {
	defer s.rlock()()
	return s.getDonor(ctx, s.db, id, false)
}

func (s *Store) ListDonors(ctx context.Context, groups []blood.Group) ([]allocation.Donor, error) {
	result := make([]allocation.Donor, 0)
	if len(groups) == 0 {
		return result, nil
	}
	defer s.rlock()()

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+donorColumns+` FROM donors
		WHERE blood_group IN (`+placeholders(len(groups))+`)
		ORDER BY id`), groupArgs(groups)...)
	if err != nil {
		return nil, fmt.Errorf("list donors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDonor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

func (s *Store) UpdateDonor(ctx context.Context, id allocation.DonorID, fn func(*allocation.Donor) error) (*allocation.Donor, error) {
	var out *allocation.Donor
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := s.getDonor(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE donors SET name = ?, phone = ?, blood_group = ?, city = ?,
				last_donation_date = ?, next_eligible_date = ?
			WHERE id = ?`),
			d.Name, d.Phone, string(d.BloodGroup), d.City,
			nullTime(d.LastDonationDate), nullTime(d.NextEligibleDate), string(id))
		if err != nil {
			return fmt.Errorf("update donor: %w", err)
		}
		out = d
		return nil
	})
	return out, err
}

func (s *Store) SaveDonor(ctx context.Context, d allocation.Donor) error {
	if d.ID == "" {
		return fmt.Errorf("%w: donor id required", allocation.ErrValidation)
	}
	if !d.BloodGroup.Valid() {
		return fmt.Errorf("%w: donor %s has unknown blood group %q", allocation.ErrValidation, d.ID, d.BloodGroup)
	}
	defer s.lock()()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO donors (`+donorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			blood_group = excluded.blood_group,
			city = excluded.city,
			last_donation_date = excluded.last_donation_date,
			next_eligible_date = excluded.next_eligible_date`),
		string(d.ID), d.Name, d.Phone, string(d.BloodGroup), d.City,
		nullTime(d.LastDonationDate), nullTime(d.NextEligibleDate))
	return err
}

func (s *Store) getDonor(ctx context.Context, q querier, id allocation.DonorID, forUpdate bool) (*allocation.Donor, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+donorColumns+` FROM donors WHERE id = ?`+s.lockClause(forUpdate)), string(id))
	d, err := scanDonor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, allocation.NotFound("donor", id)
	}
	return d, err
}

func scanDonor(row scanner) (*allocation.Donor, error) {
	var (
		d          allocation.Donor
		group      string
		last, next sql.NullString
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Phone, &group, &d.City, &last, &next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan donor: %w", err)
	}
	d.BloodGroup = blood.Group(group)
	var err error
	if d.LastDonationDate, err = parseNullTime(last); err != nil {
		return nil, err
	}
	if d.NextEligibleDate, err = parseNullTime(next); err != nil {
		return nil, err
	}
	return &d, nil
}

// =============================================================================
// STOCK
// =============================================================================

const stockColumns = `id, blood_group, units, last_updated`

func (s *Store) GetStockEntry(ctx context.Context, id allocation.StockEntryID) (*allocation.StockEntry, error) {
	defer s.rlock()()
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+stockColumns+` FROM stock_entries WHERE id = ?`), string(id))
	e, err := scanStock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, allocation.NotFound("stock entry", id)
	}
	return e, err
}

// ListStock returns entries in the order of groups.
func (s *Store) ListStock(ctx context.Context, groups []blood.Group) ([]allocation.StockEntry, error) {
	result := make([]allocation.StockEntry, 0, len(groups))
	if len(groups) == 0 {
		return result, nil
	}
	defer s.rlock()()

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+stockColumns+` FROM stock_entries
		WHERE blood_group IN (`+placeholders(len(groups))+`)`), groupArgs(groups)...)
	if err != nil {
		return nil, fmt.Errorf("list stock: %w", err)
	}
	defer rows.Close()
	byGroup := make(map[blood.Group]allocation.StockEntry, len(groups))
	for rows.Next() {
		e, err := scanStock(rows)
		if err != nil {
			return nil, err
		}
		byGroup[e.BloodGroup] = *e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, g := range groups {
		if e, ok := byGroup[g]; ok {
			result = append(result, e)
		}
	}
	return result, nil
}

// AdjustStock applies delta with a single conditional UPDATE.
func (s *Store) AdjustStock(ctx context.Context, group blood.Group, delta int, at time.Time) (*allocation.StockEntry, error) {
	defer s.lock()()

	row := s.db.QueryRowContext(ctx, s.q(`
		UPDATE stock_entries SET units = units + ?, last_updated = ?
		WHERE blood_group = ? AND units + ? >= 0
		RETURNING `+stockColumns),
		delta, formatTime(at), string(group), delta)
	e, err := scanStock(row)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("adjust stock: %w", err)
	}

	// No row changed: either no entry or not enough units.
	var available int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT units FROM stock_entries WHERE blood_group = ?`), string(group)).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, allocation.NotFound("stock entry for group", group)
	}
	if err != nil {
		return nil, fmt.Errorf("read stock: %w", err)
	}
	return nil, &allocation.InsufficientInventoryError{BloodGroup: group, Available: available, Requested: -delta}
}

func (s *Store) SaveStockEntry(ctx context.Context, e allocation.StockEntry) error {
	if e.ID == "" {
		return fmt.Errorf("%w: stock entry id required", allocation.ErrValidation)
	}
	if !e.BloodGroup.Valid() {
		return fmt.Errorf("%w: stock entry %s has unknown blood group %q", allocation.ErrValidation, e.ID, e.BloodGroup)
	}
	if e.Units < 0 {
		return fmt.Errorf("%w: stock entry %s has negative units", allocation.ErrValidation, e.ID)
	}
	defer s.lock()()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO stock_entries (`+stockColumns+`)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			blood_group = excluded.blood_group,
			units = excluded.units,
			last_updated = excluded.last_updated`),
		string(e.ID), string(e.BloodGroup), e.Units, formatTime(e.LastUpdated))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: group %s already has a stock entry", allocation.ErrValidation, e.BloodGroup)
	}
	return err
}

func scanStock(row scanner) (*allocation.StockEntry, error) {
	var (
		e       allocation.StockEntry
		group   string
		updated string
	)
	if err := row.Scan(&e.ID, &group, &e.Units, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan stock entry: %w", err)
	}
	e.BloodGroup = blood.Group(group)
	var err error
	if e.LastUpdated, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &e, nil
}

// =============================================================================
// REQUESTS
// =============================================================================

const requestColumns = `id, kind, requester_id, donor_id, stock_entry_id, parent_id,
	blood_group, units, city, hospital, patient_ref, contact,
	required_date, arrival_date, status, transit_state,
	donor_contact_json, requester_contact_json, created_at, updated_at`

func (s *Store) GetRequest(ctx context.Context, id allocation.RequestID) (*allocation.Request, error) {
	defer s.rlock()()
	return s.getRequest(ctx, s.db, id, false)
}

func (s *Store) ListRequests(ctx context.Context, filter allocation.RequestFilter) ([]allocation.Request, error) {
	defer s.rlock()()
	return s.listRequests(ctx, s.db, filter)
}

func (s *Store) InsertMain(ctx context.Context, r allocation.Request) error {
	if r.Kind != allocation.KindMain {
		return fmt.Errorf("%w: InsertMain called with a %s request", allocation.ErrValidation, r.Kind)
	}
	if err := allocation.CheckRequest(r); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertRequest(ctx, tx, r)
	})
}

// InsertChild locks the parent, runs the admission check and inserts.
func (s *Store) InsertChild(ctx context.Context, r allocation.Request) (*allocation.Request, error) {
	if !r.Kind.IsChild() {
		return nil, fmt.Errorf("%w: InsertChild called with a %s request", allocation.ErrValidation, r.Kind)
	}
	if err := allocation.CheckRequest(r); err != nil {
		return nil, err
	}
	var parent *allocation.Request
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := s.getRequest(ctx, tx, r.ParentID, true)
		if allocation.IsNotFound(err) {
			return allocation.NotFound("main request", r.ParentID)
		}
		if err != nil {
			return err
		}
		children, err := s.listRequests(ctx, tx, allocation.RequestFilter{ParentID: p.ID})
		if err != nil {
			return err
		}
		donorBusy := false
		if r.Kind == allocation.KindDonor {
			busy, err := s.listRequests(ctx, tx, allocation.RequestFilter{
				Kind:     allocation.KindDonor,
				DonorID:  r.DonorID,
				Statuses: []allocation.Status{allocation.StatusPending, allocation.StatusAccepted},
			})
			if err != nil {
				return err
			}
			donorBusy = len(busy) > 0
		}
		if err := allocation.CheckChildAdmission(p, children, donorBusy, r); err != nil {
			return err
		}
		if err := s.insertRequest(ctx, tx, r); err != nil {
			return err
		}
		if err := s.writeRequest(ctx, tx, *p); err != nil {
			return err
		}
		parent = p
		return nil
	})
	return parent, err
}

// UpdateRequest applies fn if the record is in one of the from statuses.
func (s *Store) UpdateRequest(ctx context.Context, id allocation.RequestID, from []allocation.Status, fn func(*allocation.Request) error) (*allocation.Request, error) {
	var out *allocation.Request
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.getRequest(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := allocation.CheckStatus("update", *r, from); err != nil {
			return err
		}
		if err := s.apply(ctx, tx, r, fn); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// UpdateFamily locks the Main row, then reads its children.
func (s *Store) UpdateFamily(ctx context.Context, parentID allocation.RequestID, fn func(*allocation.Request, []allocation.Request) error) (*allocation.Request, error) {
	var out *allocation.Request
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		main, err := s.getRequest(ctx, tx, parentID, true)
		if err != nil {
			return err
		}
		if main.Kind != allocation.KindMain {
			return allocation.NotFound("main request", parentID)
		}
		children, err := s.listRequests(ctx, tx, allocation.RequestFilter{ParentID: parentID})
		if err != nil {
			return err
		}
		if err := s.apply(ctx, tx, main, func(r *allocation.Request) error { return fn(r, children) }); err != nil {
			return err
		}
		out = main
		return nil
	})
	return out, err
}

func (s *Store) apply(ctx context.Context, tx *sql.Tx, r *allocation.Request, fn func(*allocation.Request) error) error {
	id, kind, parent := r.ID, r.Kind, r.ParentID
	if err := fn(r); err != nil {
		return err
	}
	if r.ID != id || r.Kind != kind || r.ParentID != parent {
		return fmt.Errorf("%w: request identity fields are immutable", allocation.ErrValidation)
	}
	if err := allocation.CheckRequest(*r); err != nil {
		return err
	}
	return s.writeRequest(ctx, tx, *r)
}

func (s *Store) insertRequest(ctx context.Context, tx *sql.Tx, r allocation.Request) error {
	donorContact, requesterContact, err := contactsJSON(r)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO requests (seq, `+requestColumns+`)
		VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM requests),
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		string(r.ID), string(r.Kind), string(r.RequesterID),
		nullString(string(r.DonorID)), nullString(string(r.StockEntryID)), nullString(string(r.ParentID)),
		string(r.BloodGroup), r.Units, r.City, r.Hospital, r.PatientRef, r.Contact,
		formatTime(r.RequiredDate), nullTime(r.ArrivalDate), string(r.Status), string(r.TransitState),
		donorContact, requesterContact, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if isUniqueConstraintError(err) {
		if r.Kind == allocation.KindDonor && strings.Contains(err.Error(), "donor") {
			return &allocation.DonorUnavailableError{DonorID: r.DonorID, Reason: "already assigned to an outstanding request"}
		}
		return fmt.Errorf("%w: request %s already exists", allocation.ErrValidation, r.ID)
	}
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// writeRequest updates the mutable columns. Identity columns never change.
func (s *Store) writeRequest(ctx context.Context, tx *sql.Tx, r allocation.Request) error {
	donorContact, requesterContact, err := contactsJSON(r)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`
		UPDATE requests SET
			units = ?, city = ?, hospital = ?, patient_ref = ?, contact = ?,
			required_date = ?, arrival_date = ?, status = ?, transit_state = ?,
			donor_contact_json = ?, requester_contact_json = ?, updated_at = ?
		WHERE id = ?`),
		r.Units, r.City, r.Hospital, r.PatientRef, r.Contact,
		formatTime(r.RequiredDate), nullTime(r.ArrivalDate), string(r.Status), string(r.TransitState),
		donorContact, requesterContact, formatTime(r.UpdatedAt), string(r.ID))
	if isUniqueConstraintError(err) {
		return &allocation.DonorUnavailableError{DonorID: r.DonorID, Reason: "already assigned to an outstanding request"}
	}
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	return nil
}

func (s *Store) getRequest(ctx context.Context, q querier, id allocation.RequestID, forUpdate bool) (*allocation.Request, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+requestColumns+` FROM requests WHERE id = ?`+s.lockClause(forUpdate)), string(id))
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, allocation.NotFound("request", id)
	}
	return r, err
}

func (s *Store) listRequests(ctx context.Context, q querier, f allocation.RequestFilter) ([]allocation.Request, error) {
	var (
		where []string
		args  []any
	)
	eq := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	eq("kind", string(f.Kind))
	eq("requester_id", string(f.RequesterID))
	eq("donor_id", string(f.DonorID))
	eq("parent_id", string(f.ParentID))
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, seq DESC`

	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	result := make([]allocation.Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func scanRequest(row scanner) (*allocation.Request, error) {
	var (
		r                                       allocation.Request
		kind, group, status, transit            string
		donorID, stockID, parentID              sql.NullString
		required, created, updated              string
		arrival, donorContact, requesterContact sql.NullString
	)
	err := row.Scan(&r.ID, &kind, &r.RequesterID, &donorID, &stockID, &parentID,
		&group, &r.Units, &r.City, &r.Hospital, &r.PatientRef, &r.Contact,
		&required, &arrival, &status, &transit,
		&donorContact, &requesterContact, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan request: %w", err)
	}

	if r.Kind, err = allocation.ParseKind(kind); err != nil {
		return nil, err
	}
	if r.Status, err = allocation.ParseStatus(status); err != nil {
		return nil, err
	}
	r.BloodGroup = blood.Group(group)
	r.TransitState = allocation.TransitState(transit)
	r.DonorID = allocation.DonorID(donorID.String)
	r.StockEntryID = allocation.StockEntryID(stockID.String)
	r.ParentID = allocation.RequestID(parentID.String)

	if r.RequiredDate, err = parseTime(required); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if r.ArrivalDate, err = parseNullTime(arrival); err != nil {
		return nil, err
	}
	if r.DonorContact, err = parseContact(donorContact); err != nil {
		return nil, err
	}
	if r.RequesterContact, err = parseContact(requesterContact); err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	defer s.lock()()
	for _, table := range []string{"requests", "stock_entries", "donors", "requesters"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	defer s.lock()()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// lock and rlock take the store mutex on dialects that need it and return
// the matching unlock.
func (s *Store) lock() func() {
	if !s.dialect.Serialize {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) rlock() func() {
	if !s.dialect.Serialize {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *Store) lockClause(forUpdate bool) string {
	if forUpdate {
		return s.dialect.LockClause
	}
	return ""
}

// q rebinds "?" placeholders for the dialect.
func (s *Store) q(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func groupArgs(groups []blood.Group) []any {
	args := make([]any, len(groups))
	for i, g := range groups {
		args[i] = string(g)
	}
	return args
}

// timeLayout is fixed width so stored values sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", v, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func contactsJSON(r allocation.Request) (sql.NullString, sql.NullString, error) {
	donor, err := contactJSON(r.DonorContact)
	if err != nil {
		return sql.NullString{}, sql.NullString{}, err
	}
	requester, err := contactJSON(r.RequesterContact)
	return donor, requester, err
}

func contactJSON(c *allocation.Contact) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode contact: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func parseContact(v sql.NullString) (*allocation.Contact, error) {
	if !v.Valid {
		return nil, nil
	}
	var c allocation.Contact
	if err := json.Unmarshal([]byte(v.String), &c); err != nil {
		return nil, fmt.Errorf("decode contact: %w", err)
	}
	return &c, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

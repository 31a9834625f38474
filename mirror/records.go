package mirror

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Court is a mirrored court record.
type Court struct {
	ExternalID   string `json:"external_id"`
	FullName     string `json:"full_name"`
	ShortName    string `json:"short_name"`
	Jurisdiction string `json:"jurisdiction"`
	InUse        bool   `json:"in_use"`
	URL          string `json:"url"`
}

// Judge is a mirrored judge record.
type Judge struct {
	ExternalID   string `json:"external_id"`
	NameFirst    string `json:"name_first"`
	NameLast     string `json:"name_last"`
	CourtID      string `json:"court_id"`
	Position     string `json:"position"`
	DateStart    string `json:"date_start"`
	Jurisdiction string `json:"jurisdiction"`
}

// Decision is a mirrored decision record. PlainText is the sanitised
// opinion body.
type Decision struct {
	ExternalID   string `json:"external_id"`
	CaseName     string `json:"case_name"`
	CourtID      string `json:"court_id"`
	AuthorID     string `json:"author_id"`
	DateFiled    string `json:"date_filed"`
	PlainText    string `json:"plain_text"`
	Jurisdiction string `json:"jurisdiction"`
}

// UpsertOutcome reports what an upsert did: exactly one of Created,
// Updated, Duplicate is true.
type UpsertOutcome struct {
	Created   bool
	Updated   bool
	Duplicate bool
}

// payloadHash canonicalises a record to JSON and hashes it. Dedup works on
// this hash: an unchanged upstream payload hashes identically and the
// upsert leaves the row (including updated_at) untouched.
func payloadHash(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("mirror: hash payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// UpsertCourt inserts or updates a court keyed by external ID.
func (s *Store) UpsertCourt(ctx context.Context, c *Court) (UpsertOutcome, error) {
	hash, err := payloadHash(c)
	if err != nil {
		return UpsertOutcome{}, err
	}
	return s.upsert(ctx, "courts", c.ExternalID, hash,
		`INSERT INTO courts (external_id, full_name, short_name, jurisdiction, in_use, url, payload_hash, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		[]any{c.ExternalID, c.FullName, c.ShortName, c.Jurisdiction, c.InUse, c.URL, hash},
		`UPDATE courts SET full_name=?, short_name=?, jurisdiction=?, in_use=?, url=?, payload_hash=?, updated_at=?
		WHERE external_id=?`,
		[]any{c.FullName, c.ShortName, c.Jurisdiction, c.InUse, c.URL, hash},
	)
}

// UpsertJudge inserts or updates a judge keyed by external ID.
func (s *Store) UpsertJudge(ctx context.Context, j *Judge) (UpsertOutcome, error) {
	hash, err := payloadHash(j)
	if err != nil {
		return UpsertOutcome{}, err
	}
	return s.upsert(ctx, "judges", j.ExternalID, hash,
		`INSERT INTO judges (external_id, name_first, name_last, court_id, position, date_start, jurisdiction, payload_hash, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		[]any{j.ExternalID, j.NameFirst, j.NameLast, j.CourtID, j.Position, j.DateStart, j.Jurisdiction, hash},
		`UPDATE judges SET name_first=?, name_last=?, court_id=?, position=?, date_start=?, jurisdiction=?, payload_hash=?, updated_at=?
		WHERE external_id=?`,
		[]any{j.NameFirst, j.NameLast, j.CourtID, j.Position, j.DateStart, j.Jurisdiction, hash},
	)
}

// UpsertDecision inserts or updates a decision keyed by external ID.
func (s *Store) UpsertDecision(ctx context.Context, d *Decision) (UpsertOutcome, error) {
	hash, err := payloadHash(d)
	if err != nil {
		return UpsertOutcome{}, err
	}
	return s.upsert(ctx, "decisions", d.ExternalID, hash,
		`INSERT INTO decisions (external_id, case_name, court_id, author_id, date_filed, plain_text, jurisdiction, payload_hash, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		[]any{d.ExternalID, d.CaseName, d.CourtID, d.AuthorID, d.DateFiled, d.PlainText, d.Jurisdiction, hash},
		`UPDATE decisions SET case_name=?, court_id=?, author_id=?, date_filed=?, plain_text=?, jurisdiction=?, payload_hash=?, updated_at=?
		WHERE external_id=?`,
		[]any{d.CaseName, d.CourtID, d.AuthorID, d.DateFiled, d.PlainText, d.Jurisdiction, hash},
	)
}

// upsert compares the stored payload hash before writing. Concurrent runs
// converge: the upsert key is the external ID and a racing INSERT falls
// back to the update path.
func (s *Store) upsert(ctx context.Context, table, externalID, hash, insertQ string, insertArgs []any, updateQ string, updateArgs []any) (UpsertOutcome, error) {
	var existing string
	err := s.DB.QueryRowContext(ctx,
		`SELECT payload_hash FROM `+table+` WHERE external_id = ?`, externalID,
	).Scan(&existing)

	now := s.now().UnixMilli()

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := s.DB.ExecContext(ctx, insertQ, append(insertArgs, now, now)...)
		if err != nil {
			if isUniqueViolation(err) {
				// Lost an insert race; converge through the update path.
				return s.upsert(ctx, table, externalID, hash, insertQ, insertArgs, updateQ, updateArgs)
			}
			return UpsertOutcome{}, fmt.Errorf("mirror: insert %s: %w", table, err)
		}
		return UpsertOutcome{Created: true}, nil
	case err != nil:
		return UpsertOutcome{}, fmt.Errorf("mirror: lookup %s: %w", table, err)
	case existing == hash:
		return UpsertOutcome{Duplicate: true}, nil
	default:
		_, err := s.DB.ExecContext(ctx, updateQ, append(updateArgs, now, externalID)...)
		if err != nil {
			return UpsertOutcome{}, fmt.Errorf("mirror: update %s: %w", table, err)
		}
		return UpsertOutcome{Updated: true}, nil
	}
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the error text;
	// matching on it avoids importing driver internals.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// CountRecords returns the number of mirrored rows per class.
func (s *Store) CountRecords(ctx context.Context) (courts, judges, decisions int, err error) {
	if err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM courts`).Scan(&courts); err != nil {
		return
	}
	if err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM judges`).Scan(&judges); err != nil {
		return
	}
	err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions`).Scan(&decisions)
	return
}

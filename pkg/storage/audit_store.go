package storage

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
)

// AuditRecord is one append-only audit trail entry.
type AuditRecord struct {
	ID          int64          `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	ClinicianID string         `json:"clinician_id"`
	PatientID   string         `json:"patient_id"`
	Action      string         `json:"action"`
	Success     bool           `json:"success"`
	TraceToken  string         `json:"trace_token,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// AuditFilter narrows audit history queries.
type AuditFilter struct {
	ClinicianID string
	PatientID   string
	Limit       int
}

// AuditStats summarizes access patterns across the whole trail.
type AuditStats struct {
	TotalEntries int            `json:"total_entries"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	SuccessRate  float64        `json:"success_rate"`
	ByAction     map[string]int `json:"by_action"`
	ByClinician  map[string]int `json:"by_clinician"`
}

func (r *AuditRecord) normalize() {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
}

// AppendAudit appends one audit record to the trail.
func (s *Store) AppendAudit(rec *AuditRecord) error {
	if rec == nil {
		return mgerrors.New(mgerrors.ErrCodeInvalidInput, "audit record cannot be nil")
	}
	rec.normalize()

	var details any
	if len(rec.Details) > 0 {
		encoded, err := json.Marshal(rec.Details)
		if err != nil {
			return mgerrors.Wrap(err, mgerrors.ErrCodeStorageWrite, "encode audit details")
		}
		details = string(encoded)
	}

	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		var res sql.Result
		res, err = s.db.Exec(
			`INSERT INTO audit_trail (timestamp, clinician_id, patient_id, action, success, trace_token, details)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.Timestamp.UTC().Format(timeLayout),
			rec.ClinicianID,
			rec.PatientID,
			rec.Action,
			boolToInt(rec.Success),
			nullable(rec.TraceToken),
			details,
		)
		if err == nil {
			if id, idErr := res.LastInsertId(); idErr == nil {
				rec.ID = id
			}
			return nil
		}

		if isBusyError(err) {
			if attempt < maxRetries {
				delay := baseDelay * time.Duration(1<<uint(attempt))
				time.Sleep(delay)
				continue
			}
		}

		return mgerrors.Wrap(err, mgerrors.ErrCodeStorageWrite, "append audit failed").
			WithContext("action", rec.Action)
	}

	return mgerrors.Wrap(err, mgerrors.ErrCodeStorageWrite, "append audit failed")
}

// AuditHistory returns matching entries, newest first.
func (s *Store) AuditHistory(filter AuditFilter) ([]AuditRecord, error) {
	query := `SELECT id, timestamp, clinician_id, patient_id, action, success, trace_token, details
	          FROM audit_trail`
	var conds []string
	var args []any

	if filter.ClinicianID != "" {
		conds = append(conds, "clinician_id = ?")
		args = append(args, filter.ClinicianID)
	}
	if filter.PatientID != "" {
		conds = append(conds, "patient_id = ?")
		args = append(args, filter.PatientID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, mgerrors.Wrap(err, mgerrors.ErrCodeStorageRead, "audit history failed")
	}
	defer rows.Close()

	records := []AuditRecord{}
	for rows.Next() {
		var rec AuditRecord
		var ts string
		var success int
		var traceToken, details sql.NullString
		if err := rows.Scan(&rec.ID, &ts, &rec.ClinicianID, &rec.PatientID, &rec.Action, &success, &traceToken, &details); err != nil {
			return nil, err
		}
		if t, err := time.Parse(timeLayout, ts); err == nil {
			rec.Timestamp = t
		}
		rec.Success = success != 0
		if traceToken.Valid {
			rec.TraceToken = traceToken.String
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &rec.Details); err != nil {
				rec.Details = nil
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AccessStats aggregates totals, success rate, and per-action/per-clinician counts.
func (s *Store) AccessStats() (AuditStats, error) {
	stats := AuditStats{
		ByAction:    map[string]int{},
		ByClinician: map[string]int{},
	}

	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0)
		 FROM audit_trail`,
	).Scan(&stats.TotalEntries, &stats.SuccessCount)
	if err != nil {
		return AuditStats{}, mgerrors.Wrap(err, mgerrors.ErrCodeStorageRead, "access stats failed")
	}
	stats.FailureCount = stats.TotalEntries - stats.SuccessCount
	if stats.TotalEntries > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalEntries)
	}

	rows, err := s.db.Query(`SELECT action, COUNT(*) FROM audit_trail GROUP BY action`)
	if err != nil {
		return AuditStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return AuditStats{}, err
		}
		stats.ByAction[action] = count
	}
	if err := rows.Err(); err != nil {
		return AuditStats{}, err
	}

	clinRows, err := s.db.Query(`SELECT clinician_id, COUNT(*) FROM audit_trail GROUP BY clinician_id`)
	if err != nil {
		return AuditStats{}, err
	}
	defer clinRows.Close()
	for clinRows.Next() {
		var clinician string
		var count int
		if err := clinRows.Scan(&clinician, &count); err != nil {
			return AuditStats{}, err
		}
		stats.ByClinician[clinician] = count
	}
	return stats, clinRows.Err()
}

// PurgeAudit removes every audit entry. Administrative use only.
func (s *Store) PurgeAudit() (int, error) {
	res, err := s.db.Exec(`DELETE FROM audit_trail`)
	if err != nil {
		return 0, mgerrors.Wrap(err, mgerrors.ErrCodeStorageWrite, "purge audit failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

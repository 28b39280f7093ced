package storage

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
)

// HistoryEntry is one action recorded against a session.
type HistoryEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	PatientID   string    `json:"patient_id,omitempty"`
	ClinicianID string    `json:"clinician_id,omitempty"`
}

// SessionRecord is the persisted per-session context.
type SessionRecord struct {
	SessionID     string         `json:"session_id"`
	ClinicianID   string         `json:"clinician_id,omitempty"`
	LastPatientID string         `json:"last_patient_id,omitempty"`
	LastAction    string         `json:"last_action,omitempty"`
	History       []HistoryEntry `json:"history"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// MemoryStats summarizes the state of the session memory table.
type MemoryStats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// timeLayout is RFC3339 UTC so that lexical ordering matches time ordering
// for the expires_at index.
const timeLayout = time.RFC3339

// Remember merges the given fields into the session record, appending a
// history entry when action is non-empty and always refreshing the sliding
// expiry. Absent fields never clear previously stored values.
func (s *Store) Remember(sessionID, patientID, clinicianID, action string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return mgerrors.New(mgerrors.ErrCodeInvalidInput, "session id cannot be empty")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(s.ttl).Format(timeLayout)

	// Retry logic for handling transient SQLITE_BUSY during concurrent writes
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = s.rememberOnce(sessionID, patientID, clinicianID, action, now, expiresAt)
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if attempt < maxRetries {
				delay := baseDelay * time.Duration(1<<uint(attempt)) // Exponential backoff
				time.Sleep(delay)
				continue
			}
		}

		return mgerrors.Wrap(err, mgerrors.ErrCodeStorageWrite, "remember failed").
			WithContext("session_id", sessionID)
	}

	return mgerrors.Wrap(err, mgerrors.ErrCodeStorageWrite, "remember failed").
		WithContext("session_id", sessionID)
}

func (s *Store) rememberOnce(sessionID, patientID, clinicianID, action string, now time.Time, expiresAt string) error {
	var history string
	err := s.db.QueryRow(
		`SELECT conversation_history FROM session_memory WHERE session_id = ?`,
		sessionID,
	).Scan(&history)

	if err == sql.ErrNoRows {
		entries := []HistoryEntry{}
		if action != "" {
			entries = append(entries, HistoryEntry{
				Timestamp:   now,
				Action:      action,
				PatientID:   patientID,
				ClinicianID: clinicianID,
			})
		}
		encoded, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		_, err = s.db.Exec(
			`INSERT INTO session_memory
			   (session_id, clinician_id, last_patient_id, last_action, conversation_history, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID,
			nullable(clinicianID),
			nullable(patientID),
			nullable(action),
			string(encoded),
			now.Format(timeLayout),
			expiresAt,
		)
		return err
	}
	if err != nil {
		return err
	}

	var entries []HistoryEntry
	if unmarshalErr := json.Unmarshal([]byte(history), &entries); unmarshalErr != nil {
		// Corrupt history is dropped rather than failing the write.
		entries = nil
	}
	if action != "" {
		entries = append(entries, HistoryEntry{
			Timestamp:   now,
			Action:      action,
			PatientID:   patientID,
			ClinicianID: clinicianID,
		})
		if len(entries) > s.maxHistory {
			entries = entries[len(entries)-s.maxHistory:]
		}
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	// COALESCE keeps the stored value when the incoming field is absent.
	_, err = s.db.Exec(
		`UPDATE session_memory SET
		   clinician_id = COALESCE(?, clinician_id),
		   last_patient_id = COALESCE(?, last_patient_id),
		   last_action = COALESCE(?, last_action),
		   conversation_history = ?,
		   expires_at = ?
		 WHERE session_id = ?`,
		nullable(clinicianID),
		nullable(patientID),
		nullable(action),
		string(encoded),
		expiresAt,
		sessionID,
	)
	return err
}

// Recall returns the session record, or nil if it is absent or expired.
// Expired rows are filtered, not deleted; only SweepExpired removes them.
func (s *Store) Recall(sessionID string) (*SessionRecord, error) {
	now := time.Now().UTC().Format(timeLayout)

	var rec SessionRecord
	var clinicianID, lastPatientID, lastAction sql.NullString
	var history, createdAt, expiresAt string

	err := s.db.QueryRow(
		`SELECT session_id, clinician_id, last_patient_id, last_action,
		        conversation_history, created_at, expires_at
		 FROM session_memory
		 WHERE session_id = ? AND expires_at > ?`,
		sessionID, now,
	).Scan(&rec.SessionID, &clinicianID, &lastPatientID, &lastAction, &history, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mgerrors.Wrap(err, mgerrors.ErrCodeStorageRead, "recall failed").
			WithContext("session_id", sessionID)
	}

	if clinicianID.Valid {
		rec.ClinicianID = clinicianID.String
	}
	if lastPatientID.Valid {
		rec.LastPatientID = lastPatientID.String
	}
	if lastAction.Valid {
		rec.LastAction = lastAction.String
	}
	if err := json.Unmarshal([]byte(history), &rec.History); err != nil {
		rec.History = nil
	}
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(timeLayout, expiresAt); err == nil {
		rec.ExpiresAt = t
	}

	return &rec, nil
}

// Forget hard-deletes a session record.
func (s *Store) Forget(sessionID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM session_memory WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, mgerrors.Wrap(err, mgerrors.ErrCodeStorageWrite, "forget failed").
			WithContext("session_id", sessionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SweepExpired physically removes all expired rows and returns the count.
func (s *Store) SweepExpired() (int, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.Exec(`DELETE FROM session_memory WHERE expires_at < ?`, now)
	if err != nil {
		return 0, mgerrors.Wrap(err, mgerrors.ErrCodeStorageWrite, "sweep failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// MemoryStats returns total, active, and expired session counts.
func (s *Store) MemoryStats() (MemoryStats, error) {
	now := time.Now().UTC().Format(timeLayout)

	var stats MemoryStats
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0)
		 FROM session_memory`,
		now, now,
	).Scan(&stats.Total, &stats.Active, &stats.Expired)
	if err != nil {
		return MemoryStats{}, mgerrors.Wrap(err, mgerrors.ErrCodeStorageRead, "memory stats failed")
	}
	return stats, nil
}

// ListActiveSessions returns unexpired sessions ordered by expiry, soonest first.
func (s *Store) ListActiveSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC().Format(timeLayout)

	rows, err := s.db.Query(
		`SELECT session_id, clinician_id, last_patient_id, last_action,
		        conversation_history, created_at, expires_at
		 FROM session_memory
		 WHERE expires_at > ?
		 ORDER BY expires_at ASC
		 LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, mgerrors.Wrap(err, mgerrors.ErrCodeStorageRead, "list sessions failed")
	}
	defer rows.Close()

	sessions := []SessionRecord{}
	for rows.Next() {
		var rec SessionRecord
		var clinicianID, lastPatientID, lastAction sql.NullString
		var history, createdAt, expiresAt string
		if err := rows.Scan(&rec.SessionID, &clinicianID, &lastPatientID, &lastAction, &history, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		if clinicianID.Valid {
			rec.ClinicianID = clinicianID.String
		}
		if lastPatientID.Valid {
			rec.LastPatientID = lastPatientID.String
		}
		if lastAction.Valid {
			rec.LastAction = lastAction.String
		}
		if err := json.Unmarshal([]byte(history), &rec.History); err != nil {
			rec.History = nil
		}
		if t, err := time.Parse(timeLayout, createdAt); err == nil {
			rec.CreatedAt = t
		}
		if t, err := time.Parse(timeLayout, expiresAt); err == nil {
			rec.ExpiresAt = t
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

// ClearAllSessions removes every session record. Administrative use only.
func (s *Store) ClearAllSessions() (int, error) {
	res, err := s.db.Exec(`DELETE FROM session_memory`)
	if err != nil {
		return 0, mgerrors.Wrap(err, mgerrors.ErrCodeStorageWrite, "clear sessions failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// nullable converts empty strings to nil so COALESCE preserves stored values.
func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

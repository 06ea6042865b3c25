package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"callbridge-server/pkg/call"
	"callbridge-server/pkg/errors"
	"callbridge-server/pkg/metrics"
)

const mysqlErrDuplicateEntry = 1062

// CallStore is the MySQL-backed implementation of call.Store.
type CallStore struct {
	db     *MySQLDatabase
	logger *logrus.Logger
}

// NewCallStore creates a call store over an open MySQL connection.
func NewCallStore(db *MySQLDatabase, logger *logrus.Logger) *CallStore {
	return &CallStore{
		db:     db,
		logger: logger,
	}
}

// InsertEvent appends a row to the event ledger. A duplicate
// (call_sid, event_type, event_timestamp) triple reports
// errors.ErrDuplicateEvent.
func (s *CallStore) InsertEvent(ctx context.Context, rec call.EventRecord) error {
	start := time.Now()

	query := `
		INSERT INTO call_events (call_sid, event_type, event_timestamp, status)
		VALUES (?, ?, ?, ?)
	`
	_, err := s.db.db.ExecContext(ctx, query,
		rec.CallSID, rec.EventType, rec.EventTimestamp, nullString(rec.Status),
	)
	metrics.RecordDBOperation("insert_event", err, time.Since(start))

	if err != nil {
		if isDuplicateKey(err) {
			return errors.NewDuplicateEvent(rec.CallSID, rec.EventType, rec.EventTimestamp)
		}
		return errors.Wrap(err, "failed to insert event ledger row").
			WithField("call_sid", rec.CallSID).
			WithField("event_type", rec.EventType)
	}

	return nil
}

// FindBySID returns the call whose call_sid or parent_call_sid matches.
func (s *CallStore) FindBySID(ctx context.Context, callSID string) (*call.Call, error) {
	start := time.Now()

	query := selectCallColumns + `
		FROM calls
		WHERE call_sid = ? OR parent_call_sid = ?
		LIMIT 1
	`
	row := s.db.db.QueryRowContext(ctx, query, callSID, callSID)

	c, err := scanCall(row)
	metrics.RecordDBOperation("find_call", err, time.Since(start))

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewCallNotFound(callSID)
		}
		return nil, errors.Wrap(err, "failed to load call").
			WithField("call_sid", callSID)
	}

	return c, nil
}

// Create inserts a new call row, assigning its ID and timestamps.
func (s *CallStore) Create(ctx context.Context, c *call.Call) error {
	start := time.Now()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.StartedAt.IsZero() {
		c.StartedAt = now
	}
	if c.Direction == "" {
		c.Direction = call.DirectionInbound
	}
	if c.Status == "" {
		c.Status = call.StatusInitiated
	}

	query := `
		INSERT INTO calls (
			id, call_sid, parent_call_sid, direction, from_number, to_number,
			status, started_at, answered_at, ended_at, duration_seconds,
			handled_by_ai, escalated_to_human, escalated_to_agent,
			recording_url, recording_sid, recording_duration,
			transcript_text, transcript_summary, reception_status,
			caller_username, webhook_processed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.db.ExecContext(ctx, query,
		c.ID, c.CallSID, nullString(c.ParentCallSID), string(c.Direction),
		nullString(c.FromNumber), nullString(c.ToNumber),
		string(c.Status), c.StartedAt, c.AnsweredAt, c.EndedAt, c.DurationSeconds,
		c.HandledByAI, c.EscalatedToHuman, nullString(c.EscalatedToAgent),
		nullString(c.RecordingURL), nullString(c.RecordingSID), c.RecordingDuration,
		nullString(c.TranscriptText), nullString(c.TranscriptSummary),
		nullString(c.ReceptionStatus), nullString(c.CallerUsername),
		c.WebhookProcessedAt, c.CreatedAt, c.UpdatedAt,
	)
	metrics.RecordDBOperation("create_call", err, time.Since(start))

	if err != nil {
		if isDuplicateKey(err) {
			return errors.Wrap(errors.ErrAlreadyExists, "call row already exists").
				WithField("call_sid", c.CallSID)
		}
		return errors.Wrap(err, "failed to create call").
			WithField("call_sid", c.CallSID)
	}

	s.logger.WithFields(logrus.Fields{
		"call_sid":  c.CallSID,
		"direction": c.Direction,
		"status":    c.Status,
	}).Info("Call record created")

	return nil
}

// Update persists the mutable fields of an existing call row.
func (s *CallStore) Update(ctx context.Context, c *call.Call) error {
	start := time.Now()

	c.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE calls SET
			parent_call_sid = ?, status = ?, answered_at = ?, ended_at = ?, duration_seconds = ?,
			handled_by_ai = ?, escalated_to_human = ?, escalated_to_agent = ?,
			recording_url = ?, recording_sid = ?, recording_duration = ?,
			transcript_text = ?, transcript_summary = ?, reception_status = ?,
			caller_username = ?, webhook_processed_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.db.ExecContext(ctx, query,
		nullString(c.ParentCallSID), string(c.Status), c.AnsweredAt, c.EndedAt, c.DurationSeconds,
		c.HandledByAI, c.EscalatedToHuman, nullString(c.EscalatedToAgent),
		nullString(c.RecordingURL), nullString(c.RecordingSID), c.RecordingDuration,
		nullString(c.TranscriptText), nullString(c.TranscriptSummary),
		nullString(c.ReceptionStatus), nullString(c.CallerUsername),
		c.WebhookProcessedAt, c.UpdatedAt,
		c.ID,
	)
	metrics.RecordDBOperation("update_call", err, time.Since(start))

	if err != nil {
		return errors.Wrap(err, "failed to update call").
			WithField("call_sid", c.CallSID)
	}
	if rows, raErr := result.RowsAffected(); raErr == nil && rows == 0 {
		return errors.NewCallNotFound(c.CallSID)
	}

	return nil
}

const selectCallColumns = `
	SELECT id, call_sid, parent_call_sid, direction, from_number, to_number,
		status, started_at, answered_at, ended_at, duration_seconds,
		handled_by_ai, escalated_to_human, escalated_to_agent,
		recording_url, recording_sid, recording_duration,
		transcript_text, transcript_summary, reception_status,
		caller_username, webhook_processed_at, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCall(row rowScanner) (*call.Call, error) {
	var (
		c                 call.Call
		parentSID         sql.NullString
		direction         string
		fromNumber        sql.NullString
		toNumber          sql.NullString
		status            string
		startedAt         sql.NullTime
		answeredAt        sql.NullTime
		endedAt           sql.NullTime
		durationSeconds   sql.NullInt64
		escalatedToAgent  sql.NullString
		recordingURL      sql.NullString
		recordingSID      sql.NullString
		recordingDuration sql.NullInt64
		transcriptText    sql.NullString
		transcriptSummary sql.NullString
		receptionStatus   sql.NullString
		callerUsername    sql.NullString
		webhookProcessed  sql.NullTime
	)

	err := row.Scan(
		&c.ID, &c.CallSID, &parentSID, &direction, &fromNumber, &toNumber,
		&status, &startedAt, &answeredAt, &endedAt, &durationSeconds,
		&c.HandledByAI, &c.EscalatedToHuman, &escalatedToAgent,
		&recordingURL, &recordingSID, &recordingDuration,
		&transcriptText, &transcriptSummary, &receptionStatus,
		&callerUsername, &webhookProcessed, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.ParentCallSID = parentSID.String
	c.Direction = call.Direction(direction)
	c.FromNumber = fromNumber.String
	c.ToNumber = toNumber.String
	c.Status = call.Status(status)
	if startedAt.Valid {
		c.StartedAt = startedAt.Time
	}
	if answeredAt.Valid {
		t := answeredAt.Time
		c.AnsweredAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	if durationSeconds.Valid {
		d := int(durationSeconds.Int64)
		c.DurationSeconds = &d
	}
	c.EscalatedToAgent = escalatedToAgent.String
	c.RecordingURL = recordingURL.String
	c.RecordingSID = recordingSID.String
	if recordingDuration.Valid {
		d := int(recordingDuration.Int64)
		c.RecordingDuration = &d
	}
	c.TranscriptText = transcriptText.String
	c.TranscriptSummary = transcriptSummary.String
	c.ReceptionStatus = receptionStatus.String
	c.CallerUsername = callerUsername.String
	if webhookProcessed.Valid {
		t := webhookProcessed.Time
		c.WebhookProcessedAt = &t
	}

	return &c, nil
}

func isDuplicateKey(err error) bool {
	if mysqlErr, ok := err.(*mysql.MySQLError); ok {
		return mysqlErr.Number == mysqlErrDuplicateEntry
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	internalerrors "github.com/textguide/gateway/internal/errors"
)

const messageColumns = `
	correlation_id, identity, direction, reply_to_ref, content, transport_ref,
	gen_model, gen_input_units, gen_output_units, gen_amount, gen_currency, gen_recorded_at,
	transport_status, transport_amount, transport_currency, transport_updated_at,
	created_at, updated_at`

// CreateMessage inserts a new cost tracking record.
func (r *Registry) CreateMessage(ctx context.Context, m *Message) error {
	if m == nil {
		return fmt.Errorf("message is nil")
	}
	if strings.TrimSpace(m.CorrelationID) == "" {
		return internalerrors.WrapValidation("create_message", "", errors.New("correlation id is required"))
	}
	now := r.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (
			correlation_id, identity, direction, reply_to_ref, content, transport_ref,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.CorrelationID, m.Identity, string(m.Direction), m.ReplyToRef, m.Content,
		nullableString(m.TransportRef), m.CreatedAt.Unix(), m.UpdatedAt.Unix(),
	)
	if err != nil {
		return internalerrors.WrapStore("create_message", m.CorrelationID, err)
	}
	return nil
}

// GetMessage returns the record for correlationID, or nil when none exists.
func (r *Registry) GetMessage(ctx context.Context, correlationID string) (*Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+messageColumns+` FROM messages WHERE correlation_id = ?`, correlationID)
	return scanMessage(row)
}

// GetMessageByTransportRef returns the record carrying the carrier's message
// reference, or nil when none does.
func (r *Registry) GetMessageByTransportRef(ctx context.Context, transportRef string) (*Message, error) {
	if strings.TrimSpace(transportRef) == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT`+messageColumns+` FROM messages WHERE transport_ref = ?`, transportRef)
	return scanMessage(row)
}

// SaveGeneration stores the generated reply text and its priced usage.
func (r *Registry) SaveGeneration(ctx context.Context, correlationID, content string, g GenerationCost) error {
	now := r.now().UTC()
	if g.RecordedAt.IsZero() {
		g.RecordedAt = now
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET
			content = ?, gen_model = ?, gen_input_units = ?, gen_output_units = ?,
			gen_amount = ?, gen_currency = ?, gen_recorded_at = ?, updated_at = ?
		WHERE correlation_id = ?`,
		content, g.Model, g.InputUnits, g.OutputUnits, nullableString(g.Amount), g.Currency,
		g.RecordedAt.Unix(), now.Unix(), correlationID,
	)
	if err != nil {
		return internalerrors.WrapStore("save_generation", correlationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return internalerrors.NewOpError(internalerrors.ErrorTypeNotFound, "save_generation", correlationID, sql.ErrNoRows)
	}
	return nil
}

// AttachTransportRef links the carrier's message reference to a record.
// Re-attaching the same reference is a no-op; a different reference is rejected.
func (r *Registry) AttachTransportRef(ctx context.Context, correlationID, transportRef string) error {
	transportRef = strings.TrimSpace(transportRef)
	if transportRef == "" {
		return internalerrors.WrapValidation("attach_transport_ref", correlationID, errors.New("transport ref is required"))
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET transport_ref = ?, updated_at = ?
		WHERE correlation_id = ? AND (transport_ref IS NULL OR transport_ref = ?)`,
		transportRef, r.now().UTC().Unix(), correlationID, transportRef,
	)
	if err != nil {
		return internalerrors.WrapStore("attach_transport_ref", correlationID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	existing, err := r.GetMessage(ctx, correlationID)
	if err != nil {
		return err
	}
	if existing == nil {
		return internalerrors.NewOpError(internalerrors.ErrorTypeNotFound, "attach_transport_ref", correlationID, sql.ErrNoRows)
	}
	return internalerrors.WrapValidation("attach_transport_ref", correlationID,
		fmt.Errorf("already linked to %s", existing.TransportRef))
}

// MergeResult describes the effect of MergeTransportUpdate.
type MergeResult struct {
	Outcome MergeOutcome
	Message *Message
	// AmountConflict is set when the update carried an amount different from
	// the one already recorded. The recorded amount is kept.
	AmountConflict bool
	// AmountRecorded is set when this update wrote the amount.
	AmountRecorded bool
}

// MergeTransportUpdate folds a carrier report into the matching record. The
// record is found by correlationID first and transportRef second. Status is
// last-write-wins; amount and currency are written once.
func (r *Registry) MergeTransportUpdate(ctx context.Context, correlationID, transportRef string, u TransportUpdate) (MergeResult, error) {
	ref := correlationID
	if ref == "" {
		ref = transportRef
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return MergeResult{}, internalerrors.WrapStore("merge_transport_update", ref, err)
	}
	defer func() { _ = tx.Rollback() }()

	var m *Message
	if strings.TrimSpace(correlationID) != "" {
		m, err = scanMessage(tx.QueryRowContext(ctx, `SELECT`+messageColumns+` FROM messages WHERE correlation_id = ?`, correlationID))
		if err != nil {
			return MergeResult{}, err
		}
	}
	if m == nil && strings.TrimSpace(transportRef) != "" {
		m, err = scanMessage(tx.QueryRowContext(ctx, `SELECT`+messageColumns+` FROM messages WHERE transport_ref = ?`, transportRef))
		if err != nil {
			return MergeResult{}, err
		}
	}
	if m == nil {
		return MergeResult{Outcome: MergeNotFound}, nil
	}

	result := MergeResult{Outcome: MergeDuplicate, Message: m}
	changed := false

	if m.TransportRef == "" && transportRef != "" {
		m.TransportRef = transportRef
		changed = true
	}
	if u.Status != "" && u.Status != m.TransportStatus {
		m.TransportStatus = u.Status
		changed = true
	}
	if u.Amount != "" {
		switch {
		case m.TransportAmount == "":
			m.TransportAmount = u.Amount
			m.TransportCurrency = strings.ToUpper(u.Currency)
			result.AmountRecorded = true
			changed = true
		case m.TransportAmount != u.Amount:
			result.AmountConflict = true
		}
	}
	if !changed {
		return result, nil
	}

	now := r.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET
			transport_ref = ?, transport_status = ?, transport_amount = ?, transport_currency = ?,
			transport_updated_at = ?, updated_at = ?
		WHERE correlation_id = ?`,
		nullableString(m.TransportRef), m.TransportStatus, nullableString(m.TransportAmount), m.TransportCurrency,
		now.Unix(), now.Unix(), m.CorrelationID,
	); err != nil {
		return MergeResult{}, internalerrors.WrapStore("merge_transport_update", m.CorrelationID, err)
	}
	if err := tx.Commit(); err != nil {
		return MergeResult{}, internalerrors.WrapStore("merge_transport_update", m.CorrelationID, err)
	}

	ts := time.Unix(now.Unix(), 0).UTC()
	m.TransportUpdatedAt = &ts
	m.UpdatedAt = ts
	result.Outcome = MergeApplied
	return result, nil
}

// Carrier statuses after which a message is never priced.
var unpricedFinalStatuses = []string{"failed", "undelivered", "canceled"}

// ListAwaitingTransportCost returns outbound records linked to a carrier
// reference but still unpriced, created inside [notBefore, notAfter].
// Records never swept come first, then the least recently swept, so a backlog
// of records the carrier never prices cannot hide newer ones.
func (r *Registry) ListAwaitingTransportCost(ctx context.Context, notBefore, notAfter time.Time, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT`+messageColumns+`
		FROM messages
		WHERE direction = ? AND transport_ref IS NOT NULL AND transport_amount IS NULL
			AND transport_status NOT IN (?, ?, ?)
			AND created_at >= ? AND created_at <= ?
		ORDER BY COALESCE(transport_swept_at, 0), created_at
		LIMIT ?`,
		string(DirectionOutbound),
		unpricedFinalStatuses[0], unpricedFinalStatuses[1], unpricedFinalStatuses[2],
		notBefore.UTC().Unix(), notAfter.UTC().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages awaiting transport cost: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkTransportSwept records that the sweeper asked the carrier about each
// record at the given time.
func (r *Registry) MarkTransportSwept(ctx context.Context, correlationIDs []string, at time.Time) error {
	if len(correlationIDs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return internalerrors.WrapStore("mark_transport_swept", "", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE messages SET transport_swept_at = ? WHERE correlation_id = ?`)
	if err != nil {
		return internalerrors.WrapStore("mark_transport_swept", "", err)
	}
	defer stmt.Close()

	ts := at.UTC().Unix()
	for _, id := range correlationIDs {
		if _, err := stmt.ExecContext(ctx, ts, id); err != nil {
			return internalerrors.WrapStore("mark_transport_swept", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return internalerrors.WrapStore("mark_transport_swept", "", err)
	}
	return nil
}

func scanMessage(s scanner) (*Message, error) {
	var m Message
	var direction string
	var transportRef, genModel, genAmount, transportAmount sql.NullString
	var genInput, genOutput int64
	var genCurrency string
	var genRecordedAt, transportUpdatedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&m.CorrelationID, &m.Identity, &direction, &m.ReplyToRef, &m.Content, &transportRef,
		&genModel, &genInput, &genOutput, &genAmount, &genCurrency, &genRecordedAt,
		&m.TransportStatus, &transportAmount, &m.TransportCurrency, &transportUpdatedAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}

	m.Direction = Direction(direction)
	m.TransportRef = transportRef.String
	m.TransportAmount = transportAmount.String
	if genModel.Valid {
		g := &GenerationCost{
			Model:       genModel.String,
			InputUnits:  genInput,
			OutputUnits: genOutput,
			Amount:      genAmount.String,
			Currency:    genCurrency,
		}
		if genRecordedAt.Valid {
			g.RecordedAt = time.Unix(genRecordedAt.Int64, 0).UTC()
		}
		m.Generation = g
	}
	if transportUpdatedAt.Valid {
		ts := time.Unix(transportUpdatedAt.Int64, 0).UTC()
		m.TransportUpdatedAt = &ts
	}
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &m, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/haul"
	"github.com/xraph/haul/broadcast"
	"github.com/xraph/haul/id"
)

const requestColumns = `
	id, customer_id, pickup_lat, pickup_lon, drop_lat, drop_lon,
	vehicle_type, vehicle_subtype, trucks_needed, trucks_filled, state,
	current_step, expires_at, state_changed_at, finalized_at,
	created_at, updated_at`

const unitColumns = `
	id, request_id, ordinal, state, transporter_id, driver_id, vehicle_id, updated_at`

const assignmentColumns = `
	id, request_id, demand_unit_id, transporter_id, driver_id, vehicle_id,
	active, created_at, closed_at`

var openStates = []string{string(broadcast.StateBroadcasting), string(broadcast.StatePartiallyFilled)}

// CreateRequest inserts a request and its demand units in one transaction.
func (s *Store) CreateRequest(ctx context.Context, r *broadcast.Request, units []*broadcast.DemandUnit) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO haul_requests (
				id, customer_id, pickup_lat, pickup_lon, drop_lat, drop_lon,
				vehicle_type, vehicle_subtype, capability, trucks_needed, trucks_filled,
				state, current_step, expires_at, state_changed_at, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				$7, $8, $9, $10, $11,
				$12, $13, $14, $15, $16, $17
			)`,
			r.ID.String(), r.CustomerID, r.Pickup.Lat, r.Pickup.Lon, r.Drop.Lat, r.Drop.Lon,
			r.Vehicle.Type, r.Vehicle.Subtype, r.Vehicle.Capability(), r.TrucksNeeded, r.TrucksFilled,
			string(r.State), r.CurrentStep, r.ExpiresAt, r.StateChangedAt, r.CreatedAt, r.UpdatedAt,
		)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, u := range units {
			batch.Queue(`
				INSERT INTO haul_demand_units (id, request_id, ordinal, state, updated_at)
				VALUES ($1, $2, $3, $4, $5)`,
				u.ID.String(), u.RequestID.String(), u.Ordinal, string(u.State), u.UpdatedAt,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("haul/postgres: create request: %w", err)
	}
	return nil
}

// GetRequest retrieves a request by ID.
func (s *Store) GetRequest(ctx context.Context, requestID id.RequestID) (*broadcast.Request, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM haul_requests WHERE id = $1`,
		requestID.String(),
	))
	if err != nil {
		if isNoRows(err) {
			return nil, haul.ErrRequestNotFound
		}
		return nil, fmt.Errorf("haul/postgres: get request: %w", err)
	}
	return r, nil
}

// ListDemandUnits returns a request's units ordered by ordinal.
func (s *Store) ListDemandUnits(ctx context.Context, requestID id.RequestID) ([]*broadcast.DemandUnit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+unitColumns+` FROM haul_demand_units WHERE request_id = $1 ORDER BY ordinal`,
		requestID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("haul/postgres: list demand units: %w", err)
	}
	defer rows.Close()

	var out []*broadcast.DemandUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("haul/postgres: scan demand unit: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListAssignments returns a request's assignments oldest first.
func (s *Store) ListAssignments(ctx context.Context, requestID id.RequestID) ([]*broadcast.Assignment, error) {
	return s.queryAssignments(ctx,
		`SELECT `+assignmentColumns+` FROM haul_assignments WHERE request_id = $1 ORDER BY created_at, id`,
		requestID.String(),
	)
}

// ListRequestsByCustomer returns a customer's requests newest first.
func (s *Store) ListRequestsByCustomer(ctx context.Context, customerID string, opts broadcast.ListOpts) ([]*broadcast.Request, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM haul_requests
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		customerID, limitOrAll(opts.Limit), opts.Offset,
	)
}

// ListAssignmentsByTransporter returns a transporter's assignments newest
// first.
func (s *Store) ListAssignmentsByTransporter(ctx context.Context, transporterID string, opts broadcast.ListOpts) ([]*broadcast.Assignment, error) {
	return s.queryAssignments(ctx, `
		SELECT `+assignmentColumns+` FROM haul_assignments
		WHERE transporter_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		transporterID, limitOrAll(opts.Limit), opts.Offset,
	)
}

// ListAssignmentsByDriver returns a driver's assignments newest first.
func (s *Store) ListAssignmentsByDriver(ctx context.Context, driverID string, opts broadcast.ListOpts) ([]*broadcast.Assignment, error) {
	return s.queryAssignments(ctx, `
		SELECT `+assignmentColumns+` FROM haul_assignments
		WHERE driver_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		driverID, limitOrAll(opts.Limit), opts.Offset,
	)
}

// ListOpenRequests returns open requests matching any capability, oldest
// first.
func (s *Store) ListOpenRequests(ctx context.Context, capabilities []string, limit int) ([]*broadcast.Request, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM haul_requests
		WHERE state = ANY($1) AND capability = ANY($2)
		ORDER BY created_at
		LIMIT $3`,
		openStates, capabilities, limitOrAll(limit),
	)
}

// ListOverdueRequests returns open requests that expired before the given
// time.
func (s *Store) ListOverdueRequests(ctx context.Context, before time.Time, limit int) ([]*broadcast.Request, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM haul_requests
		WHERE state = ANY($1) AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3`,
		openStates, before, limitOrAll(limit),
	)
}

// ListUnfinalizedRequests returns terminal requests not yet finalized.
func (s *Store) ListUnfinalizedRequests(ctx context.Context, limit int) ([]*broadcast.Request, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM haul_requests
		WHERE finalized_at IS NULL AND state IN ('fully_filled', 'cancelled', 'expired')
		ORDER BY state_changed_at
		LIMIT $1`,
		limitOrAll(limit),
	)
}

// ClaimDemandUnit assigns a searching unit in a SERIALIZABLE transaction,
// retrying serialization failures, deadlocks and lost compare-and-swaps up
// to c.MaxAttempts times. Exhausted retries surface as a conflict.
func (s *Store) ClaimDemandUnit(ctx context.Context, c broadcast.Claim) (*broadcast.ClaimResult, error) {
	attempts := max(c.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		res, err := s.claimOnce(ctx, c)
		if err == nil {
			return res, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		if attempt >= attempts {
			state := "unknown"
			if r, gErr := s.GetRequest(ctx, c.RequestID); gErr == nil {
				state = string(r.State)
			}
			return nil, haul.Conflict(
				fmt.Errorf("%w after %d attempts: %w", haul.ErrSerializationFailure, attempts, err),
				c.RequestID.String(), state)
		}
		s.logger.Debug("claim retry",
			slog.String("request_id", c.RequestID.String()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) claimOnce(ctx context.Context, c broadcast.Claim) (*broadcast.ClaimResult, error) {
	var out broadcast.ClaimResult
	reqID := c.RequestID.String()

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		r, err := scanRequest(tx.QueryRow(ctx,
			`SELECT `+requestColumns+` FROM haul_requests WHERE id = $1`, reqID))
		if isNoRows(err) {
			return haul.ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		if !r.State.Open() {
			return haul.Conflict(haul.ErrRequestClosed, reqID, string(r.State))
		}

		var unitState string
		err = tx.QueryRow(ctx,
			`SELECT state FROM haul_demand_units WHERE id = $1 AND request_id = $2`,
			c.DemandUnitID.String(), reqID,
		).Scan(&unitState)
		if isNoRows(err) {
			return haul.ErrDemandUnitNotFound
		}
		if err != nil {
			return err
		}
		if unitState != string(broadcast.UnitSearching) {
			return haul.Conflict(haul.ErrDemandUnitTaken, reqID, string(r.State))
		}

		if c.DriverID != "" {
			var busy bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM haul_assignments WHERE driver_id = $1 AND active)`,
				c.DriverID,
			).Scan(&busy); err != nil {
				return err
			}
			if busy {
				return haul.Conflict(haul.ErrDriverBusy, reqID, string(r.State))
			}
		}

		now := s.now().UTC()
		tag, err := tx.Exec(ctx, `
			UPDATE haul_demand_units
			SET state = 'assigned', transporter_id = $3, driver_id = $4, vehicle_id = $5, updated_at = $6
			WHERE id = $1 AND request_id = $2 AND state = 'searching'`,
			c.DemandUnitID.String(), reqID, c.TransporterID, c.DriverID, c.VehicleID, now,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return haul.Conflict(haul.ErrDemandUnitTaken, reqID, string(r.State))
		}

		a := &broadcast.Assignment{
			ID:            id.NewAssignmentID(),
			RequestID:     c.RequestID,
			DemandUnitID:  c.DemandUnitID,
			TransporterID: c.TransporterID,
			DriverID:      c.DriverID,
			VehicleID:     c.VehicleID,
			Active:        true,
			CreatedAt:     now,
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO haul_assignments (
				id, request_id, demand_unit_id, transporter_id, driver_id, vehicle_id, active, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)`,
			a.ID.String(), reqID, c.DemandUnitID.String(), a.TransporterID, a.DriverID, a.VehicleID, now,
		)
		if err != nil {
			if isDuplicateKey(err) {
				if constraintName(err) == "uq_haul_assignments_active_driver" {
					return haul.Conflict(haul.ErrDriverBusy, reqID, string(r.State))
				}
				return haul.Conflict(haul.ErrDemandUnitTaken, reqID, string(r.State))
			}
			return err
		}

		filled := r.TrucksFilled + 1
		next := broadcast.NextState(filled, r.TrucksNeeded)
		updated, err := scanRequest(tx.QueryRow(ctx, `
			UPDATE haul_requests
			SET trucks_filled = $2,
			    state = $3,
			    state_changed_at = CASE WHEN state <> $3 THEN $5 ELSE state_changed_at END,
			    updated_at = $5
			WHERE id = $1 AND trucks_filled = $4 AND state = ANY($6)
			RETURNING `+requestColumns,
			reqID, filled, string(next), r.TrucksFilled, now, openStates,
		))
		if isNoRows(err) {
			return errLostCAS
		}
		if err != nil {
			return err
		}

		out.Assignment = a
		out.Request = updated
		return nil
	})
	if err != nil {
		if haul.IsDomain(err) || isRetryable(err) {
			return nil, err
		}
		return nil, fmt.Errorf("haul/postgres: claim demand unit: %w", err)
	}
	return &out, nil
}

// TransitionRequest moves a request to `to` if it is in one of from.
func (s *Store) TransitionRequest(ctx context.Context, requestID id.RequestID, from []broadcast.State, to broadcast.State) (*broadcast.Request, error) {
	fromStr := make([]string, len(from))
	for i, st := range from {
		fromStr[i] = string(st)
	}
	reqID := requestID.String()

	var out *broadcast.Request
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		now := s.now().UTC()
		r, err := scanRequest(tx.QueryRow(ctx, `
			UPDATE haul_requests
			SET state = $2, state_changed_at = $3, updated_at = $3
			WHERE id = $1 AND state = ANY($4)
			RETURNING `+requestColumns,
			reqID, string(to), now, fromStr,
		))
		if isNoRows(err) {
			cur, gErr := scanRequest(tx.QueryRow(ctx,
				`SELECT `+requestColumns+` FROM haul_requests WHERE id = $1`, reqID))
			if isNoRows(gErr) {
				return haul.ErrRequestNotFound
			}
			if gErr != nil {
				return gErr
			}
			out = cur
			return haul.Conflict(haul.ErrRequestClosed, reqID, string(cur.State))
		}
		if err != nil {
			return err
		}

		if to == broadcast.StateCancelled || to == broadcast.StateExpired {
			if _, err := tx.Exec(ctx, `
				UPDATE haul_demand_units SET state = 'terminal', updated_at = $2
				WHERE request_id = $1 AND state = 'searching'`,
				reqID, now,
			); err != nil {
				return err
			}
		}
		if to == broadcast.StateCancelled {
			if _, err := tx.Exec(ctx, `
				UPDATE haul_assignments SET active = FALSE, closed_at = $2
				WHERE request_id = $1 AND active`,
				reqID, now,
			); err != nil {
				return err
			}
		}
		out = r
		return nil
	})
	if err != nil {
		if haul.IsDomain(err) {
			return out, err
		}
		return nil, fmt.Errorf("haul/postgres: transition request: %w", err)
	}
	return out, nil
}

// AdvanceStep moves current_step from `from` to `to`.
func (s *Store) AdvanceStep(ctx context.Context, requestID id.RequestID, from, to int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE haul_requests SET current_step = $3, updated_at = $4
		WHERE id = $1 AND current_step = $2`,
		requestID.String(), from, to, s.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("haul/postgres: advance step: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFinalized records that terminal effects completed. The first mark
// wins.
func (s *Store) MarkFinalized(ctx context.Context, requestID id.RequestID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE haul_requests SET finalized_at = COALESCE(finalized_at, $2), updated_at = $2
		WHERE id = $1`,
		requestID.String(), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("haul/postgres: mark finalized: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return haul.ErrRequestNotFound
	}
	return nil
}

// CloseAssignment deactivates an assignment.
func (s *Store) CloseAssignment(ctx context.Context, assignmentID id.AssignmentID) (*broadcast.Assignment, error) {
	a, err := scanAssignment(s.pool.QueryRow(ctx, `
		UPDATE haul_assignments SET active = FALSE, closed_at = COALESCE(closed_at, $2)
		WHERE id = $1
		RETURNING `+assignmentColumns,
		assignmentID.String(), s.now().UTC(),
	))
	if err != nil {
		if isNoRows(err) {
			return nil, haul.ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("haul/postgres: close assignment: %w", err)
	}
	return a, nil
}

func (s *Store) queryRequests(ctx context.Context, sql string, args ...any) ([]*broadcast.Request, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("haul/postgres: list requests: %w", err)
	}
	defer rows.Close()

	var out []*broadcast.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("haul/postgres: scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) queryAssignments(ctx context.Context, sql string, args ...any) ([]*broadcast.Assignment, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("haul/postgres: list assignments: %w", err)
	}
	defer rows.Close()

	var out []*broadcast.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("haul/postgres: scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// limitOrAll maps a non-positive limit to NULL, which LIMIT treats as no
// limit.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

// scanRequest scans a single request row.
func scanRequest(row pgx.Row) (*broadcast.Request, error) {
	var (
		r        broadcast.Request
		idStr    string
		stateStr string
	)
	err := row.Scan(
		&idStr, &r.CustomerID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Drop.Lat, &r.Drop.Lon,
		&r.Vehicle.Type, &r.Vehicle.Subtype, &r.TrucksNeeded, &r.TrucksFilled, &stateStr,
		&r.CurrentStep, &r.ExpiresAt, &r.StateChangedAt, &r.FinalizedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.State = broadcast.State(stateStr)

	parsed, err := id.ParseRequestID(idStr)
	if err != nil {
		return nil, fmt.Errorf("haul/postgres: parse request id %q: %w", idStr, err)
	}
	r.ID = parsed
	return &r, nil
}

// scanUnit scans a single demand unit row.
func scanUnit(row pgx.Row) (*broadcast.DemandUnit, error) {
	var (
		u             broadcast.DemandUnit
		idStr, reqStr string
		stateStr      string
	)
	err := row.Scan(&idStr, &reqStr, &u.Ordinal, &stateStr,
		&u.TransporterID, &u.DriverID, &u.VehicleID, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.State = broadcast.UnitState(stateStr)
	if u.ID, err = id.ParseDemandUnitID(idStr); err != nil {
		return nil, fmt.Errorf("haul/postgres: parse demand unit id %q: %w", idStr, err)
	}
	if u.RequestID, err = id.ParseRequestID(reqStr); err != nil {
		return nil, fmt.Errorf("haul/postgres: parse request id %q: %w", reqStr, err)
	}
	return &u, nil
}

// scanAssignment scans a single assignment row.
func scanAssignment(row pgx.Row) (*broadcast.Assignment, error) {
	var (
		a                    broadcast.Assignment
		idStr, reqStr, duStr string
	)
	err := row.Scan(&idStr, &reqStr, &duStr, &a.TransporterID, &a.DriverID, &a.VehicleID,
		&a.Active, &a.CreatedAt, &a.ClosedAt)
	if err != nil {
		return nil, err
	}
	if a.ID, err = id.ParseAssignmentID(idStr); err != nil {
		return nil, fmt.Errorf("haul/postgres: parse assignment id %q: %w", idStr, err)
	}
	if a.RequestID, err = id.ParseRequestID(reqStr); err != nil {
		return nil, fmt.Errorf("haul/postgres: parse request id %q: %w", reqStr, err)
	}
	if a.DemandUnitID, err = id.ParseDemandUnitID(duStr); err != nil {
		return nil, fmt.Errorf("haul/postgres: parse demand unit id %q: %w", duStr, err)
	}
	return &a, nil
}

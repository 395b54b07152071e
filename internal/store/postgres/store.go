package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qpro/queue-engine/internal/models"
	"qpro/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tokenColumns = `token_id, office_id, department_id, service_day, queue_seq, ticket_number, number_partition,
	holder_name, holder_phone, holder_id, status, joined_at, served_at, estimated_wait_mins`

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

type Options struct {
	LockTimeout time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	timeout := options.LockTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Store{pool: pool, lockTimeout: timeout}
}

// WithOffice runs fn inside a transaction holding the office's queue_states
// row lock. Lock waits are bounded by lock_timeout.
func (s *Store) WithOffice(ctx context.Context, officeID string, fn func(tx store.OfficeTx) error) (err error) {
	if _, parseErr := uuid.Parse(officeID); parseErr != nil {
		return store.ErrOfficeNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
		return classify(err)
	}

	office, err := getOffice(ctx, tx, officeID)
	if err != nil {
		return classify(err)
	}
	state, err := lockQueueState(ctx, tx, officeID)
	if err != nil {
		return classify(err)
	}

	if err = fn(&officeTx{tx: tx, office: office, state: state}); err != nil {
		err = classify(err)
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		err = classify(err)
		return err
	}
	return nil
}

func lockQueueState(ctx context.Context, tx pgx.Tx, officeID string) (models.QueueState, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO queue_states (office_id, paused, closed, updated_at)
		VALUES ($1, false, false, now())
		ON CONFLICT (office_id) DO NOTHING
	`, officeID)
	if err != nil {
		return models.QueueState{}, err
	}

	row := tx.QueryRow(ctx, `
		SELECT office_id, current_serving, paused, closed, updated_at
		FROM queue_states
		WHERE office_id = $1
		FOR UPDATE
	`, officeID)
	return scanQueueState(row)
}

type officeTx struct {
	tx     pgx.Tx
	office models.Office
	state  models.QueueState
}

func (t *officeTx) Office() models.Office {
	return t.office
}

func (t *officeTx) State() models.QueueState {
	return t.state
}

func (t *officeTx) SaveState(ctx context.Context, state models.QueueState) error {
	state.OfficeID = t.office.OfficeID
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE queue_states
		SET current_serving = $2, paused = $3, closed = $4, updated_at = $5
		WHERE office_id = $1
	`, state.OfficeID, nullIntPtr(state.CurrentServing), state.Paused, state.Closed, state.UpdatedAt)
	if err != nil {
		return classify(err)
	}
	t.state = state
	return nil
}

func (t *officeTx) Department(ctx context.Context, departmentID string) (models.Department, error) {
	if _, err := uuid.Parse(departmentID); err != nil {
		return models.Department{}, store.ErrDepartmentNotFound
	}
	var department models.Department
	row := t.tx.QueryRow(ctx, `
		SELECT department_id, office_id, name, avg_service_time_mins, active
		FROM departments
		WHERE department_id = $1 AND office_id = $2 AND active
	`, departmentID, t.office.OfficeID)
	if err := row.Scan(&department.DepartmentID, &department.OfficeID, &department.Name, &department.AvgServiceTimeMins, &department.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Department{}, store.ErrDepartmentNotFound
		}
		return models.Department{}, classify(err)
	}
	return department, nil
}

func (t *officeTx) ServingToken(ctx context.Context) (models.QueueToken, bool, error) {
	return optionalToken(t.tx.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM queue_tokens
		WHERE office_id = $1 AND status = 'serving'
		LIMIT 1
	`, t.office.OfficeID))
}

func (t *officeTx) NextWaiting(ctx context.Context) (models.QueueToken, bool, error) {
	return optionalToken(t.tx.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM queue_tokens
		WHERE office_id = $1 AND status = 'waiting'
		ORDER BY service_day ASC, queue_seq ASC, ticket_number ASC
		LIMIT 1
	`, t.office.OfficeID))
}

func (t *officeTx) CountWaiting(ctx context.Context) (int, error) {
	var count int
	row := t.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_tokens WHERE office_id = $1 AND status = 'waiting'
	`, t.office.OfficeID)
	if err := row.Scan(&count); err != nil {
		return 0, classify(err)
	}
	return count, nil
}

func (t *officeTx) HolderActiveToken(ctx context.Context, holderID string) (models.QueueToken, bool, error) {
	if holderID == "" {
		return models.QueueToken{}, false, nil
	}
	return optionalToken(t.tx.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM queue_tokens
		WHERE holder_id = $1 AND status IN ('waiting','serving')
		LIMIT 1
	`, holderID))
}

func (t *officeTx) NextNumber(ctx context.Context, key store.SequenceKey) (int, error) {
	var next int
	row := t.tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (office_id, service_day, number_partition, next_number)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (office_id, service_day, number_partition)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, t.office.OfficeID, key.ServiceDay, key.Partition)
	if err := row.Scan(&next); err != nil {
		return 0, classify(err)
	}
	return next, nil
}

func (t *officeTx) InsertToken(ctx context.Context, token models.QueueToken) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO queue_tokens (`+tokenColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, token.TokenID, token.OfficeID, nullIfEmpty(token.DepartmentID), token.ServiceDay, token.Sequence, token.TicketNumber,
		token.NumberPartition, token.HolderName, token.HolderPhone, token.HolderID, token.Status, token.JoinedAt,
		token.ServedAt, token.EstimatedWaitMins)
	return classify(err)
}

func (t *officeTx) TransitionToken(ctx context.Context, tokenID, action string, at time.Time) (models.QueueToken, error) {
	current, found, err := optionalToken(t.tx.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM queue_tokens
		WHERE token_id = $1 AND office_id = $2
		FOR UPDATE
	`, tokenID, t.office.OfficeID))
	if err != nil {
		return models.QueueToken{}, err
	}
	if !found {
		return models.QueueToken{}, store.ErrTokenNotFound
	}
	if !store.ValidTransition(action, current.Status) {
		return models.QueueToken{}, store.ErrInvalidState
	}
	to, _ := store.TargetStatus(action)

	var servedAt *time.Time
	if to == models.StatusServed {
		servedAt = &at
	}
	token, err := scanToken(t.tx.QueryRow(ctx, `
		UPDATE queue_tokens
		SET status = $2, served_at = COALESCE($3, served_at)
		WHERE token_id = $1
		RETURNING `+tokenColumns, tokenID, to, servedAt))
	if err != nil {
		return models.QueueToken{}, classify(err)
	}
	return token, nil
}

func (t *officeTx) AppendEvent(ctx context.Context, change models.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	createdAt := change.At
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, office_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), t.office.OfficeID, change.Type, payload, createdAt)
	return classify(err)
}

func (s *Store) GetOffice(ctx context.Context, officeID string) (models.Office, error) {
	if _, err := uuid.Parse(officeID); err != nil {
		return models.Office{}, store.ErrOfficeNotFound
	}
	office, err := getOffice(ctx, s.pool, officeID)
	return office, classify(err)
}

func (s *Store) GetOfficeBySlug(ctx context.Context, slug string) (models.Office, error) {
	office, err := scanOffice(s.pool.QueryRow(ctx, `
		SELECT office_id, name, slug, timezone, active, created_at
		FROM offices
		WHERE slug = $1
	`, slug))
	return office, classify(err)
}

func (s *Store) ListDepartments(ctx context.Context, officeID string) ([]models.Department, error) {
	if _, err := s.GetOffice(ctx, officeID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT department_id, office_id, name, avg_service_time_mins, active
		FROM departments
		WHERE office_id = $1
		ORDER BY name ASC
	`, officeID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var departments []models.Department
	for rows.Next() {
		var department models.Department
		if err := rows.Scan(&department.DepartmentID, &department.OfficeID, &department.Name, &department.AvgServiceTimeMins, &department.Active); err != nil {
			return nil, err
		}
		departments = append(departments, department)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return departments, nil
}

func (s *Store) GetQueueState(ctx context.Context, officeID string) (models.QueueState, bool, error) {
	if _, err := uuid.Parse(officeID); err != nil {
		return models.QueueState{}, false, store.ErrOfficeNotFound
	}
	state, err := scanQueueState(s.pool.QueryRow(ctx, `
		SELECT office_id, current_serving, paused, closed, updated_at
		FROM queue_states
		WHERE office_id = $1
	`, officeID))
	if err == nil {
		return state, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.QueueState{}, false, classify(err)
	}
	if _, err := s.GetOffice(ctx, officeID); err != nil {
		return models.QueueState{}, false, err
	}
	return models.QueueState{OfficeID: officeID}, false, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.QueueToken, error) {
	if _, err := uuid.Parse(tokenID); err != nil {
		return models.QueueToken{}, store.ErrTokenNotFound
	}
	token, found, err := optionalToken(s.pool.QueryRow(ctx, `
		SELECT `+tokenColumns+` FROM queue_tokens WHERE token_id = $1
	`, tokenID))
	if err != nil {
		return models.QueueToken{}, err
	}
	if !found {
		return models.QueueToken{}, store.ErrTokenNotFound
	}
	return token, nil
}

func (s *Store) ListTokens(ctx context.Context, filter store.TokenFilter) ([]models.QueueToken, error) {
	if _, err := s.GetOffice(ctx, filter.OfficeID); err != nil {
		return nil, err
	}
	query := `SELECT ` + tokenColumns + ` FROM queue_tokens WHERE office_id = $1`
	args := []interface{}{filter.OfficeID}
	if filter.ServiceDay != "" {
		args = append(args, filter.ServiceDay)
		query += fmt.Sprintf(" AND service_day = $%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, filter.Statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+search+"%")
		query += fmt.Sprintf(" AND (holder_name ILIKE $%d OR ticket_number::text LIKE $%d)", len(args), len(args))
	}
	query += " ORDER BY service_day ASC, queue_seq ASC, ticket_number ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var tokens []models.QueueToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return tokens, nil
}

func (s *Store) ActiveTokenForHolder(ctx context.Context, holderID string) (models.QueueToken, bool, error) {
	if holderID == "" {
		return models.QueueToken{}, false, nil
	}
	return optionalToken(s.pool.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM queue_tokens
		WHERE holder_id = $1 AND status IN ('waiting','serving')
		LIMIT 1
	`, holderID))
}

func (s *Store) ListOutboxEvents(ctx context.Context, officeID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if _, err := s.GetOffice(ctx, officeID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, office_id, type, payload_json, created_at
		FROM outbox_events
		WHERE office_id = $1 AND created_at > $2
		ORDER BY created_at ASC
		LIMIT $3
	`, officeID, after, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var payload []byte
		if err := rows.Scan(&event.EventID, &event.OfficeID, &event.Type, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return events, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, role, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > now()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.Role, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, classify(err)
	}
	return session, nil
}

func (s *Store) GetAccess(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT office_id FROM operator_offices WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var offices []string
	for rows.Next() {
		var officeID string
		if err := rows.Scan(&officeID); err != nil {
			return nil, err
		}
		offices = append(offices, officeID)
	}
	return offices, classify(rows.Err())
}

func (s *Store) CreateOffice(ctx context.Context, office models.Office) (models.Office, error) {
	office.Name = strings.TrimSpace(office.Name)
	office.Slug = strings.TrimSpace(office.Slug)
	if office.Name == "" || office.Slug == "" {
		return models.Office{}, fmt.Errorf("office name and slug are required: %w", store.ErrInvalidInput)
	}
	if office.OfficeID == "" {
		office.OfficeID = uuid.NewString()
	}
	if office.CreatedAt.IsZero() {
		office.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO offices (office_id, name, slug, timezone, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, office.OfficeID, office.Name, office.Slug, office.Timezone, office.Active, office.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Office{}, fmt.Errorf("office %s or slug %q already used: %w", office.OfficeID, office.Slug, store.ErrInvalidInput)
		}
		return models.Office{}, classify(err)
	}
	return office, nil
}

func (s *Store) CreateDepartment(ctx context.Context, department models.Department) (models.Department, error) {
	if department.AvgServiceTimeMins <= 0 {
		return models.Department{}, fmt.Errorf("avg service time must be positive: %w", store.ErrInvalidInput)
	}
	if _, err := s.GetOffice(ctx, department.OfficeID); err != nil {
		return models.Department{}, err
	}
	if department.DepartmentID == "" {
		department.DepartmentID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO departments (department_id, office_id, name, avg_service_time_mins, active)
		VALUES ($1, $2, $3, $4, $5)
	`, department.DepartmentID, department.OfficeID, department.Name, department.AvgServiceTimeMins, department.Active)
	if err != nil {
		return models.Department{}, classify(err)
	}
	return department, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getOffice(ctx context.Context, q queryRower, officeID string) (models.Office, error) {
	return scanOffice(q.QueryRow(ctx, `
		SELECT office_id, name, slug, timezone, active, created_at
		FROM offices
		WHERE office_id = $1
	`, officeID))
}

func scanOffice(row pgx.Row) (models.Office, error) {
	var office models.Office
	if err := row.Scan(&office.OfficeID, &office.Name, &office.Slug, &office.Timezone, &office.Active, &office.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Office{}, store.ErrOfficeNotFound
		}
		return models.Office{}, err
	}
	return office, nil
}

func scanQueueState(row pgx.Row) (models.QueueState, error) {
	var state models.QueueState
	var current sql.NullInt32
	if err := row.Scan(&state.OfficeID, &current, &state.Paused, &state.Closed, &state.UpdatedAt); err != nil {
		return models.QueueState{}, err
	}
	if current.Valid {
		value := int(current.Int32)
		state.CurrentServing = &value
	}
	return state, nil
}

func scanToken(row pgx.Row) (models.QueueToken, error) {
	var token models.QueueToken
	var departmentID sql.NullString
	var servedAt sql.NullTime
	if err := row.Scan(&token.TokenID, &token.OfficeID, &departmentID, &token.ServiceDay, &token.Sequence, &token.TicketNumber,
		&token.NumberPartition, &token.HolderName, &token.HolderPhone, &token.HolderID, &token.Status, &token.JoinedAt,
		&servedAt, &token.EstimatedWaitMins); err != nil {
		return models.QueueToken{}, err
	}
	if departmentID.Valid {
		token.DepartmentID = departmentID.String
	}
	token.ServedAt = nullTimePtr(servedAt)
	return token, nil
}

func optionalToken(row pgx.Row) (models.QueueToken, bool, error) {
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueToken{}, false, nil
		}
		return models.QueueToken{}, false, classify(err)
	}
	return token, true, nil
}

// classify maps driver failures onto store sentinels. Errors that are
// already sentinels pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "55P03", pgErr.Code == "40001", pgErr.Code == "40P01", strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("postgres %s: %w", pgErr.Code, store.ErrTransientUnavailable)
		case pgErr.Code == "23505":
			switch pgErr.ConstraintName {
			case "queue_tokens_one_serving":
				return store.ErrAlreadyServing
			case "queue_tokens_holder_active":
				return store.ErrHolderAlreadyQueued
			case "queue_tokens_sequence_key", "queue_tokens_number_key":
				return store.ErrSequenceConflict
			}
		case pgErr.Code == "23503":
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, store.ErrInvalidInput)
		}
		return err
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) {
		return fmt.Errorf("postgres unavailable: %v: %w", err, store.ErrTransientUnavailable)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullIntPtr(value *int) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

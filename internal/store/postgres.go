package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"agentrunner/internal/models"
)

// ChangeChannel is the Postgres LISTEN/NOTIFY channel carrying agent run changes
const ChangeChannel = "agent_runs_changes"

const runColumns = `id, thread_id, conversation_id, user_id, status, current_node, progress, todos, tool_outputs,
       search_results, email_draft, response_content, error_message, error_code, input_tokens, output_tokens,
       total_tokens, model_name, thinking_level, started_at, completed_at, last_heartbeat, created_at, updated_at`

const insertRunQuery = `
INSERT INTO agent_runs (` + runColumns + `)
VALUES (:id, :thread_id, :conversation_id, :user_id, :status, :current_node, :progress, :todos, :tool_outputs,
        :search_results, :email_draft, :response_content, :error_message, :error_code, :input_tokens,
        :output_tokens, :total_tokens, :model_name, :thinking_level, :started_at, :completed_at,
        :last_heartbeat, :created_at, :updated_at)`

const updateRunQuery = `
UPDATE agent_runs
SET status = :status,
    current_node = :current_node,
    progress = :progress,
    todos = :todos,
    tool_outputs = :tool_outputs,
    search_results = :search_results,
    email_draft = :email_draft,
    response_content = :response_content,
    error_message = :error_message,
    error_code = :error_code,
    input_tokens = :input_tokens,
    output_tokens = :output_tokens,
    total_tokens = :total_tokens,
    model_name = :model_name,
    started_at = :started_at,
    completed_at = :completed_at,
    updated_at = :updated_at
WHERE id = :id`

// PostgresStore keeps runs in the `agent_runs` table. Every write sends a notification on
// ChangeChannel inside its transaction; Listen turns those notifications into snapshots for
// subscribers.
type PostgresStore struct {
	db        *sqlx.DB
	listenDSN string
	hub       *Hub
	now       func() time.Time
}

// NewPostgresStore creates a store over db. listenDSN is used to open the dedicated connection
// the change feed listener needs, since LISTEN does not work through a connection pool.
func NewPostgresStore(db *sqlx.DB, listenDSN string) *PostgresStore {
	return &PostgresStore{
		db:        db,
		listenDSN: listenDSN,
		hub:       NewHub(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type changeEvent struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

func (s *PostgresStore) Create(ctx context.Context, run models.AgentRun) (models.AgentRun, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	run.UpdatedAt = run.CreatedAt
	if run.Todos == nil {
		run.Todos = models.Todos{}
	}
	if run.ToolOutputs == nil {
		run.ToolOutputs = models.ToolOutputs{}
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertRunQuery, run); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicate, run.ID)
			}
			return fmt.Errorf("could not insert agent run: %w", err)
		}
		return notify(ctx, tx, run)
	})
	if err != nil {
		return models.AgentRun{}, err
	}
	return run, nil
}

func (s *PostgresStore) Patch(ctx context.Context, id string, patch models.RunPatch) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var run models.AgentRun
		if err := tx.GetContext(ctx, &run, `SELECT `+runColumns+` FROM agent_runs WHERE id = $1 FOR UPDATE`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("could not lock agent run: %w", err)
		}

		if err := run.Apply(patch, s.now()); err != nil {
			return err
		}

		if _, err := tx.NamedExecContext(ctx, updateRunQuery, run); err != nil {
			return fmt.Errorf("could not update agent run: %w", err)
		}
		return notify(ctx, tx, run)
	})
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.AgentRun, error) {
	// ids are uuids, anything else cannot exist
	if uuid.Validate(id) != nil {
		return models.AgentRun{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var run models.AgentRun
	if err := s.db.GetContext(ctx, &run, `SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AgentRun{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.AgentRun{}, fmt.Errorf("could not get agent run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) ListByConversation(ctx context.Context, conversationID string) ([]models.AgentRun, error) {
	runs := make([]models.AgentRun, 0)
	if uuid.Validate(conversationID) != nil {
		return runs, nil
	}
	if err := s.db.SelectContext(ctx, &runs, `
SELECT `+runColumns+`
FROM agent_runs
WHERE conversation_id = $1
ORDER BY created_at, id`, conversationID); err != nil {
		return nil, fmt.Errorf("could not list agent runs: %w", err)
	}
	return runs, nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	return s.hub.Subscribe(ctx, filter)
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE agent_runs
SET last_heartbeat = $2
WHERE id = $1
  AND status IN ('pending', 'running')`, id, s.now())
	if err != nil {
		return fmt.Errorf("could not update heartbeat: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		run, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: run %s is %s", models.ErrTerminal, id, run.Status)
	}
	return nil
}

func (s *PostgresStore) ListStale(ctx context.Context, before time.Time) ([]models.AgentRun, error) {
	var runs []models.AgentRun
	if err := s.db.SelectContext(ctx, &runs, `
SELECT `+runColumns+`
FROM agent_runs
WHERE status IN ('pending', 'running')
  AND GREATEST(updated_at, COALESCE(last_heartbeat, updated_at)) < $1
ORDER BY created_at, id`, before); err != nil {
		return nil, fmt.Errorf("could not list stale agent runs: %w", err)
	}
	return runs, nil
}

// Listen is a blocking function that feeds change notifications to subscribers until ctx is
// cancelled. Lost connections are re-established with backoff, after which the current state of
// every subscribed run is republished so no terminal update is missed during the gap.
func (s *PostgresStore) Listen(ctx context.Context) error {
	backoff := time.Second
	for {
		started := time.Now()
		err := s.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(started) > time.Minute {
			backoff = time.Second
		}
		log.Warn().
			Err(err).
			Dur("retry_in", backoff).
			Msg("Change feed listener disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (s *PostgresStore) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.listenDSN)
	if err != nil {
		return fmt.Errorf("could not open listener connection: %w", err)
	}
	defer func() {
		if err := conn.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("Could not close listener connection")
		}
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		return fmt.Errorf("could not listen on %s: %w", ChangeChannel, err)
	}
	log.Info().Str("channel", ChangeChannel).Msg("Listening for agent run changes")

	s.resync(ctx)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var event changeEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			log.Warn().Err(err).Str("payload", notification.Payload).Msg("Malformed change notification")
			continue
		}

		// the notification only carries the id, the row itself is re-read so subscribers always
		// see the latest committed state
		run, err := s.Get(ctx, event.ID)
		if err != nil {
			log.Error().Err(err).Str("run_id", event.ID).Msg("Could not load changed agent run")
			continue
		}
		s.hub.Publish(run)
	}
}

func (s *PostgresStore) resync(ctx context.Context) {
	for _, filter := range s.hub.Filters() {
		var runs []models.AgentRun
		switch {
		case filter.RunID != "":
			run, err := s.Get(ctx, filter.RunID)
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					log.Error().Err(err).Str("run_id", filter.RunID).Msg("Could not resync agent run")
				}
				continue
			}
			runs = append(runs, run)
		default:
			list, err := s.ListByConversation(ctx, filter.ConversationID)
			if err != nil {
				log.Error().Err(err).Str("conversation_id", filter.ConversationID).Msg("Could not resync conversation runs")
				continue
			}
			runs = list
		}

		for _, run := range runs {
			s.hub.Publish(run)
		}
	}
}

// Close ends all subscriptions. The database handle is owned by the caller.
func (s *PostgresStore) Close() error {
	s.hub.Close()
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, f func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("Could not rollback transaction")
		}
		return err
	}
	return tx.Commit()
}

func notify(ctx context.Context, tx *sqlx.Tx, run models.AgentRun) error {
	payload, err := json.Marshal(changeEvent{ID: run.ID, ConversationID: run.ConversationID})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, ChangeChannel, string(payload)); err != nil {
		return fmt.Errorf("could not notify %s: %w", ChangeChannel, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsTransient reports whether a write failure is worth retrying. Invariant violations and
// missing runs never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrClosed) ||
		errors.Is(err, models.ErrTerminal) || errors.Is(err, models.ErrStatusRegression) ||
		errors.Is(err, models.ErrAppendOnly) || errors.Is(err, models.ErrTokenRegression) ||
		errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		// class 08 is connection exceptions, class 57 operator intervention
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57")
	}
	return true
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luckyim/delivery/device"
	"github.com/luckyim/delivery/interfaces"
	"github.com/luckyim/delivery/outbox"
)

// Schema is the outbox table definition. The delivery service does not
// apply migrations itself; the database collaborator owns the schema.
const Schema = `
CREATE TABLE IF NOT EXISTS im_outbox (
    message_id      TEXT PRIMARY KEY,
    exchange        TEXT NOT NULL DEFAULT '',
    routing_key     TEXT NOT NULL DEFAULT '',
    target_user_id  TEXT NOT NULL DEFAULT '',
    target_class    TEXT NOT NULL DEFAULT '',
    payload         BYTEA NOT NULL,
    status          TEXT NOT NULL DEFAULT 'PENDING',
    retry_count     INT NOT NULL DEFAULT 0,
    create_time     TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_attempt_at TIMESTAMPTZ,
    next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    error_message   TEXT NOT NULL DEFAULT '',
    lease_owner     TEXT NOT NULL DEFAULT '',
    lease_expiry    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_im_outbox_due
    ON im_outbox (next_attempt_at)
    WHERE status IN ('PENDING', 'RETRY', 'RETURNED');
`

const outboxColumns = `message_id, exchange, routing_key, target_user_id, target_class,
	payload, status, retry_count, create_time, last_attempt_at, next_attempt_at,
	error_message, lease_owner, lease_expiry`

// PostgresOutboxStore implements OutboxStore on PostgreSQL through pgx.
// ClaimDue uses SELECT ... FOR UPDATE SKIP LOCKED so any number of
// dispatcher instances can poll the same table, and every mark operation
// is a conditional UPDATE fenced on lease_owner and lease_expiry.
type PostgresOutboxStore struct {
	pool *pgxpool.Pool
}

// NewPostgresOutboxStore connects a pool to the given DSN.
func NewPostgresOutboxStore(ctx context.Context, dsn string) (*PostgresOutboxStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &PostgresOutboxStore{pool: pool}, nil
}

// NewPostgresOutboxStoreFromPool wraps an existing pool. The caller keeps
// ownership of the pool's lifecycle.
func NewPostgresOutboxStoreFromPool(pool *pgxpool.Pool) *PostgresOutboxStore {
	return &PostgresOutboxStore{pool: pool}
}

func (p *PostgresOutboxStore) Enqueue(ctx context.Context, msg *outbox.Message) error {
	return p.enqueue(ctx, p.pool, msg)
}

// EnqueueInTx inserts the outbox row inside the caller's transaction, so
// the business write and the intent to deliver commit or roll back
// together. This is the submitForDelivery entry point for the business
// layer.
func (p *PostgresOutboxStore) EnqueueInTx(ctx context.Context, tx pgx.Tx, msg *outbox.Message) error {
	return p.enqueue(ctx, tx, msg)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (p *PostgresOutboxStore) enqueue(ctx context.Context, db execer, msg *outbox.Message) error {
	createTime := msg.CreateTime
	if createTime.IsZero() {
		createTime = time.Now()
	}
	nextAttempt := msg.NextAttemptAt
	if nextAttempt.IsZero() {
		nextAttempt = createTime
	}
	_, err := db.Exec(ctx, `
		INSERT INTO im_outbox (message_id, exchange, routing_key, target_user_id,
			target_class, payload, status, retry_count, create_time, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', 0, $7, $8)`,
		msg.MessageID, msg.Exchange, msg.RoutingKey, msg.TargetUserID,
		msg.TargetClass.String(), msg.Payload, createTime, nextAttempt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return interfaces.ErrDuplicateMessage
		}
		return fmt.Errorf("failed to enqueue outbox message: %w", err)
	}
	return nil
}

func (p *PostgresOutboxStore) ClaimDue(ctx context.Context, owner string, limit int, lease time.Duration) ([]*outbox.Message, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE im_outbox SET lease_owner = $1, lease_expiry = now() + $2
		WHERE message_id IN (
			SELECT message_id FROM im_outbox
			WHERE status IN ('PENDING', 'RETRY', 'RETURNED')
			  AND next_attempt_at <= now()
			  AND (lease_owner = '' OR lease_expiry IS NULL OR lease_expiry <= now())
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		owner, lease, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due outbox messages: %w", err)
	}
	defer rows.Close()

	var claimed []*outbox.Message
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, msg)
	}
	return claimed, rows.Err()
}

func scanOutboxMessage(row pgx.Row) (*outbox.Message, error) {
	var (
		msg           outbox.Message
		targetClass   string
		status        string
		lastAttemptAt *time.Time
		leaseExpiry   *time.Time
	)
	err := row.Scan(&msg.MessageID, &msg.Exchange, &msg.RoutingKey, &msg.TargetUserID,
		&targetClass, &msg.Payload, &status, &msg.RetryCount, &msg.CreateTime,
		&lastAttemptAt, &msg.NextAttemptAt, &msg.ErrorMessage, &msg.LeaseOwner, &leaseExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox row: %w", err)
	}
	msg.TargetClass = device.Class(targetClass)
	msg.Status = outbox.Status(status)
	if lastAttemptAt != nil {
		msg.LastAttemptAt = *lastAttemptAt
	}
	if leaseExpiry != nil {
		msg.LeaseExpiry = *leaseExpiry
	}
	return &msg, nil
}

// conditionalUpdate runs a lease-fenced UPDATE and classifies a zero-row
// result into the contract's sentinel errors.
func (p *PostgresOutboxStore) conditionalUpdate(ctx context.Context, messageID, owner, sql string, args ...any) error {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox message: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = p.pool.QueryRow(ctx,
		`SELECT status FROM im_outbox WHERE message_id = $1`, messageID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return interfaces.ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to inspect outbox message: %w", err)
	}
	if outbox.Status(status).Terminal() {
		return interfaces.ErrAlreadyTerminal
	}
	return interfaces.ErrLeaseLost
}

func (p *PostgresOutboxStore) MarkConfirmed(ctx context.Context, messageID, owner string) error {
	return p.conditionalUpdate(ctx, messageID, owner, `
		UPDATE im_outbox
		SET status = 'CONFIRMED', last_attempt_at = now(), error_message = '',
		    lease_owner = '', lease_expiry = NULL
		WHERE message_id = $1 AND lease_owner = $2 AND lease_expiry > now()
		  AND status NOT IN ('CONFIRMED', 'DEAD')`,
		messageID, owner)
}

func (p *PostgresOutboxStore) MarkRetry(ctx context.Context, messageID, owner string, retryCount int, nextAttemptAt time.Time, errorMessage string) error {
	return p.conditionalUpdate(ctx, messageID, owner, `
		UPDATE im_outbox
		SET status = 'RETRY', retry_count = $3, last_attempt_at = now(),
		    next_attempt_at = $4, error_message = $5,
		    lease_owner = '', lease_expiry = NULL
		WHERE message_id = $1 AND lease_owner = $2 AND lease_expiry > now()
		  AND status NOT IN ('CONFIRMED', 'DEAD')`,
		messageID, owner, retryCount, nextAttemptAt, errorMessage)
}

func (p *PostgresOutboxStore) MarkReturned(ctx context.Context, messageID, owner string, retryCount int, nextAttemptAt time.Time, errorMessage string) error {
	return p.conditionalUpdate(ctx, messageID, owner, `
		UPDATE im_outbox
		SET status = 'RETURNED', retry_count = $3, last_attempt_at = now(),
		    next_attempt_at = $4, error_message = $5,
		    lease_owner = '', lease_expiry = NULL
		WHERE message_id = $1 AND lease_owner = $2 AND lease_expiry > now()
		  AND status NOT IN ('CONFIRMED', 'DEAD')`,
		messageID, owner, retryCount, nextAttemptAt, errorMessage)
}

func (p *PostgresOutboxStore) MarkDead(ctx context.Context, messageID, owner string, errorMessage string) error {
	return p.conditionalUpdate(ctx, messageID, owner, `
		UPDATE im_outbox
		SET status = 'DEAD', last_attempt_at = now(), error_message = $3,
		    lease_owner = '', lease_expiry = NULL
		WHERE message_id = $1 AND lease_owner = $2 AND lease_expiry > now()
		  AND status NOT IN ('CONFIRMED', 'DEAD')`,
		messageID, owner, errorMessage)
}

func (p *PostgresOutboxStore) ReleaseLease(ctx context.Context, messageID, owner string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE im_outbox SET lease_owner = '', lease_expiry = NULL
		WHERE message_id = $1 AND lease_owner = $2`,
		messageID, owner)
	if err != nil {
		return fmt.Errorf("failed to release outbox lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM im_outbox WHERE message_id = $1)`, messageID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to inspect outbox message: %w", err)
		}
		if !exists {
			return interfaces.ErrMessageNotFound
		}
	}
	return nil
}

func (p *PostgresOutboxStore) Get(ctx context.Context, messageID string) (*outbox.Message, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM im_outbox WHERE message_id = $1`, messageID)
	msg, err := scanOutboxMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interfaces.ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

func (p *PostgresOutboxStore) Close() error {
	p.pool.Close()
	return nil
}

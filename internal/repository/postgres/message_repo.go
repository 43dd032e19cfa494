package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vedran77/courtside/internal/domain"
)

const messageColumns = `
	m.id, m.sender_id, m.receiver_id, m.content, m.type, m.is_read,
	m.deleted_by_sender, m.deleted_by_receiver, m.created_at,
	COALESCE(u.username, ''), COALESCE(u.display_name, '')`

type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

func (r *MessageRepo) Create(ctx context.Context, msg *domain.Message) error {
	query := `
		INSERT INTO messages (id, sender_id, receiver_id, content, type, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, msg.Type, msg.CreatedAt,
	)
	return classify(err)
}

// CreateBatch writes every message or none. Rows are copied into a staging
// table and moved with ON CONFLICT DO NOTHING, so replaying a batch whose
// commit was acknowledged ambiguously succeeds like Create does.
func (r *MessageRepo) CreateBatch(ctx context.Context, msgs []domain.Message) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			CREATE TEMP TABLE messages_batch
				(LIKE messages INCLUDING DEFAULTS) ON COMMIT DROP`); err != nil {
			return err
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"messages_batch"},
			batchColumns,
			pgx.CopyFromSlice(len(msgs), func(i int) ([]any, error) {
				m := msgs[i]
				return []any{m.ID, m.SenderID, m.ReceiverID, m.Content, string(m.Type), false, m.CreatedAt}, nil
			}),
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, insertBatchQuery)
		return err
	})
	return classify(err)
}

var batchColumns = []string{"id", "sender_id", "receiver_id", "content", "type", "is_read", "created_at"}

const insertBatchQuery = `
	INSERT INTO messages (id, sender_id, receiver_id, content, type, is_read, created_at)
	SELECT id, sender_id, receiver_id, content, type, is_read, created_at FROM messages_batch
	ON CONFLICT (id) DO NOTHING`

func (r *MessageRepo) GetVisible(ctx context.Context, viewerID, id uuid.UUID) (*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		LEFT JOIN users u ON m.sender_id = u.id
		WHERE m.id = $1
			AND ((m.sender_id = $2 AND NOT m.deleted_by_sender)
				OR (m.receiver_id = $2 AND NOT m.deleted_by_receiver))`
	msg, err := scanMessage(r.pool.QueryRow(ctx, query, id, viewerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return msg, nil
}

func (r *MessageRepo) ListBetween(ctx context.Context, viewerID, counterpartID uuid.UUID) ([]domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		LEFT JOIN users u ON m.sender_id = u.id
		WHERE (m.sender_id = $1 AND m.receiver_id = $2 AND NOT m.deleted_by_sender)
			OR (m.sender_id = $2 AND m.receiver_id = $1 AND NOT m.deleted_by_receiver)
		ORDER BY m.created_at ASC, m.id ASC`

	rows, err := r.pool.Query(ctx, query, viewerID, counterpartID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, classify(rows.Err())
}

func (r *MessageRepo) ListConversations(ctx context.Context, viewerID uuid.UUID) ([]domain.Conversation, error) {
	query := `
		WITH visible AS (
			SELECT m.*,
				CASE WHEN m.sender_id = $1 THEN m.receiver_id ELSE m.sender_id END AS counterpart_id
			FROM messages m
			WHERE (m.sender_id = $1 AND NOT m.deleted_by_sender)
				OR (m.receiver_id = $1 AND NOT m.deleted_by_receiver)
		), latest AS (
			SELECT DISTINCT ON (counterpart_id) *
			FROM visible
			ORDER BY counterpart_id, created_at DESC, id DESC
		), unread AS (
			SELECT counterpart_id, COUNT(*) AS n
			FROM visible
			WHERE receiver_id = $1 AND NOT is_read
			GROUP BY counterpart_id
		)
		SELECT l.id, l.sender_id, l.receiver_id, l.content, l.type, l.is_read,
			l.deleted_by_sender, l.deleted_by_receiver, l.created_at,
			COALESCE(s.username, ''), COALESCE(s.display_name, ''),
			l.counterpart_id, COALESCE(c.username, ''), COALESCE(c.display_name, ''),
			COALESCE(un.n, 0)
		FROM latest l
		LEFT JOIN users s ON s.id = l.sender_id
		LEFT JOIN users c ON c.id = l.counterpart_id
		LEFT JOIN unread un ON un.counterpart_id = l.counterpart_id
		ORDER BY l.created_at DESC, l.id DESC`

	rows, err := r.pool.Query(ctx, query, viewerID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		var msgType string
		m := &conv.LastMessage
		if err := rows.Scan(
			&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &msgType, &m.IsRead,
			&m.DeletedBySender, &m.DeletedByReceiver, &m.CreatedAt,
			&m.SenderUsername, &m.SenderDisplayName,
			&conv.CounterpartID, &conv.CounterpartUsername, &conv.CounterpartDisplayName,
			&conv.UnreadCount,
		); err != nil {
			return nil, err
		}
		m.Type = domain.MessageType(msgType)
		conv.LastMessageAt = m.CreatedAt
		conv.HasUnread = conv.UnreadCount > 0
		convs = append(convs, conv)
	}
	return convs, classify(rows.Err())
}

func (r *MessageRepo) MarkRead(ctx context.Context, readerID, counterpartID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		UPDATE messages SET is_read = true
		WHERE receiver_id = $1 AND sender_id = $2 AND NOT is_read
		RETURNING id`
	rows, err := r.pool.Query(ctx, query, readerID, counterpartID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

func (r *MessageRepo) SoftDelete(ctx context.Context, actingUserID, counterpartID uuid.UUID, direction domain.DeleteDirection) (int64, error) {
	var query string
	switch direction {
	case domain.DeleteAsSender:
		query = `UPDATE messages SET deleted_by_sender = true
			WHERE sender_id = $1 AND receiver_id = $2 AND NOT deleted_by_sender`
	case domain.DeleteAsReceiver:
		query = `UPDATE messages SET deleted_by_receiver = true
			WHERE receiver_id = $1 AND sender_id = $2 AND NOT deleted_by_receiver`
	default:
		return 0, errors.New("unknown delete direction: " + string(direction))
	}

	tag, err := r.pool.Exec(ctx, query, actingUserID, counterpartID)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (r *MessageRepo) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE receiver_id = $1 AND NOT is_read`, userID,
	).Scan(&n)
	return n, classify(err)
}

func (r *MessageRepo) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM messages
		WHERE (deleted_by_sender AND deleted_by_receiver) OR created_at < $1`, cutoff)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	var msgType string
	err := row.Scan(
		&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msgType, &msg.IsRead,
		&msg.DeletedBySender, &msg.DeletedByReceiver, &msg.CreatedAt,
		&msg.SenderUsername, &msg.SenderDisplayName,
	)
	if err != nil {
		return nil, err
	}
	msg.Type = domain.MessageType(msgType)
	return &msg, nil
}

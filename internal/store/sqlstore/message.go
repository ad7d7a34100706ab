package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/zhouzirui/emochat/backend/internal/store"
	"github.com/zhouzirui/emochat/backend/pkg/model/chat"
)

const messageColumns = `id, session_id, user_id, role, content, emotion, emotion_intensity, reply_to, created_ts`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*chat.Message, error) {
	var (
		m         chat.Message
		role      string
		createdTS int64
	)
	if err := row.Scan(&m.ID, &m.SessionID, &m.UserID, &role, &m.Content, &m.Emotion, &m.EmotionIntensity, &m.ReplyTo, &createdTS); err != nil {
		return nil, err
	}
	m.Role = chat.Role(role)
	m.CreatedAt = fromTS(createdTS)
	return &m, nil
}

func (d *DB) Append(ctx context.Context, m *chat.Message) (*chat.Message, error) {
	created := m.CreatedAt
	if created.IsZero() {
		created = d.now()
	}
	created = fromTS(toTS(created))

	args := []any{m.SessionID, m.UserID, string(m.Role), m.Content, m.Emotion, m.EmotionIntensity, m.ReplyTo, toTS(created)}
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = d.ph(i + 1)
	}
	stmt := `INSERT INTO chat_message (session_id, user_id, role, content, emotion, emotion_intensity, reply_to, created_ts)
		VALUES (` + strings.Join(placeholders, ", ") + `)
		RETURNING id`

	stored := *m
	stored.CreatedAt = created
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&stored.ID); err != nil {
		return nil, errors.Wrap(err, "failed to append chat message")
	}
	return &stored, nil
}

func (d *DB) Get(ctx context.Context, id int64) (*chat.Message, error) {
	return d.get(ctx, d.db, id)
}

func (d *DB) get(ctx context.Context, q querier, id int64) (*chat.Message, error) {
	row := q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chat_message WHERE id = `+d.ph(1), id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get chat message %d", id)
	}
	return m, nil
}

func (d *DB) ListBySession(ctx context.Context, sessionID string) ([]*chat.Message, error) {
	return d.list(ctx, d.db, []string{"session_id = " + d.ph(1)}, []any{sessionID}, "")
}

func (d *DB) LatestByRole(ctx context.Context, sessionID string, role chat.Role) (*chat.Message, error) {
	where := []string{"session_id = " + d.ph(1), "role = " + d.ph(2)}
	list, err := d.list(ctx, d.db, where, []any{sessionID, string(role)}, "DESC")
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (d *DB) RepliesAfter(ctx context.Context, sessionID string, t time.Time) ([]*chat.Message, error) {
	where := []string{"session_id = " + d.ph(1), "role = " + d.ph(2), "created_ts > " + d.ph(3)}
	return d.list(ctx, d.db, where, []any{sessionID, string(chat.RoleAssistant), toTS(t)}, "")
}

func (d *DB) RepliesTo(ctx context.Context, messageID int64) ([]*chat.Message, error) {
	where := []string{"reply_to = " + d.ph(1), "role = " + d.ph(2)}
	return d.list(ctx, d.db, where, []any{messageID, string(chat.RoleAssistant)}, "")
}

func (d *DB) ListAfter(ctx context.Context, pivot *chat.Message) ([]*chat.Message, error) {
	ts := toTS(pivot.CreatedAt)
	where := []string{
		"session_id = " + d.ph(1),
		"(created_ts > " + d.ph(2) + " OR (created_ts = " + d.ph(3) + " AND id > " + d.ph(4) + "))",
	}
	return d.list(ctx, d.db, where, []any{pivot.SessionID, ts, ts, pivot.ID}, "")
}

func (d *DB) UpdateContent(ctx context.Context, id int64, content string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE chat_message SET content = `+d.ph(1)+` WHERE id = `+d.ph(2), content, id)
	if err != nil {
		return errors.Wrapf(err, "failed to update chat message %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) DeleteByID(ctx context.Context, id int64) (bool, error) {
	deleted, err := d.DeleteByIDs(ctx, []int64{id})
	if err != nil {
		return false, err
	}
	return len(deleted) == 1, nil
}

func (d *DB) DeleteByIDs(ctx context.Context, ids []int64) ([]int64, error) {
	deleted := make([]int64, 0, len(ids))
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			ok, err := d.deleteOne(ctx, tx, id)
			if err != nil {
				return err
			}
			if ok {
				deleted = append(deleted, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (d *DB) Tombstone(ctx context.Context, id int64) (*store.Tombstone, error) {
	var (
		t         store.Tombstone
		deletedTS int64
	)
	row := d.db.QueryRowContext(ctx, `SELECT id, session_id, user_id, deleted_ts FROM chat_message_tombstone WHERE id = `+d.ph(1), id)
	if err := row.Scan(&t.ID, &t.SessionID, &t.UserID, &deletedTS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrapf(err, "failed to get tombstone %d", id)
	}
	t.DeletedAt = fromTS(deletedTS)
	return &t, nil
}

// deleteOne removes a message and records its tombstone inside tx.
func (d *DB) deleteOne(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	m, err := d.get(ctx, tx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_message WHERE id = `+d.ph(1), id); err != nil {
		return false, errors.Wrapf(err, "failed to delete chat message %d", id)
	}
	stmt := `INSERT INTO chat_message_tombstone (id, session_id, user_id, deleted_ts)
		VALUES (` + d.ph(1) + `, ` + d.ph(2) + `, ` + d.ph(3) + `, ` + d.ph(4) + `)
		ON CONFLICT (id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, stmt, m.ID, m.SessionID, m.UserID, toTS(d.now())); err != nil {
		return false, errors.Wrapf(err, "failed to record tombstone %d", id)
	}
	return true, nil
}

// list selects messages matching every where clause in session order.
// order is "" for ascending or "DESC".
func (d *DB) list(ctx context.Context, q querier, where []string, args []any, order string) ([]*chat.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM chat_message WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_ts ` + order + `, id ` + order
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list chat messages")
	}
	defer rows.Close()

	list := make([]*chat.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan chat message")
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate chat messages")
	}
	return list, nil
}

func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

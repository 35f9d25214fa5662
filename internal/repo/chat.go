package repo

import (
	"context"
	"database/sql"

	"lineup/internal/domain"
)

func (r Repo) InsertChatMessageTx(ctx context.Context, tx *sql.Tx, msg domain.ChatMessage) error {
	attachments, err := marshalStringSlice(msg.Attachments)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO chat_messages(id,mission_id,sender_id,body,attachments_json,created_at) VALUES (?,?,?,?,?,?)`,
		msg.ID, msg.MissionID, msg.SenderID, msg.Body, nullableStringPtr(attachments), msg.CreatedAt)
	return err
}

func (r Repo) ListChatMessages(ctx context.Context, missionID string, limit int) ([]domain.ChatMessage, error) {
	query := `SELECT id,mission_id,sender_id,body,attachments_json,created_at FROM chat_messages WHERE mission_id=? ORDER BY created_at ASC, id ASC`
	args := []any{missionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var attachments sql.NullString
		if err := rows.Scan(&m.ID, &m.MissionID, &m.SenderID, &m.Body, &attachments, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Attachments, err = unmarshalStringSlice(attachments)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

package persistence

import (
	"context"
	"database/sql"
	"time"
)

// RecordNotification appends a NotificationLog row. sent reflects whether
// delivery actually succeeded; the row is written regardless so the log
// stays an honest append-only record of every delivery attempt.
func (s *Store) RecordNotification(ctx context.Context, userID, chatID, messageType, message string, sent bool) (int64, error) {
	var sentAt interface{}
	if sent {
		sentAt = time.Now().UTC()
	}
	res, err := s.exec(ctx, `
		INSERT INTO notification_log (user_id, chat_id, message_type, message, is_sent, sent_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, nullString(userID), nullString(chatID), messageType, message, sent, sentAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentNotifications returns the most recent notifications, newest first.
func (s *Store) RecentNotifications(ctx context.Context, limit int) ([]NotificationLog, error) {
	rows, err := s.query(ctx, `
		SELECT id, user_id, chat_id, message_type, message, is_sent, sent_at, created_at
		FROM notification_log ORDER BY created_at DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotificationLog
	for rows.Next() {
		var n NotificationLog
		var userID, chatID sql.NullString
		var sentAt sql.NullTime
		if err := rows.Scan(&n.ID, &userID, &chatID, &n.MessageType, &n.Message, &n.IsSent, &sentAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.UserID = userID.String
		n.ChatID = chatID.String
		if sentAt.Valid {
			n.SentAt = &sentAt.Time
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

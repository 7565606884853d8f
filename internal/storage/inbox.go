package storage

import (
	"database/sql"
	"time"
)

// InboxMessage is a request received from a peer together with the reply we
// sent, so a retried request gets the same answer.
type InboxMessage struct {
	ID          int64     `json:"id"`
	MessageID   string    `json:"message_id"`
	SessionID   string    `json:"session_id"`
	PeerID      string    `json:"peer_id"`
	MessageType string    `json:"message_type"`
	HopIndex    int       `json:"hop_index"`
	Reply       []byte    `json:"reply,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`
}

// RecordReceivedMessage records a request. Recording the same message id
// twice is a no-op.
func (s *Storage) RecordReceivedMessage(msg *InboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO message_inbox (
			message_id, session_id, peer_id, message_type, hop_index, received_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`, msg.MessageID, msg.SessionID, msg.PeerID, msg.MessageType, msg.HopIndex, msg.ReceivedAt.Unix())
	return err
}

// StoreReply attaches the reply to a recorded request and marks it processed.
func (s *Storage) StoreReply(messageID string, reply []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE message_inbox SET reply = ?, processed_at = ? WHERE message_id = ?
	`, string(reply), time.Now().Unix(), messageID)
	return err
}

// GetInboxMessage returns a recorded request, or nil if unknown.
func (s *Storage) GetInboxMessage(messageID string) (*InboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msg InboxMessage
	var reply sql.NullString
	var receivedAt, processedAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT id, message_id, session_id, peer_id, message_type, hop_index,
		       reply, received_at, processed_at
		FROM message_inbox WHERE message_id = ?
	`, messageID).Scan(
		&msg.ID, &msg.MessageID, &msg.SessionID, &msg.PeerID, &msg.MessageType,
		&msg.HopIndex, &reply, &receivedAt, &processedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if reply.Valid && reply.String != "" {
		msg.Reply = []byte(reply.String)
	}
	msg.ReceivedAt = unixOrZero(receivedAt)
	msg.ProcessedAt = unixOrZero(processedAt)
	return &msg, nil
}

// CleanupOldInboxMessages removes inbox entries received before olderThan.
func (s *Storage) CleanupOldInboxMessages(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM message_inbox WHERE received_at < ?", olderThan.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

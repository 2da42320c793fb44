package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/notepid/whoseapp/internal/model"
)

// Repo reads and writes cached backend data.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a new cache repository.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

func encodeList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(s string) []string {
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func decodeTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// replace runs fn inside a transaction after deleting the civilization's
// rows from table.
func (r *Repo) replace(table, civID string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM "+table+" WHERE civilization_id = ?", civID); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveCharacters replaces the cached roster of a civilization.
func (r *Repo) SaveCharacters(civID string, chars []model.Character) error {
	return r.replace("characters", civID, func(tx *sql.Tx) error {
		for i, c := range chars {
			if _, err := tx.Exec(`
				INSERT INTO characters (civilization_id, id, name, title, department, avatar,
					clearance, presence, status_message, specialties, sort_order)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, civID, c.ID, c.Name, c.Title, c.Department, c.AvatarRef,
				c.Clearance.String(), string(c.Presence), c.StatusMessage, encodeList(c.Specialties), i); err != nil {
				return fmt.Errorf("save character %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// Characters returns the cached roster in backend order.
func (r *Repo) Characters(civID string) ([]model.Character, error) {
	rows, err := r.db.Query(`
		SELECT id, name, title, department, avatar, clearance, presence, status_message, specialties
		FROM characters WHERE civilization_id = ?
		ORDER BY sort_order
	`, civID)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	var chars []model.Character
	for rows.Next() {
		var c model.Character
		var clearance, presence, specialties string
		if err := rows.Scan(&c.ID, &c.Name, &c.Title, &c.Department, &c.AvatarRef,
			&clearance, &presence, &c.StatusMessage, &specialties); err != nil {
			return nil, err
		}
		c.Clearance, _ = model.ParseClearance(clearance)
		c.Presence, _ = model.ParsePresence(presence)
		c.Specialties = decodeList(specialties)
		chars = append(chars, c)
	}
	return chars, rows.Err()
}

// SaveConversations replaces the cached conversation list.
func (r *Repo) SaveConversations(civID string, convs []model.Conversation) error {
	return r.replace("conversations", civID, func(tx *sql.Tx) error {
		for _, c := range convs {
			if _, err := tx.Exec(`
				INSERT INTO conversations (civilization_id, id, participants, kind, title,
					last_message, last_message_at, unread_count, is_pinned, is_active)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, civID, c.ID, encodeList(c.ParticipantIDs), string(c.Kind), c.Title,
				c.LastMessageSummary, encodeTime(c.LastMessageTime), c.UnreadCount, c.IsPinned, c.IsActive); err != nil {
				return fmt.Errorf("save conversation %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// Conversations returns the cached conversation list.
func (r *Repo) Conversations(civID string) ([]model.Conversation, error) {
	rows, err := r.db.Query(`
		SELECT id, participants, kind, title, last_message, last_message_at,
		       unread_count, is_pinned, is_active
		FROM conversations WHERE civilization_id = ?
		ORDER BY is_pinned DESC, last_message_at DESC, id
	`, civID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		var c model.Conversation
		var participants, kind string
		var last int64
		if err := rows.Scan(&c.ID, &participants, &kind, &c.Title, &c.LastMessageSummary,
			&last, &c.UnreadCount, &c.IsPinned, &c.IsActive); err != nil {
			return nil, err
		}
		c.ParticipantIDs = decodeList(participants)
		c.Kind = model.ConversationKind(kind)
		c.LastMessageTime = decodeTime(last)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// SaveChannels replaces the cached channel list.
func (r *Repo) SaveChannels(civID string, chans []model.Channel) error {
	return r.replace("channels", civID, func(tx *sql.Tx) error {
		for _, ch := range chans {
			if _, err := tx.Exec(`
				INSERT INTO channels (civilization_id, id, name, description, type, confidentiality,
					department_id, project_id, members, last_message, last_message_at,
					unread_count, is_pinned, is_active)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, civID, ch.ID, ch.Name, ch.Description, string(ch.Type), ch.Confidentiality.String(),
				ch.DepartmentID, ch.ProjectID, encodeList(ch.MemberIDs), ch.LastMessageSummary,
				encodeTime(ch.LastMessageTime), ch.UnreadCount, ch.IsPinned, ch.IsActive); err != nil {
				return fmt.Errorf("save channel %s: %w", ch.ID, err)
			}
		}
		return nil
	})
}

// Channels returns the cached channel list.
func (r *Repo) Channels(civID string) ([]model.Channel, error) {
	rows, err := r.db.Query(`
		SELECT id, name, description, type, confidentiality, department_id, project_id,
		       members, last_message, last_message_at, unread_count, is_pinned, is_active
		FROM channels WHERE civilization_id = ?
		ORDER BY is_pinned DESC, last_message_at DESC, id
	`, civID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var chans []model.Channel
	for rows.Next() {
		var ch model.Channel
		var typ, conf, members string
		var last int64
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Description, &typ, &conf, &ch.DepartmentID,
			&ch.ProjectID, &members, &ch.LastMessageSummary, &last, &ch.UnreadCount,
			&ch.IsPinned, &ch.IsActive); err != nil {
			return nil, err
		}
		ch.Type, _ = model.ParseChannelType(typ)
		ch.Confidentiality, _ = model.ParseClearance(conf)
		ch.MemberIDs = decodeList(members)
		ch.LastMessageTime = decodeTime(last)
		chans = append(chans, ch)
	}
	return chans, rows.Err()
}

// SaveMessages upserts confirmed messages of a parent and keeps only the
// newest keep of them. Temp messages are never cached.
func (r *Repo) SaveMessages(parentID string, msgs []model.Message, keep int) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if m.IsTemp() || m.Status == model.StatusUnconfirmed {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (id, parent_id, sender_id, content, type, sent_at, is_read, audio_ref)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				content = excluded.content,
				type = excluded.type,
				sent_at = excluded.sent_at,
				is_read = excluded.is_read,
				audio_ref = excluded.audio_ref
		`, m.ID, parentID, m.SenderID, m.Content, string(m.Type), encodeTime(m.Timestamp), m.IsRead, m.AudioRef); err != nil {
			return fmt.Errorf("save message %s: %w", m.ID, err)
		}
	}

	if keep > 0 {
		if _, err := tx.Exec(`
			DELETE FROM messages WHERE parent_id = ? AND id NOT IN (
				SELECT id FROM messages WHERE parent_id = ?
				ORDER BY sent_at DESC, id DESC LIMIT ?
			)
		`, parentID, parentID, keep); err != nil {
			return fmt.Errorf("trim messages: %w", err)
		}
	}
	return tx.Commit()
}

// Messages returns up to limit of the newest cached messages of a parent,
// ascending by timestamp.
func (r *Repo) Messages(parentID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.Query(`
		SELECT id, sender_id, content, type, sent_at, is_read, audio_ref FROM (
			SELECT * FROM messages WHERE parent_id = ?
			ORDER BY sent_at DESC, id DESC LIMIT ?
		) ORDER BY sent_at ASC, id ASC
	`, parentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m := model.Message{ParentID: parentID, Status: model.StatusConfirmed}
		var typ string
		var sent int64
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Content, &typ, &sent, &m.IsRead, &m.AudioRef); err != nil {
			return nil, err
		}
		m.Type, _ = model.ParseMessageType(typ)
		m.Timestamp = decodeTime(sent)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Preference returns a stored preference value.
func (r *Repo) Preference(key string) (string, bool, error) {
	var v string
	err := r.db.QueryRow("SELECT value FROM preferences WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load preference %s: %w", key, err)
	}
	return v, true, nil
}

// SetPreference stores a preference value.
func (r *Repo) SetPreference(key, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("update preference %s: %w", key, err)
	}
	return nil
}

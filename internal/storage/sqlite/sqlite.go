package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meszmate/beacon/internal/models"
)

type DB struct {
	db *sql.DB
}

func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "beacon.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stanza_id TEXT,
			account TEXT NOT NULL,
			peer TEXT NOT NULL,
			group_id TEXT,
			body TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			server_time INTEGER DEFAULT 0,
			outgoing INTEGER NOT NULL,
			encrypt INTEGER NOT NULL DEFAULT 0,
			status INTEGER NOT NULL DEFAULT 0,
			media_path TEXT,
			media_url TEXT,
			media_mime TEXT,
			in_reply_to TEXT,
			receipt_for INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(account, peer)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status)`,

		`CREATE TABLE IF NOT EXISTS keepalive (
			network TEXT PRIMARY KEY,
			interval_ms INTEGER NOT NULL,
			next_increase_ms INTEGER NOT NULL,
			updated INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS chat_groups (
			group_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			subject TEXT,
			partial_allowed INTEGER DEFAULT 0,
			updated INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL REFERENCES chat_groups(group_id) ON DELETE CASCADE,
			jid TEXT NOT NULL,
			PRIMARY KEY (group_id, jid)
		)`,

		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS roster_cache (
			account TEXT NOT NULL,
			jid TEXT NOT NULL,
			name TEXT,
			groups_json TEXT,
			subscription TEXT,
			last_updated INTEGER NOT NULL,
			PRIMARY KEY (account, jid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_roster_cache_account ON roster_cache(account)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// Databases created before security flags were recorded lack the column.
	if _, err := d.db.Exec(`ALTER TABLE messages ADD COLUMN security INTEGER DEFAULT 0`); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
			return fmt.Errorf("failed to ensure security column: %w", err)
		}
	}
	if _, err := d.db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_stanza_id ON messages(stanza_id)`); err != nil {
		return fmt.Errorf("failed to ensure stanza_id index: %w", err)
	}

	return nil
}

const messageColumns = `id, stanza_id, account, peer, group_id, body, timestamp, server_time,
	outgoing, encrypt, status, security, media_path, media_url, media_mime, in_reply_to, receipt_for`

// SaveMessage inserts msg and sets its ID
func (d *DB) SaveMessage(msg *models.Message) error {
	res, err := d.db.Exec(`
		INSERT INTO messages (stanza_id, account, peer, group_id, body, timestamp, server_time,
			outgoing, encrypt, status, security, media_path, media_url, media_mime, in_reply_to, receipt_for)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.StanzaID, msg.Account, msg.Peer, msg.GroupID, msg.Body, msg.Timestamp.UnixMilli(), unixMilli(msg.ServerTime),
		msg.Outgoing, msg.Encrypt, int(msg.Status), uint32(msg.Security), msg.MediaPath, msg.MediaURL, msg.MediaMIME,
		msg.InReplyTo, msg.ReceiptFor)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	return nil
}

func (d *DB) GetMessage(id int64) (*models.Message, error) {
	row := d.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

func (d *DB) GetMessageByStanzaID(account, stanzaID string) (*models.Message, error) {
	row := d.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE account = ? AND stanza_id = ?
		ORDER BY id DESC LIMIT 1`, account, stanzaID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

func (d *DB) GetMessages(account, peer string, limit, offset int) ([]models.Message, error) {
	rows, err := d.db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE account = ? AND peer = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, account, peer, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// PendingMessages returns outgoing messages still waiting to be handed to the transport
func (d *DB) PendingMessages(account string) ([]models.Message, error) {
	rows, err := d.db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE account = ? AND outgoing = 1 AND status = ?
		ORDER BY id
	`, account, int(models.StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// PendingMessageCount counts outgoing messages that have not reached the server
func (d *DB) PendingMessageCount() (int64, error) {
	var count int64
	err := d.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE outgoing = 1 AND status IN (?, ?)`,
		int(models.StatusPending), int(models.StatusSending)).Scan(&count)
	return count, err
}

// UpdateMessageStatus sets the status of a message. A zero timestamp leaves
// the server time untouched.
func (d *DB) UpdateMessageStatus(id int64, status models.MessageStatus, timestamp time.Time) error {
	_, err := d.UpdateMessageStatusExcept(id, status, timestamp)
	return err
}

// UpdateMessageStatusExcept sets the status unless the message already has one
// of the excluded statuses. It reports whether a row changed.
func (d *DB) UpdateMessageStatusExcept(id int64, status models.MessageStatus, timestamp time.Time, exclude ...models.MessageStatus) (bool, error) {
	query := `UPDATE messages SET status = ?`
	args := []any{int(status)}
	if !timestamp.IsZero() {
		query += `, server_time = ?`
		args = append(args, timestamp.UnixMilli())
	}
	query += ` WHERE id = ?`
	args = append(args, id)
	if len(exclude) > 0 {
		query += ` AND status NOT IN (?` + strings.Repeat(", ?", len(exclude)-1) + `)`
		for _, s := range exclude {
			args = append(args, int(s))
		}
	}

	res, err := d.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (d *DB) UpdateMessageSecurity(id int64, flags models.SecurityFlags) error {
	_, err := d.db.Exec("UPDATE messages SET security = ? WHERE id = ?", uint32(flags), id)
	return err
}

func (d *DB) SetMessageMediaURL(id int64, url string) error {
	_, err := d.db.Exec("UPDATE messages SET media_url = ? WHERE id = ?", url, id)
	return err
}

func (d *DB) MessageExists(account, stanzaID string) (bool, error) {
	var one int
	err := d.db.QueryRow("SELECT 1 FROM messages WHERE account = ? AND stanza_id = ?", account, stanzaID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return one == 1, nil
}

func (d *DB) DeleteMessages(account, peer string) error {
	_, err := d.db.Exec("DELETE FROM messages WHERE account = ? AND peer = ?", account, peer)
	return err
}

func (d *DB) DeleteOldMessages(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	result, err := d.db.Exec("DELETE FROM messages WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (d *DB) GetMessageCount() (int64, error) {
	var count int64
	err := d.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var msg models.Message
	var stanzaID, groupID, mediaPath, mediaURL, mediaMIME, inReplyTo sql.NullString
	var ts, serverTime int64
	var status int
	var security uint32

	err := row.Scan(&msg.ID, &stanzaID, &msg.Account, &msg.Peer, &groupID, &msg.Body, &ts, &serverTime,
		&msg.Outgoing, &msg.Encrypt, &status, &security, &mediaPath, &mediaURL, &mediaMIME, &inReplyTo, &msg.ReceiptFor)
	if err != nil {
		return nil, err
	}

	msg.StanzaID = stanzaID.String
	msg.GroupID = groupID.String
	msg.MediaPath = mediaPath.String
	msg.MediaURL = mediaURL.String
	msg.MediaMIME = mediaMIME.String
	msg.InReplyTo = inReplyTo.String
	msg.Timestamp = time.UnixMilli(ts)
	if serverTime > 0 {
		msg.ServerTime = time.UnixMilli(serverTime)
	}
	msg.Status = models.MessageStatus(status)
	msg.Security = models.SecurityFlags(security)
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// LoadKeepalive returns the stored interval for a network
func (d *DB) LoadKeepalive(network string) (interval, nextIncrease time.Duration, ok bool, err error) {
	var iv, next int64
	err = d.db.QueryRow(`SELECT interval_ms, next_increase_ms FROM keepalive WHERE network = ?`, network).Scan(&iv, &next)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return time.Duration(iv) * time.Millisecond, time.Duration(next) * time.Millisecond, true, nil
}

func (d *DB) SaveKeepalive(network string, interval, nextIncrease time.Duration) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO keepalive (network, interval_ms, next_increase_ms, updated)
		VALUES (?, ?, ?, ?)
	`, network, interval.Milliseconds(), nextIncrease.Milliseconds(), time.Now().Unix())
	return err
}

type Group struct {
	ID      string
	Owner   string
	Subject string
	// PartialAllowed lets the group be messaged while some members are unsubscribed
	PartialAllowed bool
	Members        []string
}

func (d *DB) SaveGroup(g Group) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO chat_groups (group_id, owner, subject, partial_allowed, updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET owner = excluded.owner, subject = excluded.subject,
			partial_allowed = excluded.partial_allowed, updated = excluded.updated
	`, g.ID, g.Owner, g.Subject, g.PartialAllowed, time.Now().Unix())
	if err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM group_members WHERE group_id = ?", g.ID); err != nil {
		return err
	}
	for _, jid := range g.Members {
		if _, err := tx.Exec("INSERT OR IGNORE INTO group_members (group_id, jid) VALUES (?, ?)", g.ID, jid); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (d *DB) GetGroup(groupID string) (*Group, error) {
	var g Group
	var subject sql.NullString
	err := d.db.QueryRow(`SELECT group_id, owner, subject, partial_allowed FROM chat_groups WHERE group_id = ?`, groupID).
		Scan(&g.ID, &g.Owner, &subject, &g.PartialAllowed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.Subject = subject.String

	rows, err := d.db.Query(`SELECT jid FROM group_members WHERE group_id = ? ORDER BY jid`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var jid string
		if err := rows.Scan(&jid); err != nil {
			return nil, err
		}
		g.Members = append(g.Members, jid)
	}
	return &g, rows.Err()
}

func (d *DB) IsGroupMember(groupID, jid string) (bool, error) {
	var one int
	err := d.db.QueryRow("SELECT 1 FROM group_members WHERE group_id = ? AND jid = ?", groupID, jid).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *DB) DeleteGroup(groupID string) error {
	_, err := d.db.Exec("DELETE FROM chat_groups WHERE group_id = ?", groupID)
	return err
}

func (d *DB) SetAppState(key, value string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO app_state (key, value)
		VALUES (?, ?)
	`, key, value)
	return err
}

func (d *DB) GetAppState(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (d *DB) DeleteAppState(key string) error {
	_, err := d.db.Exec("DELETE FROM app_state WHERE key = ?", key)
	return err
}

func (d *DB) GetDatabaseSize() (int64, error) {
	var pageCount, pageSize int64
	err := d.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, err
	}
	err = d.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

func (d *DB) Vacuum() error {
	_, err := d.db.Exec("VACUUM")
	return err
}

type RosterEntry struct {
	JID          string
	Name         string
	Groups       []string
	Subscription string
}

func (d *DB) SaveRoster(account string, entries []RosterEntry) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM roster_cache WHERE account = ?", account); err != nil {
		return err
	}

	for _, entry := range entries {
		groupsJSON := "[]"
		if len(entry.Groups) > 0 {
			encoded, err := json.Marshal(entry.Groups)
			if err != nil {
				return err
			}
			groupsJSON = string(encoded)
		}

		_, err := tx.Exec(`
			INSERT INTO roster_cache (account, jid, name, groups_json, subscription, last_updated)
			VALUES (?, ?, ?, ?, ?, ?)
		`, account, entry.JID, nullString(entry.Name), groupsJSON, entry.Subscription, time.Now().Unix())
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (d *DB) GetRoster(account string) ([]RosterEntry, error) {
	rows, err := d.db.Query(`
		SELECT jid, name, groups_json, subscription
		FROM roster_cache
		WHERE account = ?
		ORDER BY COALESCE(NULLIF(name, ''), jid), jid
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []RosterEntry
	for rows.Next() {
		var entry RosterEntry
		var groupsJSON sql.NullString
		var name, subscription sql.NullString

		if err := rows.Scan(&entry.JID, &name, &groupsJSON, &subscription); err != nil {
			return nil, err
		}

		if name.Valid {
			entry.Name = name.String
		}
		if subscription.Valid {
			entry.Subscription = subscription.String
		}
		if groupsJSON.Valid && groupsJSON.String != "" {
			if err := json.Unmarshal([]byte(groupsJSON.String), &entry.Groups); err != nil {
				return nil, fmt.Errorf("roster entry %s: bad groups: %w", entry.JID, err)
			}
		}

		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (d *DB) ClearRoster(account string) error {
	_, err := d.db.Exec("DELETE FROM roster_cache WHERE account = ?", account)
	return err
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "wacast/pkg/logx"

	"wacast/internal/transport"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// upsertChunk bounds the number of rows written per transaction during
// history syncs, matching the wire layer's batch sizes.
const upsertChunk = 100

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store at cfg.Path, creating the directory
// and running migrations as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Credentials ----

func (s *sqliteStore) ReadCredentials(ctx context.Context, clientID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM auth_creds WHERE client_id = ?`, clientID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *sqliteStore) UpsertCredentials(ctx context.Context, clientID string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_creds(client_id, data) VALUES(?,?)
		 ON CONFLICT(client_id) DO UPDATE SET data=excluded.data`,
		clientID, data,
	)
	return err
}

// ---- Key material ----

func (s *sqliteStore) ReadKey(ctx context.Context, clientID, keyType, keyID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM auth_keys WHERE client_id = ? AND key_type = ? AND key_id = ?`,
		clientID, keyType, keyID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *sqliteStore) UpsertKey(ctx context.Context, clientID, keyType, keyID string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_keys(client_id, key_type, key_id, data) VALUES(?,?,?,?)
		 ON CONFLICT(client_id, key_type, key_id) DO UPDATE SET data=excluded.data`,
		clientID, keyType, keyID, data,
	)
	return err
}

func (s *sqliteStore) DeleteKey(ctx context.Context, clientID, keyType, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_keys WHERE client_id = ? AND key_type = ? AND key_id = ?`,
		clientID, keyType, keyID,
	)
	return err
}

// ---- Tenant purge ----

func (s *sqliteStore) PurgeTenant(ctx context.Context, clientID string) error {
	if clientID == "" {
		return errors.New("client id is required for purge")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM auth_keys WHERE client_id = ?`,
		`DELETE FROM auth_creds WHERE client_id = ?`,
		`DELETE FROM chats WHERE client_id = ?`,
		`DELETE FROM messages WHERE client_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, clientID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- Inbound persistence ----

func (s *sqliteStore) UpsertMessages(ctx context.Context, clientID string, msgs []transport.Message) error {
	for start := 0; start < len(msgs); start += upsertChunk {
		end := min(start+upsertChunk, len(msgs))
		if err := s.upsertMessageChunk(ctx, clientID, msgs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) upsertMessageChunk(ctx context.Context, clientID string, msgs []transport.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages(client_id, id, chat_id, remote_jid, from_me, ts, push_name, data)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   chat_id=excluded.chat_id, remote_jid=excluded.remote_jid,
		   from_me=excluded.from_me, ts=excluded.ts,
		   push_name=excluded.push_name, data=excluded.data`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, clientID, m.ID, m.ChatID, m.RemoteJID, m.FromMe, m.Timestamp, m.PushName, m.Data); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) UpsertChats(ctx context.Context, clientID string, chats []transport.Chat) error {
	for start := 0; start < len(chats); start += upsertChunk {
		end := min(start+upsertChunk, len(chats))
		if err := s.upsertChatChunk(ctx, clientID, chats[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) upsertChatChunk(ctx context.Context, clientID string, chats []transport.Chat) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chats(client_id, id, name, last_msg_time, unread_count, data)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, last_msg_time=excluded.last_msg_time,
		   unread_count=excluded.unread_count, data=excluded.data`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chats {
		if c.ID == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, clientID, c.ID, nullStr(c.Name), c.LastMsgTime, c.UnreadCount, c.Data); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetMessage(ctx context.Context, clientID, id string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM messages WHERE client_id = ? AND id = ?`, clientID, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// ---- Dispatch support ----

func (s *sqliteStore) ListMembers(ctx context.Context, clientID string, listIDs []int64) ([]string, error) {
	if len(listIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(listIDs)+1)
	args = append(args, clientID)
	ph := make([]string, len(listIDs))
	for i, id := range listIDs {
		ph[i] = "?"
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT remote_jid FROM messaging_list_members
		 WHERE client_id = ? AND list_id IN (`+strings.Join(ph, ",")+`)
		 ORDER BY id`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jids []string
	for rows.Next() {
		var jid string
		if err := rows.Scan(&jid); err != nil {
			return nil, err
		}
		jids = append(jids, jid)
	}
	return jids, rows.Err()
}

func (s *sqliteStore) CreateBroadcast(ctx context.Context, owner, content string, listIDs []int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO broadcasts(owner_number, content, created_at) VALUES(?,?,?)`,
		owner, content, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, listID := range listIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO broadcast_lists(broadcast_id, list_id) VALUES(?,?)`,
			id, listID,
		); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqliteStore) PruneBroadcasts(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM broadcasts WHERE created_at < ?`, olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

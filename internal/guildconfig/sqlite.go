package guildconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-yomiage/internal/tts"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &sqliteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS auto_join_rules (
    guild_id TEXT PRIMARY KEY,
    voice_channel_id TEXT NOT NULL,
    text_channel_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS text_channel_bindings (
    guild_id TEXT PRIMARY KEY,
    channel_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS voice_params (
    guild_id TEXT PRIMARY KEY,
    params TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS dictionary_entries (
    guild_id TEXT NOT NULL,
    surface TEXT NOT NULL,
    entry TEXT NOT NULL,
    PRIMARY KEY (guild_id, surface)
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init guild config schema: %w", err)
	}
	return nil
}

func (s *sqliteStore) AutoJoinRule(ctx context.Context, guildID string) (*AutoJoinRule, error) {
	var rule AutoJoinRule
	err := s.db.QueryRowContext(ctx,
		`SELECT voice_channel_id, text_channel_id FROM auto_join_rules WHERE guild_id = ?`, guildID).
		Scan(&rule.VoiceChannelID, &rule.TextChannelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *sqliteStore) SetAutoJoinRule(ctx context.Context, guildID string, rule AutoJoinRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auto_join_rules(guild_id, voice_channel_id, text_channel_id) VALUES(?, ?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET voice_channel_id=excluded.voice_channel_id, text_channel_id=excluded.text_channel_id`,
		guildID, rule.VoiceChannelID, rule.TextChannelID)
	return err
}

func (s *sqliteStore) DeleteAutoJoinRule(ctx context.Context, guildID string) (bool, error) {
	return s.deleteRow(ctx, `DELETE FROM auto_join_rules WHERE guild_id = ?`, guildID)
}

func (s *sqliteStore) TextChannelBinding(ctx context.Context, guildID string) (string, error) {
	var channelID string
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id FROM text_channel_bindings WHERE guild_id = ?`, guildID).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return channelID, err
}

func (s *sqliteStore) SetTextChannelBinding(ctx context.Context, guildID, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO text_channel_bindings(guild_id, channel_id) VALUES(?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET channel_id=excluded.channel_id`,
		guildID, channelID)
	return err
}

func (s *sqliteStore) VoiceParams(ctx context.Context, guildID string) (tts.VoiceParams, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT params FROM voice_params WHERE guild_id = ?`, guildID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return tts.DefaultVoiceParams(), nil
	}
	if err != nil {
		return tts.DefaultVoiceParams(), err
	}
	return decodeVoiceParams([]byte(raw))
}

func (s *sqliteStore) SetVoiceParams(ctx context.Context, guildID string, params tts.VoiceParams) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO voice_params(guild_id, params) VALUES(?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET params=excluded.params`,
		guildID, string(raw))
	return err
}

func (s *sqliteStore) DictionaryEntries(ctx context.Context, guildID string) ([]DictionaryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM dictionary_entries WHERE guild_id = ? ORDER BY surface ASC`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []DictionaryEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e DictionaryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode dictionary entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *sqliteStore) PutDictionaryEntry(ctx context.Context, guildID string, entry DictionaryEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dictionary_entries(guild_id, surface, entry) VALUES(?, ?, ?)
		 ON CONFLICT(guild_id, surface) DO UPDATE SET entry=excluded.entry`,
		guildID, entry.Surface, string(raw))
	return err
}

func (s *sqliteStore) DeleteDictionaryEntry(ctx context.Context, guildID, surface string) (bool, error) {
	return s.deleteRow(ctx, `DELETE FROM dictionary_entries WHERE guild_id = ? AND surface = ?`, guildID, surface)
}

func (s *sqliteStore) deleteRow(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sql.DB
}

// ActionEvent is one dispatch outcome.
type ActionEvent struct {
	ID        int64
	GuildID   string
	ChannelID string
	UserID    string
	Action    string
	Outcome   string
	Details   string
	// MenuToken links reaction outcomes to the menu they were made on.
	MenuToken string
	CreatedAt time.Time
}

// Menu is a menu message posted after an authorized request. Reactions are
// only honoured on messages recorded here.
type Menu struct {
	MessageID    string
	ChannelID    string
	GuildID      string
	AuthorizedBy string
	Token        string
	CreatedAt    time.Time
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway; one connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Store) Migrate() error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}

	var files []string
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrations.ReadFile(path.Join("migrations", file))
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			if isIgnorableMigrationError(err) {
				continue
			}
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
	}
	return nil
}

func (s *Store) AddActionEvent(ctx context.Context, event ActionEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_events (guild_id, channel_id, user_id, action, outcome, details, menu_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.GuildID, event.ChannelID, event.UserID, event.Action, event.Outcome, event.Details, event.MenuToken, event.CreatedAt.Unix())
	return err
}

// ListActionEvents returns the guild's events recorded at or after since,
// newest first.
func (s *Store) ListActionEvents(ctx context.Context, guildID string, since time.Time) ([]ActionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, channel_id, user_id, action, outcome, details, menu_token, created_at
		FROM action_events
		WHERE guild_id = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC
	`, guildID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ActionEvent
	for rows.Next() {
		var event ActionEvent
		var created int64
		if err := rows.Scan(&event.ID, &event.GuildID, &event.ChannelID, &event.UserID, &event.Action, &event.Outcome, &event.Details, &event.MenuToken, &created); err != nil {
			return nil, err
		}
		event.CreatedAt = time.Unix(created, 0)
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) CleanupActionEvents(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	_, err := s.db.ExecContext(ctx, `DELETE FROM action_events WHERE created_at < ?`, cutoff.Unix())
	return err
}

func (s *Store) AddMenu(ctx context.Context, menu Menu) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO menus (message_id, channel_id, guild_id, authorized_by, token, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, menu.MessageID, menu.ChannelID, menu.GuildID, menu.AuthorizedBy, menu.Token, menu.CreatedAt.Unix())
	return err
}

// GetMenu returns the menu recorded for messageID; ok is false when the
// message was never posted as an authorized menu.
func (s *Store) GetMenu(ctx context.Context, messageID string) (Menu, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, channel_id, guild_id, authorized_by, token, created_at
		FROM menus WHERE message_id = ?
	`, messageID)

	var menu Menu
	var created int64
	err := row.Scan(&menu.MessageID, &menu.ChannelID, &menu.GuildID, &menu.AuthorizedBy, &menu.Token, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Menu{}, false, nil
		}
		return Menu{}, false, err
	}
	menu.CreatedAt = time.Unix(created, 0)
	return menu, true, nil
}

func (s *Store) DeleteMenu(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM menus WHERE message_id = ?`, messageID)
	return err
}

func isIgnorableMigrationError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "duplicate column name") || strings.Contains(message, "already exists")
}

package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"dcrelay/internal/database/models"
	"dcrelay/internal/types"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Database is the durable Store backed by SQLite.
type Database struct {
	db  *sqlx.DB
	log zerolog.Logger
}

var _ Store = (*Database)(nil)

// NewDatabase opens (creating if needed) the SQLite database at dbPath and
// applies pending migrations.
func NewDatabase(dbPath string, log zerolog.Logger) (*Database, error) {
	// Create directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{db: db, log: log.With().Str("component", "sqlite").Logger()}
	if err := database.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	database.log.Info().Str("path", dbPath).Msg("Database connected and migrated")
	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Ping checks the connection.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// migrate applies the embedded schema migrations.
func (d *Database) migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(d.db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	version, _, _ := m.Version()
	d.log.Debug().Uint("version", version).Msg("Schema up to date")
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound
	}
	return err
}

const userColumns = `id, network_a_user_id, network_a_display_name, network_b_user_id, network_b_display_name, created_at, updated_at`

func userColumn(network types.Network) string {
	if network == types.NetworkA {
		return "network_a_user_id"
	}
	return "network_b_user_id"
}

func (d *Database) GetUserMapping(ctx context.Context, network types.Network, userID string) (*models.UserMapping, error) {
	if userID == "" {
		return nil, types.ErrNotFound
	}
	var m models.UserMapping
	err := d.db.GetContext(ctx, &m,
		`SELECT `+userColumns+` FROM user_mappings WHERE `+userColumn(network)+` = ?`, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (d *Database) UpsertUserMapping(ctx context.Context, m *models.UserMapping) (*models.UserMapping, error) {
	if err := validateUserMapping(m); err != nil {
		return nil, err
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	lookup := func(column, value string) (*models.UserMapping, error) {
		if value == "" {
			return nil, nil
		}
		var row models.UserMapping
		err := tx.GetContext(ctx, &row, `SELECT `+userColumns+` FROM user_mappings WHERE `+column+` = ?`, value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &row, nil
	}

	rowA, err := lookup("network_a_user_id", m.NetworkAUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user mapping: %w", err)
	}
	rowB, err := lookup("network_b_user_id", m.NetworkBUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user mapping: %w", err)
	}

	now := time.Now().UTC()
	if rowA != nil && rowB != nil && rowA.ID != rowB.ID {
		// B moves onto rowA; rowB keeps its A side or disappears.
		moved := *m
		moved.NetworkBDisplayName = keepName(m.NetworkBDisplayName, rowB.NetworkBDisplayName)
		m = &moved
		if rowB.NetworkAUserID == "" {
			_, err = tx.ExecContext(ctx, `DELETE FROM user_mappings WHERE id = ?`, rowB.ID)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE user_mappings SET network_b_user_id = '', network_b_display_name = '', updated_at = ? WHERE id = ?`,
				now, rowB.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to detach user mapping: %w", err)
		}
		rowB = nil
	}

	row := rowA
	if row == nil {
		row = rowB
	}
	if row == nil {
		row = &models.UserMapping{CreatedAt: now}
	}
	if m.NetworkAUserID != "" {
		row.NetworkAUserID = m.NetworkAUserID
		row.NetworkADisplayName = keepName(m.NetworkADisplayName, row.NetworkADisplayName)
	}
	if m.NetworkBUserID != "" {
		row.NetworkBUserID = m.NetworkBUserID
		row.NetworkBDisplayName = keepName(m.NetworkBDisplayName, row.NetworkBDisplayName)
	}
	row.UpdatedAt = now

	if row.ID == 0 {
		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO user_mappings (network_a_user_id, network_a_display_name, network_b_user_id, network_b_display_name, created_at, updated_at)
			VALUES (:network_a_user_id, :network_a_display_name, :network_b_user_id, :network_b_display_name, :created_at, :updated_at)`, row)
		if err != nil {
			return nil, fmt.Errorf("failed to create user mapping: %w", err)
		}
		if row.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("failed to get user mapping ID: %w", err)
		}
	} else {
		_, err := tx.NamedExecContext(ctx, `
			UPDATE user_mappings
			SET network_a_user_id = :network_a_user_id, network_a_display_name = :network_a_display_name,
			    network_b_user_id = :network_b_user_id, network_b_display_name = :network_b_display_name,
			    updated_at = :updated_at
			WHERE id = :id`, row)
		if err != nil {
			return nil, fmt.Errorf("failed to update user mapping: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return row, nil
}

func (d *Database) ListUserMappings(ctx context.Context) ([]*models.UserMapping, error) {
	var out []*models.UserMapping
	if err := d.db.SelectContext(ctx, &out, `SELECT `+userColumns+` FROM user_mappings ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to query user mappings: %w", err)
	}
	return out, nil
}

const roomColumns = `id, network_a_room_id, network_a_room_name, network_b_room_id, network_b_room_name, bidirectional, created_at, updated_at`

func roomColumn(network types.Network) string {
	if network == types.NetworkA {
		return "network_a_room_id"
	}
	return "network_b_room_id"
}

func (d *Database) GetRoomMapping(ctx context.Context, network types.Network, roomID string) (*models.RoomMapping, error) {
	if roomID == "" {
		return nil, types.ErrNotFound
	}
	var m models.RoomMapping
	err := d.db.GetContext(ctx, &m,
		`SELECT `+roomColumns+` FROM room_mappings WHERE `+roomColumn(network)+` = ?`, roomID)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (d *Database) UpsertRoomMapping(ctx context.Context, m *models.RoomMapping) (*models.RoomMapping, error) {
	if err := validateRoomMapping(m); err != nil {
		return nil, err
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var rows []*models.RoomMapping
	err = tx.SelectContext(ctx, &rows,
		`SELECT `+roomColumns+` FROM room_mappings WHERE network_a_room_id = ? OR network_b_room_id = ? ORDER BY id`,
		m.NetworkARoomID, m.NetworkBRoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query room mapping: %w", err)
	}

	now := time.Now().UTC()
	var row *models.RoomMapping
	for _, r := range rows {
		if r.NetworkARoomID == m.NetworkARoomID {
			row = r
		}
	}
	for _, r := range rows {
		if row == nil {
			row = r
			continue
		}
		if r.ID != row.ID {
			if _, err := tx.ExecContext(ctx, `DELETE FROM room_mappings WHERE id = ?`, r.ID); err != nil {
				return nil, fmt.Errorf("failed to replace room mapping: %w", err)
			}
		}
	}
	if row == nil {
		row = &models.RoomMapping{CreatedAt: now}
	}
	row.NetworkARoomID = m.NetworkARoomID
	row.NetworkARoomName = keepName(m.NetworkARoomName, row.NetworkARoomName)
	row.NetworkBRoomID = m.NetworkBRoomID
	row.NetworkBRoomName = keepName(m.NetworkBRoomName, row.NetworkBRoomName)
	row.Bidirectional = m.Bidirectional
	row.UpdatedAt = now

	if row.ID == 0 {
		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO room_mappings (network_a_room_id, network_a_room_name, network_b_room_id, network_b_room_name, bidirectional, created_at, updated_at)
			VALUES (:network_a_room_id, :network_a_room_name, :network_b_room_id, :network_b_room_name, :bidirectional, :created_at, :updated_at)`, row)
		if err != nil {
			return nil, fmt.Errorf("failed to create room mapping: %w", err)
		}
		if row.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("failed to get room mapping ID: %w", err)
		}
	} else {
		_, err := tx.NamedExecContext(ctx, `
			UPDATE room_mappings
			SET network_a_room_id = :network_a_room_id, network_a_room_name = :network_a_room_name,
			    network_b_room_id = :network_b_room_id, network_b_room_name = :network_b_room_name,
			    bidirectional = :bidirectional, updated_at = :updated_at
			WHERE id = :id`, row)
		if err != nil {
			return nil, fmt.Errorf("failed to update room mapping: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return row, nil
}

func (d *Database) ListRoomMappings(ctx context.Context) ([]*models.RoomMapping, error) {
	var out []*models.RoomMapping
	if err := d.db.SelectContext(ctx, &out, `SELECT `+roomColumns+` FROM room_mappings ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to query room mappings: %w", err)
	}
	return out, nil
}

const messageColumns = `id, source_network, target_network, source_message_id, sender_id, sender_display_name,
	room_id, target_room_id, text, status, error_detail, dedup_hash, attempts, created_at, updated_at`

func (d *Database) PutMessage(ctx context.Context, m *models.MessageRecord) error {
	rec := *m
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	_, err := d.db.NamedExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (:id, :source_network, :target_network, :source_message_id, :sender_id, :sender_display_name,
			:room_id, :target_room_id, :text, :status, :error_detail, :dedup_hash, :attempts, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			target_room_id = excluded.target_room_id,
			sender_display_name = excluded.sender_display_name,
			text = excluded.text,
			status = excluded.status,
			error_detail = excluded.error_detail,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at`, &rec)
	if err != nil {
		return fmt.Errorf("failed to store message %s: %w", m.ID, err)
	}
	return nil
}

func (d *Database) GetMessage(ctx context.Context, id string) (*models.MessageRecord, error) {
	var m models.MessageRecord
	if err := d.db.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (d *Database) FindMessageByDedupHash(ctx context.Context, hash string, since time.Time) (*models.MessageRecord, error) {
	var m models.MessageRecord
	err := d.db.GetContext(ctx, &m, `
		SELECT `+messageColumns+` FROM messages
		WHERE dedup_hash = ? AND status != ? AND created_at >= ?
		ORDER BY rowid DESC LIMIT 1`,
		hash, string(types.StatusDeduped), since.UTC())
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (d *Database) ListMessagesByStatus(ctx context.Context, status types.MessageStatus, limit int) ([]*models.MessageRecord, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE status = ? ORDER BY rowid`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []*models.MessageRecord
	if err := d.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list %s messages: %w", status, err)
	}
	return out, nil
}

func (d *Database) ListMessagesSince(ctx context.Context, since time.Time) ([]*models.MessageRecord, error) {
	var out []*models.MessageRecord
	err := d.db.SelectContext(ctx, &out, `
		SELECT `+messageColumns+` FROM messages
		WHERE status != ? AND created_at >= ?
		ORDER BY rowid`, string(types.StatusDeduped), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	return out, nil
}

func (d *Database) CountMessagesByStatus(ctx context.Context) (map[types.MessageStatus]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}
	if err := d.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM messages GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	counts := make(map[types.MessageStatus]int64, len(rows))
	for _, r := range rows {
		counts[types.MessageStatus(r.Status)] = r.Count
	}
	return counts, nil
}

func (d *Database) RecordDeliveryOutcome(ctx context.Context, outcome models.DeliveryOutcome) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, error_detail = ?,
		    target_room_id = CASE WHEN ? = '' THEN target_room_id ELSE ? END,
		    attempts = ?, updated_at = ?
		WHERE id = ?`,
		string(outcome.Status), outcome.ErrorDetail,
		outcome.TargetRoomID, outcome.TargetRoomID,
		outcome.Attempts, time.Now().UTC(), outcome.MessageID)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", outcome.MessageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (d *Database) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old messages: %w", err)
	}
	return res.RowsAffected()
}

func (d *Database) GetBridgeState(ctx context.Context) (*models.BridgeState, error) {
	var s models.BridgeState
	err := d.db.GetContext(ctx, &s, `
		SELECT id, network_a_connected, network_b_connected, error_count, total_messages_relayed, last_heartbeat
		FROM bridge_state WHERE id = 1`)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (d *Database) PutBridgeState(ctx context.Context, s *models.BridgeState) error {
	st := *s
	st.ID = 1
	st.LastHeartbeat = st.LastHeartbeat.UTC()
	_, err := d.db.NamedExecContext(ctx, `
		INSERT INTO bridge_state (id, network_a_connected, network_b_connected, error_count, total_messages_relayed, last_heartbeat)
		VALUES (:id, :network_a_connected, :network_b_connected, :error_count, :total_messages_relayed, :last_heartbeat)
		ON CONFLICT(id) DO UPDATE SET
			network_a_connected = excluded.network_a_connected,
			network_b_connected = excluded.network_b_connected,
			error_count = excluded.error_count,
			total_messages_relayed = excluded.total_messages_relayed,
			last_heartbeat = excluded.last_heartbeat`, &st)
	if err != nil {
		return fmt.Errorf("failed to store bridge state: %w", err)
	}
	return nil
}

func (d *Database) GetConfigRecord(ctx context.Context, deployment string) (*models.ConfigRecord, error) {
	var r models.ConfigRecord
	err := d.db.GetContext(ctx, &r,
		`SELECT deployment, payload, updated_at FROM config_records WHERE deployment = ?`, deployment)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (d *Database) PutConfigRecord(ctx context.Context, r *models.ConfigRecord) error {
	rec := *r
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	_, err := d.db.NamedExecContext(ctx, `
		INSERT INTO config_records (deployment, payload, updated_at)
		VALUES (:deployment, :payload, :updated_at)
		ON CONFLICT(deployment) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`, &rec)
	if err != nil {
		return fmt.Errorf("failed to store config record: %w", err)
	}
	return nil
}

package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/iotagent-core/internal/infrastructure/database"
)

// Store persists pending commands.
type Store interface {
	// Upsert inserts cmd, or replaces value and type of the command with
	// the same key. It returns the stored command, whose CreationDate is
	// the one of the first insert.
	Upsert(ctx context.Context, cmd *Command) (*Command, error)

	// List returns the commands of one device ordered by name.
	List(ctx context.Context, service, subservice, deviceID string) ([]*Command, error)

	// Delete removes one command. Returns ErrCommandNotFound if absent.
	Delete(ctx context.Context, service, subservice, deviceID, name string) error

	// DeleteOlderThan removes every command created before cutoff and
	// returns the ones it removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]*Command, error)
}

// SQLiteStore implements Store on the commands table.
type SQLiteStore struct {
	db *sql.DB

	// afterSelect runs between the candidate select and the deletes of
	// DeleteOlderThan. Tests use it to race a re-created command.
	afterSelect func(ctx context.Context, candidates []*Command)
}

// NewSQLiteStore creates a new SQLite-backed command store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const commandColumns = `service, subservice, device_id, name, type, value, creation_date`

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, cmd *Command) (*Command, error) {
	value, err := json.Marshal(cmd.Value)
	if err != nil {
		return nil, fmt.Errorf("marshalling command value: %w", err)
	}

	created := cmd.CreationDate
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commands (`+commandColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service, subservice, device_id, name)
		DO UPDATE SET type = excluded.type, value = excluded.value`,
		cmd.Service, cmd.Subservice, cmd.DeviceID, cmd.Name, cmd.Type, string(value), created.UnixMilli(),
	)
	if err != nil {
		return nil, database.Internal("upserting command", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE service = ? AND subservice = ? AND device_id = ? AND name = ?`,
		cmd.Service, cmd.Subservice, cmd.DeviceID, cmd.Name)
	stored, err := scanCommand(row)
	if err != nil {
		return nil, database.Internal("reading upserted command", err)
	}
	return stored, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, service, subservice, deviceID string) ([]*Command, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE service = ? AND subservice = ? AND device_id = ?
		 ORDER BY name`,
		service, subservice, deviceID)
	if err != nil {
		return nil, database.Internal("listing commands", err)
	}
	defer rows.Close()

	cmds, err := scanCommands(rows)
	if err != nil {
		return nil, database.Internal("listing commands", err)
	}
	return cmds, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, service, subservice, deviceID, name string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM commands WHERE service = ? AND subservice = ? AND device_id = ? AND name = ?`,
		service, subservice, deviceID, name)
	if err != nil {
		return database.Internal("deleting command", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return database.Internal("deleting command", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s of device %s", ErrCommandNotFound, name, deviceID)
	}
	return nil
}

// DeleteOlderThan implements Store. Candidates are selected first; each
// delete re-checks the creation date, so a command re-created between the
// two steps survives and is not reported.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]*Command, error) {
	limit := cutoff.UnixMilli()

	// The connection pool holds a single connection, so the candidate rows
	// must be fully read before any delete runs.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE creation_date < ? ORDER BY creation_date`, limit)
	if err != nil {
		return nil, database.Internal("selecting expired commands", err)
	}
	candidates, err := scanCommands(rows)
	rows.Close()
	if err != nil {
		return nil, database.Internal("selecting expired commands", err)
	}
	if s.afterSelect != nil {
		s.afterSelect(ctx, candidates)
	}

	removed := make([]*Command, 0, len(candidates))
	for _, c := range candidates {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM commands
			 WHERE service = ? AND subservice = ? AND device_id = ? AND name = ? AND creation_date < ?`,
			c.Service, c.Subservice, c.DeviceID, c.Name, limit)
		if err != nil {
			return removed, database.Internal("deleting expired command", err)
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			removed = append(removed, c)
		}
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*Command, error) {
	var (
		c       Command
		value   string
		created int64
	)
	if err := row.Scan(&c.Service, &c.Subservice, &c.DeviceID, &c.Name, &c.Type, &value, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(value), &c.Value); err != nil {
		return nil, fmt.Errorf("decoding command value: %w", err)
	}
	c.CreationDate = time.UnixMilli(created).UTC()
	return &c, nil
}

func scanCommands(rows *sql.Rows) ([]*Command, error) {
	var cmds []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cmds, nil
}

package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/iotagent-core/internal/infrastructure/database"
)

// Repository is the storage collaborator behind the Registry. Every lookup
// is scoped by service and subservice.
type Repository interface {
	// Get retrieves a device by id. Returns ErrDeviceNotFound if absent.
	Get(ctx context.Context, service, subservice, id string) (*Device, error)

	// GetByName retrieves a device by entity name, optionally narrowed by
	// entity type. Returns ErrDeviceNotFound if absent.
	GetByName(ctx context.Context, service, subservice, name, entityType string) (*Device, error)

	// Create inserts a device. Returns ErrDeviceExists on an id clash.
	Create(ctx context.Context, d *Device) error

	// Update replaces a stored device. Returns ErrDeviceNotFound if absent.
	Update(ctx context.Context, d *Device) error

	// Delete removes a device. Returns ErrDeviceNotFound if absent.
	Delete(ctx context.Context, service, subservice, id string) error

	// List returns a page of devices sorted by id and the full match count.
	List(ctx context.Context, filter ListFilter) ([]*Device, int, error)
}

// SQLiteRepository implements Repository using SQLite. Key columns are
// indexed; the full record lives in a JSON data column.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `data, created_at`

// Get retrieves a device by id.
func (r *SQLiteRepository) Get(ctx context.Context, service, subservice, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE service = ? AND subservice = ? AND id = ?`,
		service, subservice, id)

	d, err := scanDeviceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %s", ErrDeviceNotFound, id)
	}
	if err != nil {
		return nil, database.Internal("querying device", err)
	}
	return d, nil
}

// GetByName retrieves a device by entity name.
func (r *SQLiteRepository) GetByName(ctx context.Context, service, subservice, name, entityType string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE service = ? AND subservice = ? AND name = ?`
	args := []any{service, subservice, name}
	if entityType != "" {
		query += ` AND type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY id LIMIT 1`

	d, err := scanDeviceRow(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: name %s", ErrDeviceNotFound, name)
	}
	if err != nil {
		return nil, database.Internal("querying device by name", err)
	}
	return d, nil
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshalling device: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (
			id, service, subservice, name, type, apikey, resource,
			internal_id, data, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Service, d.Subservice, d.Name, d.Type, d.APIKey, d.Resource,
		d.InternalID, string(data),
		d.CreatedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if database.IsUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrDeviceExists, d.ID)
		}
		return database.Internal("inserting device", err)
	}
	return nil
}

// Update replaces the stored record for the device's key.
func (r *SQLiteRepository) Update(ctx context.Context, d *Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshalling device: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			name = ?, type = ?, apikey = ?, resource = ?, internal_id = ?,
			data = ?, updated_at = ?
		WHERE service = ? AND subservice = ? AND id = ?`,
		d.Name, d.Type, d.APIKey, d.Resource, d.InternalID,
		string(data), time.Now().UTC().Format(time.RFC3339Nano),
		d.Service, d.Subservice, d.ID,
	)
	if err != nil {
		return database.Internal("updating device", err)
	}
	return expectOneRow(result, fmt.Errorf("%w: id %s", ErrDeviceNotFound, d.ID))
}

// Delete removes a device.
func (r *SQLiteRepository) Delete(ctx context.Context, service, subservice, id string) error {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM devices WHERE service = ? AND subservice = ? AND id = ?",
		service, subservice, id)
	if err != nil {
		return database.Internal("deleting device", err)
	}
	return expectOneRow(result, fmt.Errorf("%w: id %s", ErrDeviceNotFound, id))
}

// List returns one page of devices and the size of the whole filtered set.
func (r *SQLiteRepository) List(ctx context.Context, filter ListFilter) ([]*Device, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.Service != "" {
		where = append(where, "service = ?")
		args = append(args, filter.Service)
	}
	if filter.Subservice != "" {
		where = append(where, "subservice = ?")
		args = append(args, filter.Subservice)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM devices"+clause, args...).Scan(&count); err != nil {
		return nil, 0, database.Internal("counting devices", err)
	}

	query := "SELECT " + deviceColumns + " FROM devices" + clause + " ORDER BY id, service, subservice"
	pageArgs := append([]any{}, args...)
	switch {
	case filter.Limit > 0:
		query += " LIMIT ? OFFSET ?"
		pageArgs = append(pageArgs, filter.Limit, filter.Offset)
	case filter.Offset > 0:
		query += " LIMIT -1 OFFSET ?"
		pageArgs = append(pageArgs, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, database.Internal("listing devices", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, 0, database.Internal("scanning device", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, database.Internal("iterating devices", err)
	}
	return devices, count, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var data, createdAt string
	if err := scanner.Scan(&data, &createdAt); err != nil {
		return nil, err
	}

	var d Device
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("unmarshalling device: %w", err)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt) //nolint:errcheck // format is ours
	}
	return &d, nil
}

func expectOneRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return database.Internal("checking rows affected", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

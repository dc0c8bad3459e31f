package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/iotagent-core/internal/infrastructure/database"
)

// GroupRepository defines persistence operations for configuration groups.
type GroupRepository interface {
	// Create inserts a new group. Returns ErrGroupExists when (apikey, resource) is taken.
	Create(ctx context.Context, g *Group) error
	// Get retrieves the group registered for (resource, apikey).
	Get(ctx context.Context, resource, apikey string) (*Group, error)
	// GetByID retrieves a group by its generated identifier.
	GetByID(ctx context.Context, id string) (*Group, error)
	// GetByType retrieves the first group for (service, subservice, type).
	GetByType(ctx context.Context, service, subservice, entityType string) (*Group, error)
	// GetByAPIKey retrieves the first group for (service, subservice, apikey).
	GetByAPIKey(ctx context.Context, service, subservice, apikey string) (*Group, error)
	// List retrieves groups scoped by the filter.
	List(ctx context.Context, filter ListFilter) ([]*Group, int, error)
	// Update replaces a stored group, keyed by ID.
	Update(ctx context.Context, g *Group) error
	// Delete removes a group by (resource, apikey).
	Delete(ctx context.Context, resource, apikey string) error
}

// SQLiteGroupRepository implements GroupRepository using SQLite.
type SQLiteGroupRepository struct {
	db *sql.DB
}

// NewSQLiteGroupRepository creates a new SQLite-backed group repository.
//
// Parameters:
//   - db: Open SQLite connection used for group queries
//
// Security: Uses parameterised SQL queries to prevent injection.
// Example:
//
//	repo := device.NewSQLiteGroupRepository(db)
func NewSQLiteGroupRepository(db *sql.DB) *SQLiteGroupRepository {
	return &SQLiteGroupRepository{db: db}
}

const groupColumns = `id, data, created_at`

// Create inserts a new group.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - g: Group definition to persist; ID is generated when empty
//
// Returns:
//   - error: nil on success, ErrGroupExists on conflict, otherwise ErrInternal
func (r *SQLiteGroupRepository) Create(ctx context.Context, g *Group) error {
	if g == nil {
		return fmt.Errorf("%w: group is required", ErrInvalidGroup)
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshalling group: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO device_groups (
			id, service, subservice, resource, apikey, type, data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Service, g.Subservice, g.Resource, g.APIKey, g.Type,
		string(data), g.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if database.IsUniqueConstraintError(err) {
			return fmt.Errorf("%w: apikey %q resource %q", ErrGroupExists, g.APIKey, g.Resource)
		}
		return database.Internal("inserting group", err)
	}
	return nil
}

// Get retrieves the group keyed by (resource, apikey).
func (r *SQLiteGroupRepository) Get(ctx context.Context, resource, apikey string) (*Group, error) {
	return r.queryOne(ctx, "resource = ? AND apikey = ?", resource, apikey)
}

// GetByID retrieves a group by ID.
func (r *SQLiteGroupRepository) GetByID(ctx context.Context, id string) (*Group, error) {
	return r.queryOne(ctx, "id = ?", id)
}

// GetByType retrieves the first group of an entity type in a service scope.
func (r *SQLiteGroupRepository) GetByType(ctx context.Context, service, subservice, entityType string) (*Group, error) {
	return r.queryOne(ctx, "service = ? AND subservice = ? AND type = ?", service, subservice, entityType)
}

// GetByAPIKey retrieves the first group with an apikey in a service scope.
func (r *SQLiteGroupRepository) GetByAPIKey(ctx context.Context, service, subservice, apikey string) (*Group, error) {
	return r.queryOne(ctx, "service = ? AND subservice = ? AND apikey = ?", service, subservice, apikey)
}

func (r *SQLiteGroupRepository) queryOne(ctx context.Context, where string, args ...any) (*Group, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM device_groups WHERE `+where+` ORDER BY created_at, id LIMIT 1`,
		args...)

	g, err := scanGroupRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, database.Internal("querying group", err)
	}
	return g, nil
}

// List retrieves groups in a service scope ordered by creation.
func (r *SQLiteGroupRepository) List(ctx context.Context, filter ListFilter) ([]*Group, int, error) {
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
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM device_groups"+clause, args...).Scan(&count); err != nil {
		return nil, 0, database.Internal("counting groups", err)
	}

	query := "SELECT " + groupColumns + " FROM device_groups" + clause + " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, database.Internal("listing groups", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroupRow(rows)
		if err != nil {
			return nil, 0, database.Internal("scanning group", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, database.Internal("iterating groups", err)
	}
	return groups, count, nil
}

// Update replaces a stored group.
//
// Returns:
//   - error: ErrGroupNotFound if no row matches the ID, ErrGroupExists if the
//     new (apikey, resource) collides with another group
func (r *SQLiteGroupRepository) Update(ctx context.Context, g *Group) error {
	if g == nil {
		return fmt.Errorf("%w: group is required", ErrInvalidGroup)
	}

	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshalling group: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE device_groups SET
			service = ?, subservice = ?, resource = ?, apikey = ?, type = ?, data = ?
		WHERE id = ?`,
		g.Service, g.Subservice, g.Resource, g.APIKey, g.Type, string(data), g.ID,
	)
	if err != nil {
		if database.IsUniqueConstraintError(err) {
			return fmt.Errorf("%w: apikey %q resource %q", ErrGroupExists, g.APIKey, g.Resource)
		}
		return database.Internal("updating group", err)
	}
	return expectOneRow(result, ErrGroupNotFound)
}

// Delete removes the group keyed by (resource, apikey).
func (r *SQLiteGroupRepository) Delete(ctx context.Context, resource, apikey string) error {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM device_groups WHERE resource = ? AND apikey = ?", resource, apikey)
	if err != nil {
		return database.Internal("deleting group", err)
	}
	return expectOneRow(result, ErrGroupNotFound)
}

func scanGroupRow(scanner rowScanner) (*Group, error) {
	var id, data, createdAt string
	if err := scanner.Scan(&id, &data, &createdAt); err != nil {
		return nil, err
	}

	var g Group
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("unmarshalling group: %w", err)
	}
	g.ID = id
	if g.CreatedAt.IsZero() {
		g.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt) //nolint:errcheck // format is ours
	}
	return &g, nil
}

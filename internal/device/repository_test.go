package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nerrad567/iotagent-core/internal/infrastructure/database"
	"github.com/nerrad567/iotagent-core/migrations"
)

// setupTestDB opens a migrated in-memory database closed at test cleanup.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func testDevice(id string) *Device {
	return &Device{
		ID:         id,
		Service:    "smartgondor",
		Subservice: "/gardens",
		Name:       "TheFirstLight:" + id,
		Type:       "TheLightType",
		APIKey:     "801230BJKL23Y9090DSFL123HJK09H324HV8732",
		Resource:   "/iot/d",
		Protocol:   "GENERIC_PROTO",
		Transport:  TransportHTTP,
		Active: []Attribute{
			{ObjectID: "t", Name: "temperature", Type: "centigrades"},
		},
		Lazy: []Attribute{
			{Name: "luminance", Type: "lumens"},
		},
		Commands: []Attribute{
			{Name: "position", Type: "Array"},
		},
	}
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db.DB)
	ctx := context.Background()

	d := testDevice("light1")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.Get(ctx, "smartgondor", "/gardens", "light1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != d.Name {
		t.Errorf("Name = %q, want %q", got.Name, d.Name)
	}
	if len(got.Active) != 1 || got.Active[0].ObjectID != "t" {
		t.Errorf("Active = %+v, want one entry with object_id t", got.Active)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestSQLiteRepository_GetNotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db.DB)

	_, err := repo.Get(context.Background(), "smartgondor", "/gardens", "missing")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_ScopedByService(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db.DB)
	ctx := context.Background()

	if err := repo.Create(ctx, testDevice("light1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := repo.Get(ctx, "otherservice", "/gardens", "light1")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() in another service error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db.DB)
	ctx := context.Background()

	if err := repo.Create(ctx, testDevice("light1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	err := repo.Create(ctx, testDevice("light1"))
	if !errors.Is(err, ErrDeviceExists) {
		t.Fatalf("second Create() error = %v, want ErrDeviceExists", err)
	}
	if errors.Is(err, database.ErrInternal) {
		t.Error("duplicate must not be reported as an internal error")
	}

	other := testDevice("light1")
	other.Subservice = "/electricity"
	if err := repo.Create(ctx, other); err != nil {
		t.Errorf("Create() in another subservice error = %v", err)
	}
}

func TestSQLiteRepository_GetByName(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db.DB)
	ctx := context.Background()

	d := testDevice("light1")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tests := []struct {
		name       string
		entityName string
		entityType string
		wantErr    error
	}{
		{"by name", d.Name, "", nil},
		{"by name and type", d.Name, "TheLightType", nil},
		{"wrong type", d.Name, "OtherType", ErrDeviceNotFound},
		{"unknown name", "nope", "", ErrDeviceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.GetByName(ctx, "smartgondor", "/gardens", tt.entityName, tt.entityType)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("GetByName() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetByName() error = %v", err)
			}
			if got.ID != "light1" {
				t.Errorf("GetByName() ID = %q, want light1", got.ID)
			}
		})
	}
}

func TestSQLiteRepository_Update(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db.DB)
	ctx := context.Background()

	d := testDevice("light1")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	d.Name = "RenamedLight"
	d.Endpoint = "http://device:8080"
	if err := repo.Update(ctx, d); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := repo.GetByName(ctx, d.Service, d.Subservice, "RenamedLight", "")
	if err != nil {
		t.Fatalf("GetByName() after rename error = %v", err)
	}
	if got.Endpoint != "http://device:8080" {
		t.Errorf("Endpoint = %q, want %q", got.Endpoint, "http://device:8080")
	}

	missing := testDevice("ghost")
	if err := repo.Update(ctx, missing); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Update() of missing device error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_Delete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db.DB)
	ctx := context.Background()

	if err := repo.Create(ctx, testDevice("light1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Delete(ctx, "smartgondor", "/gardens", "light1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, "smartgondor", "/gardens", "light1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second Delete() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_ListPagination(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db.DB)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := repo.Create(ctx, testDevice(fmt.Sprintf("id%02d", i))); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	foreign := testDevice("id99")
	foreign.Service = "otherservice"
	if err := repo.Create(ctx, foreign); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	devices, count, err := repo.List(ctx, ListFilter{
		Service: "smartgondor", Subservice: "/gardens", Limit: 3, Offset: 2,
	})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if count != 10 {
		t.Errorf("List() count = %d, want 10", count)
	}
	if len(devices) != 3 {
		t.Fatalf("List() returned %d devices, want 3", len(devices))
	}
	for i, want := range []string{"id02", "id03", "id04"} {
		if devices[i].ID != want {
			t.Errorf("devices[%d].ID = %q, want %q", i, devices[i].ID, want)
		}
	}

	all, count, err := repo.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List() unfiltered error = %v", err)
	}
	if count != 11 || len(all) != 11 {
		t.Errorf("List() unfiltered = %d devices, count %d; want 11, 11", len(all), count)
	}

	tail, _, err := repo.List(ctx, ListFilter{Service: "smartgondor", Offset: 8})
	if err != nil {
		t.Fatalf("List() offset-only error = %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("List() offset-only returned %d devices, want 2", len(tail))
	}
}

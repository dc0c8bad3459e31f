package device

import (
	"context"
	"errors"
	"testing"
)

func testGroup(apikey, resource string) *Group {
	return &Group{
		Service:    "smartgondor",
		Subservice: "/gardens",
		Resource:   resource,
		APIKey:     apikey,
		Type:       "TheLightType",
		Trust:      "8970A9078A803H3BL98PINEQRW8342HBAMS",
		CBHost:     "http://unexistentHost:1026",
		Attributes: []Attribute{
			{ObjectID: "t", Name: "temperature", Type: "Number"},
		},
		Commands: []Attribute{
			{Name: "wheel1", Type: "Wheel"},
		},
	}
}

func TestSQLiteGroupRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteGroupRepository(db.DB)
	ctx := context.Background()

	g := testGroup("801230BJKL23Y9090DSFL123HJK09H324HV8732", "/iot/d")
	if err := repo.Create(ctx, g); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if g.ID == "" {
		t.Fatal("Create() should generate an ID")
	}

	got, err := repo.Get(ctx, "/iot/d", g.APIKey)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != g.ID {
		t.Errorf("Get() ID = %q, want %q", got.ID, g.ID)
	}
	if len(got.Commands) != 1 || got.Commands[0].Name != "wheel1" {
		t.Errorf("Get() Commands = %+v", got.Commands)
	}

	byID, err := repo.GetByID(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if byID.APIKey != g.APIKey {
		t.Errorf("GetByID() APIKey = %q, want %q", byID.APIKey, g.APIKey)
	}
}

func TestSQLiteGroupRepository_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteGroupRepository(db.DB)
	ctx := context.Background()

	if err := repo.Create(ctx, testGroup("key1", "/iot/d")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dup := testGroup("key1", "/iot/d")
	dup.Service = "anotherservice"
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrGroupExists) {
		t.Errorf("duplicate Create() error = %v, want ErrGroupExists", err)
	}

	if err := repo.Create(ctx, testGroup("key1", "/iot/other")); err != nil {
		t.Errorf("Create() with another resource error = %v", err)
	}
}

func TestSQLiteGroupRepository_Lookups(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteGroupRepository(db.DB)
	ctx := context.Background()

	if err := repo.Create(ctx, testGroup("key1", "/iot/d")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := repo.GetByType(ctx, "smartgondor", "/gardens", "TheLightType"); err != nil {
		t.Errorf("GetByType() error = %v", err)
	}
	if _, err := repo.GetByType(ctx, "smartgondor", "/gardens", "Other"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("GetByType() unknown error = %v, want ErrGroupNotFound", err)
	}
	if _, err := repo.GetByAPIKey(ctx, "smartgondor", "/gardens", "key1"); err != nil {
		t.Errorf("GetByAPIKey() error = %v", err)
	}
	if _, err := repo.Get(ctx, "/iot/d", "nokey"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("Get() unknown error = %v, want ErrGroupNotFound", err)
	}
}

func TestSQLiteGroupRepository_ListUpdateDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteGroupRepository(db.DB)
	ctx := context.Background()

	for _, key := range []string{"k1", "k2", "k3"} {
		if err := repo.Create(ctx, testGroup(key, "/iot/d")); err != nil {
			t.Fatalf("Create(%s) error = %v", key, err)
		}
	}

	groups, count, err := repo.List(ctx, ListFilter{Service: "smartgondor", Limit: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if count != 3 || len(groups) != 2 {
		t.Errorf("List() = %d groups, count %d; want 2, 3", len(groups), count)
	}

	g, err := repo.Get(ctx, "/iot/d", "k2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	g.Type = "Updated"
	if err := repo.Update(ctx, g); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := repo.GetByType(ctx, "smartgondor", "/gardens", "Updated"); err != nil {
		t.Errorf("GetByType() after update error = %v", err)
	}

	g.APIKey = "k1"
	if err := repo.Update(ctx, g); !errors.Is(err, ErrGroupExists) {
		t.Errorf("Update() onto taken key error = %v, want ErrGroupExists", err)
	}

	if err := repo.Delete(ctx, "/iot/d", "k3"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, "/iot/d", "k3"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("second Delete() error = %v, want ErrGroupNotFound", err)
	}
}

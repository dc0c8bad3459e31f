package device

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func boolPtr(b bool) *bool { return &b }

func TestMerge_FieldPrecedence(t *testing.T) {
	deviceActive := []Attribute{{ObjectID: "h", Name: "humidity", Type: "Percentage"}}
	groupActive := []Attribute{{ObjectID: "t", Name: "temperature", Type: "Number"}}
	groupLazy := []Attribute{{Name: "luminance", Type: "lumens"}}

	tests := []struct {
		name         string
		device       *Device
		group        *Group
		wantActive   []Attribute
		wantLazy     []Attribute
		wantStatic   []Attribute
		wantCommands []Attribute
	}{
		{
			name:         "device value wins and is never combined",
			device:       &Device{ID: "d", Active: deviceActive},
			group:        &Group{Attributes: groupActive, Lazy: groupLazy},
			wantActive:   deviceActive,
			wantLazy:     groupLazy,
			wantStatic:   []Attribute{},
			wantCommands: []Attribute{},
		},
		{
			name:         "group fills empty device field",
			device:       &Device{ID: "d"},
			group:        &Group{Attributes: groupActive},
			wantActive:   groupActive,
			wantStatic:   []Attribute{},
			wantCommands: []Attribute{},
		},
		{
			name:         "defaults without group",
			device:       &Device{ID: "d"},
			wantStatic:   []Attribute{},
			wantCommands: []Attribute{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Merge(tt.device, tt.group)
			if err != nil {
				t.Fatalf("Merge() error = %v", err)
			}
			if diff := cmp.Diff(tt.wantActive, got.Active); diff != "" {
				t.Errorf("Active mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantLazy, got.Lazy, cmpopts.IgnoreFields(Attribute{}, "ObjectID")); diff != "" {
				t.Errorf("Lazy mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantStatic, got.StaticAttributes); diff != "" {
				t.Errorf("StaticAttributes mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantCommands, got.Commands); diff != "" {
				t.Errorf("Commands mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	d := &Device{ID: "d", Lazy: []Attribute{{Name: "luminance"}}}
	g := &Group{Attributes: []Attribute{{ObjectID: "t"}}}

	if _, err := Merge(d, g); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if d.Lazy[0].ObjectID != "" {
		t.Error("Merge() mutated the device")
	}
	if g.Attributes[0].Name != "" {
		t.Error("Merge() mutated the group")
	}
	if d.Active != nil {
		t.Error("Merge() assigned into the device")
	}
}

func TestMerge_AliasSymmetry(t *testing.T) {
	d := &Device{
		ID:       "d",
		Active:   []Attribute{{ObjectID: "t"}, {Name: "humidity"}, {ObjectID: "p", Name: "pressure"}},
		Lazy:     []Attribute{{Name: "luminance"}},
		Commands: []Attribute{{ObjectID: "position"}},
		// Static attributes are not aliased.
		StaticAttributes: []Attribute{{Name: "location", Type: "geo:point", Value: "0, 0"}},
	}

	got, err := Merge(d, nil)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	for _, list := range [][]Attribute{got.Active, got.Lazy, got.Commands} {
		for _, a := range list {
			if a.Name == "" || a.ObjectID == "" {
				t.Errorf("attribute %+v is missing an alias", a)
			}
		}
	}
	if got.Active[2].ObjectID != "p" || got.Active[2].Name != "pressure" {
		t.Errorf("attribute with both keys was rewritten: %+v", got.Active[2])
	}
	if diff := cmp.Diff(d.StaticAttributes, got.StaticAttributes); diff != "" {
		t.Errorf("StaticAttributes mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_Scalars(t *testing.T) {
	d := &Device{ID: "d", Timezone: "Europe/Madrid"}
	g := &Group{
		CBHost:        "http://cb:1026",
		Timezone:      "America/Santiago",
		NGSIVersion:   "ld",
		EntityNameExp: "id",
		ExplicitAttrs: boolPtr(true),
		Timestamp:     boolPtr(true),
	}

	got, err := Merge(d, g)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	want := &Device{
		ID:               "d",
		Timezone:         "Europe/Madrid",
		CBHost:           "http://cb:1026",
		NGSIVersion:      "ld",
		EntityNameExp:    "id",
		ExplicitAttrs:    boolPtr(true),
		Timestamp:        boolPtr(true),
		StaticAttributes: []Attribute{},
		Commands:         []Attribute{},
		Subscriptions:    []Subscription{},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
	}
	if !got.HasTimestamp() {
		t.Error("HasTimestamp() = false, want true")
	}
}

func TestMergeDeviceWithConfiguration_ContextTable(t *testing.T) {
	d := &Device{ID: "d"}
	g := &Group{InternalAttributes: []any{map[string]any{"customField": "x"}}}

	got, err := MergeDeviceWithConfiguration(ContextMergeFields, ContextMergeDefaults, d, g)
	if err != nil {
		t.Fatalf("MergeDeviceWithConfiguration() error = %v", err)
	}
	if diff := cmp.Diff(g.InternalAttributes, got.InternalAttributes); diff != "" {
		t.Errorf("InternalAttributes mismatch (-want +got):\n%s", diff)
	}

	got.InternalAttributes[0].(map[string]any)["customField"] = "changed"
	if g.InternalAttributes[0].(map[string]any)["customField"] != "x" {
		t.Error("merged internal attributes share state with the group")
	}
}

func TestMergeDeviceWithConfiguration_Errors(t *testing.T) {
	tests := []struct {
		name     string
		fields   []Field
		defaults []any
		device   *Device
	}{
		{"nil device", StandardMergeFields, StandardMergeDefaults, nil},
		{"length mismatch", []Field{FieldLazy}, []any{nil, nil}, &Device{}},
		{"unknown field", []Field{"bogus"}, []any{nil}, &Device{}},
		{"bad default", []Field{FieldCommands}, []any{"nope"}, &Device{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MergeDeviceWithConfiguration(tt.fields, tt.defaults, tt.device, nil)
			if !errors.Is(err, ErrInvalidDevice) {
				t.Errorf("MergeDeviceWithConfiguration() error = %v, want ErrInvalidDevice", err)
			}
		})
	}
}

// Package device provides the Device and configuration Group registry of
// the IoT agent.
//
// A Device is a south-bound thing mapped to one NGSI entity. A Group is a
// template of defaults shared by every device that matches its
// (apikey, resource) pair or its (service, subservice, type). Every lookup is
// scoped by service and subservice.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────────────┐
//	│                          Device Registry                                 │
//	│                                                                          │
//	│  ┌──────────────────┐    ┌──────────────────┐    ┌──────────────────┐   │
//	│  │ Registry /       │    │ Repository /     │    │ Merge /          │   │
//	│  │ GroupRegistry    │───▶│ GroupRepository  │    │ Validation       │   │
//	│  │                  │    │                  │    │                  │   │
//	│  │ • CRUD ops       │    │ • SQLite queries │    │ • group defaults │   │
//	│  │ • key cache      │    │ • JSON records   │    │ • id/name alias  │   │
//	│  │ • group lookup   │    │ • unique keys    │    │ • attribute lists│   │
//	│  └──────────────────┘    └──────────────────┘    └──────────────────┘   │
//	└─────────────────────────────────────────────────────────────────────────┘
//
// # Merge
//
// MergeDeviceWithConfiguration walks a field/default table. For each field
// the device value wins when non-empty, else the group value, else the
// positional default. Values are never combined. The device field "active"
// reads the group field "attributes".
//
// # Usage
//
//	devices := device.NewRegistry(device.NewSQLiteRepository(db.DB))
//	groups := device.NewGroupRegistry(device.NewSQLiteGroupRepository(db.DB))
//
//	d, err := devices.Get(ctx, "light1", "smartgondor", "/gardens")
//	if err != nil {
//	    return err
//	}
//	g, err := groups.FindConfigurationGroup(ctx, d)
//	if err != nil {
//	    return err
//	}
//	merged, err := device.Merge(d, g)
//
// # Errors
//
// Uniqueness violations surface as ErrDeviceExists or ErrGroupExists. Any
// other storage failure wraps database.ErrInternal. A registry without a
// repository returns ErrRegistryNotAvailable.
//
// # Thread Safety
//
// Registry and GroupRegistry are safe for concurrent use. Concurrent
// mutations of the same device are last-write-wins.
package device

package device

import (
	"fmt"
	"strings"
)

// Validation limits.
const (
	maxIDLength        = 256
	maxAttributeCount  = 500
	maxNameLength      = 256
	maxResourceLength  = 512
	forbiddenIDChars   = `<>"'=;()?#&`
	attributeNameLabel = "attribute"
)

// Pre-computed validation sets for O(1) lookups.
var validTransports = map[string]struct{}{
	"":            {},
	TransportHTTP: {},
	TransportMQTT: {},
	"AMQP":        {},
	"COAP":        {},
}

// ValidateDevice checks a device before it is stored.
// Returns an error describing the first validation failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}

	if err := ValidateID(d.ID); err != nil {
		return err
	}
	if len(d.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, maxNameLength)
	}
	if _, ok := validTransports[strings.ToUpper(d.Transport)]; !ok {
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidDevice, d.Transport)
	}

	for _, list := range []struct {
		label string
		attrs []Attribute
	}{
		{"active", d.Active},
		{"lazy", d.Lazy},
		{"commands", d.Commands},
		{"staticAttributes", d.StaticAttributes},
	} {
		if err := validateAttributes(list.label, list.attrs); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDevice, err)
		}
	}

	return nil
}

// ValidateID checks that a device id is usable as a key and inside an
// entity name.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidDevice, maxIDLength)
	}
	if strings.ContainsAny(id, forbiddenIDChars) {
		return fmt.Errorf("%w: id %q contains forbidden characters", ErrInvalidDevice, id)
	}
	return nil
}

// ValidateGroup checks a configuration group before it is stored.
func ValidateGroup(g *Group) error {
	if g == nil {
		return ErrInvalidGroup
	}
	if g.APIKey == "" {
		return fmt.Errorf("%w: apikey is required", ErrInvalidGroup)
	}
	if g.Resource == "" {
		return fmt.Errorf("%w: resource is required", ErrInvalidGroup)
	}
	if len(g.Resource) > maxResourceLength {
		return fmt.Errorf("%w: resource exceeds %d characters", ErrInvalidGroup, maxResourceLength)
	}
	if !strings.HasPrefix(g.Resource, "/") {
		return fmt.Errorf("%w: resource %q must start with /", ErrInvalidGroup, g.Resource)
	}
	if _, ok := validTransports[strings.ToUpper(g.Transport)]; !ok {
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidGroup, g.Transport)
	}

	for _, list := range []struct {
		label string
		attrs []Attribute
	}{
		{"attributes", g.Attributes},
		{"lazy", g.Lazy},
		{"commands", g.Commands},
		{"staticAttributes", g.StaticAttributes},
	} {
		if err := validateAttributes(list.label, list.attrs); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidGroup, err)
		}
	}
	return nil
}

// validateAttributes requires every entry to be addressable and rejects
// duplicate names within one list.
func validateAttributes(label string, attrs []Attribute) error {
	if len(attrs) > maxAttributeCount {
		return fmt.Errorf("%s exceeds max entries (%d)", label, maxAttributeCount)
	}

	seen := make(map[string]struct{}, len(attrs))
	for i, a := range attrs {
		key := a.Name
		if key == "" {
			key = a.ObjectID
		}
		if key == "" {
			return fmt.Errorf("%s[%d]: %s needs a name or object_id", label, i, attributeNameLabel)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%s[%d]: duplicate %s %q", label, i, attributeNameLabel, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

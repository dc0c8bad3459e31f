package mqtt

import (
	"fmt"
	"strings"
)

// Device topic suffixes.
const (
	// SuffixCommand carries commands from the agent to a device.
	SuffixCommand = "cmd"

	// SuffixCommandAck carries command results from a device to the agent.
	SuffixCommandAck = "cmdexe"

	// SuffixAttributes carries measures from a device to the agent.
	SuffixAttributes = "attrs"

	// statusTopic is appended to the prefix for the agent status topic.
	statusTopic = "iotagent/status"
)

// Topics provides builders for the device topics of the agent.
// Using these helpers ensures consistent topic naming across the codebase.
//
// Device topics follow the /<apikey>/<deviceId>/<suffix> layout, optionally
// under a prefix:
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.Command("k1", "sensor-01")
//	// Returns: "/k1/sensor-01/cmd"
type Topics struct {
	// Prefix is prepended verbatim to every topic.
	Prefix string
}

// Command returns the topic a device listens on for commands.
//
// Example: /k1/sensor-01/cmd
func (t Topics) Command(apikey, deviceID string) string {
	return t.device(apikey, deviceID, SuffixCommand)
}

// CommandAck returns the topic a device publishes command results to.
//
// Example: /k1/sensor-01/cmdexe
func (t Topics) CommandAck(apikey, deviceID string) string {
	return t.device(apikey, deviceID, SuffixCommandAck)
}

// Attributes returns the topic a device publishes measures to.
//
// Example: /k1/sensor-01/attrs
func (t Topics) Attributes(apikey, deviceID string) string {
	return t.device(apikey, deviceID, SuffixAttributes)
}

// Status returns the retained agent status topic.
//
// Example: iotagent/status
func (t Topics) Status() string {
	if t.Prefix == "" {
		return statusTopic
	}
	return strings.TrimSuffix(t.Prefix, "/") + "/" + statusTopic
}

// AllCommandAcks returns a pattern matching every device's command results.
//
// Pattern: /+/+/cmdexe
func (t Topics) AllCommandAcks() string {
	return t.device("+", "+", SuffixCommandAck)
}

// AllAttributes returns a pattern matching every device's measures.
//
// Pattern: /+/+/attrs
func (t Topics) AllAttributes() string {
	return t.device("+", "+", SuffixAttributes)
}

func (t Topics) device(apikey, deviceID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s/%s", strings.TrimSuffix(t.Prefix, "/"), apikey, deviceID, suffix)
}

// DeviceTopic is a parsed device topic.
type DeviceTopic struct {
	APIKey   string
	DeviceID string
	Suffix   string
}

// Parse splits a received device topic into its apikey, device id and
// suffix. It fails on topics outside the prefix or with the wrong depth.
func (t Topics) Parse(topic string) (DeviceTopic, error) {
	prefix := strings.TrimSuffix(t.Prefix, "/")
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return DeviceTopic{}, fmt.Errorf("%w: %q outside prefix %q", ErrInvalidTopic, topic, prefix)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return DeviceTopic{}, fmt.Errorf("%w: %q is not /<apikey>/<deviceId>/<suffix>", ErrInvalidTopic, topic)
	}
	return DeviceTopic{APIKey: parts[0], DeviceID: parts[1], Suffix: parts[2]}, nil
}

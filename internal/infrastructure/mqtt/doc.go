// Package mqtt provides the MQTT client used by the agent's south-bound
// device transport.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) on the agent status topic
//   - Device topic building and parsing
//
// # Topics
//
// Devices talk to the agent on /<apikey>/<deviceId>/<suffix>, optionally
// below a configured prefix:
//
//	/<apikey>/<deviceId>/cmd      agent → device commands
//	/<apikey>/<deviceId>/cmdexe   device → agent command results
//	/<apikey>/<deviceId>/attrs    device → agent measures
//
// # Security Considerations
//
//   - Enable TLS for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against the broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllCommandAcks(), 1,
//	    func(topic string, payload []byte) error {
//	        return nil
//	    })
//
//	topic := client.Topics().Command("k1", "sensor-01")
//	client.Publish(topic, []byte(`{"ping":"1"}`), 1, false)
package mqtt

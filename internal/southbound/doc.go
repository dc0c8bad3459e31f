// Package southbound connects MQTT devices to the dispatcher.
//
// Commands for devices whose transport is MQTT are published as
// {"<command>": <value>} on /<apikey>/<deviceId>/cmd. Devices answer on
// /<apikey>/<deviceId>/cmdexe with {"<command>": <result>}, which is
// reported to the broker as <command>_status = OK and <command>_info.
// Measures published on /<apikey>/<deviceId>/attrs are sent through the
// update middlewares to the broker.
//
//	t, err := southbound.New(client, provisioner, dispatcher, commands, southbound.Options{QoS: 1})
//	dispatcher.Context().SetCommandHandler(t.CommandHandler(nil))
//	err = t.Start(ctx)
package southbound

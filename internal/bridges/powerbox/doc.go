// Package powerbox bridges a device.Controller onto MQTT.
//
// The bridge holds one controller reference while it runs and:
//   - publishes device info and the full feature list after every connect
//   - publishes retained per-feature state when a refresh or write changes it
//   - executes commands received on bigpowerbox/command/{device}/{feature}
//     and acknowledges them on the matching ack topic
//   - forwards sensor and output readings to a telemetry sink (InfluxDB)
//   - reports its own health, with an offline Last Will
//
// Commands:
//
//	{"id":"c1","command":"on"}
//	{"id":"c2","command":"off"}
//	{"id":"c3","command":"set_value","value":128}
//	{"id":"c4","command":"set_name","name":"Dew Heater"}
//
// Thread Safety: all exported methods are safe for concurrent use.
package powerbox

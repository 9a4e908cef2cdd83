// Package mqtt connects powerboxd to an MQTT broker.
//
// The client wraps paho.mqtt.golang with auto-reconnect, subscription
// restore after reconnect, panic-safe handlers and a retained online/offline
// status message backed by a Last Will.
//
// Topics live under "bigpowerbox/"; see Topics for the layout.
//
//	client, err := mqtt.Connect(cfg.MQTT,
//	    mqtt.WithWill(mqtt.Topics{}.Health(id), offlinePayload))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.DeviceCommands(id), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
//
// Thread Safety: all Client methods are safe for concurrent use. Handlers
// run on paho's goroutines and should not block.
package mqtt

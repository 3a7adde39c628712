// Package mqtt wraps paho.mqtt.golang for hearth's broker connection.
//
// The MQTT sensor integration subscribes to operator-configured telemetry
// topics through this client; hearth itself announces its presence on the
// system status topic, with a Last Will so the broker reports an unclean
// exit. The client tracks subscriptions and restores them after a
// reconnect, recovers from handler panics, and publishes with per-call
// QoS and retains.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("home/attic/temperature", 1,
//	    func(topic string, payload []byte) error {
//	        return mailbox.Store(topic, payload)
//	    })
package mqtt

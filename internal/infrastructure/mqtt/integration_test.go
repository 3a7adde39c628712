//go:build integration

package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/hearthstack/hearth-core/internal/infrastructure/config"
)

// Reconnection-adjacent tests that need a running broker at
// 127.0.0.1:1883.
//
// Run with:
//
//	go test -tags=integration -count=1 ./internal/infrastructure/mqtt/...

func integrationConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "hearth-integration-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// TestIntegrationSubscriptionTracking verifies the tracking that drives
// re-subscription after reconnect.
func TestIntegrationSubscriptionTracking(t *testing.T) {
	cfg := integrationConfig()
	cfg.Broker.ClientID = "hearth-int-sub-track"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topics := []string{
		"hearth/int/test/topic1",
		"hearth/int/test/topic2",
		"hearth/int/test/topic3",
	}
	handler := func(string, []byte) error { return nil }

	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}

	if client.SubscriptionCount() != len(topics) {
		t.Errorf("SubscriptionCount() = %d, want %d", client.SubscriptionCount(), len(topics))
	}

	if err := client.Unsubscribe(topics[0]); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(topics[0]) {
		t.Errorf("HasSubscription(%s) = true after unsubscribe", topics[0])
	}
	if client.SubscriptionCount() != len(topics)-1 {
		t.Errorf("SubscriptionCount() = %d, want %d", client.SubscriptionCount(), len(topics)-1)
	}
}

// TestIntegrationRetainedRoundtrip verifies a retained publish reaches a
// subscriber that connects afterwards, the pattern sensor state topics
// rely on.
func TestIntegrationRetainedRoundtrip(t *testing.T) {
	cfg := integrationConfig()

	cfg.Broker.ClientID = "hearth-int-ret-pub"
	pub, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	topic := "hearth/int/retained"
	if err := pub.PublishRetained(topic, []byte(`{"value":21.5}`)); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}

	cfg.Broker.ClientID = "hearth-int-ret-sub"
	sub, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	received := make(chan []byte, 1)
	var once sync.Once
	err = sub.Subscribe(topic, 1, func(_ string, payload []byte) error {
		once.Do(func() { received <- payload })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != `{"value":21.5}` {
			t.Errorf("payload = %s, want the retained message", payload)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for retained message")
	}

	// Clear the retained message for the next run.
	pub.Publish(topic, nil, 1, true)
}

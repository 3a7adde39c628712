package mqtt

import (
	"encoding/json"
	"time"
)

// SystemStatusTopic carries hearth's retained presence announcements.
// The broker publishes the Last Will here on an unclean disconnect, so
// subscribers always see the latest of online / offline / lost.
const SystemStatusTopic = "hearth/system/status"

// statusMessage is the JSON payload published on SystemStatusTopic.
type statusMessage struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func encodeStatus(status, clientID, reason string) []byte {
	b, _ := json.Marshal(statusMessage{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return b
}

func onlinePayload(clientID string) []byte {
	return encodeStatus("online", clientID, "")
}

func offlinePayload(clientID string) []byte {
	return encodeStatus("offline", clientID, "graceful_shutdown")
}

// willPayload is handed to the broker at connect time; the broker
// publishes it as-is if the connection dies, so the timestamp reflects
// the connect, not the failure.
func willPayload(clientID string) []byte {
	return encodeStatus("offline", clientID, "connection_lost")
}

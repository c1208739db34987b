package realtime

import (
	"encoding/json"

	"realtime-chat/internal/domain"
)

// envelope es el formato compartido por los drivers redis y postgres.
type envelope struct {
	Topic string             `json:"topic"`
	Event domain.ChangeEvent `json:"event"`
}

func encodeEnvelope(topic string, event domain.ChangeEvent) (string, error) {
	raw, err := json.Marshal(envelope{Topic: topic, Event: event})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeEnvelope(payload string) (envelope, error) {
	var env envelope
	err := json.Unmarshal([]byte(payload), &env)
	return env, err
}

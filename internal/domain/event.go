package domain

import "encoding/json"

// Tablas publicadas en el feed de cambios.
const (
	TableMessage = "Message"
	TableProfile = "Profile"
)

// EventInsert es el unico tipo de evento que emite el feed.
const EventInsert = "INSERT"

// ChangeEvent representa una fila recien insertada entregada por el feed.
type ChangeEvent struct {
	Table  string          `json:"table"`
	Type   string          `json:"type"`
	Record json.RawMessage `json:"record"`
}

// NewInsertEvent serializa record como evento INSERT de table.
func NewInsertEvent(table string, record any) (ChangeEvent, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return ChangeEvent{}, err
	}
	return ChangeEvent{Table: table, Type: EventInsert, Record: raw}, nil
}

// Message decodifica el registro como Message.
func (e ChangeEvent) Message() (Message, error) {
	var msg Message
	err := json.Unmarshal(e.Record, &msg)
	return msg, err
}

// Profile decodifica el registro como Profile.
func (e ChangeEvent) Profile() (Profile, error) {
	var p Profile
	err := json.Unmarshal(e.Record, &p)
	return p, err
}

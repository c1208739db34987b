package chat

import (
	"strings"

	"realtime-chat/internal/domain"
)

// PlaceholderPrefix marca ids locales; los ids del backend son UUID sin prefijo.
const PlaceholderPrefix = "local-"

// IsPlaceholder indica si msg es un envio optimista todavia sin confirmar.
func IsPlaceholder(msg domain.Message) bool {
	return strings.HasPrefix(msg.ID, PlaceholderPrefix)
}

// messageList es el conjunto de mensajes de la conversacion activa, indexado por id y
// ordenado por (CreatedAt, ID). pending asocia el client id de cada envio en vuelo con su
// placeholder, asi la confirmacion y el evento realtime convergen en una sola entrada.
type messageList struct {
	items   []domain.Message
	pending map[string]string
}

func newMessageList() *messageList {
	return &messageList{pending: make(map[string]string)}
}

func (l *messageList) indexOf(id string) int {
	for i := range l.items {
		if l.items[i].ID == id {
			return i
		}
	}
	return -1
}

// merge aplica un mensaje autoritativo: reemplaza por id, luego por client id de un
// placeholder pendiente del mismo remitente, y si no inserta.
func (l *messageList) merge(msg domain.Message) {
	if i := l.indexOf(msg.ID); i >= 0 {
		l.items[i] = msg
		l.settle(msg.ClientID)
		domain.SortMessages(l.items)
		return
	}
	if phID, ok := l.pending[msg.ClientID]; ok && msg.ClientID != "" {
		if i := l.indexOf(phID); i >= 0 && l.items[i].SenderID == msg.SenderID {
			l.items[i] = msg
			delete(l.pending, msg.ClientID)
			domain.SortMessages(l.items)
			return
		}
	}
	l.items = append(l.items, msg)
	domain.SortMessages(l.items)
}

func (l *messageList) mergeAll(msgs []domain.Message) {
	for _, msg := range msgs {
		l.merge(msg)
	}
}

func (l *messageList) addPlaceholder(msg domain.Message) {
	l.pending[msg.ClientID] = msg.ID
	l.items = append(l.items, msg)
	domain.SortMessages(l.items)
}

// confirm reemplaza el placeholder por la fila guardada. Si el evento realtime ya la
// habia traido, solo se asegura de que no quede el placeholder.
func (l *messageList) confirm(placeholderID string, stored domain.Message) {
	i := l.indexOf(placeholderID)
	if i < 0 {
		l.merge(stored)
		return
	}
	if j := l.indexOf(stored.ID); j >= 0 {
		l.items[j] = stored
		l.removeAt(i)
	} else {
		l.items[i] = stored
	}
	l.forget(placeholderID)
	domain.SortMessages(l.items)
}

func (l *messageList) remove(placeholderID string) {
	if i := l.indexOf(placeholderID); i >= 0 {
		l.removeAt(i)
	}
	l.forget(placeholderID)
}

func (l *messageList) removeAt(i int) {
	l.items = append(l.items[:i], l.items[i+1:]...)
}

// settle descarta el placeholder pendiente de clientID si la fila real ya esta en la lista.
func (l *messageList) settle(clientID string) {
	if clientID == "" {
		return
	}
	phID, ok := l.pending[clientID]
	if !ok {
		return
	}
	if i := l.indexOf(phID); i >= 0 {
		l.removeAt(i)
	}
	delete(l.pending, clientID)
}

func (l *messageList) forget(placeholderID string) {
	for clientID, id := range l.pending {
		if id == placeholderID {
			delete(l.pending, clientID)
		}
	}
}

func (l *messageList) snapshot() []domain.Message {
	out := make([]domain.Message, len(l.items))
	copy(out, l.items)
	return out
}

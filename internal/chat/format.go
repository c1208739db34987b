package chat

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"realtime-chat/internal/domain"
)

const (
	emptyTranscript    = "No messages yet. Start the conversation!"
	emptyDirectory     = "No users found."
	emptyConversations = "No conversations yet."
	settingUp          = "Setting up conversation..."
)

// Initials toma la primera letra de cada palabra, hasta dos, en mayusculas.
func Initials(name string) string {
	var b strings.Builder
	n := 0
	for _, word := range strings.Fields(name) {
		r, _ := utf8.DecodeRuneInString(word)
		b.WriteRune(unicode.ToUpper(r))
		n++
		if n == 2 {
			break
		}
	}
	if n == 0 {
		return "?"
	}
	return b.String()
}

// FormatTime usa la hora si ts cae dentro de las ultimas 24h y la fecha si no.
func FormatTime(ts, now time.Time) string {
	if now.Sub(ts) < 24*time.Hour {
		return ts.Format("3:04 PM")
	}
	return ts.Format("Jan 2")
}

func RenderTranscript(peer domain.Profile, selfID string, msgs []domain.Message, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "== %s ==\n", displayName(peer))
	if len(msgs) == 0 {
		b.WriteString(emptyTranscript + "\n")
		return b.String()
	}
	peerTag := Initials(displayName(peer))
	for _, msg := range msgs {
		who := peerTag
		if msg.IsFrom(selfID) {
			who = "You"
		}
		fmt.Fprintf(&b, "[%s] %s: %s", FormatTime(msg.CreatedAt, now), who, msg.Content)
		if IsPlaceholder(msg) {
			b.WriteString(" (sending)")
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func RenderSettingUp(peer domain.Profile) string {
	return fmt.Sprintf("== %s ==\n%s\n", displayName(peer), settingUp)
}

// RenderDirectory numera los perfiles desde 1 para que la terminal pueda elegir por indice.
func RenderDirectory(profiles []domain.Profile) string {
	if len(profiles) == 0 {
		return emptyDirectory + "\n"
	}
	var b strings.Builder
	for i, p := range profiles {
		fmt.Fprintf(&b, "%2d. [%s] %s <%s>\n", i+1, Initials(displayName(p)), displayName(p), p.Email)
	}
	return b.String()
}

func RenderConversationList(items []domain.ConversationSummary) string {
	if len(items) == 0 {
		return emptyConversations + "\n"
	}
	var b strings.Builder
	for i, item := range items {
		preview := "(no messages)"
		if item.LastMessage != nil {
			preview = truncate(*item.LastMessage, 40)
		}
		fmt.Fprintf(&b, "%2d. %s: %s\n", i+1, displayName(item.Peer), preview)
	}
	return b.String()
}

// RenderSession dibuja el panel principal segun la vista del shell.
func RenderSession(st ShellState, snap Snapshot, selfID string, now time.Time) string {
	switch st.View {
	case ViewSettingUp:
		if st.Peer != nil {
			return RenderSettingUp(*st.Peer)
		}
		return settingUp + "\n"
	case ViewChat:
		var peer domain.Profile
		if st.Peer != nil {
			peer = *st.Peer
		}
		out := RenderTranscript(peer, selfID, snap.Messages, now)
		switch {
		case snap.State == StateLoading:
			out += "(loading history...)\n"
		case snap.Err != nil:
			out += fmt.Sprintf("(error: %v)\n", snap.Err)
		}
		return out
	}
	return "Select a user to start chatting.\n"
}

func displayName(p domain.Profile) string {
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		return name
	}
	if p.Email != "" {
		return p.Email
	}
	return "Unknown"
}

func truncate(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-3]) + "..."
}

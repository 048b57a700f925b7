package app

import (
	"fmt"
	"strings"

	"e2e_room_chat/internal/live"
	"e2e_room_chat/internal/model"

	"github.com/rivo/tview"
)

func renderMessages(userID string, msgs []model.DecryptedMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		sender := "[green]" + tview.Escape(m.SenderID) + ":[-]"
		if m.SenderID == userID {
			sender = "[yellow]You:[-]"
		}
		content := tview.Escape(m.Content)
		if !m.Decrypted {
			content = "[red]" + content + "[-]"
		}
		fmt.Fprintf(&sb, "[gray]%s[-] %s %s\n", m.CreatedAt.Local().Format("15:04"), sender, content)
	}
	return sb.String()
}

func renderOnline(userID string, users []string) string {
	var sb strings.Builder
	for _, u := range users {
		if u == userID {
			fmt.Fprintf(&sb, "[yellow]%s[-]\n", tview.Escape(u))
			continue
		}
		fmt.Fprintln(&sb, tview.Escape(u))
	}
	return sb.String()
}

// renderStatus summarizes the session and the latest notice.
func renderStatus(v live.View, notice string) string {
	parts := []string{v.State.String()}
	if v.Keyed {
		parts = append(parts, fmt.Sprintf("key v%d", v.KeyVersion))
	} else if v.State == live.StateJoined {
		parts = append(parts, "no room key")
	}
	switch {
	case v.LoadingMore:
		parts = append(parts, "loading history")
	case v.HasMore && v.State == live.StateJoined:
		parts = append(parts, "PgUp for older")
	}
	if v.SendBlocked != nil {
		parts = append(parts, "[red]sending blocked: "+tview.Escape(v.SendBlocked.Error())+"[-]")
	}
	if notice != "" {
		parts = append(parts, tview.Escape(notice))
	}
	return strings.Join(parts, " | ")
}

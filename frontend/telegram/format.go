package telegram

import (
	"fmt"
	"html"
	"strings"

	bk "github.com/okrause/bridgekeeper"
)

// headers maps event families to the marker shown before the title.
var headers = map[bk.EventType]string{
	bk.EventTaskCompleted:    "✅",
	bk.EventTaskFailed:       "❌",
	bk.EventTaskCancelled:    "🚫",
	bk.EventBuildFailed:      "❌",
	bk.EventTestFailed:       "❌",
	bk.EventTestPassed:       "✅",
	bk.EventApprovalRequest:  "❓",
	bk.EventDecisionRequired: "❓",
	bk.EventQuestionAsked:    "❓",
	bk.EventPerformanceAlert: "⚠️",
	bk.EventResourceAlert:    "⚠️",
	bk.EventSecurityAlert:    "🔒",
	bk.EventErrorOccurred:    "⚠️",
	bk.EventTimeoutWarning:   "⏰",
}

// renderEvent builds the HTML message body for one event.
func renderEvent(ev bk.Event) string {
	var b strings.Builder
	if h, ok := headers[ev.Type]; ok {
		b.WriteString(h)
		b.WriteString(" ")
	}
	title := ev.Title
	if title == "" {
		title = strings.ReplaceAll(string(ev.Type), "_", " ")
	}
	fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(title))

	if ev.TaskID != "" {
		fmt.Fprintf(&b, "\n<code>%s</code>", html.EscapeString(ev.TaskID))
	}
	if ev.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(html.EscapeString(ev.Description))
	}
	if ev.Data.Current != 0 || ev.Data.Threshold != 0 {
		fmt.Fprintf(&b, "\n\ncurrent: <b>%.1f</b> / threshold: %.1f", ev.Data.Current, ev.Data.Threshold)
	}
	if ev.Data.DurationMS > 0 {
		fmt.Fprintf(&b, "\ntook %.1fs", float64(ev.Data.DurationMS)/1000)
	}
	if len(ev.Data.AffectedFiles) > 0 {
		b.WriteString("\n")
		for _, f := range ev.Data.AffectedFiles {
			fmt.Fprintf(&b, "\n• <code>%s</code>", html.EscapeString(f))
		}
	}
	if ev.Data.TimeoutMinutes > 0 {
		fmt.Fprintf(&b, "\n\n<i>expires in %d min</i>", ev.Data.TimeoutMinutes)
	}
	return b.String()
}

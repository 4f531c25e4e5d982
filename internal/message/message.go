// Package message renders the Telegram HTML bodies sent to swap participants.
// Everything here is deterministic: the same inputs always produce the same
// text, so callers can test delivery without a bot.
package message

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"swapbot/notifier/internal/ledger"
	"swapbot/notifier/internal/store"
	"swapbot/notifier/internal/weeks"
)

// Button is one inline-keyboard button. Exactly one of URL or Data is set.
type Button struct {
	Text string
	URL  string
	Data string
}

// Keyboard is a list of button rows.
type Keyboard [][]Button

type Compiler struct {
	rootURL   string
	moduleURL string
}

// NewCompiler expects both URLs to end with a slash.
func NewCompiler(rootURL, moduleURL string) *Compiler {
	return &Compiler{rootURL: rootURL, moduleURL: moduleURL}
}

func (c *Compiler) SwapURL(swapID int64) string {
	return c.rootURL + "swap/" + strconv.FormatInt(swapID, 10)
}

func (c *Compiler) moduleLink(moduleCode string) string {
	return c.moduleURL + moduleCode
}

// SwapRequest gathers what the creator needs to see about one new sub-request.
type SwapRequest struct {
	Request          ledger.SubRequest
	Swap             store.SwapRecord
	Requestor        store.User
	RequestorClasses []store.ClassSlot
	CreatorClasses   []store.ClassSlot
}

// SwapRequestUpdate renders the notification sent to a swap's creator when
// someone offers a slot in exchange.
func (c *Compiler) SwapRequestUpdate(in SwapRequest) string {
	var b strings.Builder
	contact := userLink(in.Requestor)

	fmt.Fprintf(&b, "❗️ <a href='%s'><b>Swap request update</b></a> ❗️\n\n", c.SwapURL(in.Swap.SwapID))
	fmt.Fprintf(&b, "Hi %s,\n\n", escape(firstNameOr(in.Swap.CreatorName)))

	fmt.Fprintf(&b, "<a href='%s'>%s</a> has requested to swap their\n", contact, escape(firstNameOr(in.Requestor.FirstName)))
	c.writeSlot(&b, in.Request.Requested, in.RequestorClasses)
	b.WriteString("\nfor your\n\n")
	c.writeSlot(&b, in.Swap.Slot(), in.CreatorClasses)
	b.WriteString("\n")

	if comments := strings.TrimSpace(in.Request.Comments); comments != "" {
		fmt.Fprintf(&b, "<b>Comments:</b>\n<i>%s</i>\n\n", escape(comments))
	}

	fmt.Fprintf(&b, "Contact them <a href='%s'>here</a> to discuss further.", contact)
	return b.String()
}

func (c *Compiler) writeSlot(b *strings.Builder, slot ledger.Slot, classes []store.ClassSlot) {
	fmt.Fprintf(b, "<b><a href=\"%s\">%s</a> %s 「%s」</b>\n",
		c.moduleLink(slot.ModuleCode), escape(slot.ModuleCode), escape(slot.LessonType), escape(slot.ClassNo))
	for _, line := range ScheduleLines(classes) {
		b.WriteString(escape(line))
		b.WriteByte('\n')
	}
}

// ScheduleLines renders one plain-text tree line per class row, e.g.
// "├ Mon 1000 — 1200 @ COM1-B1 (Weeks 1-6, 8-13)". Callers escape.
func ScheduleLines(classes []store.ClassSlot) []string {
	lines := make([]string, 0, len(classes))
	for i, class := range classes {
		branch := "├"
		if i == len(classes)-1 {
			branch = "└"
		}
		line := fmt.Sprintf("%s %s %s — %s @ %s", branch, dayAbbrev(class.Day), class.StartTime, class.EndTime, class.Venue)
		if ranges := weeks.Compress(class.Weeks); ranges != "" {
			line += " (Weeks " + ranges + ")"
		}
		lines = append(lines, line)
	}
	return lines
}

// RequestKeyboard carries the swap link and the completion action attached to
// every swap request update.
func (c *Compiler) RequestKeyboard(swapID int64, completeToken string) Keyboard {
	return Keyboard{
		{{Text: "View swap request", URL: c.SwapURL(swapID)}},
		{{Text: "Complete swap ✅", Data: completeToken}},
	}
}

// CompletedKeyboard replaces RequestKeyboard once the swap is completed.
func (c *Compiler) CompletedKeyboard(swapID int64) Keyboard {
	return Keyboard{{{Text: "View swap request", URL: c.SwapURL(swapID)}}}
}

func dayAbbrev(day string) string {
	if len(day) <= 3 {
		return day
	}
	return day[:3]
}

func userLink(u store.User) string {
	if u.Username != "" {
		return "t.me/" + u.Username
	}
	return "tg://user?id=" + strconv.FormatInt(u.ID, 10)
}

func firstNameOr(name string) string {
	if strings.TrimSpace(name) == "" {
		return "there"
	}
	return name
}

func escape(s string) string {
	return html.EscapeString(s)
}

package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"swapbot/notifier/internal/store"
)

var ErrUnknownEvent = errors.New("unknown event")

// Event is a lifecycle notification requested by the web application. The
// numeric values are part of the wire format.
type Event int

const (
	SwapCreated Event = iota
	SwapRequested
	SwapRequestedCompleted
	SwapCreatedCompleted
)

var eventNames = [...]string{
	SwapCreated:            "SwapCreated",
	SwapRequested:          "SwapRequested",
	SwapRequestedCompleted: "SwapRequestedCompleted",
	SwapCreatedCompleted:   "SwapCreatedCompleted",
}

func (e Event) Valid() bool {
	return e >= SwapCreated && e <= SwapCreatedCompleted
}

func (e Event) String() string {
	if !e.Valid() {
		return fmt.Sprintf("Event(%d)", int(e))
	}
	return eventNames[e]
}

// ParseEvent accepts an event name, case-insensitively.
func ParseEvent(name string) (Event, error) {
	for i, candidate := range eventNames {
		if strings.EqualFold(candidate, strings.TrimSpace(name)) {
			return Event(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

// UnmarshalJSON accepts either the numeric tag or the event name.
func (e *Event) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		return fmt.Errorf("%w: null", ErrUnknownEvent)
	}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if !Event(n).Valid() {
			return fmt.Errorf("%w: %d", ErrUnknownEvent, n)
		}
		*e = Event(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, string(data))
	}
	parsed, err := ParseEvent(name)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

type eventData struct {
	SwapURL  string
	Title    string
	Name     string
	Slot     string
	Schedule []string
}

var eventTitles = [...]string{
	SwapCreated:            "Swap request created",
	SwapRequested:          "Swap requested",
	SwapRequestedCompleted: "Swap request completed",
	SwapCreatedCompleted:   "Swap created completed",
}

var eventTemplates = [...]*template.Template{
	SwapCreated: mustTemplate(`Hi {{.Name}}, your swap has been created successfully! If anyone wants to swap with you, you'll be notified here. Good luck!`),
	SwapRequested: mustTemplate(`Hi {{.Name}}, you have requested a swap. The other party has been notified, and they will contact you directly. ` +
		`Your Telegram handle has been shared with them. Best of luck!`),
	SwapRequestedCompleted: mustTemplate(`Hi {{.Name}}, the swap that you requested has been marked as complete. ` + "\n" +
		`<i>If the creator did not contact you, this means that they are not interested in swapping with you anymore. ` +
		`Feel free to create a new swap request if you wish to swap with someone else. Thank you for using TutReg!</i>`),
	SwapCreatedCompleted: mustTemplate(`Hi {{.Name}}, your swap has been marked as complete. Thank you for using TutReg!`),
}

const eventLayout = `✅ <a href='{{.SwapURL}}'><b>{{.Title}}</b></a> ✅

{{template "body" .}}
{{- if .Slot}}

<b>{{.Slot}}</b>
{{- range .Schedule}}
{{.}}
{{- end}}
{{- end}}`

func mustTemplate(body string) *template.Template {
	t := template.Must(template.New("event").Parse(eventLayout))
	return template.Must(t.New("body").Parse(body))
}

// EventRequest is the input of EventMessage: who receives it, and the swap it is
// about with its class rows.
type EventRequest struct {
	Event   Event
	Name    string
	Swap    store.SwapRecord
	Classes []store.ClassSlot
}

// EventMessage renders one of the canned lifecycle messages.
func (c *Compiler) EventMessage(in EventRequest) (string, error) {
	if !in.Event.Valid() {
		return "", fmt.Errorf("%w: %d", ErrUnknownEvent, int(in.Event))
	}
	data := eventData{
		SwapURL: c.SwapURL(in.Swap.SwapID),
		Title:   eventTitles[in.Event],
		Name:    firstNameOr(in.Name),
	}
	if in.Swap.ModuleCode != "" {
		data.Slot = in.Swap.Slot().String()
		data.Schedule = ScheduleLines(in.Classes)
	}

	var buf bytes.Buffer
	if err := eventTemplates[in.Event].ExecuteTemplate(&buf, "event", data); err != nil {
		return "", fmt.Errorf("render %s message: %w", in.Event, err)
	}
	return buf.String(), nil
}

package switchio

import (
	"fmt"
	"strings"
)

// EventSubscription lists the event names this core subscribes to on
// connect.
var EventSubscription = []string{
	"CHANNEL_ANSWER",
	"CHANNEL_HANGUP_COMPLETE",
	"CHANNEL_PARK",
	"CHANNEL_EXECUTE",
}

// Event is one raw call-progress event off the wire: a name plus the
// header bag the switch attaches to it. It carries no interpretation —
// internal/events.Parse turns this into the demultiplexer's tagged
// union.
type Event struct {
	Name    string
	Headers map[string]string
}

// Get returns a header value, or "" if absent.
func (e Event) Get(key string) string {
	return e.Headers[key]
}

// Parse decodes one wire line into an Event. The wire format is a flat
// "Key: Value" sequence separated by "\x1e" (record separator), with
// "Event-Name" required as the first field — a plain-text analogue of
// ESL's header-block-per-event framing, flattened to one line so it fits
// this package's line-oriented connection.
func Parse(line string) (Event, error) {
	fields := strings.Split(line, "\x1e")
	headers := make(map[string]string, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		k, v, ok := strings.Cut(f, ": ")
		if !ok {
			continue
		}
		headers[k] = v
	}

	name := headers["Event-Name"]
	if name == "" {
		return Event{}, fmt.Errorf("switchio: event line missing Event-Name: %q", line)
	}
	return Event{Name: name, Headers: headers}, nil
}

// Encode is Parse's inverse, used by tests and by any component
// simulating switch traffic.
func Encode(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event-Name: %s", ev.Name)
	for k, v := range ev.Headers {
		if k == "Event-Name" {
			continue
		}
		b.WriteString("\x1e")
		fmt.Fprintf(&b, "%s: %s", k, v)
	}
	return b.String()
}

package switchio

import "testing"

func TestParseEvent(t *testing.T) {
	line := "Event-Name: CHANNEL_ANSWER\x1eUnique-ID: u1\x1eCall-Direction: outbound"
	ev, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.Name != "CHANNEL_ANSWER" {
		t.Errorf("Name = %q, want CHANNEL_ANSWER", ev.Name)
	}
	if ev.Get("Unique-ID") != "u1" {
		t.Errorf("Get(Unique-ID) = %q, want u1", ev.Get("Unique-ID"))
	}
	if ev.Get("Call-Direction") != "outbound" {
		t.Errorf("Get(Call-Direction) = %q, want outbound", ev.Get("Call-Direction"))
	}
}

func TestParseMissingEventNameErrors(t *testing.T) {
	_, err := Parse("Unique-ID: u1")
	if err == nil {
		t.Fatal("expected error for a line missing Event-Name")
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	ev := Event{Name: "CHANNEL_HANGUP_COMPLETE", Headers: map[string]string{
		"Event-Name":   "CHANNEL_HANGUP_COMPLETE",
		"Unique-ID":    "u2",
		"Hangup-Cause": "NORMAL_CLEARING",
	}}
	line := Encode(ev)
	got, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse(Encode(ev)): %v", err)
	}
	if got.Name != ev.Name {
		t.Errorf("Name = %q, want %q", got.Name, ev.Name)
	}
	if got.Get("Unique-ID") != "u2" || got.Get("Hangup-Cause") != "NORMAL_CLEARING" {
		t.Errorf("round-tripped headers = %+v, want match of original", got.Headers)
	}
}

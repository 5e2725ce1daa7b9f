package bus

import "testing"

func TestTemplateMatch(t *testing.T) {
	msg := Message{From: "stop1@localhost", Protocol: ProtocolRequest, Performative: PerformativeAccept, Thread: "t-9"}
	cases := []struct {
		name string
		m    Matcher
		want bool
	}{
		{"empty matches anything", Template{}, true},
		{"protocol", Template{Protocol: ProtocolRequest}, true},
		{"wrong performative", Template{Protocol: ProtocolRequest, Performative: PerformativeRefuse}, false},
		{"sender", Template{Sender: "stop1@localhost"}, true},
		{"wrong sender", Template{Sender: "stop2@localhost"}, false},
		{"thread", Template{Thread: "t-9"}, true},
		{"any of", AnyOf(Template{Protocol: ProtocolTravel}, Template{Performative: PerformativeAccept}), true},
		{"any of none", AnyOf(Template{Protocol: ProtocolTravel}, nil), false},
		{"and", And{Template{Protocol: ProtocolRequest}, Template{Thread: "t-9"}}, true},
		{"and fails", And{Template{Protocol: ProtocolRequest}, Template{Thread: "t-1"}}, false},
	}
	for _, tc := range cases {
		if got := tc.m.Match(msg); got != tc.want {
			t.Fatalf("%s: got %t want %t", tc.name, got, tc.want)
		}
	}
}

func TestThreadOf(t *testing.T) {
	if ThreadOf(Template{Protocol: ProtocolRequest}) != "" {
		t.Fatalf("unpinned template has no thread")
	}
	m := And{Template{Protocol: ProtocolRequest}, AnyOf(Template{}, Template{Thread: "t-3"})}
	if got := ThreadOf(m); got != "t-3" {
		t.Fatalf("expected nested thread, got %q", got)
	}
}

func TestTemplateString(t *testing.T) {
	if s := (Template{}).String(); s != "*" {
		t.Fatalf("unexpected %q", s)
	}
	if s := (Template{Protocol: ProtocolQuery, Sender: "d"}).String(); s != "protocol=QUERY,sender=d" {
		t.Fatalf("unexpected %q", s)
	}
}

package wabinary

import (
	"bytes"
	"reflect"
	"testing"
)

func TestFindNodes(t *testing.T) {
	msg := New("message", Attrs{"id": "abc"},
		New("participants", nil,
			NewBytes("to", Attrs{"jid": "a@s.whatsapp.net"}, []byte{1}),
			NewBytes("to", Attrs{"jid": "b@s.whatsapp.net"}, []byte{2}),
		),
		NewBytes("enc", Attrs{"type": "skmsg", "v": "2"}, []byte{3}),
	)

	participants, ok := msg.FindNode("participants")
	if !ok {
		t.Fatal("participants not found")
	}
	tos := participants.FindNodes("to")
	if len(tos) != 2 {
		t.Fatalf("got %d to nodes, want 2", len(tos))
	}
	if !msg.HasNode("enc") {
		t.Fatal("enc not found")
	}
	if msg.HasNode("device-identity") {
		t.Fatal("device-identity should be absent")
	}
}

func TestAttrsAccessors(t *testing.T) {
	a := Attrs{"id": "X1", "t": "1700000000", "from": "alice@s.whatsapp.net", "count": "7"}

	if _, err := a.RequiredString("missing"); err == nil {
		t.Fatal("expected error for missing attribute")
	}
	if got, err := a.RequiredString("id"); err != nil || got != "X1" {
		t.Fatalf("RequiredString = %q, %v", got, err)
	}
	if a.Uint64("t") != 1700000000 {
		t.Errorf("Uint64(t) = %d", a.Uint64("t"))
	}
	if a.Int("count") != 7 {
		t.Errorf("Int(count) = %d", a.Int("count"))
	}
	if a.Int("id") != 0 {
		t.Errorf("malformed int should be 0")
	}
	jid, err := a.JID("from")
	if err != nil || jid.User != "alice" {
		t.Fatalf("JID(from) = %v, %v", jid, err)
	}
	if _, ok := a.OptionalJID("nope"); ok {
		t.Error("OptionalJID on absent key should report false")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	original := New("iq", Attrs{"type": "get", "xmlns": "usync"},
		New("usync", Attrs{"mode": "query", "last": "true"},
			New("query", nil, Node{Description: "devices", Attrs: Attrs{"version": "2"}}),
			New("list", nil,
				Node{Description: "user", Attrs: Attrs{"jid": "bob@s.whatsapp.net"}},
			),
		),
		NewBytes("payload", nil, []byte{0xde, 0xad, 0xbe, 0xef}),
	)

	encoded := Marshal(original)
	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(original, decoded) {
		t.Fatalf("round trip mismatch:\n  in:  %#v\n  out: %#v", original, decoded)
	}
}

func TestCodecDeterministic(t *testing.T) {
	n := New("x", Attrs{"b": "2", "a": "1", "c": "3"})
	if !bytes.Equal(Marshal(n), Marshal(n)) {
		t.Fatal("marshal should be deterministic")
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatal("expected error")
	}
	valid := Marshal(New("ok", nil))
	if _, err := Unmarshal(append(valid, 0x00)); err == nil {
		t.Fatal("expected trailing-bytes error")
	}
}

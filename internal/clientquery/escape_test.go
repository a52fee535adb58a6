package clientquery

import (
	"reflect"
	"testing"
)

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	cases := []string{
		"plain",
		"two words",
		"pipe|pipe",
		"slash/back\\slash",
		"tabs\tand\nnewlines\r",
		"",
		"trailing space ",
	}
	for _, in := range cases {
		if got := Unescape(Escape(in)); got != in {
			t.Errorf("round trip %q: got %q", in, got)
		}
	}
}

func TestUnescapeKnownSequences(t *testing.T) {
	cases := map[string]string{
		`hello\sworld`:   "hello world",
		`a\pb`:           "a|b",
		`path\/to\/file`: "path/to/file",
		`line\nbreak`:    "line\nbreak",
		`no escapes`:     "no escapes",
		`dangling\`:      `dangling\`,
		`unknown\q`:      "unknownq",
	}
	for in, want := range cases {
		if got := Unescape(in); got != want {
			t.Errorf("Unescape(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseKV(t *testing.T) {
	kv := ParseKV(`notifytalkstatuschange schandlerid=1 status=1 clid=42 client_nickname=Some\sName`)
	if kv["status"] != "1" || kv["clid"] != "42" {
		t.Fatalf("unexpected kv: %#v", kv)
	}
	if kv["client_nickname"] != "Some Name" {
		t.Errorf("nickname not unescaped: %q", kv["client_nickname"])
	}
	if _, ok := kv["notifytalkstatuschange"]; !ok {
		t.Errorf("bare event token should be recorded")
	}
}

func TestParseRecords(t *testing.T) {
	recs := ParseRecords(`clid=1 cid=7 client_nickname=alice|clid=2 cid=7 client_nickname=bob`)
	want := []map[string]string{
		{"clid": "1", "cid": "7", "client_nickname": "alice"},
		{"clid": "2", "cid": "7", "client_nickname": "bob"},
	}
	if !reflect.DeepEqual(recs, want) {
		t.Fatalf("got %#v", recs)
	}
}

func TestParseStatus(t *testing.T) {
	st, ok := ParseStatus(`error id=0 msg=ok`)
	if !ok || st.ID != 0 || st.Msg != "ok" {
		t.Fatalf("got %+v ok=%v", st, ok)
	}
	if !st.OK() {
		t.Error("id=0 should be OK")
	}

	st, ok = ParseStatus(`error id=1538 msg=invalid\sparameter`)
	if !ok || st.ID != 1538 || st.Msg != "invalid parameter" {
		t.Fatalf("got %+v ok=%v", st, ok)
	}

	if _, ok := ParseStatus(`clid=1 cid=7`); ok {
		t.Error("payload line must not parse as status")
	}
	if _, ok := ParseStatus(`notifyclientmoved clid=1`); ok {
		t.Error("notification must not parse as status")
	}
}

func TestIsNotification(t *testing.T) {
	if !IsNotification("notifycliententerview ctid=7 clid=3") {
		t.Error("enterview should be a notification")
	}
	if IsNotification("error id=0 msg=ok") {
		t.Error("status line is not a notification")
	}
	if IsNotification("clid=1 cid=7") {
		t.Error("payload line is not a notification")
	}
}

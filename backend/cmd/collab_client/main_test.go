package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"collabEngine/backend/internal/room"
)

func TestHandleLine(t *testing.T) {
	reg := room.NewRegistry(room.Deps{})
	defer reg.Close()
	r, err := reg.Open(context.Background(), room.Config{Room: "cli"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	var buf bytes.Buffer
	out := newPrinter(&buf)

	for _, line := range []string{"hello", "world", "/comment 0 5 c1", "/bogus"} {
		if handleLine(r, out, line) {
			t.Fatalf("handleLine(%q) asked to quit", line)
		}
	}
	if got := r.Doc().Text(); got != "hello\nworld" {
		t.Fatalf("Text() = %q", got)
	}
	if frags := r.Annotations().Fragments("c1"); len(frags) != 1 || frags[0].To != 5 {
		t.Fatalf("Fragments(c1) = %+v", frags)
	}
	if !strings.Contains(buf.String(), "unknown command /bogus") {
		t.Fatalf("output = %q", buf.String())
	}
	if !handleLine(r, out, "/quit") {
		t.Fatalf("/quit did not quit")
	}
}

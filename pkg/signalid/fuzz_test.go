// Copyright 2024-2026 Aiku AI

package signalid

import (
	"testing"

	"github.com/google/uuid"
)

// FuzzParseMessageID checks that ParseMessageID never panics and that any
// token it accepts survives a rebuild round trip.
func FuzzParseMessageID(f *testing.F) {
	f.Add("71e16c3e-a053-4b28-9f2b-6e115c9e4e43:1714399201337")
	f.Add("71e16c3e-a053-4b28-9f2b-6e115c9e4e43:0")
	f.Add("garbage")
	f.Add(":::")
	f.Add("")
	f.Fuzz(func(t *testing.T, raw string) {
		sender, ts, err := ParseMessageID(MessageID(raw))
		if err != nil {
			return
		}
		rebuilt := MakeMessageID(sender, ts)
		s2, ts2, err := ParseMessageID(rebuilt)
		if err != nil {
			t.Fatalf("rebuilt message ID %q failed to parse: %v", rebuilt, err)
		}
		if s2 != sender || ts2 != ts {
			t.Errorf("round trip mismatch: (%s, %d) != (%s, %d)", s2, ts2, sender, ts)
		}
	})
}

// FuzzMakeMessageID checks the builder against arbitrary timestamps.
func FuzzMakeMessageID(f *testing.F) {
	f.Add(uint64(0))
	f.Add(uint64(1714399201337))
	f.Fuzz(func(t *testing.T, ts uint64) {
		sender := uuid.MustParse("71e16c3e-a053-4b28-9f2b-6e115c9e4e43")
		id := MakeMessageID(sender, ts)
		gotSender, gotTS, err := ParseMessageID(id)
		if err != nil {
			t.Fatalf("ParseMessageID(%q): %v", id, err)
		}
		if gotSender != sender || gotTS != ts {
			t.Errorf("round trip mismatch for ts %d", ts)
		}
	})
}

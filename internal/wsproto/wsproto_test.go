package wsproto

import "testing"

func TestMarshalParseRoundTrip(t *testing.T) {
	env := Envelope{
		Type:     TypeJoin,
		RoomID:   "general",
		Username: "alice",
	}
	b, err := Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Type != env.Type || got.RoomID != env.RoomID || got.Username != env.Username {
		t.Fatalf("round trip mismatch: got %#v, want %#v", got, env)
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte("not json")); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestValidRoomID(t *testing.T) {
	cases := map[string]bool{
		"general":       true,
		"voice-lounge_1": true,
		"":              false,
		"has space ok":  true,
		"bad$char":      false,
	}
	for roomID, want := range cases {
		if got := ValidRoomID(roomID); got != want {
			t.Errorf("ValidRoomID(%q) = %v, want %v", roomID, got, want)
		}
	}
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	if ValidRoomID(string(long)) {
		t.Error("ValidRoomID should reject a 129-char room id")
	}
}

func TestValidUsername(t *testing.T) {
	cases := map[string]bool{
		"alice":   true,
		"a_1":     true,
		"":        false,
		"has space": false,
		"dot.dot": false,
	}
	for username, want := range cases {
		if got := ValidUsername(username); got != want {
			t.Errorf("ValidUsername(%q) = %v, want %v", username, got, want)
		}
	}
}

func TestIsAllDigits(t *testing.T) {
	cases := map[string]bool{
		"42":      true,
		"0":       true,
		"general": false,
		"":        false,
		"4a2":     false,
	}
	for s, want := range cases {
		if got := IsAllDigits(s); got != want {
			t.Errorf("IsAllDigits(%q) = %v, want %v", s, got, want)
		}
	}
}

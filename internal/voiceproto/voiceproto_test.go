package voiceproto

import "testing"

func TestHelloEncodeDecodeRoundTrip(t *testing.T) {
	want := Hello{Flags: 0x01, Username: "alice"}
	for i := range want.ClientID {
		want.ClientID[i] = byte(i)
	}
	got, err := DecodeHello(EncodeHello(want))
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if got != want {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestDecodeHelloShortPacket(t *testing.T) {
	if _, err := DecodeHello([]byte{TypeHello}); err != ErrShortPacket {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
}

func TestJoinChannelEncodeDecodeRoundTrip(t *testing.T) {
	want := JoinChannel{Channel: "general"}
	want.ClientID[0] = 0xAB
	got, err := DecodeJoinChannel(EncodeJoinChannel(want))
	if err != nil {
		t.Fatalf("DecodeJoinChannel: %v", err)
	}
	if got != want {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestVoiceEncodeDecodeRoundTrip(t *testing.T) {
	want := Voice{Seq: 7, TS: 1234, Payload: []byte{1, 2, 3, 4}}
	got, err := DecodeVoice(EncodeVoice(want))
	if err != nil {
		t.Fatalf("DecodeVoice: %v", err)
	}
	if got.Seq != want.Seq || got.TS != want.TS || string(got.Payload) != string(want.Payload) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestVoiceFECEncodeDecodeRoundTripAndFECBit(t *testing.T) {
	want := VoiceFEC{Channel: "general", BaseSeq: 40, Parity: []byte{9, 9, 9}}
	frame := EncodeVoiceFEC(want)
	if frame[0] != TypeVoiceFEC || frame[0]&0x80 == 0 {
		t.Fatalf("expected high bit set on FEC frame, got type=0x%x", frame[0])
	}
	got, err := DecodeVoiceFEC(frame)
	if err != nil {
		t.Fatalf("DecodeVoiceFEC: %v", err)
	}
	if got.Channel != want.Channel || got.BaseSeq != want.BaseSeq || string(got.Parity) != string(want.Parity) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestSpeakingStateEncodeDecodeRoundTrip(t *testing.T) {
	want := SpeakingState{Speaking: true}
	want.ClientID[5] = 0x42
	got, err := DecodeSpeakingState(EncodeSpeakingState(want))
	if err != nil {
		t.Fatalf("DecodeSpeakingState: %v", err)
	}
	if got != want {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestKeySyncEncodeDecodeRoundTrip(t *testing.T) {
	want := KeySync{NewKeyID: 99}
	got, err := DecodeKeySync(EncodeKeySync(want))
	if err != nil {
		t.Fatalf("DecodeKeySync: %v", err)
	}
	if got != want {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestWrapperEncodeDecodeRoundTrip(t *testing.T) {
	want := Wrapper{InnerType: TypeVoice, KeyID: 3, Ciphertext: []byte{1, 2, 3}}
	want.Nonce[0] = 0x11
	want.Tag[0] = 0x22
	got, err := DecodeWrapper(EncodeWrapper(want))
	if err != nil {
		t.Fatalf("DecodeWrapper: %v", err)
	}
	if got.InnerType != want.InnerType || got.KeyID != want.KeyID ||
		got.Nonce != want.Nonce || got.Tag != want.Tag ||
		string(got.Ciphertext) != string(want.Ciphertext) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestPacketTypeEmptyPacket(t *testing.T) {
	if _, err := PacketType(nil); err != ErrShortPacket {
		t.Fatalf("expected ErrShortPacket for empty packet, got %v", err)
	}
}

// Package voiceproto implements the UDP voice-relay wire format: fixed-layout
// binary packets distinguished by a leading type byte, all integers
// big-endian.
package voiceproto

import (
	"encoding/binary"
	"errors"
)

// Packet type bytes. The high bit (0x80) on Voice marks the FEC variant.
const (
	TypeHello            byte = 0x01
	TypeWelcome          byte = 0x02
	TypeJoinChannel       byte = 0x10
	TypeLeaveChannel      byte = 0x11
	TypeVoice             byte = 0x20
	fecBit                byte = 0x80
	TypeVoiceFEC          byte = TypeVoice | fecBit
	TypeSpeakingState     byte = 0x30
	TypeKeySync           byte = 0x50
	TypeEncryptedWrapper  byte = 0xFE
	TypeKeepalive         byte = 0xFF
)

// ClientIDLen is the fixed width of a client identifier.
const ClientIDLen = 16

// ClientID is the 16-byte UDP-side client identifier.
type ClientID [ClientIDLen]byte

var ErrShortPacket = errors.New("voiceproto: packet too short")
var ErrUnknownType = errors.New("voiceproto: unknown packet type")

// Hello is the HELLO packet: 0x01 flags:u8 client_id:16 uname_len:u8 uname.
type Hello struct {
	Flags    byte
	ClientID ClientID
	Username string
}

func DecodeHello(b []byte) (Hello, error) {
	if len(b) < 1+1+ClientIDLen+1 {
		return Hello{}, ErrShortPacket
	}
	var h Hello
	h.Flags = b[1]
	copy(h.ClientID[:], b[2:2+ClientIDLen])
	unameLen := int(b[2+ClientIDLen])
	off := 2 + ClientIDLen + 1
	if len(b) < off+unameLen {
		return Hello{}, ErrShortPacket
	}
	h.Username = string(b[off : off+unameLen])
	return h, nil
}

func EncodeHello(h Hello) []byte {
	uname := []byte(h.Username)
	if len(uname) > 255 {
		uname = uname[:255]
	}
	out := make([]byte, 2+ClientIDLen+1+len(uname))
	out[0] = TypeHello
	out[1] = h.Flags
	copy(out[2:2+ClientIDLen], h.ClientID[:])
	out[2+ClientIDLen] = byte(len(uname))
	copy(out[2+ClientIDLen+1:], uname)
	return out
}

// Welcome is the WELCOME reply: 0x02 flags:u8 current_key_id:u32.
type Welcome struct {
	Flags       byte
	CurrentKeyID uint32
}

func EncodeWelcome(w Welcome) []byte {
	out := make([]byte, 6)
	out[0] = TypeWelcome
	out[1] = w.Flags
	binary.BigEndian.PutUint32(out[2:], w.CurrentKeyID)
	return out
}

// JoinChannel is 0x10 _:u8 client_id:16 chan_len:u8 chan.
type JoinChannel struct {
	ClientID ClientID
	Channel  string
}

func DecodeJoinChannel(b []byte) (JoinChannel, error) {
	if len(b) < 2+ClientIDLen+1 {
		return JoinChannel{}, ErrShortPacket
	}
	var j JoinChannel
	copy(j.ClientID[:], b[2:2+ClientIDLen])
	chanLen := int(b[2+ClientIDLen])
	off := 2 + ClientIDLen + 1
	if len(b) < off+chanLen {
		return JoinChannel{}, ErrShortPacket
	}
	j.Channel = string(b[off : off+chanLen])
	return j, nil
}

func EncodeJoinChannel(j JoinChannel) []byte {
	ch := []byte(j.Channel)
	if len(ch) > 255 {
		ch = ch[:255]
	}
	out := make([]byte, 2+ClientIDLen+1+len(ch))
	out[0] = TypeJoinChannel
	copy(out[2:2+ClientIDLen], j.ClientID[:])
	out[2+ClientIDLen] = byte(len(ch))
	copy(out[2+ClientIDLen+1:], ch)
	return out
}

// LeaveChannel is 0x11 _:u8 client_id:16.
type LeaveChannel struct {
	ClientID ClientID
}

func DecodeLeaveChannel(b []byte) (LeaveChannel, error) {
	if len(b) < 2+ClientIDLen {
		return LeaveChannel{}, ErrShortPacket
	}
	var l LeaveChannel
	copy(l.ClientID[:], b[2:2+ClientIDLen])
	return l, nil
}

func EncodeLeaveChannel(l LeaveChannel) []byte {
	out := make([]byte, 2+ClientIDLen)
	out[0] = TypeLeaveChannel
	copy(out[2:], l.ClientID[:])
	return out
}

// Voice is the cleartext 0x20 VOICE_PACKET layout: 0x20 _:u8 seq:u32 ts:u32 payload.
type Voice struct {
	Seq     uint32
	TS      uint32
	Payload []byte
}

func DecodeVoice(b []byte) (Voice, error) {
	if len(b) < 10 {
		return Voice{}, ErrShortPacket
	}
	return Voice{
		Seq:     binary.BigEndian.Uint32(b[2:6]),
		TS:      binary.BigEndian.Uint32(b[6:10]),
		Payload: b[10:],
	}, nil
}

func EncodeVoice(v Voice) []byte {
	out := make([]byte, 10+len(v.Payload))
	out[0] = TypeVoice
	binary.BigEndian.PutUint32(out[2:6], v.Seq)
	binary.BigEndian.PutUint32(out[6:10], v.TS)
	copy(out[10:], v.Payload)
	return out
}

// VoiceFEC is the parity packet: 0xA0 chan_len:u8 chan base_seq:u32 parity.
type VoiceFEC struct {
	Channel string
	BaseSeq uint32
	Parity  []byte
}

func EncodeVoiceFEC(f VoiceFEC) []byte {
	ch := []byte(f.Channel)
	if len(ch) > 255 {
		ch = ch[:255]
	}
	out := make([]byte, 1+1+len(ch)+4+len(f.Parity))
	out[0] = TypeVoiceFEC
	out[1] = byte(len(ch))
	off := 2
	copy(out[off:], ch)
	off += len(ch)
	binary.BigEndian.PutUint32(out[off:], f.BaseSeq)
	off += 4
	copy(out[off:], f.Parity)
	return out
}

func DecodeVoiceFEC(b []byte) (VoiceFEC, error) {
	if len(b) < 2 {
		return VoiceFEC{}, ErrShortPacket
	}
	chanLen := int(b[1])
	off := 2
	if len(b) < off+chanLen+4 {
		return VoiceFEC{}, ErrShortPacket
	}
	ch := string(b[off : off+chanLen])
	off += chanLen
	base := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	return VoiceFEC{Channel: ch, BaseSeq: base, Parity: b[off:]}, nil
}

// SpeakingState is 0x30 _:u8 speaking:u8 client_id:16.
type SpeakingState struct {
	Speaking bool
	ClientID ClientID
}

func DecodeSpeakingState(b []byte) (SpeakingState, error) {
	if len(b) < 3+ClientIDLen {
		return SpeakingState{}, ErrShortPacket
	}
	var s SpeakingState
	s.Speaking = b[2] != 0
	copy(s.ClientID[:], b[3:3+ClientIDLen])
	return s, nil
}

func EncodeSpeakingState(s SpeakingState) []byte {
	out := make([]byte, 3+ClientIDLen)
	out[0] = TypeSpeakingState
	if s.Speaking {
		out[2] = 1
	}
	copy(out[3:], s.ClientID[:])
	return out
}

// KeySync is 0x50 new_key_id:u32.
type KeySync struct {
	NewKeyID uint32
}

func EncodeKeySync(k KeySync) []byte {
	out := make([]byte, 5)
	out[0] = TypeKeySync
	binary.BigEndian.PutUint32(out[1:], k.NewKeyID)
	return out
}

func DecodeKeySync(b []byte) (KeySync, error) {
	if len(b) < 5 {
		return KeySync{}, ErrShortPacket
	}
	return KeySync{NewKeyID: binary.BigEndian.Uint32(b[1:5])}, nil
}

// Wrapper is the ENCRYPTED_WRAPPER frame: 0xFE inner_type:u8 key_id:u32 nonce:12 tag:16 ciphertext.
type Wrapper struct {
	InnerType byte
	KeyID     uint32
	Nonce     [12]byte
	Tag       [16]byte
	Ciphertext []byte
}

func DecodeWrapper(b []byte) (Wrapper, error) {
	const headerLen = 1 + 1 + 4 + 12 + 16
	if len(b) < headerLen {
		return Wrapper{}, ErrShortPacket
	}
	var w Wrapper
	w.InnerType = b[1]
	w.KeyID = binary.BigEndian.Uint32(b[2:6])
	copy(w.Nonce[:], b[6:18])
	copy(w.Tag[:], b[18:34])
	w.Ciphertext = b[34:]
	return w, nil
}

func EncodeWrapper(w Wrapper) []byte {
	out := make([]byte, 34+len(w.Ciphertext))
	out[0] = TypeEncryptedWrapper
	out[1] = w.InnerType
	binary.BigEndian.PutUint32(out[2:6], w.KeyID)
	copy(out[6:18], w.Nonce[:])
	copy(out[18:34], w.Tag[:])
	copy(out[34:], w.Ciphertext)
	return out
}

// PacketType returns the first byte of a datagram, or an error if empty.
func PacketType(b []byte) (byte, error) {
	if len(b) < 1 {
		return 0, ErrShortPacket
	}
	return b[0], nil
}

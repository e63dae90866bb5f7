// Package testbot drives a synthetic UDP voice client for end-to-end tests
// of the scenarios in spec §8.
//
// Grounded on rustyguts-bken's testbot.go, which joined a room as a virtual
// client and emitted a looped 440 Hz Opus tone every 20 ms; repurposed here
// into a scripted HELLO -> JOIN_CHANNEL -> sequenced VOICE_PACKET driver
// against a real internal/relay.Relay listener, since no audio codec is in
// SPEC_FULL.md's scope — frames are fixed-size silence-shaped payloads
// rather than encoded audio.
package testbot

import (
	"crypto/rand"
	"net"
	"time"

	"github.com/vibespeak/vibespeak/internal/crypto"
	"github.com/vibespeak/vibespeak/internal/voiceproto"
)

// FramePeriod is the spacing between emitted voice packets, matching the
// 20 ms Opus frame cadence spec §8 scenario 1 tests against.
const FramePeriod = 20 * time.Millisecond

// silenceFrameSize approximates a 20 ms Opus frame at a conservative
// bitrate; the payload bytes are never decoded, only counted and FEC'd.
const silenceFrameSize = 160

// Bot is a scripted UDP voice client.
type Bot struct {
	id      voiceproto.ClientID
	conn    *net.UDPConn
	channel string
	seq     uint32
}

// NewClientID generates a random 16-byte client identifier.
func NewClientID() voiceproto.ClientID {
	var id voiceproto.ClientID
	_, _ = rand.Read(id[:])
	return id
}

// Dial connects to the relay's UDP address and returns a Bot that has not
// yet sent HELLO.
func Dial(relayAddr string, id voiceproto.ClientID) (*Bot, error) {
	addr, err := net.ResolveUDPAddr("udp", relayAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	return &Bot{id: id, conn: conn}, nil
}

// Close releases the bot's socket.
func (b *Bot) Close() error {
	return b.conn.Close()
}

// Hello sends a HELLO packet and waits briefly for WELCOME (best-effort;
// callers that need the assigned key id should read the reply themselves
// with Recv).
func (b *Bot) Hello(username string) error {
	pkt := voiceproto.EncodeHello(voiceproto.Hello{ClientID: b.id, Username: username})
	_, err := b.conn.Write(pkt)
	return err
}

// Join sends JOIN_CHANNEL for channel.
func (b *Bot) Join(channel string) error {
	b.channel = channel
	pkt := voiceproto.EncodeJoinChannel(voiceproto.JoinChannel{ClientID: b.id, Channel: channel})
	_, err := b.conn.Write(pkt)
	return err
}

// Leave sends LEAVE_CHANNEL.
func (b *Bot) Leave() error {
	pkt := voiceproto.EncodeLeaveChannel(voiceproto.LeaveChannel{ClientID: b.id})
	_, err := b.conn.Write(pkt)
	b.channel = ""
	return err
}

// SendVoice seals and sends one voice frame at sequence seq (monotonic
// caller-controlled, so tests can script gaps for loss scenarios).
func (b *Bot) SendVoice(core *crypto.Core, seq uint32) error {
	ts := uint32(time.Now().UnixMilli())
	payload := make([]byte, silenceFrameSize)
	inner := voiceproto.EncodeVoice(voiceproto.Voice{Seq: seq, TS: ts, Payload: payload})

	sealed, err := core.Seal(inner, b.channel, seq)
	if err != nil {
		return err
	}
	var keyID uint32
	keyID = uint32(sealed[0])<<24 | uint32(sealed[1])<<16 | uint32(sealed[2])<<8 | uint32(sealed[3])
	var nonce [12]byte
	copy(nonce[:], sealed[4:16])
	var tag [16]byte
	copy(tag[:], sealed[16:32])

	wrapper := voiceproto.EncodeWrapper(voiceproto.Wrapper{
		InnerType:  voiceproto.TypeVoice,
		KeyID:      keyID,
		Nonce:      nonce,
		Tag:        tag,
		Ciphertext: sealed[32:],
	})
	_, err = b.conn.Write(wrapper)
	return err
}

// RunSequence sends count voice frames at FramePeriod spacing, skipping any
// sequence number in skip (to script loss scenarios), starting at startSeq.
func (b *Bot) RunSequence(core *crypto.Core, startSeq uint32, count int, skip map[uint32]bool) error {
	ticker := time.NewTicker(FramePeriod)
	defer ticker.Stop()

	for i := 0; i < count; i++ {
		seq := startSeq + uint32(i)
		if !skip[seq] {
			if err := b.SendVoice(core, seq); err != nil {
				return err
			}
		}
		<-ticker.C
	}
	return nil
}

// Recv reads one inbound datagram with a deadline, for tests that assert on
// relay replies (WELCOME, forwarded voice, KEY_SYNC).
func (b *Bot) Recv(timeout time.Duration) ([]byte, error) {
	_ = b.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 2048)
	n, err := b.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

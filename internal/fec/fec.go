// Package fec implements per-channel XOR forward error correction over
// fixed-size blocks of forwarded voice packets, per spec §4.3.
//
// Grounded on rustyguts-bken's protocol.go / internal/protocol/message.go
// framing conventions (fixed header fields followed by length-prefixed
// strings, all integers big-endian), applied here to the VOICE_FEC frame
// via internal/voiceproto.
package fec

import "github.com/vibespeak/vibespeak/internal/voiceproto"

// BlockSize is the number of consecutive voice packets that produce one
// parity packet.
const BlockSize = 4

// block accumulates payloads for one in-progress FEC group on a channel.
type block struct {
	baseSeq  uint32
	payloads [][]byte
}

// Encoder holds one accumulating block per channel. Not safe for concurrent
// use — the voice relay's single datagram loop owns it exclusively, per
// spec §5.
type Encoder struct {
	channels map[string]*block
}

// New constructs an empty FEC encoder.
func New() *Encoder {
	return &Encoder{channels: make(map[string]*block)}
}

// Observe appends a forwarded packet's payload to channelID's accumulating
// block. When the block reaches BlockSize, it returns the encoded VOICE_FEC
// frame and resets the accumulator; otherwise ok is false.
func (e *Encoder) Observe(channelID string, seq uint32, payload []byte) (frame []byte, ok bool) {
	b, exists := e.channels[channelID]
	if !exists {
		b = &block{baseSeq: seq}
		e.channels[channelID] = b
	}
	if len(b.payloads) == 0 {
		b.baseSeq = seq
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	b.payloads = append(b.payloads, cp)

	if len(b.payloads) < BlockSize {
		return nil, false
	}

	parity := xorAll(b.payloads)
	frame = voiceproto.EncodeVoiceFEC(voiceproto.VoiceFEC{
		Channel: channelID,
		BaseSeq: b.baseSeq,
		Parity:  parity,
	})

	delete(e.channels, channelID)
	return frame, true
}

// Reset discards channelID's in-progress block, e.g. when the channel
// becomes empty.
func (e *Encoder) Reset(channelID string) {
	delete(e.channels, channelID)
}

func xorAll(payloads [][]byte) []byte {
	maxLen := 0
	for _, p := range payloads {
		if len(p) > maxLen {
			maxLen = len(p)
		}
	}
	parity := make([]byte, maxLen)
	for _, p := range payloads {
		for i, bb := range p {
			parity[i] ^= bb
		}
	}
	return parity
}

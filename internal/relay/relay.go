// Package relay implements VoiceRelay: the UDP socket owner that terminates
// the wire protocol, maintains the client/channel registry, and forwards
// media through CryptoCore, the jitter buffer, and FEC (spec §4.4).
//
// Grounded on rustyguts-bken's room.go (client registry, the sendHealth
// circuit breaker, Broadcast's snapshot-under-RLock-then-release-then-send
// discipline) and client.go (join/leave flow, per-client datagram handling),
// adapted from WebTransport sessions to a single net.UDPConn with per-client
// remote addresses. The non-blocking outbound send funnel is grounded on
// kstaniek-go-ampio-server's internal/transport/async_tx.go.
package relay

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vibespeak/vibespeak/internal/crypto"
	"github.com/vibespeak/vibespeak/internal/fec"
	"github.com/vibespeak/vibespeak/internal/jitter"
	"github.com/vibespeak/vibespeak/internal/voiceproto"
)

const (
	staleClientTimeout = 60 * time.Second
	reaperInterval     = 30 * time.Second
	rotationInterval    = time.Hour

	// circuitBreakerThreshold/ProbeInterval mirror room.go's sendHealth:
	// after this many consecutive send failures a client's outbound path is
	// considered down and further sends are skipped except for periodic
	// probes, so one wedged client cannot burn CPU on every relay tick.
	circuitBreakerThreshold    = 50
	circuitBreakerProbeInterval = 25

	sendQueueDepth = 256
)

// client is the UDP-side registry entry, per spec §3.
type client struct {
	id       voiceproto.ClientID
	addr     *net.UDPAddr
	username string
	channel  string
	lastSeen time.Time
	seq      uint32
	speaking bool
	key      []byte

	sendFailures uint32
	skipCount    uint32
}

func (c *client) shouldSkipSend() bool {
	if c.sendFailures < circuitBreakerThreshold {
		return false
	}
	c.skipCount++
	if c.skipCount >= circuitBreakerProbeInterval {
		c.skipCount = 0
		return false // probe attempt
	}
	return true
}

func (c *client) recordSendFailure() {
	c.sendFailures++
}

func (c *client) recordSendSuccess() {
	c.sendFailures = 0
	c.skipCount = 0
}

// Stats is the VoiceRelay observability snapshot, shaped like room.go's
// Room.Stats().
type Stats struct {
	Clients         int    `json:"clients"`
	Channels        int    `json:"channels"`
	DatagramsIn     uint64 `json:"datagrams_in"`
	DatagramsOut    uint64 `json:"datagrams_out"`
	BytesIn         uint64 `json:"bytes_in"`
	BytesOut        uint64 `json:"bytes_out"`
	DecryptFailures uint64 `json:"decrypt_failures"`
	SendsSkipped    uint64 `json:"sends_skipped"`
}

type outboundDatagram struct {
	addr *net.UDPAddr
	data []byte
}

// Relay owns the UDP socket and all relay state. A single datagram receive
// loop serializes every state mutation (spec §5); outbound sends are
// funneled through a bounded channel drained by one writer goroutine so a
// slow client cannot block the receive loop.
type Relay struct {
	conn   *net.UDPConn
	crypto *crypto.Core
	logger *slog.Logger

	mu          sync.Mutex
	clients     map[voiceproto.ClientID]*client
	addrIndex   map[string]voiceproto.ClientID
	channels    map[string]map[voiceproto.ClientID]struct{}
	jitterBufs  map[voiceproto.ClientID]*jitter.Buffer
	fecEncoder  *fec.Encoder

	stats Stats

	outbound chan outboundDatagram
}

// New constructs a Relay bound to conn, using core for all framing.
func New(conn *net.UDPConn, core *crypto.Core, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		conn:       conn,
		crypto:     core,
		logger:     logger,
		clients:    make(map[voiceproto.ClientID]*client),
		addrIndex:  make(map[string]voiceproto.ClientID),
		channels:   make(map[string]map[voiceproto.ClientID]struct{}),
		jitterBufs: make(map[voiceproto.ClientID]*jitter.Buffer),
		fecEncoder: fec.New(),
		outbound:   make(chan outboundDatagram, sendQueueDepth),
	}
	return r
}

// Run drains inbound datagrams until ctx is done or the socket errors. It
// also starts the writer goroutine and the reaper/rotation timers.
func (r *Relay) Run(stop <-chan struct{}) error {
	go r.writeLoop(stop)
	go r.reaperLoop(stop)
	go r.rotationLoop(stop)

	buf := make([]byte, 2048)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-stop:
				return nil
			default:
			}
			r.logger.Debug("udp read error", "err", err)
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		r.handleDatagram(pkt, addr)
	}
}

// writeLoop is the single owner of outbound UDP writes, matching
// async_tx.go's non-blocking single-writer funnel.
func (r *Relay) writeLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case dg := <-r.outbound:
			_, err := r.conn.WriteToUDP(dg.data, dg.addr)
			r.mu.Lock()
			if err != nil {
				r.logger.Debug("udp write error", "addr", dg.addr, "err", err)
			} else {
				r.stats.DatagramsOut++
				r.stats.BytesOut += uint64(len(dg.data))
			}
			r.mu.Unlock()
		}
	}
}

// sendTo enqueues data for addr, honoring c's circuit breaker. Never blocks:
// a full outbound queue counts as a skipped send.
func (r *Relay) sendTo(c *client, data []byte) {
	if c.shouldSkipSend() {
		r.stats.SendsSkipped++
		return
	}
	select {
	case r.outbound <- outboundDatagram{addr: c.addr, data: data}:
		c.recordSendSuccess()
	default:
		c.recordSendFailure()
		r.stats.SendsSkipped++
	}
}

func (r *Relay) handleDatagram(pkt []byte, addr *net.UDPAddr) {
	typ, err := voiceproto.PacketType(pkt)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.DatagramsIn++
	r.stats.BytesIn += uint64(len(pkt))

	switch typ {
	case voiceproto.TypeHello:
		r.handleHello(pkt, addr)
	case voiceproto.TypeJoinChannel:
		r.handleJoin(pkt)
	case voiceproto.TypeLeaveChannel:
		r.handleLeave(pkt)
	case voiceproto.TypeEncryptedWrapper:
		r.handleWrapper(pkt, addr)
	case voiceproto.TypeSpeakingState:
		r.handleSpeaking(pkt)
	case voiceproto.TypeKeepalive:
		r.handleKeepalive(pkt, addr)
	default:
		r.logger.Debug("unknown packet type", "type", typ)
	}
}

func (r *Relay) handleHello(pkt []byte, addr *net.UDPAddr) {
	hello, err := voiceproto.DecodeHello(pkt)
	if err != nil {
		return
	}
	c, exists := r.clients[hello.ClientID]
	if !exists {
		c = &client{id: hello.ClientID}
		r.clients[hello.ClientID] = c
		r.jitterBufs[hello.ClientID] = jitter.New()
	}
	// HELLO is idempotent: endpoint migrates, channel membership and
	// jitter-buffer state are preserved (spec §8 round-trip property).
	if c.addr != nil {
		delete(r.addrIndex, c.addr.String())
	}
	c.addr = addr
	c.username = hello.Username
	c.lastSeen = time.Now()
	r.addrIndex[addr.String()] = hello.ClientID

	c.key = r.crypto.DeriveClientKey(string(hello.ClientID[:]))

	welcome := voiceproto.EncodeWelcome(voiceproto.Welcome{
		Flags:        0,
		CurrentKeyID: r.crypto.CurrentKeyID(),
	})
	r.sendTo(c, welcome)
}

func (r *Relay) handleJoin(pkt []byte) {
	j, err := voiceproto.DecodeJoinChannel(pkt)
	if err != nil {
		return
	}
	c, ok := r.clients[j.ClientID]
	if !ok {
		return
	}
	if c.channel == j.Channel {
		return // no-op, per spec §8 round-trip property
	}
	r.removeFromChannelLocked(c)

	c.channel = j.Channel
	set, ok := r.channels[j.Channel]
	if !ok {
		set = make(map[voiceproto.ClientID]struct{})
		r.channels[j.Channel] = set
	}
	set[j.ClientID] = struct{}{}

	marker := voiceproto.EncodeJoinChannel(voiceproto.JoinChannel{ClientID: j.ClientID, Channel: j.Channel})
	r.broadcastToChannelLocked(j.Channel, j.ClientID, marker)
}

func (r *Relay) handleLeave(pkt []byte) {
	l, err := voiceproto.DecodeLeaveChannel(pkt)
	if err != nil {
		return
	}
	c, ok := r.clients[l.ClientID]
	if !ok {
		return
	}
	channel := c.channel
	r.removeFromChannelLocked(c)
	if channel != "" {
		marker := voiceproto.EncodeLeaveChannel(voiceproto.LeaveChannel{ClientID: l.ClientID})
		r.broadcastToChannelLocked(channel, l.ClientID, marker)
	}
}

// removeFromChannelLocked takes c out of its current channel set, deleting
// the channel if it becomes empty, and resets its jitter buffer state (the
// reorder state is only meaningful within a single channel membership).
func (r *Relay) removeFromChannelLocked(c *client) {
	if c.channel == "" {
		return
	}
	if set, ok := r.channels[c.channel]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(r.channels, c.channel)
		}
	}
	r.fecEncoder.Reset(c.channel)
	c.channel = ""
	if jb, ok := r.jitterBufs[c.id]; ok {
		jb.Reset()
	}
}

func (r *Relay) handleKeepalive(pkt []byte, addr *net.UDPAddr) {
	id, ok := r.lookupByAddrLocked(addr)
	if !ok {
		return
	}
	if c, ok := r.clients[id]; ok {
		c.lastSeen = time.Now()
	}
}

func (r *Relay) handleSpeaking(pkt []byte) {
	s, err := voiceproto.DecodeSpeakingState(pkt)
	if err != nil {
		return
	}
	c, ok := r.clients[s.ClientID]
	if !ok {
		return
	}
	c.speaking = s.Speaking
	if c.channel == "" {
		return
	}
	out := voiceproto.EncodeSpeakingState(s)
	r.broadcastToChannelLocked(c.channel, s.ClientID, out)
}

// handleWrapper implements the VOICE_PACKET / ENCRYPTED_WRAPPER path of
// spec §4.4: decrypt, account, FEC-observe, jitter-step per receiver,
// re-seal, forward.
func (r *Relay) handleWrapper(pkt []byte, addr *net.UDPAddr) {
	w, err := voiceproto.DecodeWrapper(pkt)
	if err != nil {
		return
	}
	id, ok := r.lookupByAddrLocked(addr)
	if !ok {
		return
	}
	sender, ok := r.clients[id]
	if !ok || sender.channel == "" {
		return
	}

	framed := make([]byte, 4+12+16+len(w.Ciphertext))
	putU32(framed[0:4], w.KeyID)
	copy(framed[4:16], w.Nonce[:])
	copy(framed[16:32], w.Tag[:])
	copy(framed[32:], w.Ciphertext)

	plaintext, ok := r.crypto.Open(framed, sender.channel)
	if !ok {
		r.stats.DecryptFailures++
		return
	}
	if w.InnerType != voiceproto.TypeVoice {
		return
	}

	voice, err := voiceproto.DecodeVoice(plaintext)
	if err != nil {
		return
	}

	sender.seq++
	sender.lastSeen = time.Now()

	if parity, ready := r.fecEncoder.Observe(sender.channel, voice.Seq, voice.Payload); ready {
		r.broadcastToChannelLocked(sender.channel, sender.id, parity)
	}

	members := r.channels[sender.channel]
	for memberID := range members {
		if memberID == sender.id {
			continue
		}
		receiver, ok := r.clients[memberID]
		if !ok {
			continue
		}
		jb, ok := r.jitterBufs[memberID]
		if !ok {
			jb = jitter.New()
			r.jitterBufs[memberID] = jb
		}
		released := jb.Arrive(string(sender.id[:]), voice.Seq, voice.TS, voice.Payload, time.Now())
		for _, entry := range released {
			r.forwardToReceiver(receiver, sender.channel, entry)
		}
	}
}

func (r *Relay) forwardToReceiver(receiver *client, channel string, entry jitter.Entry) {
	innerVoice := voiceproto.EncodeVoice(voiceproto.Voice{Seq: entry.Seq, TS: entry.SenderTS, Payload: entry.Payload})
	sealed, err := r.crypto.Seal(innerVoice, channel, entry.Seq)
	if err != nil {
		return
	}
	keyID := putU32FromBytes(sealed[0:4])
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
	r.sendTo(receiver, wrapper)
}

func (r *Relay) broadcastToChannelLocked(channel string, except voiceproto.ClientID, data []byte) {
	for memberID := range r.channels[channel] {
		if memberID == except {
			continue
		}
		if c, ok := r.clients[memberID]; ok {
			r.sendTo(c, data)
		}
	}
}

// lookupByAddrLocked consults the address index, repairing it with a linear
// scan on miss, per spec §4.4's endpoint-lookup repair rule.
func (r *Relay) lookupByAddrLocked(addr *net.UDPAddr) (voiceproto.ClientID, bool) {
	if id, ok := r.addrIndex[addr.String()]; ok {
		return id, true
	}
	for id, c := range r.clients {
		if c.addr != nil && c.addr.String() == addr.String() {
			r.addrIndex[addr.String()] = id
			return id, true
		}
	}
	return voiceproto.ClientID{}, false
}

// reaperLoop evicts clients idle past staleClientTimeout every
// reaperInterval, per spec §4.4.
func (r *Relay) reaperLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.reapStale()
		}
	}
}

func (r *Relay) reapStale() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		if now.Sub(c.lastSeen) <= staleClientTimeout {
			continue
		}
		r.removeFromChannelLocked(c)
		if c.addr != nil {
			delete(r.addrIndex, c.addr.String())
		}
		delete(r.jitterBufs, id)
		delete(r.clients, id)
	}
}

// rotationLoop checks for key rotation every rotationInterval, per spec
// §4.4's key-rotation sweep.
func (r *Relay) rotationLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(rotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.maybeRotate()
		}
	}
}

func (r *Relay) maybeRotate() {
	newKeyID, rotated := r.crypto.MaybeRotate(time.Now())
	if !rotated {
		return
	}
	syncFrame := voiceproto.EncodeKeySync(voiceproto.KeySync{NewKeyID: newKeyID})

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		if c.channel != "" {
			r.sendTo(c, syncFrame)
		}
	}
	r.logger.Info("key rotated", "new_key_id", newKeyID)
}

// Stats returns a snapshot of relay-wide counters and registry sizes.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Clients = len(r.clients)
	s.Channels = len(r.channels)
	return s
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putU32FromBytes(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

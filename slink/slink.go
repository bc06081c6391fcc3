// Package slink implements the serial link state machine: a
// byte-oriented ingress ring buffer, frame boundary detection driven
// by an externally signaled delimiter, CRC-16 (Modbus polynomial)
// validation, slave-address filtering, and frame emission with CRC.
//
// The physical UART driver and the timer that detects the
// inter-character silent interval are external collaborators: the
// lower layer feeds bytes in via PutChar and calls FrameDelimited once
// it has observed the silence. See cmd/yam-slave for a reference
// wiring of both against a real serial port.
package slink

import (
	"errors"
	"sync/atomic"

	"github.com/woowu/yam/crc"
)

// Transport-domain errors. These are returned upward from
// FrameDelimited for telemetry; neither results in a response frame
// being emitted, matching the RTU contract that a malformed or
// misaddressed frame is simply dropped (the master will time out).
var (
	ErrFrame = errors.New("bad frame (short or failed crc)")
	ErrAddr  = errors.New("frame not addressed to this slave")
)

const (
	// defaultRingSize is the reference ring buffer capacity; it must
	// be a power of two and at least 257 bytes.
	defaultRingSize = 512

	maxFrameLen = 256 // max APDU: addr(1) + PDU(253) + crc(2)
	minFrameLen = 1 + 2 + 2
)

// Dispatcher is satisfied by appl.Dispatcher: given a slave address
// and a request PDU, it returns the response PDU.
type Dispatcher interface {
	Input(slaveAddr uint8, pdu []byte) []byte
}

// SendFrameCB transmits an assembled RTU frame (address + PDU + CRC)
// verbatim on the wire.
type SendFrameCB func(frame []byte)

// Stats are the serial link's running counters.
type Stats struct {
	RxChars    uint64
	TxChars    uint64
	BadFrames  uint64
	GoodFrames uint64
}

// Link owns one ring buffer, one in-frame scratch buffer, a
// configured slave id, a send-frame callback and statistics counters;
// each response frame is allocated afresh by FrameDelimited. It is created once per port and
// lives for the life of the program.
type Link struct {
	dispatcher Dispatcher
	sendFrame  SendFrameCB
	slaveID    uint32 // atomic: read from FrameDelimited, set from any context

	ring     []byte
	ringMask uint32
	head     uint32 // atomic: written only by PutChar
	tail     uint32 // atomic: written only by FrameDelimited

	inFrame []byte

	rxChars    uint64
	txChars    uint64
	badFrames  uint64
	goodFrames uint64
}

// Option configures a Link at construction time.
type Option func(*Link)

// RingSize overrides the ring buffer capacity. size must be a power of
// two, since indices wrap with a size-1 mask; this is not checked. The
// ring holds at most size-1 bytes, so a 256-byte frame needs a size of
// at least 257 (the tests use smaller rings to exercise drop-on-full).
func RingSize(size int) Option {
	return func(l *Link) {
		if size > 0 {
			l.ring = make([]byte, size)
			l.ringMask = uint32(size - 1)
		}
	}
}

// SendFrame installs the frame emitter at construction time.
func SendFrame(cb SendFrameCB) Option {
	return func(l *Link) { l.sendFrame = cb }
}

// New creates a serial link bound to dispatcher, filtering on
// slaveID, with a ring buffer of defaultRingSize bytes unless
// overridden via RingSize.
func New(slaveID uint8, dispatcher Dispatcher, opts ...Option) *Link {
	l := &Link{
		dispatcher: dispatcher,
		ring:       make([]byte, defaultRingSize),
		ringMask:   uint32(defaultRingSize - 1),
		inFrame:    make([]byte, 0, maxFrameLen),
	}
	atomic.StoreUint32(&l.slaveID, uint32(slaveID))

	for _, o := range opts {
		o(l)
	}

	return l
}

// SetSendFrameCB installs (or replaces) the frame emitter.
func (l *Link) SetSendFrameCB(cb SendFrameCB) {
	l.sendFrame = cb
}

// SetSlaveID changes the address filter applied by FrameDelimited.
func (l *Link) SetSlaveID(id uint8) {
	atomic.StoreUint32(&l.slaveID, uint32(id))
}

// Stats returns a snapshot of the link's counters.
func (l *Link) Stats() Stats {
	return Stats{
		RxChars:    atomic.LoadUint64(&l.rxChars),
		TxChars:    atomic.LoadUint64(&l.txChars),
		BadFrames:  atomic.LoadUint64(&l.badFrames),
		GoodFrames: atomic.LoadUint64(&l.goodFrames),
	}
}

func (l *Link) circCount(head, tail uint32) uint32 {
	return (head - tail) & l.ringMask
}

func (l *Link) circSpace(head, tail uint32) uint32 {
	return (tail - (head + 1)) & l.ringMask
}

// PutChar pushes one ingress byte into the ring buffer. It is safe to
// call from an ISR/driver context: it only ever writes buf[head] then
// advances head, matching the canonical single-producer side of the
// SPSC ring. The byte is dropped (not overwritten) if the buffer is
// full.
func (l *Link) PutChar(c byte) {
	head := atomic.LoadUint32(&l.head)
	tail := atomic.LoadUint32(&l.tail)

	if l.circSpace(head, tail) == 0 {
		return
	}

	l.ring[head] = c
	atomic.StoreUint32(&l.head, (head+1)&l.ringMask)
	atomic.AddUint64(&l.rxChars, 1)
}

// FrameDelimited is called by the lower layer once it has observed the
// Modbus inter-character silence that marks a frame boundary. It must
// not be called from an ISR. It drains the ring buffer, validates the
// accumulated frame, dispatches it through the application layer on
// success, and emits a response frame if one is due.
//
// A short or CRC-invalid frame returns ErrFrame; a frame addressed to
// another slave returns ErrAddr. Neither case produces a response
// frame. Any other return value is nil, meaning a response (possibly
// a Modbus exception response) was built and, if a SendFrameCB is
// installed, handed to it.
func (l *Link) FrameDelimited() error {
	head := atomic.LoadUint32(&l.head)
	tail := atomic.LoadUint32(&l.tail)

	l.inFrame = l.inFrame[:0]
	for l.circCount(head, tail) > 0 {
		l.inFrame = append(l.inFrame, l.ring[tail])
		tail = (tail + 1) & l.ringMask
	}
	atomic.StoreUint32(&l.tail, tail)

	if len(l.inFrame) < minFrameLen {
		atomic.AddUint64(&l.badFrames, 1)
		return ErrFrame
	}

	slaveID := uint8(atomic.LoadUint32(&l.slaveID))
	if l.inFrame[0] != slaveID {
		return ErrAddr
	}

	frameLen := len(l.inFrame)
	var c crc.CRC
	c.Init()
	c.Add(l.inFrame[:frameLen-2])
	if !c.IsEqual(l.inFrame[frameLen-2], l.inFrame[frameLen-1]) {
		atomic.AddUint64(&l.badFrames, 1)
		return ErrFrame
	}

	atomic.AddUint64(&l.goodFrames, 1)

	pdu := l.inFrame[1 : frameLen-2]
	var resp []byte
	if l.dispatcher != nil {
		resp = l.dispatcher.Input(slaveID, pdu)
	}

	out := make([]byte, 1+len(resp)+2)
	out[0] = slaveID
	copy(out[1:], resp)

	var outCRC crc.CRC
	outCRC.Init()
	outCRC.Add(out[:1+len(resp)])
	crcBytes := outCRC.Value()
	out[1+len(resp)] = crcBytes[0]
	out[1+len(resp)+1] = crcBytes[1]

	if l.sendFrame != nil {
		atomic.AddUint64(&l.txChars, uint64(len(out)))
		l.sendFrame(out)
	}

	return nil
}

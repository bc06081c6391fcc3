// Package yam wires together the register model, file-record service,
// application dispatcher and serial link state machine into a single
// Modbus RTU slave endpoint.
//
// A typical deployment builds a register table and an optional set of
// file-record backends, then calls New to obtain a Slave, and finally
// drives it from a serial port: feed received bytes to PutChar and
// call FrameDelimited once the link has been idle for the Modbus
// inter-character silence interval. See cmd/yam-slave for a reference
// wiring against a real UART.
package yam

import (
	"github.com/woowu/yam/appl"
	"github.com/woowu/yam/filetype"
	"github.com/woowu/yam/register"
	"github.com/woowu/yam/regval"
	"github.com/woowu/yam/slink"
)

// Slave is a complete Modbus RTU slave endpoint bound to one slave
// address, one register table and one file-record service. It owns no
// I/O of its own; PutChar/FrameDelimited are driven by the caller's
// serial port glue.
type Slave struct {
	regs  *register.Model
	files *filetype.Service
	appl  *appl.Dispatcher
	link  *slink.Link

	logger    LeveledLogger
	ringSize  int
	sendFrame slink.SendFrameCB
}

// Option configures a Slave at construction time.
type Option func(*Slave)

// Logger installs a logger used for warnings the slave layer itself
// can raise (currently: every frame FrameDelimited drops, whether
// short, failing the CRC check, or addressed to another slave).
func Logger(l LeveledLogger) Option {
	return func(s *Slave) { s.logger = l }
}

// RingSize overrides the serial link's ingress ring buffer capacity;
// see slink.RingSize for its invariants.
func RingSize(size int) Option {
	return func(s *Slave) { s.ringSize = size }
}

// SendFrame installs the callback used to transmit assembled RTU
// frames on the wire.
func SendFrame(cb slink.SendFrameCB) Option {
	return func(s *Slave) { s.sendFrame = cb }
}

// New builds a Slave. table and store define the register model (see
// register.New); files may be nil for a deployment with no
// file-record support. slaveID is the RTU address this endpoint
// answers to.
func New(slaveID uint8, table []register.Reg, store register.Store, files *filetype.Service, opts ...Option) *Slave {
	s := &Slave{
		logger: newLogger("yam"),
	}

	for _, o := range opts {
		o(s)
	}

	s.regs = register.New(table, store)
	if files == nil {
		files = filetype.New()
	}
	s.files = files
	s.appl = appl.New(s.regs, s.files)

	linkOpts := []slink.Option{}
	if s.ringSize > 0 {
		linkOpts = append(linkOpts, slink.RingSize(s.ringSize))
	}
	if s.sendFrame != nil {
		linkOpts = append(linkOpts, slink.SendFrame(s.sendFrame))
	}
	s.link = slink.New(slaveID, s.appl, linkOpts...)

	return s
}

// PutChar feeds one byte received off the wire into the link's ingress
// buffer. Safe to call from a UART driver/interrupt-style context.
func (s *Slave) PutChar(c byte) {
	s.link.PutChar(c)
}

// FrameDelimited must be called once the caller's silent-interval
// timer observes the Modbus t3.5 inter-character gap. It drains,
// validates and dispatches the accumulated frame, emitting a response
// through the configured SendFrame callback when one is due.
func (s *Slave) FrameDelimited() error {
	err := s.link.FrameDelimited()
	if err != nil && s.logger != nil {
		s.logger.Warningf("dropped frame: %v", err)
	}
	return err
}

// SetSendFrameCB installs (or replaces) the frame emitter.
func (s *Slave) SetSendFrameCB(cb slink.SendFrameCB) {
	s.link.SetSendFrameCB(cb)
}

// SetSlaveID changes the RTU address this endpoint answers to.
func (s *Slave) SetSlaveID(id uint8) {
	s.link.SetSlaveID(id)
}

// Stats returns the serial link's running counters.
func (s *Slave) Stats() slink.Stats {
	return s.link.Stats()
}

// RegisterRecIO installs the record I/O backend for a file type on
// the slave's file-record service. See filetype.Service.RegisterRecIO
// for its always-error return contract.
func (s *Slave) RegisterRecIO(typeCode int, io filetype.RecIO) error {
	return s.files.RegisterRecIO(typeCode, io)
}

// SetFloatFormat installs the process-wide 4-byte wire ordering used
// for 2-register float values. It must be set, if at all, before any
// register I/O begins; see regval.SetFloatFormat.
func SetFloatFormat(f regval.FloatFormat) {
	regval.SetFloatFormat(f)
}

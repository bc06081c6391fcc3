// Package appl implements the Modbus Application Dispatch layer: it
// parses a request PDU, routes it to a function-code handler, and
// produces either a response PDU or a Modbus exception PDU. It never
// touches the wire directly — that is the serial link's job.
package appl

import (
	"github.com/woowu/yam/filetype"
	"github.com/woowu/yam/register"
	"github.com/woowu/yam/regval"
)

// Function codes this dispatcher understands.
const (
	FCReadCoils              uint8 = 1
	FCReadDiscreteInputs     uint8 = 2
	FCReadHoldingRegisters   uint8 = 3
	FCWriteSingleRegister    uint8 = 6
	FCWriteMultipleRegisters uint8 = 16
	FCReadFile               uint8 = 20
	FCWriteFile              uint8 = 21
)

// Modbus exception codes.
const (
	ExIllegalFunction     uint8 = 1
	ExIllegalDataAddress  uint8 = 2
	ExIllegalDataValue    uint8 = 3
	ExServerDeviceFailure uint8 = 4
)

// Reference-address family bases: a request's 0-based ref_start is
// translated to an absolute reference by adding the family base for
// the function being served.
const (
	coilsRefFirst         uint16 = 1
	discreteInputRefFirst uint16 = 10001
	holdingRegsRefFirst   uint16 = 40001

	registerSize = 2 // bytes per 16-bit register on the wire
)

// Dispatcher routes requests to the register model and file-record
// service.
type Dispatcher struct {
	regs  *register.Model
	files *filetype.Service
}

// New builds a Dispatcher over a register model and file-record
// service. files may be nil for a device with no file-record support,
// in which case the file function codes answer with an
// illegal-data-address exception. regs is used unconditionally by the
// register function codes, so it may not be nil.
func New(regs *register.Model, files *filetype.Service) *Dispatcher {
	return &Dispatcher{regs: regs, files: files}
}

// Input parses and handles one request PDU (function code + body,
// pdu[0] being the function code) and returns the response PDU: a
// positive response on success, or a 2-byte exception PDU [fc|0x80,
// exceptionCode] for any recognized failure, including an unknown
// function code.
func (d *Dispatcher) Input(slaveAddr uint8, pdu []byte) []byte {
	if len(pdu) == 0 {
		return exception(0, ExIllegalFunction)
	}

	fc := pdu[0]
	body := pdu[1:]

	switch fc {
	case FCReadCoils:
		return d.readBitmapRequest(fc, body, coilsRefFirst)
	case FCReadDiscreteInputs:
		return d.readBitmapRequest(fc, body, discreteInputRefFirst)
	case FCReadHoldingRegisters:
		return d.readHoldingRegisters(fc, body)
	case FCWriteSingleRegister:
		return d.writeSingleRegister(fc, body)
	case FCWriteMultipleRegisters:
		return d.writeMultipleRegisters(fc, body)
	case FCReadFile:
		return d.readFile(fc, body)
	case FCWriteFile:
		return d.writeFile(fc, body)
	default:
		return exception(fc, ExIllegalFunction)
	}
}

func exception(fc, code uint8) []byte {
	return []byte{fc | 0x80, code}
}

// mapRegErr converts the register model's internal error domain into
// a Modbus exception code, at the one boundary where that
// translation happens.
func mapRegErr(err error) uint8 {
	switch err {
	case register.ErrAddressNotFound:
		return ExIllegalDataAddress
	case register.ErrDataValue:
		return ExIllegalDataValue
	case register.ErrInternal:
		return ExServerDeviceFailure
	default:
		return ExServerDeviceFailure
	}
}

func (d *Dispatcher) readBitmapRequest(fc uint8, body []byte, refBase uint16) []byte {
	if len(body) != 4 {
		return exception(fc, ExIllegalDataValue)
	}
	refStart := uint16(body[0])<<8 | uint16(body[1])
	count := int(uint16(body[2])<<8 | uint16(body[3]))

	byteCount := (count + 7) / 8

	bits, err := d.loadRefBitmap(refBase+refStart, count)
	if err != nil {
		return exception(fc, mapRegErr(err))
	}

	resp := make([]byte, 2+byteCount)
	resp[0] = fc
	resp[1] = byte(byteCount)
	copy(resp[2:], bits)
	return resp
}

func (d *Dispatcher) readHoldingRegisters(fc uint8, body []byte) []byte {
	if len(body) != 4 {
		return exception(fc, ExIllegalDataValue)
	}
	refStart := uint16(body[0])<<8 | uint16(body[1])
	count := int(uint16(body[2])<<8 | uint16(body[3]))
	memSz := count * registerSize

	data, err := d.loadRefMem(holdingRegsRefFirst+refStart, memSz)
	if err != nil {
		return exception(fc, mapRegErr(err))
	}

	resp := make([]byte, 2+memSz)
	resp[0] = fc
	resp[1] = byte(memSz)
	copy(resp[2:], data)
	return resp
}

func (d *Dispatcher) writeSingleRegister(fc uint8, body []byte) []byte {
	if len(body) < 2+registerSize {
		return exception(fc, ExIllegalDataValue)
	}
	refStart := uint16(body[0])<<8 | uint16(body[1])

	if err := d.storeRefMem(holdingRegsRefFirst+refStart, body[2:2+registerSize]); err != nil {
		return exception(fc, mapRegErr(err))
	}

	return []byte{fc, body[0], body[1], body[2], body[3]}
}

func (d *Dispatcher) writeMultipleRegisters(fc uint8, body []byte) []byte {
	if len(body) < 5 {
		return exception(fc, ExIllegalDataValue)
	}
	refStart := uint16(body[0])<<8 | uint16(body[1])
	count := int(uint16(body[2])<<8 | uint16(body[3]))
	byteCount := int(body[4])

	if byteCount != count*registerSize || len(body) < 5+byteCount {
		return exception(fc, ExIllegalDataValue)
	}

	if err := d.storeRefMem(holdingRegsRefFirst+refStart, body[5:5+byteCount]); err != nil {
		return exception(fc, mapRegErr(err))
	}

	return []byte{fc, body[0], body[1], body[2], body[3]}
}

func (d *Dispatcher) readFile(fc uint8, body []byte) []byte {
	if len(body) < 2 {
		return exception(fc, ExIllegalDataValue)
	}
	typeCode := int(body[1])

	if d.files == nil {
		return exception(fc, ExIllegalDataAddress)
	}
	ft, ok := d.files.Get(typeCode)
	if !ok {
		return exception(fc, ExIllegalDataAddress)
	}

	resp, err := ft.Read(typeCode, body[2:])
	if err != nil {
		return exception(fc, mapFileErr(err))
	}
	if len(resp) > 255 {
		return exception(fc, ExServerDeviceFailure)
	}

	out := make([]byte, 2+len(resp))
	out[0] = fc
	out[1] = byte(len(resp))
	copy(out[2:], resp)
	return out
}

func (d *Dispatcher) writeFile(fc uint8, body []byte) []byte {
	if len(body) < 2 {
		return exception(fc, ExIllegalDataValue)
	}
	typeCode := int(body[1])

	if d.files == nil {
		return exception(fc, ExIllegalDataAddress)
	}
	ft, ok := d.files.Get(typeCode)
	if !ok {
		return exception(fc, ExIllegalDataAddress)
	}

	resp, err := ft.Write(typeCode, body[2:])
	if err != nil {
		return exception(fc, mapFileErr(err))
	}
	if len(resp) > 255 {
		return exception(fc, ExServerDeviceFailure)
	}

	out := make([]byte, 2+len(resp))
	out[0] = fc
	out[1] = byte(len(resp))
	copy(out[2:], resp)
	return out
}

func mapFileErr(err error) uint8 {
	switch err {
	case filetype.ErrDataValue:
		return ExIllegalDataValue
	default:
		return ExServerDeviceFailure
	}
}

// loadRefMem reads length bytes worth of registers starting at the
// absolute reference start, walking register by register and
// encoding each into the wire buffer.
func (d *Dispatcher) loadRefMem(start uint16, length int) ([]byte, error) {
	buf := make([]byte, length)
	pos := 0

	for length > 0 {
		reg, val, n, err := d.regs.Read(start, 0)
		if err != nil {
			return nil, err
		}
		if length < n*registerSize {
			return nil, register.ErrInternal
		}

		if err := regval.Encode(&val, buf[pos:pos+n*registerSize], reg.Tag, reg.Size, reg.Scale); err != nil {
			return nil, register.ErrAddressNotFound
		}

		pos += n * registerSize
		length -= n * registerSize
		start += uint16(n)
	}

	return buf, nil
}

// loadRefBitmap reads nbits individual bit values starting at the
// absolute reference start and packs them LSB-first within each
// output byte, exactly matching the bit/byte advancement of the
// register model's bitmap reads (register boundaries need not align
// with byte boundaries; see SPEC_FULL.md for the inherited edge-case
// behavior when they don't).
func (d *Dispatcher) loadRefBitmap(start uint16, nbits int) ([]byte, error) {
	byteCount := (nbits + 7) / 8
	// one byte more than is returned: on an exact byte boundary pos
	// advances to byteCount after the last bit, though bits are only
	// ever written below byteCount.
	buf := make([]byte, byteCount+1)

	bitOffset := uint(0)
	pos := 0
	remaining := nbits

	for remaining > 0 {
		_, val, n, err := d.regs.Read(start, register.OptBitmap)
		if err != nil {
			return nil, err
		}

		for n > 0 && remaining > 0 {
			if val.N&1 != 0 {
				buf[pos] |= 1 << bitOffset
			}
			val.N >>= 1
			bitOffset++
			if bitOffset == 8 {
				bitOffset = 0
				pos++
			}
			n--
			remaining--
			start++
		}
	}

	return buf[:byteCount], nil
}

// storeRefMem writes data (a run of wire-encoded register values)
// starting at the absolute reference start, walking register by
// register.
func (d *Dispatcher) storeRefMem(start uint16, data []byte) error {
	pos := 0

	for pos < len(data) {
		reg, err := d.regs.Find(start, 0)
		if err != nil {
			return err
		}
		span := int(reg.Size) * registerSize
		if len(data)-pos < span {
			return register.ErrAddressNotFound
		}

		var val regval.Value
		val.Tag = reg.Tag
		if err := regval.Decode(data[pos:pos+span], &val, reg.Tag, reg.Size, reg.Scale); err != nil {
			return register.ErrAddressNotFound
		}

		n, err := d.regs.Write(start, 0, reg, &val)
		if err != nil {
			return err
		}

		pos += n * registerSize
		start += uint16(n)
	}

	return nil
}

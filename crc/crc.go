// Package crc computes the Modbus CRC-16 checksum used to validate
// RTU frames on the wire.
package crc

// CRC accumulates a Modbus CRC-16 (polynomial 0xA001, initial value
// 0xFFFF, no final XOR) over one or more byte ranges.
type CRC struct {
	crc uint16
}

// Init resets the accumulator to its initial value (0xFFFF).
func (c *CRC) Init() {
	c.crc = 0xffff
}

// Add folds buf into the running CRC.
func (c *CRC) Add(buf []byte) {
	for _, b := range buf {
		c.crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if c.crc&0x0001 != 0 {
				c.crc >>= 1
				c.crc ^= 0xa001
			} else {
				c.crc >>= 1
			}
		}
	}
}

// Value returns the CRC as its two wire bytes, low byte first.
func (c *CRC) Value() []byte {
	return []byte{byte(c.crc), byte(c.crc >> 8)}
}

// IsEqual reports whether (lo, hi) match the current CRC, low byte
// first as transmitted on the wire.
func (c *CRC) IsEqual(lo, hi byte) bool {
	return lo == byte(c.crc) && hi == byte(c.crc>>8)
}

// Compute is a convenience wrapper returning the CRC-16 of buf.
func Compute(buf []byte) uint16 {
	var c CRC
	c.Init()
	c.Add(buf)
	return c.crc
}

// Command yam-slave runs a Modbus RTU slave endpoint against a real
// serial port, with a small set of example holding registers backed
// by an in-memory store.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.bug.st/serial"

	"github.com/woowu/yam"
	"github.com/woowu/yam/register"
	"github.com/woowu/yam/regval"
)

// memStore is a trivial Store backing the example register table:
// every register is just a slot in a map, with no side effects on
// load or save.
type memStore struct {
	ints map[uint16]int32
}

func newMemStore() *memStore {
	return &memStore{ints: make(map[uint16]int32)}
}

func (m *memStore) Load(val *regval.Value, ref uint16) error {
	regval.PutInteger(val, m.ints[ref])
	return nil
}

func (m *memStore) Save(val *regval.Value, ref uint16) error {
	m.ints[ref] = val.N
	return nil
}

// exampleTable is a minimal register map: two read-write holding
// registers and an 8-bit bank of coils, enough to exercise the coil
// and holding-register function codes from a generic Modbus master.
func exampleTable() []register.Reg {
	return []register.Reg{
		{Ref: 1, Size: 8, Tag: regval.Integer, Perm: register.PermRW, Desc: "coils 0-7"},
		{Ref: 40001, Size: 1, Tag: regval.Integer, Perm: register.PermRW, Desc: "register 0"},
		{
			Ref: 40002, Size: 1, Tag: regval.Integer, Perm: register.PermRW,
			LowerBound: true, Min: 0,
			UpperBound: true, Max: 100,
			Desc: "register 1 (range 0-100)",
		},
	}
}

// serialCharTime returns how long one RTU byte (1 start, 8 data, 1
// parity/stop, 1 stop) takes on the wire at rate_bps.
func serialCharTime(rateBps int) time.Duration {
	return 11 * time.Second / time.Duration(rateBps)
}

// t35 returns the Modbus inter-frame silence interval for rate_bps,
// per the fixed-1750us rule above 19200 bps.
func t35(rateBps int) time.Duration {
	if rateBps > 19200 {
		return 1750 * time.Microsecond
	}
	return (serialCharTime(rateBps) * 35) / 10
}

func main() {
	var device string
	var speed int
	var dataBits int
	var parity string
	var stopBits string
	var slaveID uint

	flag.StringVar(&device, "device", "", "serial device to listen on (e.g. /dev/ttyUSB0) [required]")
	flag.IntVar(&speed, "speed", 19200, "serial bus speed in bps")
	flag.IntVar(&dataBits, "data-bits", 8, "number of bits per character on the serial bus")
	flag.StringVar(&parity, "parity", "none", "parity bit <none|even|odd>")
	flag.StringVar(&stopBits, "stop-bits", "1", "number of stop bits <1|1.5|2>")
	flag.UintVar(&slaveID, "slave-id", 1, "RTU slave address to answer to")
	flag.Parse()

	if device == "" {
		fmt.Println("no serial device specified, please use -device")
		os.Exit(1)
	}
	if slaveID > 0xff {
		fmt.Printf("slave id %v out of range\n", slaveID)
		os.Exit(1)
	}

	mode := &serial.Mode{BaudRate: speed, DataBits: dataBits}
	switch parity {
	case "none":
		mode.Parity = serial.NoParity
	case "even":
		mode.Parity = serial.EvenParity
	case "odd":
		mode.Parity = serial.OddParity
	default:
		fmt.Printf("unknown parity setting '%s'\n", parity)
		os.Exit(1)
	}
	switch stopBits {
	case "1":
		mode.StopBits = serial.OneStopBit
	case "1.5":
		mode.StopBits = serial.OnePointFiveStopBits
	case "2":
		mode.StopBits = serial.TwoStopBits
	default:
		fmt.Printf("unknown stop-bits setting '%s'\n", stopBits)
		os.Exit(1)
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		fmt.Printf("failed to open %s: %v\n", device, err)
		os.Exit(1)
	}
	defer port.Close()

	// poll frequently relative to t3.5 so the silent interval is
	// detected promptly without busy-looping the CPU.
	pollInterval := t35(speed) / 4
	if pollInterval < time.Millisecond {
		pollInterval = time.Millisecond
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		fmt.Printf("failed to set read timeout: %v\n", err)
		os.Exit(1)
	}

	slave := yam.New(uint8(slaveID), exampleTable(), newMemStore(), nil,
		yam.SendFrame(func(frame []byte) {
			if _, err := port.Write(frame); err != nil {
				fmt.Printf("write error: %v\n", err)
			}
		}),
	)

	fmt.Printf("yam-slave listening on %s at %d bps, slave id %d\n", device, speed, slaveID)

	buf := make([]byte, 256)
	silence := t35(speed)
	var lastByte time.Time

	for {
		n, err := port.Read(buf)
		if err != nil {
			fmt.Printf("read error: %v\n", err)
			return
		}

		if n > 0 {
			for i := 0; i < n; i++ {
				slave.PutChar(buf[i])
			}
			lastByte = time.Now()
			continue
		}

		// read timed out: if we've seen bytes and the silence
		// interval has elapsed since the last one, the frame is
		// complete.
		if !lastByte.IsZero() && time.Since(lastByte) >= silence {
			slave.FrameDelimited()
			lastByte = time.Time{}
		}
	}
}

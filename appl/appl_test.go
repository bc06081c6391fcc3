package appl

import (
	"testing"

	"github.com/woowu/yam/filetype"
	"github.com/woowu/yam/register"
	"github.com/woowu/yam/regval"
)

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

func newFixtureDispatcher() (*Dispatcher, *memStore) {
	store := newMemStore()
	store.ints[40001] = 0x1234
	store.ints[1] = 0xa5 // backs the 8-coil bitmap register below

	table := []register.Reg{
		{Ref: 1, Size: 8, Tag: regval.Integer, Perm: register.PermRead},
		{
			Ref: 40001, Size: 1, Tag: regval.Integer, Perm: register.PermRW,
			LowerBound: true, Min: 0,
		},
		{
			Ref: 40002, Size: 1, Tag: regval.Integer, Perm: register.PermRW,
			UpperBound: true, Max: 100,
		},
	}
	model := register.New(table, store)
	return New(model, filetype.New()), store
}

func TestReadHoldingRegisterHappyPath(t *testing.T) {
	d, _ := newFixtureDispatcher()
	resp := d.Input(1, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	want := []byte{0x03, 0x02, 0x12, 0x34}
	if string(resp) != string(want) {
		t.Fatalf("got % x, want % x", resp, want)
	}
}

func TestWriteSingleRegisterHappyPath(t *testing.T) {
	d, store := newFixtureDispatcher()
	store.ints[40001] = 0 // clear the fixture's 0x1234 so the check below sees the write
	resp := d.Input(1, []byte{0x06, 0x00, 0x00, 0x00, 0x32})
	want := []byte{0x06, 0x00, 0x00, 0x00, 0x32}
	if string(resp) != string(want) {
		t.Fatalf("got % x, want % x", resp, want)
	}
	if store.ints[40001] != 0x32 {
		t.Fatalf("expected store to hold 0x32, got %#x", store.ints[40001])
	}
}

func TestUnknownFunctionCode(t *testing.T) {
	d, _ := newFixtureDispatcher()
	resp := d.Input(1, []byte{0x09, 0x00, 0x00})
	want := []byte{0x89, ExIllegalFunction}
	if string(resp) != string(want) {
		t.Fatalf("got % x, want % x", resp, want)
	}
}

func TestReadHoldingRegisterIllegalAddress(t *testing.T) {
	d, _ := newFixtureDispatcher()
	resp := d.Input(1, []byte{0x03, 0x00, 0x09, 0x00, 0x01})
	want := []byte{0x83, ExIllegalDataAddress}
	if string(resp) != string(want) {
		t.Fatalf("got % x, want % x", resp, want)
	}
}

func TestWriteSingleRegisterIllegalDataValue(t *testing.T) {
	d, _ := newFixtureDispatcher()
	resp := d.Input(1, []byte{0x06, 0x00, 0x00, 0xff, 0xff})
	want := []byte{0x86, ExIllegalDataValue}
	if string(resp) != string(want) {
		t.Fatalf("got % x, want % x", resp, want)
	}
}

func TestWriteSingleRegisterIllegalDataValueUpperBound(t *testing.T) {
	d, _ := newFixtureDispatcher()
	resp := d.Input(1, []byte{0x06, 0x00, 0x01, 0x00, 0x65}) // 101 > Max of 100
	want := []byte{0x86, ExIllegalDataValue}
	if string(resp) != string(want) {
		t.Fatalf("got % x, want % x", resp, want)
	}
}

func TestReadCoilsHappyPath(t *testing.T) {
	d, _ := newFixtureDispatcher()
	resp := d.Input(1, []byte{0x01, 0x00, 0x00, 0x00, 0x08})
	want := []byte{0x01, 0x01, 0xa5}
	if string(resp) != string(want) {
		t.Fatalf("got % x, want % x", resp, want)
	}
}

func TestWriteMultipleRegistersHappyPath(t *testing.T) {
	d, store := newFixtureDispatcher()
	store.ints[40001] = 0
	resp := d.Input(1, []byte{0x10, 0x00, 0x00, 0x00, 0x01, 0x02, 0x00, 0x2a})
	want := []byte{0x10, 0x00, 0x00, 0x00, 0x01}
	if string(resp) != string(want) {
		t.Fatalf("got % x, want % x", resp, want)
	}
	if store.ints[40001] != 0x2a {
		t.Fatalf("expected store to hold 0x2a, got %#x", store.ints[40001])
	}
}

func TestWriteMultipleRegistersByteCountMismatch(t *testing.T) {
	d, _ := newFixtureDispatcher()
	resp := d.Input(1, []byte{0x10, 0x00, 0x00, 0x00, 0x01, 0x01, 0x00})
	want := []byte{0x90, ExIllegalDataValue}
	if string(resp) != string(want) {
		t.Fatalf("got % x, want % x", resp, want)
	}
}

func TestEmptyPDUIsIllegalFunction(t *testing.T) {
	d, _ := newFixtureDispatcher()
	resp := d.Input(1, nil)
	want := []byte{0x80, ExIllegalFunction}
	if string(resp) != string(want) {
		t.Fatalf("got % x, want % x", resp, want)
	}
}

func TestReadFileNoFileServiceConfigured(t *testing.T) {
	d := New(register.New(nil, nil), nil)
	resp := d.Input(1, []byte{0x14, 0x00, 0x10, 0x00, 0x01, 0xff, 0xff, 0x00, 0x00})
	want := []byte{0x94, ExIllegalDataAddress}
	if string(resp) != string(want) {
		t.Fatalf("got % x, want % x", resp, want)
	}
}

func TestReadFileUnregisteredType(t *testing.T) {
	d, _ := newFixtureDispatcher()
	resp := d.Input(1, []byte{0x14, 0x00, 0x63, 0x00, 0x01, 0xff, 0xff, 0x00, 0x00})
	want := []byte{0x94, ExIllegalDataAddress}
	if string(resp) != string(want) {
		t.Fatalf("got % x, want % x", resp, want)
	}
}

func TestReadFileNoBackendMapsToServerDeviceFailure(t *testing.T) {
	d, _ := newFixtureDispatcher()
	resp := d.Input(1, []byte{0x14, 0x00, 0x10, 0x00, 0x01, 0xff, 0xff, 0x00, 0x00})
	want := []byte{0x94, ExServerDeviceFailure}
	if string(resp) != string(want) {
		t.Fatalf("got % x, want % x", resp, want)
	}
}

type memRecIO struct {
	content []byte
}

func (m *memRecIO) Read(fileType, fileNumber, recStart, recNum int) (*filetype.Rec, error) {
	return &filetype.Rec{Content: m.content, RemainingRecsNum: 0}, nil
}

func (m *memRecIO) Write(fileType, fileNumber, recStart, recNum int, rec *filetype.Rec) error {
	m.content = rec.Content
	return nil
}

func TestReadFileHappyPath(t *testing.T) {
	files := filetype.New()
	files.RegisterRecIO(filetype.MODBUSPacketFile, &memRecIO{content: []byte{0xde, 0xad}})
	d := New(register.New(nil, nil), files)

	resp := d.Input(1, []byte{0x14, 0x00, 0x10, 0x00, 0x01, 0xff, 0xff, 0x00, 0x00})
	want := []byte{0x14, 0x03, 0x00, 0xde, 0xad}
	if string(resp) != string(want) {
		t.Fatalf("got % x, want % x", resp, want)
	}
}

func TestWriteFileHappyPath(t *testing.T) {
	files := filetype.New()
	io := &memRecIO{}
	files.RegisterRecIO(filetype.MODBUSPacketFile, io)
	d := New(register.New(nil, nil), files)

	resp := d.Input(1, []byte{0x15, 0x00, 0x10, 0x00, 0x02, 0xff, 0xff, 0x07, 0x09, 0xca, 0xfe})
	if resp[0] != 0x15 {
		t.Fatalf("expected a positive response, got % x", resp)
	}
	if string(io.content) != string([]byte{0xca, 0xfe}) {
		t.Fatalf("expected backend to receive written content, got % x", io.content)
	}
}

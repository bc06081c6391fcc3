// Package register implements the address-indexed register model: a
// static table of typed, permission-tagged, scaled register
// descriptors, with pluggable load/save callbacks into a host-provided
// backing store.
package register

import "github.com/woowu/yam/regval"

// Permission bits for Reg.Perm.
const (
	PermRead  uint8 = 0x02
	PermWrite uint8 = 0x01
	PermRW    uint8 = PermRead | PermWrite
)

// Option bits accepted by Find/Read.
const (
	// OptBitmap requests coil/discrete-input semantics: ref is matched
	// against the half-open interval [Reg.Ref, Reg.Ref+Reg.Size) rather
	// than by exact equality, and reads return individual bits.
	OptBitmap = 1 << iota
)

// Err is the register model's internal error domain. Values of this
// type other than ErrNone are what Read/Write/Find return; the application
// dispatch layer is the only place that converts them to Modbus
// exception codes.
type Err int

const (
	ErrNone Err = iota
	ErrInternal
	ErrAddressNotFound
	ErrDataValue
)

func (e Err) Error() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrInternal:
		return "internal"
	case ErrAddressNotFound:
		return "address not found"
	case ErrDataValue:
		return "data value"
	default:
		return "unknown register error"
	}
}

// ReadCB and WriteCB let a descriptor override the generic store
// callbacks for registers backed by something other than the generic
// load/save pair (a live variable, a derived value, and so on).
type ReadCB func(reg *Reg, val *regval.Value) error
type WriteCB func(reg *Reg, val *regval.Value) error

// Reg is an immutable register descriptor. The table holding these is
// program-lifetime immutable; no register map mutation at runtime is
// supported (see spec Non-goals).
type Reg struct {
	Ref  uint16     // absolute Modbus reference address, e.g. 40001
	Size uint8      // number of consecutive refs spanned: 1 or 2
	Tag  regval.Tag // Integer or Float
	// Scale is the signed 5-bit mb_scale field in [-16, 15]:
	// wire value = host value x 10^-Scale.
	Scale int8
	Perm  uint8 // PermRead | PermWrite bits

	// Range-check feature: when LowerBound/UpperBound is set, writes
	// outside [Min, Max] are rejected with ErrDataValue.
	LowerBound bool
	UpperBound bool
	Min        float32
	Max        float32

	ReadCB  ReadCB
	WriteCB WriteCB

	Desc  string
	Group string
}

// Store is the host-provided backing store. Load populates val
// (Tag is already set by the caller); Save persists val. These are
// the only process-wide mutable collaborators the register model
// depends on, and must be installed before any register I/O.
type Store interface {
	Load(val *regval.Value, ref uint16) error
	Save(val *regval.Value, ref uint16) error
}

// Model is a register table bound to a backing store. It has no
// mutable state of its own beyond the store reference: the
// descriptor table itself is immutable and supplied at construction.
type Model struct {
	table []Reg
	store Store
}

// New builds a register model over an immutable table of descriptors,
// sorted or not, but never containing two entries with the same Ref.
func New(table []Reg, store Store) *Model {
	return &Model{table: table, store: store}
}

// SetStore installs (or replaces) the backing store. Calling this
// concurrently with in-flight register I/O is undefined, matching the
// single-install-before-use contract of the original firmware.
func (m *Model) SetStore(store Store) {
	m.store = store
}

// Find locates the descriptor governing ref. With OptBitmap it
// matches the first descriptor (in table order) whose interval
// [Ref, Ref+Size) contains ref; otherwise it requires exact equality.
func (m *Model) Find(ref uint16, options int) (*Reg, error) {
	for i := range m.table {
		r := &m.table[i]
		if options&OptBitmap != 0 {
			if ref >= r.Ref && ref < r.Ref+uint16(r.Size) {
				return r, nil
			}
		} else if r.Ref == ref {
			return r, nil
		}
	}
	return nil, ErrAddressNotFound
}

// Read loads the value at ref (found per Find's matching rules) and
// returns the matched descriptor, the value, and how many refs (or,
// for a bitmap read, remaining bit positions within this register)
// were consumed.
func (m *Model) Read(ref uint16, options int) (*Reg, regval.Value, int, error) {
	var val regval.Value

	reg, err := m.Find(ref, options)
	if err != nil {
		return nil, val, 0, ErrAddressNotFound
	}
	if reg.Perm&PermRead == 0 {
		return nil, val, 0, ErrAddressNotFound
	}

	val.Tag = reg.Tag
	if reg.ReadCB != nil {
		if err := reg.ReadCB(reg, &val); err != nil {
			return nil, val, 0, err
		}
	} else {
		if m.store == nil {
			return nil, val, 0, ErrInternal
		}
		if err := m.store.Load(&val, reg.Ref); err != nil {
			return nil, val, 0, err
		}
	}

	if options&OptBitmap != 0 {
		shift := ref - reg.Ref
		regval.PutInteger(&val, val.N>>shift)
		return reg, val, int(reg.Size) - int(shift), nil
	}

	return reg, val, int(reg.Size), nil
}

// Write stores val at the register reg (already resolved by the
// caller via Find), gating on write permission and, when the
// range-control feature is enabled on that descriptor, on
// Min/Max. BITMAP writes are accepted but, matching an unresolved
// limitation of the original firmware, are not specially handled:
// they are written as a plain (non-bitmap) value. See DESIGN.md.
func (m *Model) Write(ref uint16, options int, reg *Reg, val *regval.Value) (int, error) {
	if reg.Perm&PermWrite == 0 {
		return 0, ErrAddressNotFound
	}

	if reg.LowerBound && regval.CompareFloat(val, reg.Min) < 0 {
		return 0, ErrDataValue
	}
	if reg.UpperBound && regval.CompareFloat(val, reg.Max) > 0 {
		return 0, ErrDataValue
	}

	if reg.WriteCB != nil {
		if err := reg.WriteCB(reg, val); err != nil {
			return 0, err
		}
		return int(reg.Size), nil
	}

	if m.store == nil {
		return 0, ErrInternal
	}
	if err := m.store.Save(val, reg.Ref); err != nil {
		return 0, err
	}
	return int(reg.Size), nil
}

package sflash

import "fmt"

// Op is a single erase operation. Size is SectorSize or BlockSize.
type Op struct {
	Addr uint32
	Size uint32
}

func (op Op) String() string {
	return fmt.Sprintf("erase %dK @ %#08x", op.Size/1024, op.Addr)
}

// Planner walks an erase window and yields the erase operations needed to
// guarantee [addr, addr+required) is erased without leaving [addr, addr+max).
// 64KB block erase is used wherever a whole aligned block fits in the
// remaining window. The zero value is an exhausted planner.
type Planner struct {
	chip   Chip
	cursor uint32
	end    uint32 // addr + required
	remain uint32 // unused part of max
	err    error
}

// NewPlanner validates the erase request. No flash is touched.
func NewPlanner(chip Chip, addr, required, max uint32) (Planner, error) {
	unit := chip.EraseUnit()
	if addr%unit != 0 || max%unit != 0 {
		return Planner{}, ErrMisaligned
	}
	if uint64(addr)+uint64(max) > 1<<32 {
		return Planner{}, ErrOutOfRange
	}
	if chip.Size != 0 && addr+max > chip.Size {
		return Planner{}, ErrOutOfRange
	}
	if roundUp(required, unit) > uint64(max) {
		return Planner{}, ErrEraseWindow
	}
	return Planner{
		chip:   chip,
		cursor: addr,
		end:    addr + required,
		remain: max,
	}, nil
}

// Next returns the next erase operation. ok is false once the required range
// is covered or the planner failed; check Err afterwards.
func (p *Planner) Next() (op Op, ok bool) {
	if p.Done() {
		return Op{}, false
	}
	size := uint32(BlockSize)
	if p.chip.Sector4K && (p.remain < BlockSize || p.cursor%BlockSize != 0 || !p.chip.fastEraseOK(p.cursor)) {
		size = SectorSize
	}
	if size > p.remain || (size == BlockSize && p.cursor%BlockSize != 0) {
		p.err = ErrPlanner
		return Op{}, false
	}
	op = Op{Addr: p.cursor, Size: size}
	p.cursor += size
	p.remain -= size
	return op, true
}

// Done reports whether no further operations remain.
func (p *Planner) Done() bool {
	return p.err != nil || p.cursor >= p.end
}

// Err returns the invariant violation that stopped the planner, if any.
func (p *Planner) Err() error {
	return p.err
}

// Cursor returns the first address not yet covered.
func (p *Planner) Cursor() uint32 {
	return p.cursor
}

// Plan returns every operation needed for the request.
func Plan(chip Chip, addr, required, max uint32) ([]Op, error) {
	p, err := NewPlanner(chip, addr, required, max)
	if err != nil {
		return nil, err
	}
	var ops []Op
	for {
		op, ok := p.Next()
		if !ok {
			break
		}
		ops = append(ops, op)
	}
	return ops, p.Err()
}

// EraseRange plans and applies the erase through e.
func EraseRange(e Eraser, chip Chip, addr, required, max uint32) error {
	p, err := NewPlanner(chip, addr, required, max)
	if err != nil {
		return err
	}
	for {
		op, ok := p.Next()
		if !ok {
			return p.Err()
		}
		if err := Apply(e, op); err != nil {
			return err
		}
	}
}

// Apply issues a single erase operation.
func Apply(e Eraser, op Op) error {
	if op.Size == BlockSize {
		return e.BlockErase(op.Addr)
	}
	return e.SectorErase(op.Addr)
}

func roundUp(n, unit uint32) uint64 {
	return (uint64(n) + uint64(unit) - 1) / uint64(unit) * uint64(unit)
}

package quadforest

// MaxLevel is the deepest refinement level a quadrant may reach. Every tree
// spans 1<<MaxLevel integer units in each direction.
const MaxLevel = 20

const treeSize = 1 << MaxLevel

// Quadrant is a leaf or candidate leaf addressed by the integer coordinates
// of its lower-left corner in the global (all-trees) integer frame.
type Quadrant struct {
	X, Y  int
	Level int
}

// Size returns the quadrant edge length in integer units.
func (q Quadrant) Size() int { return 1 << (MaxLevel - q.Level) }

// Parent returns the enclosing quadrant one level up. Level-0 quadrants are
// their own parent.
func (q Quadrant) Parent() Quadrant {
	if q.Level == 0 {
		return q
	}
	h := 1 << (MaxLevel - q.Level + 1)
	return Quadrant{X: q.X &^ (h - 1), Y: q.Y &^ (h - 1), Level: q.Level - 1}
}

// Children returns the four children in Morton order.
func (q Quadrant) Children() [4]Quadrant {
	h := q.Size() / 2
	l := q.Level + 1
	return [4]Quadrant{
		{X: q.X, Y: q.Y, Level: l},
		{X: q.X + h, Y: q.Y, Level: l},
		{X: q.X, Y: q.Y + h, Level: l},
		{X: q.X + h, Y: q.Y + h, Level: l},
	}
}

// ChildID returns the position of q within its parent's children.
func (q Quadrant) ChildID() int {
	if q.Level == 0 {
		return 0
	}
	h := q.Size()
	id := 0
	if q.X&h != 0 {
		id |= 1
	}
	if q.Y&h != 0 {
		id |= 2
	}
	return id
}

// Contains reports whether the integer point (x, y) lies in the half-open
// box of q.
func (q Quadrant) Contains(x, y int) bool {
	h := q.Size()
	return x >= q.X && x < q.X+h && y >= q.Y && y < q.Y+h
}

// Key returns the Morton key of the lower-left corner.
func (q Quadrant) Key() uint64 { return morton(q.X, q.Y) }

// morton interleaves the low 32 bits of x and y, x in the even bits.
func morton(x, y int) uint64 {
	return spread(uint64(uint32(x))) | spread(uint64(uint32(y)))<<1
}

func spread(v uint64) uint64 {
	v = (v | v<<16) & 0x0000ffff0000ffff
	v = (v | v<<8) & 0x00ff00ff00ff00ff
	v = (v | v<<4) & 0x0f0f0f0f0f0f0f0f
	v = (v | v<<2) & 0x3333333333333333
	v = (v | v<<1) & 0x5555555555555555
	return v
}

// less orders quadrants along the Morton curve; ancestors precede descendants.
func less(a, b Quadrant) bool {
	ka, kb := a.Key(), b.Key()
	if ka != kb {
		return ka < kb
	}
	return a.Level < b.Level
}

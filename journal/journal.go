package journal

// A stable handle to an entry of a Journal. The zero value refers to nothing.
// A handle stays valid until its own entry is erased, no matter what happens to other entries.
type Position struct {
	index      int32
	generation uint32
}

func (p Position) IsZero() bool {
	return p.generation == 0
}

type slot struct {
	block      *WriteCacheBlock
	generation uint32
	prev, next int32
}

const none = -1

// An ordered collection of blocks awaiting transmission to chunkservers.
// Entries live in an arena; erased slots are recycled with a bumped generation, so stale handles are detected.
type Journal struct {
	slots      []slot
	free       []int32
	head, tail int32
	length     int
}

func New() *Journal {
	return &Journal{head: none, tail: none}
}

func (j *Journal) Len() int {
	return j.length
}

func (j *Journal) allocate(block WriteCacheBlock) int32 {
	stored := block
	if len(j.free) > 0 {
		index := j.free[len(j.free)-1]
		j.free = j.free[:len(j.free)-1]
		j.slots[index].block = &stored
		j.slots[index].generation++
		return index
	}
	j.slots = append(j.slots, slot{block: &stored, generation: 1})
	return int32(len(j.slots) - 1)
}

func (j *Journal) link(index int32, prev int32, next int32) {
	j.slots[index].prev, j.slots[index].next = prev, next
	if prev == none {
		j.head = index
	} else {
		j.slots[prev].next = index
	}
	if next == none {
		j.tail = index
	} else {
		j.slots[next].prev = index
	}
	j.length++
}

func (j *Journal) position(index int32) Position {
	return Position{index: index, generation: j.slots[index].generation}
}

func (j *Journal) PushBack(block WriteCacheBlock) Position {
	index := j.allocate(block)
	j.link(index, j.tail, none)
	return j.position(index)
}

// Inserts a block directly after the entry at pos.
func (j *Journal) InsertAfter(pos Position, block WriteCacheBlock) Position {
	j.check(pos)
	index := j.allocate(block)
	j.link(index, pos.index, j.slots[pos.index].next)
	return j.position(index)
}

func (j *Journal) Valid(pos Position) bool {
	return !pos.IsZero() && int(pos.index) < len(j.slots) &&
		j.slots[pos.index].generation == pos.generation && j.slots[pos.index].block != nil
}

func (j *Journal) check(pos Position) {
	if !j.Valid(pos) {
		panic("stale or invalid journal position")
	}
}

// The block at pos. The pointer stays valid until the entry is erased.
func (j *Journal) At(pos Position) *WriteCacheBlock {
	j.check(pos)
	return j.slots[pos.index].block
}

func (j *Journal) Erase(pos Position) {
	j.check(pos)
	s := &j.slots[pos.index]
	if s.prev == none {
		j.head = s.next
	} else {
		j.slots[s.prev].next = s.next
	}
	if s.next == none {
		j.tail = s.prev
	} else {
		j.slots[s.next].prev = s.prev
	}
	s.block = nil
	s.prev, s.next = none, none
	s.generation++
	j.free = append(j.free, pos.index)
	j.length--
}

// Handles of every entry, in journal order.
func (j *Journal) Positions() []Position {
	positions := make([]Position, 0, j.length)
	for index := j.head; index != none; index = j.slots[index].next {
		positions = append(positions, j.position(index))
	}
	return positions
}

// Removes every entry and returns the blocks in journal order. Every outstanding handle becomes stale.
func (j *Journal) Release() []WriteCacheBlock {
	blocks := make([]WriteCacheBlock, 0, j.length)
	for index := j.head; index != none; index = j.slots[index].next {
		blocks = append(blocks, *j.slots[index].block)
	}
	for i := range j.slots {
		if j.slots[i].block != nil {
			j.slots[i].block = nil
			j.slots[i].generation++
			j.free = append(j.free, int32(i))
		}
	}
	j.head, j.tail, j.length = none, none, 0
	return blocks
}

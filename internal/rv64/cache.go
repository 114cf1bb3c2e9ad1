package rv64

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Ctx holds the state bits, other than PC and mode, that change how
// instructions are lowered.
type Ctx uint32

const (
	CtxCompressed Ctx = 1 << iota
	CtxTVM
	CtxTW
	CtxTSR
	CtxVTVM
	CtxVTW
	CtxVTSR
	CtxBigEndian
)

// BlockKey identifies a translated block.
type BlockKey struct {
	PC   uint64
	Mode Mode
	Ctx  Ctx
}

func (k BlockKey) String() string {
	return fmt.Sprintf("0x%x/%s/%#x", k.PC, k.Mode, uint32(k.Ctx))
}

// Disposition says how control leaves a block.
type Disposition uint8

const (
	// ExitFallThrough ends at a page boundary, the length limit, or an
	// instruction that changes translation context.
	ExitFallThrough Disposition = iota
	// ExitBranch ends with a control transfer. Targets lists the
	// destinations known at translation time.
	ExitBranch
	// ExitTrap ends with an instruction that always traps.
	ExitTrap
)

func (d Disposition) String() string {
	switch d {
	case ExitFallThrough:
		return "fall-through"
	case ExitBranch:
		return "branch"
	case ExitTrap:
		return "trap"
	}
	return fmt.Sprintf("Disposition(%d)", uint8(d))
}

// Block is a translated run of instructions. Blocks are immutable once
// built.
type Block struct {
	Key BlockKey

	// End is the address following the last instruction.
	End         uint64
	Disposition Disposition
	Targets     []uint64

	// Generation is the cache generation the block was built in.
	Generation uint64

	ops   []op
	pages []uint64
}

// Len returns the number of instructions in the block.
func (b *Block) Len() int { return len(b.ops) }

// PCs returns the address of each instruction in the block.
func (b *Block) PCs() []uint64 {
	out := make([]uint64, len(b.ops))
	for i := range b.ops {
		out[i] = b.ops[i].pc
	}
	return out
}

// equivalent reports whether two translations of the same key lowered the
// same instructions to the same exits.
func (b *Block) equivalent(o *Block) bool {
	if b.Key != o.Key || b.End != o.End || b.Disposition != o.Disposition ||
		len(b.ops) != len(o.ops) || len(b.Targets) != len(o.Targets) {
		return false
	}
	for i := range b.ops {
		x, y := &b.ops[i], &o.ops[i]
		if x.pc != y.pc || x.insn != y.insn || x.size != y.size {
			return false
		}
	}
	for i := range b.Targets {
		if b.Targets[i] != o.Targets[i] {
			return false
		}
	}
	return true
}

// blockCache is a per-hart LRU of translated blocks with a physical page
// index for self-modifying code.
type blockCache struct {
	lru   *simplelru.LRU[BlockKey, *Block]
	pages map[uint64]map[BlockKey]struct{}
	gen   uint64

	hits, misses, evictions uint64
}

func newBlockCache(size int) *blockCache {
	c := &blockCache{pages: make(map[uint64]map[BlockKey]struct{})}
	l, err := simplelru.NewLRU[BlockKey, *Block](size, c.onEvict)
	if err != nil {
		panic(fmt.Sprintf("rv64: block cache: %v", err))
	}
	c.lru = l
	return c
}

func (c *blockCache) onEvict(key BlockKey, b *Block) {
	c.evictions++
	for _, p := range b.pages {
		keys := c.pages[p]
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.pages, p)
		}
	}
}

func (c *blockCache) get(key BlockKey) (*Block, bool) {
	b, ok := c.lru.Get(key)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return b, ok
}

func (c *blockCache) add(b *Block) {
	b.Generation = c.gen
	c.lru.Add(b.Key, b)
	for _, p := range b.pages {
		keys, ok := c.pages[p]
		if !ok {
			keys = make(map[BlockKey]struct{})
			c.pages[p] = keys
		}
		keys[b.Key] = struct{}{}
	}
}

// holdsCode reports whether any cached block was built from page.
func (c *blockCache) holdsCode(page uint64) bool {
	_, ok := c.pages[page]
	return ok
}

// invalidatePage drops every block built from page.
func (c *blockCache) invalidatePage(page uint64) int {
	keys := c.pages[page]
	n := 0
	for key := range keys {
		if c.lru.Remove(key) {
			n++
		}
	}
	delete(c.pages, page)
	return n
}

// flush drops every block and starts a new generation.
func (c *blockCache) flush() {
	c.gen++
	c.lru.Purge()
	clear(c.pages)
}

func (c *blockCache) len() int { return c.lru.Len() }

// CacheStats reports block cache activity.
type CacheStats struct {
	Blocks     int
	Generation uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
}

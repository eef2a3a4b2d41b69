package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/colorfulnotion/vmx86/isa"
	"github.com/colorfulnotion/vmx86/log"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/ethereum/go-ethereum/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	blocksCounter = metrics.NewRegisteredCounter("flow/cache/blocks", nil)
	splitsCounter = metrics.NewRegisteredCounter("flow/cache/splits", nil)
	decodeTimer   = metrics.NewRegisteredTimer("flow/cache/decode", nil)
)

// Decoder produces the instruction starting at pc.
type Decoder interface {
	Decode(pc uint64) (isa.Instruction, error)
}

type CacheStats struct {
	Blocks       int
	Instructions uint64
	Splits       uint64
	Batches      uint64
}

// Cache is the address-ordered block table. It decodes blocks on demand,
// splits blocks when control enters them mid-way and links successors. All
// mutation happens under one lock so several traces may share a cache.
type Cache struct {
	mu       sync.Mutex
	decoder  Decoder
	blocks   *treemap.Map // uint64 -> *Block
	maxInsns int
	tp       trace.TracerProvider
	decodes  map[uint64]int
	stats    CacheStats
}

func NewCache(decoder Decoder, cfg Config) *Cache {
	return &Cache{
		decoder:  decoder,
		blocks:   treemap.NewWith(utils.UInt64Comparator),
		maxInsns: cfg.MaxBlockInstructions,
		tp:       cfg.TracerProvider,
		decodes:  make(map[uint64]int),
	}
}

// Resolve returns the block starting exactly at addr, decoding it and
// everything statically reachable from it on a miss.
func (c *Cache) Resolve(addr uint64) (*Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.lookup(addr); b != nil {
		return b, nil
	}
	if err := c.parse(addr); err != nil {
		return nil, err
	}
	b := c.lookup(addr)
	if b == nil {
		// unreachable: parse registers its seed or fails
		return nil, fmt.Errorf("resolve 0x%016x: %w", addr, errBlockMissing)
	}
	return b, nil
}

var errBlockMissing = errors.New("block missing after decode")

func (c *Cache) lookup(addr uint64) *Block {
	if v, ok := c.blocks.Get(addr); ok {
		return v.(*Block)
	}
	return nil
}

func (c *Cache) floor(addr uint64) *Block {
	if _, v := c.blocks.Floor(addr); v != nil {
		return v.(*Block)
	}
	return nil
}

func (c *Cache) register(b *Block) {
	c.blocks.Put(b.Address(), b)
	blocksCounter.Inc(1)
}

// parse runs one decode batch seeded with start. Blocks are discovered with
// an explicit worklist; successor links are computed only once the batch is
// complete, in reverse discovery order, so no link can capture a block that a
// later discovery in the same batch splits.
func (c *Cache) parse(start uint64) error {
	begin := time.Now()
	defer decodeTimer.UpdateSince(begin)
	var span trace.Span
	if c.tp != nil {
		_, span = c.tp.Tracer("vmx86/flow").Start(context.Background(), "flow.resolve",
			trace.WithAttributes(attribute.String("address", fmt.Sprintf("0x%016x", start))))
		defer span.End()
	}
	c.stats.Batches++
	log.Trace(log.FlowModule, "starting parse", "start", fmt.Sprintf("0x%016x", start))

	var added []*Block
	var splits int
	work := []uint64{start}
	for len(work) > 0 {
		addr := work[len(work)-1]
		work = work[:len(work)-1]
		if c.lookup(addr) != nil {
			continue
		}
		if b := c.floor(addr); b != nil && b.covers(addr) && b.Contains(addr) {
			log.Trace(log.FlowModule, "splitting block", "block", fmt.Sprintf("0x%016x", b.Address()), "at", fmt.Sprintf("0x%016x", addr))
			tail := b.Split(addr)
			c.register(tail)
			added = append(added, tail)
			splits++
			continue
		}
		b, err := c.decodeBlock(addr)
		if err != nil {
			if addr == start {
				if span != nil {
					span.RecordError(err)
				}
				return err
			}
			// a bad static target only matters if control ever reaches it
			log.Debug(log.FlowModule, "skipping undecodable branch target", "addr", fmt.Sprintf("0x%016x", addr), "err", err)
			continue
		}
		c.register(b)
		added = append(added, b)
		work = append(work, b.BranchTargets()...)
	}

	for k := len(added) - 1; k >= 0; k-- {
		c.link(added[k])
	}

	c.stats.Splits += uint64(splits)
	splitsCounter.Inc(int64(splits))
	if span != nil {
		span.SetAttributes(attribute.Int("blocks", len(added)), attribute.Int("splits", splits))
	}
	return nil
}

// link sets b's successors from its static branch targets. A block that
// stops before a control-flow instruction falls through into the block at its
// end. Other blocks without targets keep what they have: a split head already
// points at its tail.
func (c *Cache) link(b *Block) {
	targets := b.BranchTargets()
	if len(targets) == 0 {
		if b.Last().IsControlFlow() {
			return
		}
		if next := c.lookup(b.End()); next != nil {
			b.setSuccessors([]*Block{next})
		}
		return
	}
	succ := make([]*Block, 0, len(targets))
	for _, t := range targets {
		if s := c.lookup(t); s != nil {
			succ = append(succ, s)
		}
	}
	b.setSuccessors(succ)
	log.Trace(log.FlowModule, "linked successors", "block", fmt.Sprintf("0x%016x", b.Address()), "successors", len(succ))
}

// decodeBlock decodes forward from addr until a control-flow instruction,
// the instruction cut, or the start of an already registered block.
func (c *Cache) decodeBlock(addr uint64) (*Block, error) {
	var insns []isa.Instruction
	pc := addr
	for {
		insn, err := c.decoder.Decode(pc)
		if err != nil {
			return nil, err
		}
		c.decodes[pc]++
		c.stats.Instructions++
		insns = append(insns, insn)
		if insn.IsControlFlow() {
			break
		}
		if c.maxInsns > 0 && len(insns) >= c.maxInsns {
			break
		}
		pc = insn.Next()
		if c.lookup(pc) != nil {
			break
		}
	}
	return NewBlock(insns)
}

// Lookup returns the block starting at addr without decoding.
func (c *Cache) Lookup(addr uint64) *Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(addr)
}

// Floor returns the block with the greatest start address not above addr.
func (c *Cache) Floor(addr uint64) *Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.floor(addr)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks.Size()
}

// Blocks returns every cached block in address order.
func (c *Cache) Blocks() []*Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Block, 0, c.blocks.Size())
	it := c.blocks.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*Block))
	}
	return out
}

func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Blocks = c.blocks.Size()
	return s
}

// DecodeCount reports how many times the instruction at addr was decoded.
func (c *Cache) DecodeCount(addr uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decodes[addr]
}

package storage

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/colorfulnotion/vmx86/flow"
	"github.com/colorfulnotion/vmx86/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var savedBlocksCounter = metrics.NewRegisteredCounter("storage/blocks/saved", nil)

var (
	blockPrefix = []byte("b")
	metaPrefix  = []byte("m")
)

type InstructionRecord struct {
	PC   uint64 `json:"pc"`
	Code string `json:"code"`
	Text string `json:"text"`
}

// BlockRecord is the persisted form of a decoded block.
type BlockRecord struct {
	Address      uint64              `json:"address"`
	End          uint64              `json:"end"`
	Hash         string              `json:"hash"`
	Executions   uint64              `json:"executions"`
	Successors   []uint64            `json:"successors,omitempty"`
	Instructions []InstructionRecord `json:"instructions"`
}

func NewBlockRecord(b *flow.Block) *BlockRecord {
	rec := &BlockRecord{
		Address:    b.Address(),
		End:        b.End(),
		Hash:       b.CodeHash().Hex(),
		Executions: b.Executions(),
	}
	for _, s := range b.Successors() {
		rec.Successors = append(rec.Successors, s.Address())
	}
	for _, insn := range b.Instructions() {
		rec.Instructions = append(rec.Instructions, InstructionRecord{
			PC:   insn.PC(),
			Code: hex.EncodeToString(insn.Bytes()),
			Text: insn.String(),
		})
	}
	return rec
}

func (r *BlockRecord) Contains(addr uint64) bool {
	return addr >= r.Address && addr < r.End
}

// DumpStore keeps block dumps keyed by big-endian start address so that
// iteration runs in address order.
type DumpStore struct {
	ps *PersistenceStore
}

func NewDumpStore(path string) (*DumpStore, error) {
	ps, err := NewPersistenceStore(path)
	if err != nil {
		return nil, err
	}
	return &DumpStore{ps: ps}, nil
}

func blockKey(addr uint64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], addr)
	return key
}

// Save writes every block in the cache in one batch and returns the count.
func (s *DumpStore) Save(cache *flow.Cache) (int, error) {
	batch := s.ps.NewBatch()
	blocks := cache.Blocks()
	for _, b := range blocks {
		data, err := json.Marshal(NewBlockRecord(b))
		if err != nil {
			return 0, err
		}
		batch.Put(blockKey(b.Address()), data)
	}
	if err := s.ps.Write(batch); err != nil {
		return 0, fmt.Errorf("save %d blocks: %w", len(blocks), err)
	}
	savedBlocksCounter.Inc(int64(len(blocks)))
	log.Debug(log.StorageModule, "saved blocks", "count", len(blocks))
	return len(blocks), nil
}

// Load returns the block starting exactly at addr.
func (s *DumpStore) Load(addr uint64) (*BlockRecord, bool, error) {
	data, ok, err := s.ps.Get(blockKey(addr))
	if err != nil || !ok {
		return nil, false, err
	}
	rec := new(BlockRecord)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, false, fmt.Errorf("block 0x%016x: %w", addr, err)
	}
	return rec, true, nil
}

// Containing returns the stored block whose range covers addr.
func (s *DumpStore) Containing(addr uint64) (*BlockRecord, bool, error) {
	_, data, ok, err := s.ps.Floor(blockPrefix, blockKey(addr))
	if err != nil || !ok {
		return nil, false, err
	}
	rec := new(BlockRecord)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, false, err
	}
	if !rec.Contains(addr) {
		return nil, false, nil
	}
	return rec, true, nil
}

// Iterate visits stored blocks in address order.
func (s *DumpStore) Iterate(fn func(*BlockRecord) error) error {
	return s.ps.Each(blockPrefix, func(key, value []byte) error {
		rec := new(BlockRecord)
		if err := json.Unmarshal(value, rec); err != nil {
			return fmt.Errorf("block %x: %w", key, err)
		}
		return fn(rec)
	})
}

// PutMeta stores a free-form annotation such as the program path.
func (s *DumpStore) PutMeta(name, value string) error {
	return s.ps.Put(append(append([]byte(nil), metaPrefix...), name...), []byte(value))
}

func (s *DumpStore) Meta(name string) (string, bool, error) {
	data, ok, err := s.ps.Get(append(append([]byte(nil), metaPrefix...), name...))
	return string(data), ok, err
}

func (s *DumpStore) Close() error {
	return s.ps.Close()
}

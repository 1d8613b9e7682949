// Package chain is the local proof-of-concept ledger: an append-only
// proof-of-work hash chain persisted to a JSON file.
package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultDifficulty is the number of leading hex zeros a mined hash needs.
const DefaultDifficulty = 2

// Block is one link of the chain.
type Block struct {
	Index        int             `json:"index"`
	Timestamp    int64           `json:"timestamp"`
	Data         json.RawMessage `json:"data"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
	Nonce        int             `json:"nonce"`
}

// ErrEmptyData rejects a mine request without data.
var ErrEmptyData = errors.New("block data is required")

// Chain is safe for concurrent use.
type Chain struct {
	mu         sync.RWMutex
	blocks     []Block
	path       string
	difficulty int
	clock      func() time.Time
}

// Option configures a Chain.
type Option func(*Chain)

// WithDifficulty sets the proof-of-work difficulty for new blocks.
func WithDifficulty(d int) Option { return func(c *Chain) { c.difficulty = d } }

// WithClock overrides the block timestamp source.
func WithClock(clock func() time.Time) Option { return func(c *Chain) { c.clock = clock } }

// Open loads the chain stored at path, or creates one with a genesis block
// when the file does not exist. An empty path keeps the chain in memory.
func Open(path string, opts ...Option) (*Chain, error) {
	c := &Chain{path: path, difficulty: DefaultDifficulty, clock: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(raw, &c.blocks); err != nil {
				return nil, fmt.Errorf("decode chain %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read chain %s: %w", path, err)
		}
	}

	if len(c.blocks) == 0 {
		data, _ := json.Marshal(map[string]string{
			"message": "gatelog genesis block",
			"created": c.clock().UTC().Format(time.RFC3339),
		})
		genesis := Block{Index: 0, Timestamp: c.clock().Unix(), Data: data, PreviousHash: "0"}
		genesis.Hash = calculateHash(genesis)
		c.blocks = []Block{genesis}
		if err := c.save(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func calculateHash(b Block) string {
	var data bytes.Buffer
	if err := json.Compact(&data, b.Data); err != nil {
		data.Write(b.Data)
	}
	record := strconv.Itoa(b.Index) +
		strconv.FormatInt(b.Timestamp, 10) +
		data.String() +
		b.PreviousHash +
		strconv.Itoa(b.Nonce)
	sum := sha256.Sum256([]byte(record))
	return hex.EncodeToString(sum[:])
}

// Mine appends a block carrying data once its hash meets the difficulty,
// then persists the chain. A failed write leaves the chain unchanged.
func (c *Chain) Mine(data json.RawMessage) (Block, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Block{}, ErrEmptyData
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return Block{}, fmt.Errorf("block data: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.blocks[len(c.blocks)-1]
	b := Block{
		Index:        last.Index + 1,
		Timestamp:    c.clock().Unix(),
		Data:         compact.Bytes(),
		PreviousHash: last.Hash,
	}
	target := strings.Repeat("0", c.difficulty)
	for {
		b.Hash = calculateHash(b)
		if strings.HasPrefix(b.Hash, target) {
			break
		}
		b.Nonce++
	}

	c.blocks = append(c.blocks, b)
	if err := c.save(); err != nil {
		c.blocks = c.blocks[:len(c.blocks)-1]
		return Block{}, err
	}
	return b, nil
}

// Blocks returns a copy of the chain, genesis first.
func (c *Chain) Blocks() []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// Len returns the number of blocks including genesis.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Validate reports the index of the first block whose hash or link is
// wrong, or -1 when the chain is intact.
func (c *Chain) Validate() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return validate(c.blocks)
}

func validate(blocks []Block) int {
	for i := 1; i < len(blocks); i++ {
		if blocks[i].Hash != calculateHash(blocks[i]) {
			return i
		}
		if blocks[i].PreviousHash != blocks[i-1].Hash {
			return i
		}
	}
	return -1
}

// GetByHash returns the block with the given hash.
func (c *Chain) GetByHash(hash string) (Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range c.blocks {
		if b.Hash == hash {
			return b, true
		}
	}
	return Block{}, false
}

// Search returns the newest block whose data object has field == value.
func (c *Chain) Search(field, value string) (Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.blocks) - 1; i >= 0; i-- {
		var data map[string]any
		if err := json.Unmarshal(c.blocks[i].Data, &data); err != nil {
			continue
		}
		if v, ok := data[field].(string); ok && v == value {
			return c.blocks[i], true
		}
	}
	return Block{}, false
}

// save writes the chain through a temp file and rename. Caller holds mu.
func (c *Chain) save() error {
	if c.path == "" {
		return nil
	}
	raw, err := json.Marshal(c.blocks)
	if err != nil {
		return fmt.Errorf("encode chain: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".chain-*.json")
	if err != nil {
		return fmt.Errorf("write chain: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write chain: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write chain: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write chain: %w", err)
	}
	return nil
}

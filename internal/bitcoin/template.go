// Package bitcoin turns getblocktemplate results into mineable templates and
// talks to the upstream node. It covers coinbase construction with a
// Stratum extranonce slot, merkle branches, header serialization and block
// assembly, plus the RPC and ZMQ clients.
package bitcoin

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// maxCoinbaseScriptLen is the consensus limit on a coinbase scriptSig.
const maxCoinbaseScriptLen = 100

// headerPool reuses header serialization buffers on the share hot path.
var headerPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, wire.MaxBlockHeaderPayload))
	},
}

// CoinbaseConfig describes how the bridge builds coinbase transactions.
type CoinbaseConfig struct {
	PayoutScript    []byte
	Tag             []byte
	ExtraNonce1Size int
	ExtraNonce2Size int
}

// NewCoinbaseConfig resolves a payout address against the chain params.
func NewCoinbaseConfig(payAddress string, params *chaincfg.Params, tag string, en1Size, en2Size int) (*CoinbaseConfig, error) {
	addr, err := btcutil.DecodeAddress(payAddress, params)
	if err != nil {
		return nil, fmt.Errorf("decode pay address: %w", err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("pay address %s is not for %s", payAddress, params.Name)
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("build payout script: %w", err)
	}

	if en1Size <= 0 || en2Size <= 0 {
		return nil, fmt.Errorf("extranonce sizes must be positive (got %d/%d)", en1Size, en2Size)
	}

	return &CoinbaseConfig{
		PayoutScript:    script,
		Tag:             []byte(tag),
		ExtraNonce1Size: en1Size,
		ExtraNonce2Size: en2Size,
	}, nil
}

// Template is an immutable, mineable view of a block template.
type Template struct {
	Height        int64
	Version       int32
	PrevHash      chainhash.Hash
	Bits          uint32
	CurTime       uint32
	MinTime       uint32
	CoinbaseValue int64

	Coinb1       []byte
	Coinb2       []byte
	MerkleBranch []chainhash.Hash
	Transactions []*wire.MsgTx

	// Witness is set when the coinbase carries a witness commitment.
	Witness bool

	ExtraNonce1Size int
	ExtraNonce2Size int
	FetchedAt       time.Time

	coinb1Hex string
	coinb2Hex string
	branchHex []string
	prevHex   string
}

// NewTemplate builds a Template from a getblocktemplate result.
func NewTemplate(res *btcjson.GetBlockTemplateResult, cfg *CoinbaseConfig) (*Template, error) {
	if res == nil {
		return nil, fmt.Errorf("nil block template")
	}
	if res.CoinbaseValue == nil {
		return nil, fmt.Errorf("block template has no coinbasevalue")
	}

	prev, err := chainhash.NewHashFromStr(res.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("invalid previousblockhash: %w", err)
	}

	bits, err := strconv.ParseUint(res.Bits, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid bits %q: %w", res.Bits, err)
	}

	txs := make([]*wire.MsgTx, 0, len(res.Transactions))
	hashes := make([]chainhash.Hash, 1, len(res.Transactions)+1)
	for i, tx := range res.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: invalid hex: %w", i, err)
		}

		msgTx := &wire.MsgTx{}
		if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}

		txs = append(txs, msgTx)
		hashes = append(hashes, msgTx.TxHash())
	}

	var commitment []byte
	if res.DefaultWitnessCommitment != "" {
		commitment, err = hex.DecodeString(res.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("invalid default_witness_commitment: %w", err)
		}
	}

	coinb1, coinb2, err := buildCoinbase(res.Height, *res.CoinbaseValue, cfg, commitment)
	if err != nil {
		return nil, err
	}

	t := &Template{
		Height:          res.Height,
		Version:         res.Version,
		PrevHash:        *prev,
		Bits:            uint32(bits),
		CurTime:         uint32(res.CurTime),
		MinTime:         uint32(res.MinTime),
		CoinbaseValue:   *res.CoinbaseValue,
		Coinb1:          coinb1,
		Coinb2:          coinb2,
		MerkleBranch:    MerkleBranch(hashes),
		Transactions:    txs,
		Witness:         commitment != nil,
		ExtraNonce1Size: cfg.ExtraNonce1Size,
		ExtraNonce2Size: cfg.ExtraNonce2Size,
		FetchedAt:       time.Now(),
	}
	t.encode()
	return t, nil
}

// encode caches the hex forms served in every mining.notify.
func (t *Template) encode() {
	t.coinb1Hex = hex.EncodeToString(t.Coinb1)
	t.coinb2Hex = hex.EncodeToString(t.Coinb2)

	t.branchHex = make([]string, len(t.MerkleBranch))
	for i, h := range t.MerkleBranch {
		t.branchHex[i] = hex.EncodeToString(h[:])
	}

	// stratum sends the previous hash as 8 byte-swapped 32-bit words
	var swapped [32]byte
	for i := 0; i < 32; i += 4 {
		swapped[i] = t.PrevHash[i+3]
		swapped[i+1] = t.PrevHash[i+2]
		swapped[i+2] = t.PrevHash[i+1]
		swapped[i+3] = t.PrevHash[i]
	}
	t.prevHex = hex.EncodeToString(swapped[:])
}

// buildCoinbase serializes the coinbase without witness data and splits it
// around the extranonce slot. The scriptSig is height, tag, extranonce.
func buildCoinbase(height, value int64, cfg *CoinbaseConfig, witnessCommitment []byte) ([]byte, []byte, error) {
	heightScript, err := txscript.NewScriptBuilder().AddInt64(height).Script()
	if err != nil {
		return nil, nil, fmt.Errorf("build height script: %w", err)
	}

	slot := cfg.ExtraNonce1Size + cfg.ExtraNonce2Size
	tag := cfg.Tag
	if room := maxCoinbaseScriptLen - len(heightScript) - slot; len(tag) > room {
		if room < 0 {
			return nil, nil, fmt.Errorf("extranonce of %d bytes does not fit the coinbase script", slot)
		}
		tag = tag[:room]
	}

	script := make([]byte, 0, len(heightScript)+len(tag)+slot)
	script = append(script, heightScript...)
	script = append(script, tag...)
	prefixLen := len(script)
	script = append(script, make([]byte, slot)...)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  script,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, cfg.PayoutScript))
	if witnessCommitment != nil {
		tx.AddTxOut(wire.NewTxOut(0, witnessCommitment))
	}

	var buf bytes.Buffer
	buf.Grow(tx.SerializeSizeStripped())
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, nil, fmt.Errorf("serialize coinbase: %w", err)
	}
	raw := buf.Bytes()

	// version, input count, outpoint, script length varint
	split := 4 + 1 + 36 + wire.VarIntSerializeSize(uint64(len(script))) + prefixLen

	coinb1 := append([]byte(nil), raw[:split]...)
	coinb2 := append([]byte(nil), raw[split+slot:]...)
	return coinb1, coinb2, nil
}

// Coinb1Hex returns the hex coinbase prefix.
func (t *Template) Coinb1Hex() string { return t.coinb1Hex }

// Coinb2Hex returns the hex coinbase suffix.
func (t *Template) Coinb2Hex() string { return t.coinb2Hex }

// MerkleBranchHex returns the coinbase merkle branch in stratum encoding.
func (t *Template) MerkleBranchHex() []string { return t.branchHex }

// PrevHashHex returns the previous block hash in stratum word order.
func (t *Template) PrevHashHex() string { return t.prevHex }

// VersionHex returns the block version as big-endian hex.
func (t *Template) VersionHex() string { return fmt.Sprintf("%08x", uint32(t.Version)) }

// BitsHex returns nBits as big-endian hex.
func (t *Template) BitsHex() string { return fmt.Sprintf("%08x", t.Bits) }

// NTimeHex returns the template time as big-endian hex.
func (t *Template) NTimeHex() string { return fmt.Sprintf("%08x", t.CurTime) }

// Coinbase joins coinb1, the extranonces and coinb2.
func (t *Template) Coinbase(extraNonce1, extraNonce2 []byte) ([]byte, error) {
	if len(extraNonce1) != t.ExtraNonce1Size {
		return nil, fmt.Errorf("extranonce1 is %d bytes, want %d", len(extraNonce1), t.ExtraNonce1Size)
	}
	if len(extraNonce2) != t.ExtraNonce2Size {
		return nil, fmt.Errorf("extranonce2 is %d bytes, want %d", len(extraNonce2), t.ExtraNonce2Size)
	}

	cb := make([]byte, 0, len(t.Coinb1)+len(extraNonce1)+len(extraNonce2)+len(t.Coinb2))
	cb = append(cb, t.Coinb1...)
	cb = append(cb, extraNonce1...)
	cb = append(cb, extraNonce2...)
	cb = append(cb, t.Coinb2...)
	return cb, nil
}

// MerkleRoot folds the coinbase txid up the template's merkle branch.
func (t *Template) MerkleRoot(coinbase []byte) chainhash.Hash {
	root := chainhash.Hash(DoubleSHA256(coinbase))

	var pair [64]byte
	for _, h := range t.MerkleBranch {
		copy(pair[:32], root[:])
		copy(pair[32:], h[:])
		root = chainhash.Hash(DoubleSHA256(pair[:]))
	}
	return root
}

// Header builds the block header for a share.
func (t *Template) Header(merkleRoot chainhash.Hash, version int32, ntime, nonce uint32) wire.BlockHeader {
	return wire.BlockHeader{
		Version:    version,
		PrevBlock:  t.PrevHash,
		MerkleRoot: merkleRoot,
		Timestamp:  time.Unix(int64(ntime), 0),
		Bits:       t.Bits,
		Nonce:      nonce,
	}
}

// SerializeHeader returns the 80-byte wire encoding of h.
func SerializeHeader(h *wire.BlockHeader) []byte {
	buf := headerPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer headerPool.Put(buf)

	// writes to a bytes.Buffer cannot fail
	_ = h.Serialize(buf)

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// AssembleBlock builds the full block for a solved share.
func (t *Template) AssembleBlock(coinbase []byte, header wire.BlockHeader) (*wire.MsgBlock, error) {
	cbTx := &wire.MsgTx{}
	if err := cbTx.DeserializeNoWitness(bytes.NewReader(coinbase)); err != nil {
		return nil, fmt.Errorf("decode coinbase: %w", err)
	}
	if t.Witness {
		// BIP141 witness reserved value
		cbTx.TxIn[0].Witness = wire.TxWitness{make([]byte, 32)}
	}

	block := &wire.MsgBlock{
		Header:       header,
		Transactions: make([]*wire.MsgTx, 0, len(t.Transactions)+1),
	}
	block.Transactions = append(block.Transactions, cbTx)
	block.Transactions = append(block.Transactions, t.Transactions...)
	return block, nil
}

// MerkleBranch returns the authentication path for the first leaf. The
// first hash is a placeholder for the coinbase and never enters the branch.
func MerkleBranch(leaves []chainhash.Hash) []chainhash.Hash {
	if len(leaves) <= 1 {
		return nil
	}

	level := append([]chainhash.Hash(nil), leaves...)
	var branch []chainhash.Hash
	var pair [64]byte

	for len(level) > 1 {
		branch = append(branch, level[1])

		next := make([]chainhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			copy(pair[:32], level[i][:])
			copy(pair[32:], right[:])
			next = append(next, chainhash.Hash(DoubleSHA256(pair[:])))
		}
		level = next
	}
	return branch
}

// ParseHexUint32 parses a big-endian hex word as sent in mining.submit.
func ParseHexUint32(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("expected 8 hex characters, got %d", len(s))
	}
	var b [4]byte
	if _, err := hex.Decode(b[:], []byte(s)); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

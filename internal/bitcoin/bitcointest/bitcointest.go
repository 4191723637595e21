// Package bitcointest provides template fixtures and a mock upstream node
// for tests of packages built on internal/bitcoin.
package bitcointest

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/stratumbridge/internal/bitcoin"
)

// PayAddress is a mainnet P2PKH address used by fixtures.
const PayAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

// PrevHash is the previous block hash used by default fixtures.
const PrevHash = "00000000000000000002a7c4c1e48d76c5a37902165a270156b7a8d72728a054"

// EasyBits decodes to the largest regtest target so most hashes solve it.
const EasyBits = "207fffff"

// CoinbaseConfig returns a coinbase config with 4+4 byte extranonces.
func CoinbaseConfig() *bitcoin.CoinbaseConfig {
	cfg, err := bitcoin.NewCoinbaseConfig(PayAddress, &chaincfg.MainNetParams, "/bridge/", 4, 4)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Tx builds a distinct one-in one-out transaction.
func Tx(seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{seed, 0x01}, Index: uint32(seed)},
		SignatureScript:  []byte{0x51},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(int64(seed)*1000+1, []byte{0x51}))
	return tx
}

// TemplateResult builds a getblocktemplate result with txCount transactions.
func TemplateResult(height int64, prevHash, bits string, txCount int) *btcjson.GetBlockTemplateResult {
	value := int64(312500000)
	res := &btcjson.GetBlockTemplateResult{
		Version:       0x20000000,
		PreviousHash:  prevHash,
		Bits:          bits,
		Height:        height,
		CurTime:       1700000000,
		MinTime:       1699990000,
		CoinbaseValue: &value,
	}

	for i := range txCount {
		tx := Tx(byte(i + 1))
		var buf bytes.Buffer
		_ = tx.Serialize(&buf)
		res.Transactions = append(res.Transactions, btcjson.GetBlockTemplateResultTx{
			Data: hex.EncodeToString(buf.Bytes()),
			Hash: tx.TxHash().String(),
			TxID: tx.TxHash().String(),
		})
	}
	return res
}

// Template builds a ready Template from TemplateResult.
func Template(height int64, prevHash, bits string, txCount int) *bitcoin.Template {
	tpl, err := bitcoin.NewTemplate(TemplateResult(height, prevHash, bits, txCount), CoinbaseConfig())
	if err != nil {
		panic(err)
	}
	return tpl
}

// MockUpstream is a scriptable Upstream.
type MockUpstream struct {
	mu sync.Mutex

	// ShouldError makes every call fail with ErrorMsg.
	ShouldError bool
	ErrorMsg    string

	// Templates are served in order; the last one repeats.
	Templates []*btcjson.GetBlockTemplateResult
	// SubmitErrors are returned by successive SubmitBlock calls.
	SubmitErrors []error
	// SubmitHook runs inside SubmitBlock before it returns.
	SubmitHook func(ctx context.Context)

	TemplateCalls int
	Submitted     []*wire.MsgBlock
	SubmitCalls   int
}

// NewMockUpstream returns a mock serving one default template.
func NewMockUpstream() *MockUpstream {
	return &MockUpstream{
		Templates: []*btcjson.GetBlockTemplateResult{TemplateResult(100, PrevHash, EasyBits, 0)},
	}
}

func (m *MockUpstream) err() error {
	return errors.Join(bitcoin.ErrUpstreamUnavailable, errors.New(m.ErrorMsg))
}

// SetError toggles failure mode.
func (m *MockUpstream) SetError(fail bool, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldError = fail
	m.ErrorMsg = msg
}

// PushTemplate appends a template to serve next.
func (m *MockUpstream) PushTemplate(res *btcjson.GetBlockTemplateResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Templates = append(m.Templates, res)
}

// ServeTemplates replaces the scripted template queue.
func (m *MockUpstream) ServeTemplates(res ...*btcjson.GetBlockTemplateResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Templates = res
}

// GetBlockTemplate returns the next scripted template.
func (m *MockUpstream) GetBlockTemplate(_ context.Context) (*btcjson.GetBlockTemplateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TemplateCalls++
	if m.ShouldError {
		return nil, m.err()
	}
	if len(m.Templates) == 0 {
		return nil, errors.New("no template scripted")
	}

	res := m.Templates[0]
	if len(m.Templates) > 1 {
		m.Templates = m.Templates[1:]
	}
	return res, nil
}

// SubmitBlock records the block and returns the next scripted error.
func (m *MockUpstream) SubmitBlock(ctx context.Context, block *wire.MsgBlock) error {
	m.mu.Lock()
	hook := m.SubmitHook
	m.SubmitCalls++
	var err error
	if len(m.SubmitErrors) > 0 {
		err = m.SubmitErrors[0]
		m.SubmitErrors = m.SubmitErrors[1:]
	} else if m.ShouldError {
		err = m.err()
	}
	if err == nil {
		m.Submitted = append(m.Submitted, block)
	}
	m.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	return err
}

// Ping fails only in error mode.
func (m *MockUpstream) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ShouldError {
		return m.err()
	}
	return nil
}

// Close does nothing.
func (m *MockUpstream) Close() {}

// SubmittedBlocks returns a copy of the accepted submissions.
func (m *MockUpstream) SubmittedBlocks() []*wire.MsgBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*wire.MsgBlock(nil), m.Submitted...)
}

// Calls returns the template and submit call counts.
func (m *MockUpstream) Calls() (templates, submits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TemplateCalls, m.SubmitCalls
}

var _ bitcoin.Upstream = (*MockUpstream)(nil)

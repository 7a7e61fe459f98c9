package ingest

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dd0wney/cluso-chainindex/pkg/config"
	"github.com/dd0wney/cluso-chainindex/pkg/logging"
	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

type fakeSink struct {
	rows      []schema.Row
	committed []uint64
	height    uint64
	hasHeight bool
}

func (s *fakeSink) Append(row schema.Row) error {
	s.rows = append(s.rows, row)
	return nil
}

func (s *fakeSink) CommitBlock(block uint64) error {
	s.committed = append(s.committed, block)
	s.height, s.hasHeight = block, true
	return nil
}

func (s *fakeSink) Height() (uint64, bool) {
	return s.height, s.hasHeight
}

type fakeNode struct {
	head     uint64
	blocks   map[uint64]*types.Block
	receipts map[common.Hash]*types.Receipt
}

func (n *fakeNode) BlockNumber(ctx context.Context) (uint64, error) {
	return n.head, nil
}

func (n *fakeNode) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	b, ok := n.blocks[number.Uint64()]
	if !ok {
		return nil, errors.New("block not found")
	}
	return b, nil
}

func (n *fakeNode) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, ok := n.receipts[txHash]
	if !ok {
		return nil, errors.New("receipt not found")
	}
	return r, nil
}

func makeHeader(number uint64, parent common.Hash) *types.Header {
	return &types.Header{
		Number:     new(big.Int).SetUint64(number),
		ParentHash: parent,
		Coinbase:   common.BytesToAddress(bytes.Repeat([]byte{0x33}, 20)),
		Difficulty: big.NewInt(0),
		GasLimit:   30_000_000,
		GasUsed:    21_000,
		Time:       1_700_000_000 + number,
		BaseFee:    big.NewInt(7),
	}
}

// makeChain builds n empty linked blocks starting at 0.
func makeChain(n uint64) *fakeNode {
	node := &fakeNode{
		blocks:   make(map[uint64]*types.Block),
		receipts: make(map[common.Hash]*types.Receipt),
	}
	parent := common.Hash{}
	for i := uint64(0); i < n; i++ {
		b := types.NewBlockWithHeader(makeHeader(i, parent))
		node.blocks[i] = b
		node.head = i
		parent = b.Hash()
	}
	return node
}

func newTestIngester(sink Sink, node NodeClient, confirmations uint64) *Ingester {
	return New(sink, node, config.NodeConfig{
		PollInterval:  time.Second,
		Confirmations: confirmations,
	}, logging.New(os.Stderr, logging.ErrorLevel), nil)
}

func TestCatchUpIngestsToConfirmedHead(t *testing.T) {
	node := makeChain(11) // head = 10
	sink := &fakeSink{}
	ing := newTestIngester(sink, node, 2)

	if err := ing.catchUp(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sink.committed) != 9 {
		t.Fatalf("committed %d blocks, want 9 (head minus confirmations)", len(sink.committed))
	}
	for i, block := range sink.committed {
		if block != uint64(i) {
			t.Fatalf("commit %d was block %d, out of order", i, block)
		}
	}
	// Empty blocks produce exactly one row each.
	if len(sink.rows) != 9 {
		t.Fatalf("appended %d rows, want 9", len(sink.rows))
	}
}

func TestCatchUpResumesFromFrontier(t *testing.T) {
	node := makeChain(9) // head = 8
	sink := &fakeSink{height: 4, hasHeight: true}
	ing := newTestIngester(sink, node, 0)

	if err := ing.catchUp(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sink.committed) != 4 {
		t.Fatalf("committed %d blocks, want 4", len(sink.committed))
	}
	if sink.committed[0] != 5 || sink.committed[3] != 8 {
		t.Fatalf("committed %v, want blocks 5 through 8", sink.committed)
	}
}

func TestCatchUpWaitsForConfirmationDepth(t *testing.T) {
	node := makeChain(3) // head = 2
	sink := &fakeSink{}
	ing := newTestIngester(sink, node, 5)

	if err := ing.catchUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.committed) != 0 {
		t.Fatalf("committed %d blocks with head below confirmation depth", len(sink.committed))
	}
}

func TestReorgDetected(t *testing.T) {
	node := makeChain(3)
	sink := &fakeSink{}
	ing := newTestIngester(sink, node, 0)

	if err := ing.catchUp(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sink.height != 2 {
		t.Fatalf("frontier = %d, want 2", sink.height)
	}

	// Block 3 claims a parent the ingester never saw.
	stranger := types.NewBlockWithHeader(makeHeader(3, common.HexToHash("0xdead")))
	node.blocks[3] = stranger
	node.head = 3

	err := ing.catchUp(context.Background())
	if !errors.Is(err, ErrReorg) {
		t.Fatalf("expected ErrReorg, got %v", err)
	}
	if sink.height != 2 {
		t.Fatal("conflicting block was committed")
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ing := newTestIngester(&fakeSink{}, makeChain(3), 0)
	if err := ing.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBlockRowColumns(t *testing.T) {
	parent := common.HexToHash("0x01")
	block := types.NewBlockWithHeader(makeHeader(7, parent))

	row := blockRow(block)
	if row.Values[schema.BlockColNumber].U64 != 7 {
		t.Error("number column mismatch")
	}
	if !bytes.Equal(row.Values[schema.BlockColParentHash].Bytes, parent.Bytes()) {
		t.Error("parent hash column mismatch")
	}
	if row.Values[schema.BlockColTimestamp].U64 != 1_700_000_007 {
		t.Error("timestamp column mismatch")
	}
	if row.Values[schema.BlockColGasLimit].U64 != 30_000_000 {
		t.Error("gas limit column mismatch")
	}
	if row.Values[schema.BlockColBaseFee].U64 != 7 {
		t.Error("base fee column mismatch")
	}
}

func TestTxRowRecoversSender(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	chainID := big.NewInt(1)
	to := common.BytesToAddress(bytes.Repeat([]byte{0x44}, 20))

	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(100),
		Gas:       50_000,
		To:        &to,
		Value:     big.NewInt(12345),
		Data:      []byte{0xde, 0xad, 0xbe, 0xef, 0x01},
	})
	if err != nil {
		t.Fatal(err)
	}

	block := types.NewBlockWithHeader(makeHeader(9, common.Hash{}))
	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 42_000}

	row, err := txRow(block, 3, tx, receipt)
	if err != nil {
		t.Fatal(err)
	}

	want := crypto.PubkeyToAddress(key.PublicKey)
	if !bytes.Equal(row.Values[schema.TxColFrom].Bytes, want.Bytes()) {
		t.Error("recovered sender mismatch")
	}
	if !bytes.Equal(row.Values[schema.TxColTo].Bytes, to.Bytes()) {
		t.Error("recipient column mismatch")
	}
	if !bytes.Equal(row.Values[schema.TxColSighash].Bytes, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Error("sighash column mismatch")
	}
	if row.Values[schema.TxColBlockNumber].U64 != 9 || row.Values[schema.TxColIndex].U64 != 3 {
		t.Error("position columns mismatch")
	}
	if row.Values[schema.TxColStatus].U8 != 1 || row.Values[schema.TxColGasUsed].U64 != 42_000 {
		t.Error("receipt columns mismatch")
	}

	var value big.Int
	value.SetBytes(row.Values[schema.TxColValue].Bytes)
	if value.Int64() != 12345 {
		t.Errorf("value column = %s, want 12345", value.String())
	}
}

func TestTxRowContractCreation(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	chainID := big.NewInt(1)

	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(100),
		Gas:       500_000,
		To:        nil,
		Value:     big.NewInt(0),
		Data:      []byte{0x60, 0x80},
	})
	if err != nil {
		t.Fatal(err)
	}

	block := types.NewBlockWithHeader(makeHeader(1, common.Hash{}))
	row, err := txRow(block, 0, tx, &types.Receipt{Status: types.ReceiptStatusSuccessful})
	if err != nil {
		t.Fatal(err)
	}

	// No recipient and short calldata still fill their declared widths.
	if !bytes.Equal(row.Values[schema.TxColTo].Bytes, make([]byte, 20)) {
		t.Error("contract creation should leave a zero recipient")
	}
	if !bytes.Equal(row.Values[schema.TxColSighash].Bytes, make([]byte, 4)) {
		t.Error("short calldata should leave a zero sighash")
	}
}

func TestLogRowCapsTopics(t *testing.T) {
	topics := make([]common.Hash, 5)
	for i := range topics {
		topics[i] = common.BytesToHash([]byte{byte(i + 1)})
	}
	lg := &types.Log{
		Address: common.BytesToAddress(bytes.Repeat([]byte{0x55}, 20)),
		Topics:  topics,
		Data:    []byte("payload"),
		Index:   7,
	}

	row := logRow(100, 2, common.HexToHash("0xabc"), lg)
	if row.Values[schema.LogColTopicCount].U8 != 4 {
		t.Fatalf("topic count = %d, want 4", row.Values[schema.LogColTopicCount].U8)
	}
	if !bytes.Equal(row.Values[schema.LogColTopic3].Bytes, topics[3].Bytes()) {
		t.Error("topic3 column mismatch")
	}
	if row.Values[schema.LogColLogIndex].U64 != 7 {
		t.Error("log index column mismatch")
	}
}

func TestSighash(t *testing.T) {
	if got := sighash([]byte{1, 2, 3, 4, 5}); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("sighash = %x", got)
	}
	if got := sighash([]byte{1, 2}); !bytes.Equal(got, make([]byte, 4)) {
		t.Errorf("short calldata sighash = %x, want zeros", got)
	}
	if got := sighash(nil); !bytes.Equal(got, make([]byte, 4)) {
		t.Errorf("empty calldata sighash = %x, want zeros", got)
	}
}

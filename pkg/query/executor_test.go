package query

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/dd0wney/cluso-chainindex/pkg/chunk"
	"github.com/dd0wney/cluso-chainindex/pkg/compact"
	"github.com/dd0wney/cluso-chainindex/pkg/hotstore"
	"github.com/dd0wney/cluso-chainindex/pkg/logging"
	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

// Test fixture: 1200 blocks, the first 1000 compacted into two 500-block
// chunks, the rest hot.
//
//   - every block carries one log from addrCommon with topicCommon
//   - blocks 10 and 1100 carry a second log from addrRare with topicRare
//   - every block carries one tx from sender/recipient, except block 42
//     whose tx is from senderRare with status 0
const (
	numBlocks   = 1200
	chunkBlocks = 500
)

var (
	addrCommon = common.BytesToAddress(bytes.Repeat([]byte{0xbb}, 20))
	addrRare   = common.BytesToAddress(bytes.Repeat([]byte{0xaa}, 20))
	addrAbsent = common.BytesToAddress(bytes.Repeat([]byte{0xdd}, 20))

	topicCommon = common.BytesToHash(bytes.Repeat([]byte{0x02}, 32))
	topicRare   = common.BytesToHash(bytes.Repeat([]byte{0x01}, 32))

	sender     = common.BytesToAddress(bytes.Repeat([]byte{0xf0}, 20))
	recipient  = common.BytesToAddress(bytes.Repeat([]byte{0xf1}, 20))
	senderRare = common.BytesToAddress(bytes.Repeat([]byte{0x5e}, 20))

	testSighash = []byte{0x01, 0x02, 0x03, 0x04}
)

func rareLogBlock(n uint64) bool {
	return n == 10 || n == 1100
}

func seedBlock(t *testing.T, hot *hotstore.Store, n uint64) {
	t.Helper()

	block := schema.NewRow(schema.KindBlock)
	block.Values[schema.BlockColNumber].U64 = n
	block.Values[schema.BlockColTimestamp].U64 = 1000 + n
	if err := hot.Append(block); err != nil {
		t.Fatal(err)
	}

	tx := schema.NewRow(schema.KindTransaction)
	tx.Values[schema.TxColBlockNumber].U64 = n
	tx.Values[schema.TxColIndex].U64 = 0
	tx.Values[schema.TxColFrom].Bytes = sender.Bytes()
	tx.Values[schema.TxColTo].Bytes = recipient.Bytes()
	tx.Values[schema.TxColSighash].Bytes = testSighash
	tx.Values[schema.TxColStatus].U8 = 1
	if n == 42 {
		tx.Values[schema.TxColFrom].Bytes = senderRare.Bytes()
		tx.Values[schema.TxColStatus].U8 = 0
	}
	if err := hot.Append(tx); err != nil {
		t.Fatal(err)
	}

	lg := schema.NewRow(schema.KindLog)
	lg.Values[schema.LogColBlockNumber].U64 = n
	lg.Values[schema.LogColAddress].Bytes = addrCommon.Bytes()
	lg.Values[schema.LogColTopicCount].U8 = 1
	lg.Values[schema.LogColTopic0].Bytes = topicCommon.Bytes()
	if err := hot.Append(lg); err != nil {
		t.Fatal(err)
	}

	if rareLogBlock(n) {
		rare := schema.NewRow(schema.KindLog)
		rare.Values[schema.LogColBlockNumber].U64 = n
		rare.Values[schema.LogColLogIndex].U64 = 1
		rare.Values[schema.LogColAddress].Bytes = addrRare.Bytes()
		rare.Values[schema.LogColTopicCount].U8 = 1
		rare.Values[schema.LogColTopic0].Bytes = topicRare.Bytes()
		if err := hot.Append(rare); err != nil {
			t.Fatal(err)
		}
	}

	if err := hot.CommitBlock(n); err != nil {
		t.Fatal(err)
	}
}

type queryEnv struct {
	exec  *Executor
	stats ExecStats
}

func newQueryEnv(t *testing.T) *queryEnv {
	t.Helper()
	logger := logging.New(os.Stderr, logging.ErrorLevel)

	hot, err := hotstore.Open(hotstore.Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hot.Close() })

	chunks, err := chunk.Open(t.TempDir(), logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { chunks.Close() })

	for n := uint64(0); n < numBlocks; n++ {
		seedBlock(t, hot, n)
	}

	comp := compact.New(hot, chunks, compact.Options{
		ChunkBlocks: chunkBlocks,
		Build: chunk.BuildConfig{
			IndexedFields:          []string{chunk.FieldAddress, chunk.FieldTopic},
			BloomFalsePositiveRate: 0.001,
		},
	}, logger, nil)
	for i := 0; i < 2; i++ {
		if did, err := comp.RunOnce(); err != nil || !did {
			t.Fatalf("compaction %d: did=%v err=%v", i, did, err)
		}
	}
	if got := chunks.CompactionFrontier(); got != 1000 {
		t.Fatalf("compaction frontier = %d, want 1000", got)
	}

	env := &queryEnv{exec: NewExecutor(hot, chunks, logger)}
	env.exec.SetObserver(func(st ExecStats) { env.stats = st })
	return env
}

func collect(t *testing.T, env *queryEnv, q *Query) ([]*Result, *Result) {
	t.Helper()
	results, err := env.exec.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("run query: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no batches emitted")
	}
	merged := &Result{}
	for _, r := range results {
		merged.Blocks = append(merged.Blocks, r.Blocks...)
		merged.Transactions = append(merged.Transactions, r.Transactions...)
		merged.Logs = append(merged.Logs, r.Logs...)
		if r.NextBlock < merged.NextBlock {
			t.Fatal("NextBlock regressed across batches")
		}
		merged.NextBlock = r.NextBlock
	}
	return results, merged
}

func logFields() []string { return []string{"block_number", "address", "topic0", "log_index"} }

func txFields() []string { return []string{"block_number", "transaction_index", "from", "status"} }

func blockFields() []string { return []string{"number", "timestamp"} }

func TestRareAddressAcrossChunksAndHot(t *testing.T) {
	env := newQueryEnv(t)

	_, merged := collect(t, env, &Query{
		Logs:   []LogSelection{{Address: []common.Address{addrRare}}},
		Fields: FieldSelection{Log: logFields()},
	})

	if len(merged.Logs) != 2 {
		t.Fatalf("got %d logs, want 2", len(merged.Logs))
	}
	if merged.Logs[0].Values[schema.LogColBlockNumber].U64 != 10 {
		t.Errorf("first match at block %d, want 10", merged.Logs[0].Values[schema.LogColBlockNumber].U64)
	}
	if merged.Logs[1].Values[schema.LogColBlockNumber].U64 != 1100 {
		t.Errorf("second match at block %d, want 1100", merged.Logs[1].Values[schema.LogColBlockNumber].U64)
	}
	if merged.NextBlock != numBlocks {
		t.Errorf("NextBlock = %d, want %d", merged.NextBlock, numBlocks)
	}

	if env.stats.ChunksConsidered != 2 {
		t.Errorf("considered %d chunks, want 2", env.stats.ChunksConsidered)
	}
	// addrRare only appears in the first chunk; the second is pruned by its
	// address filter without decoding.
	if env.stats.ChunksPruned != 1 || env.stats.ChunksDecoded != 1 {
		t.Errorf("pruned=%d decoded=%d, want 1 and 1",
			env.stats.ChunksPruned, env.stats.ChunksDecoded)
	}
}

func TestAbsentAddressPrunesEverything(t *testing.T) {
	env := newQueryEnv(t)

	_, merged := collect(t, env, &Query{
		Logs:   []LogSelection{{Address: []common.Address{addrAbsent}}},
		Fields: FieldSelection{Log: logFields()},
	})

	if len(merged.Logs) != 0 {
		t.Fatalf("got %d logs for an absent address, want 0", len(merged.Logs))
	}
	if env.stats.ChunksDecoded != 0 {
		t.Errorf("decoded %d chunks for an absent address, want 0", env.stats.ChunksDecoded)
	}
	if merged.NextBlock != numBlocks {
		t.Errorf("NextBlock = %d, want %d", merged.NextBlock, numBlocks)
	}
}

func TestTopicSelection(t *testing.T) {
	env := newQueryEnv(t)

	_, merged := collect(t, env, &Query{
		Logs:   []LogSelection{{Topics: [][]common.Hash{{topicRare}}}},
		Fields: FieldSelection{Log: logFields()},
	})

	if len(merged.Logs) != 2 {
		t.Fatalf("got %d logs, want 2", len(merged.Logs))
	}
	for _, lg := range merged.Logs {
		if !bytes.Equal(lg.Values[schema.LogColTopic0].Bytes, topicRare.Bytes()) {
			t.Error("log does not carry the selected topic")
		}
	}
}

func TestAddressAndTopicMustBothMatch(t *testing.T) {
	env := newQueryEnv(t)

	// addrRare never emits topicCommon, so the conjunction is empty.
	_, merged := collect(t, env, &Query{
		Logs: []LogSelection{{
			Address: []common.Address{addrRare},
			Topics:  [][]common.Hash{{topicCommon}},
		}},
		Fields: FieldSelection{Log: logFields()},
	})

	if len(merged.Logs) != 0 {
		t.Fatalf("got %d logs, want 0", len(merged.Logs))
	}
}

func TestSelectionsAreUnioned(t *testing.T) {
	env := newQueryEnv(t)

	to := uint64(20)
	_, merged := collect(t, env, &Query{
		FromBlock: 0,
		ToBlock:   &to,
		Logs: []LogSelection{
			{Address: []common.Address{addrRare}},
			{Address: []common.Address{addrCommon}},
		},
		Fields: FieldSelection{Log: logFields()},
	})

	// 20 common logs plus the rare log in block 10.
	if len(merged.Logs) != 21 {
		t.Fatalf("got %d logs, want 21", len(merged.Logs))
	}
}

func TestTxSelectionBySenderAndStatus(t *testing.T) {
	env := newQueryEnv(t)

	_, merged := collect(t, env, &Query{
		Transactions: []TxSelection{{From: []common.Address{senderRare}}},
		Fields:       FieldSelection{Transaction: txFields()},
	})

	if len(merged.Transactions) != 1 {
		t.Fatalf("got %d txs, want 1", len(merged.Transactions))
	}
	got := merged.Transactions[0]
	if got.Values[schema.TxColBlockNumber].U64 != 42 {
		t.Errorf("match at block %d, want 42", got.Values[schema.TxColBlockNumber].U64)
	}
	if got.Values[schema.TxColStatus].U8 != 0 {
		t.Error("status column mismatch")
	}

	status := uint8(0)
	_, merged = collect(t, env, &Query{
		Transactions: []TxSelection{{Status: &status}},
		Fields:       FieldSelection{Transaction: txFields()},
	})
	if len(merged.Transactions) != 1 {
		t.Fatalf("status filter matched %d txs, want 1", len(merged.Transactions))
	}
}

func TestTxSelectionBySighash(t *testing.T) {
	env := newQueryEnv(t)

	to := uint64(5)
	_, merged := collect(t, env, &Query{
		ToBlock:      &to,
		Transactions: []TxSelection{{Sighash: []hexutil.Bytes{testSighash}}},
		Fields:       FieldSelection{Transaction: txFields()},
	})
	if len(merged.Transactions) != 5 {
		t.Fatalf("got %d txs, want 5", len(merged.Transactions))
	}
}

func TestMatchingLogsPullTransactionsAndBlocks(t *testing.T) {
	env := newQueryEnv(t)

	_, merged := collect(t, env, &Query{
		Logs: []LogSelection{{Address: []common.Address{addrRare}}},
		Fields: FieldSelection{
			Log:         logFields(),
			Transaction: txFields(),
			Block:       blockFields(),
		},
	})

	if len(merged.Logs) != 2 {
		t.Fatalf("got %d logs, want 2", len(merged.Logs))
	}
	// The rare logs sit in tx 0 of their blocks, which are pulled in even
	// though no transaction selection was given.
	if len(merged.Transactions) != 2 {
		t.Fatalf("got %d induced txs, want 2", len(merged.Transactions))
	}
	if len(merged.Blocks) != 2 {
		t.Fatalf("got %d induced blocks, want 2", len(merged.Blocks))
	}
	if merged.Blocks[0].Values[schema.BlockColNumber].U64 != 10 ||
		merged.Blocks[1].Values[schema.BlockColNumber].U64 != 1100 {
		t.Error("induced blocks mismatch")
	}
}

func TestOmittedKindsAreNotReturned(t *testing.T) {
	env := newQueryEnv(t)

	_, merged := collect(t, env, &Query{
		Logs:   []LogSelection{{Address: []common.Address{addrRare}}},
		Fields: FieldSelection{Transaction: txFields()},
	})

	if len(merged.Logs) != 0 {
		t.Fatalf("got %d logs with no log fields requested, want 0", len(merged.Logs))
	}
	// Matching logs still induce their transactions.
	if len(merged.Transactions) != 2 {
		t.Fatalf("got %d txs, want 2", len(merged.Transactions))
	}
}

func TestFieldMasking(t *testing.T) {
	env := newQueryEnv(t)

	to := uint64(1)
	_, merged := collect(t, env, &Query{
		ToBlock: &to,
		Logs:    []LogSelection{{Address: []common.Address{addrCommon}}},
		Fields:  FieldSelection{Log: []string{"block_number", "address"}},
	})

	if len(merged.Logs) != 1 {
		t.Fatalf("got %d logs, want 1", len(merged.Logs))
	}
	lg := merged.Logs[0]
	if !bytes.Equal(lg.Values[schema.LogColAddress].Bytes, addrCommon.Bytes()) {
		t.Error("requested column missing")
	}
	if lg.Values[schema.LogColTopic0].Bytes != nil {
		t.Error("unrequested column leaked into the result")
	}
}

func TestIncludeAllBlocksSpansBothStores(t *testing.T) {
	env := newQueryEnv(t)

	to := uint64(1002)
	_, merged := collect(t, env, &Query{
		FromBlock:        998,
		ToBlock:          &to,
		IncludeAllBlocks: true,
		Fields:           FieldSelection{Block: blockFields()},
	})

	if len(merged.Blocks) != 4 {
		t.Fatalf("got %d blocks, want 4", len(merged.Blocks))
	}
	for i, want := range []uint64{998, 999, 1000, 1001} {
		if got := merged.Blocks[i].Values[schema.BlockColNumber].U64; got != want {
			t.Errorf("block %d = %d, want %d", i, got, want)
		}
	}
}

func TestRangeBeyondIngestedDataClamps(t *testing.T) {
	env := newQueryEnv(t)

	to := uint64(50_000)
	_, merged := collect(t, env, &Query{
		FromBlock: 1150,
		ToBlock:   &to,
		Logs:      []LogSelection{{Address: []common.Address{addrCommon}}},
		Fields:    FieldSelection{Log: logFields()},
	})

	if len(merged.Logs) != 50 {
		t.Fatalf("got %d logs, want 50", len(merged.Logs))
	}
	if merged.NextBlock != numBlocks {
		t.Errorf("NextBlock = %d, want %d", merged.NextBlock, numBlocks)
	}
}

func TestQueryAheadOfDataReturnsEmpty(t *testing.T) {
	env := newQueryEnv(t)

	results, merged := collect(t, env, &Query{
		FromBlock: 10_000,
		Logs:      []LogSelection{{Address: []common.Address{addrCommon}}},
		Fields:    FieldSelection{Log: logFields()},
	})

	if len(results) != 1 || !merged.Empty() {
		t.Fatal("expected a single empty batch")
	}
	if merged.NextBlock != 10_000 {
		t.Errorf("NextBlock = %d, want the original FromBlock", merged.NextBlock)
	}
}

func TestValidateRejectsBadQueries(t *testing.T) {
	env := newQueryEnv(t)

	to := uint64(5)
	bad := []*Query{
		{FromBlock: 10, ToBlock: &to},
		{Logs: []LogSelection{{Topics: make([][]common.Hash, 5)}}},
		{Transactions: []TxSelection{{Sighash: []hexutil.Bytes{{0x01}}}}},
		{Fields: FieldSelection{Log: []string{"bogus_column"}}},
	}
	for i, q := range bad {
		if _, err := env.exec.Run(context.Background(), q); !errors.Is(err, ErrInvalidQuery) {
			t.Errorf("query %d: expected ErrInvalidQuery, got %v", i, err)
		}
	}
}

func TestCancellationStopsExecution(t *testing.T) {
	env := newQueryEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.exec.Execute(ctx, &Query{
		Logs:   []LogSelection{{Address: []common.Address{addrCommon}}},
		Fields: FieldSelection{Log: logFields()},
	}, func(*Result) error { return nil })

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEmitErrorStopsExecution(t *testing.T) {
	env := newQueryEnv(t)

	batches := 0
	err := env.exec.Execute(context.Background(), &Query{
		Logs:   []LogSelection{{Address: []common.Address{addrCommon}}},
		Fields: FieldSelection{Log: logFields()},
	}, func(r *Result) error {
		batches++
		return ErrLimitReached
	})

	if !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
	if batches != 1 {
		t.Fatalf("emit called %d times after limit, want 1", batches)
	}
}

// The pruned path must agree with a brute-force scan that decodes every
// chunk. Requesting every block via IncludeAllBlocks forces each chunk to
// be decoded, so the same selection runs once with pruning and once without.
func TestPruningDoesNotChangeResults(t *testing.T) {
	env := newQueryEnv(t)

	q := &Query{
		Logs:   []LogSelection{{Address: []common.Address{addrRare}, Topics: [][]common.Hash{{topicRare}}}},
		Fields: FieldSelection{Log: logFields()},
	}
	_, pruned := collect(t, env, q)

	full := *q
	full.IncludeAllBlocks = true
	full.Fields.Block = blockFields()
	_, unpruned := collect(t, env, &full)

	if len(pruned.Logs) != len(unpruned.Logs) {
		t.Fatalf("pruned path found %d logs, unpruned %d", len(pruned.Logs), len(unpruned.Logs))
	}
	for i := range pruned.Logs {
		if !pruned.Logs[i].Equal(unpruned.Logs[i]) {
			t.Fatalf("log %d differs between pruned and unpruned paths", i)
		}
	}
}

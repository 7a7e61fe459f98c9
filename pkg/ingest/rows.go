package ingest

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

// Row construction from go-ethereum types. Nullable chain fields (base fee,
// recipient of a contract creation, short calldata) become zero values so
// every column keeps its declared width.

func blockRow(block *types.Block) schema.Row {
	row := schema.NewRow(schema.KindBlock)
	row.Values[schema.BlockColNumber].U64 = block.NumberU64()
	row.Values[schema.BlockColHash].Bytes = block.Hash().Bytes()
	row.Values[schema.BlockColParentHash].Bytes = block.ParentHash().Bytes()
	row.Values[schema.BlockColMiner].Bytes = block.Coinbase().Bytes()
	row.Values[schema.BlockColGasLimit].U64 = block.GasLimit()
	row.Values[schema.BlockColGasUsed].U64 = block.GasUsed()
	row.Values[schema.BlockColTimestamp].U64 = block.Time()
	if fee := block.BaseFee(); fee != nil {
		row.Values[schema.BlockColBaseFee].U64 = fee.Uint64()
	}
	return row
}

func txRow(block *types.Block, index uint64, tx *types.Transaction, receipt *types.Receipt) (schema.Row, error) {
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return schema.Row{}, fmt.Errorf("recover sender: %w", err)
	}

	row := schema.NewRow(schema.KindTransaction)
	row.Values[schema.TxColBlockNumber].U64 = block.NumberU64()
	row.Values[schema.TxColIndex].U64 = index
	row.Values[schema.TxColHash].Bytes = tx.Hash().Bytes()
	row.Values[schema.TxColFrom].Bytes = from.Bytes()
	if to := tx.To(); to != nil {
		row.Values[schema.TxColTo].Bytes = to.Bytes()
	}
	row.Values[schema.TxColSighash].Bytes = sighash(tx.Data())
	row.Values[schema.TxColValue].Bytes = tx.Value().FillBytes(make([]byte, 32))
	row.Values[schema.TxColGasUsed].U64 = receipt.GasUsed
	row.Values[schema.TxColStatus].U8 = uint8(receipt.Status)
	row.Values[schema.TxColInput].Bytes = tx.Data()
	return row, nil
}

func logRow(block, txIndex uint64, txHash common.Hash, lg *types.Log) schema.Row {
	row := schema.NewRow(schema.KindLog)
	row.Values[schema.LogColBlockNumber].U64 = block
	row.Values[schema.LogColTxIndex].U64 = txIndex
	row.Values[schema.LogColLogIndex].U64 = uint64(lg.Index)
	row.Values[schema.LogColTxHash].Bytes = txHash.Bytes()
	row.Values[schema.LogColAddress].Bytes = lg.Address.Bytes()

	count := len(lg.Topics)
	if count > 4 {
		count = 4
	}
	row.Values[schema.LogColTopicCount].U8 = uint8(count)
	for t := 0; t < count; t++ {
		row.Values[schema.LogColTopic0+t].Bytes = lg.Topics[t].Bytes()
	}
	row.Values[schema.LogColData].Bytes = lg.Data
	return row
}

// sighash is the 4-byte function selector of a call, zero for plain
// transfers and truncated calldata.
func sighash(input []byte) []byte {
	out := make([]byte, 4)
	if len(input) >= 4 {
		copy(out, input[:4])
	}
	return out
}

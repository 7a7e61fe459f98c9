package api

import (
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/dd0wney/cluso-chainindex/pkg/query"
	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

// JSON encoding of result rows. Numeric columns become JSON numbers, byte
// columns 0x-prefixed hex strings. Only the requested fields appear.

func encodeBatch(res *query.Result, fields query.FieldSelection) map[string]any {
	batch := make(map[string]any, 3)
	if len(res.Blocks) > 0 {
		batch["blocks"] = encodeRows(res.Blocks, fields.Block)
	}
	if len(res.Transactions) > 0 {
		batch["transactions"] = encodeRows(res.Transactions, fields.Transaction)
	}
	if len(res.Logs) > 0 {
		batch["logs"] = encodeRows(res.Logs, fields.Log)
	}
	return batch
}

func encodeRows(rows []schema.Row, fields []string) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = encodeRow(row, fields)
	}
	return out
}

func encodeRow(row schema.Row, fields []string) map[string]any {
	s := schema.Of(row.Kind)
	obj := make(map[string]any, len(fields))
	for _, f := range fields {
		ci := s.ColumnIndex(f)
		if ci < 0 {
			continue
		}
		switch s.Columns[ci].Type {
		case schema.TypeUint64:
			obj[f] = row.Values[ci].U64
		case schema.TypeUint8:
			obj[f] = row.Values[ci].U8
		default:
			obj[f] = hexutil.Encode(row.Values[ci].Bytes)
		}
	}
	return obj
}

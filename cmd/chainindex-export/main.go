// chainindex-export dumps a block range from an existing data directory as
// newline-delimited JSON, one row object per line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/dd0wney/cluso-chainindex/pkg/config"
	"github.com/dd0wney/cluso-chainindex/pkg/engine"
	"github.com/dd0wney/cluso-chainindex/pkg/logging"
	"github.com/dd0wney/cluso-chainindex/pkg/query"
	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

func main() {
	dataDir := flag.String("data", "./data", "data directory")
	from := flag.Uint64("from", 0, "first block (inclusive)")
	to := flag.Uint64("to", 0, "last block (exclusive, 0 = everything ingested)")
	addresses := flag.String("address", "", "comma-separated addresses to filter logs by")
	flag.Parse()

	logger := logging.New(os.Stderr, logging.WarnLevel)

	cfg := config.Default()
	cfg.DataDir = *dataDir

	eng, err := engine.Open(cfg, logger, nil)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer eng.Close()

	q := &query.Query{
		FromBlock:        *from,
		IncludeAllBlocks: *addresses == "",
		Fields: query.FieldSelection{
			Block:       allFields(schema.KindBlock),
			Transaction: allFields(schema.KindTransaction),
			Log:         allFields(schema.KindLog),
		},
	}
	if *to > 0 {
		q.ToBlock = to
	}
	if *addresses != "" {
		var sel query.LogSelection
		for _, a := range strings.Split(*addresses, ",") {
			sel.Address = append(sel.Address, common.HexToAddress(strings.TrimSpace(a)))
		}
		q.Logs = []query.LogSelection{sel}
	} else {
		// No filter: export every row of every kind.
		q.Logs = []query.LogSelection{{}}
		q.Transactions = []query.TxSelection{{}}
	}

	enc := json.NewEncoder(os.Stdout)
	err = eng.Query(context.Background(), q, func(res *query.Result) error {
		for _, row := range res.Blocks {
			if err := enc.Encode(rowObject(row)); err != nil {
				return err
			}
		}
		for _, row := range res.Transactions {
			if err := enc.Encode(rowObject(row)); err != nil {
				return err
			}
		}
		for _, row := range res.Logs {
			if err := enc.Encode(rowObject(row)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func allFields(kind schema.Kind) []string {
	s := schema.Of(kind)
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

func rowObject(row schema.Row) map[string]any {
	s := schema.Of(row.Kind)
	obj := make(map[string]any, len(s.Columns)+1)
	obj["kind"] = row.Kind.String()
	for ci, c := range s.Columns {
		switch c.Type {
		case schema.TypeUint64:
			obj[c.Name] = row.Values[ci].U64
		case schema.TypeUint8:
			obj[c.Name] = row.Values[ci].U8
		default:
			obj[c.Name] = hexutil.Encode(row.Values[ci].Bytes)
		}
	}
	return obj
}

package schema

import "fmt"

// Kind identifies the entity a row or buffer belongs to.
type Kind uint8

const (
	KindBlock Kind = iota
	KindTransaction
	KindLog
)

// String returns the string representation of an entity kind
func (k Kind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindTransaction:
		return "transaction"
	case KindLog:
		return "log"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Kinds lists every entity kind in storage order.
func Kinds() []Kind {
	return []Kind{KindBlock, KindTransaction, KindLog}
}

// ColumnType is the closed set of physical column representations.
type ColumnType uint8

const (
	// TypeUint64 is a fixed-width little-endian unsigned integer
	TypeUint64 ColumnType = iota
	// TypeUint8 is a single byte
	TypeUint8
	// TypeFixedBytes is a byte array with a schema-declared width (hashes, addresses)
	TypeFixedBytes
	// TypeBytes is a variable-length byte array (payloads, calldata)
	TypeBytes
)

// Column describes one column of an entity schema.
type Column struct {
	Name  string
	Type  ColumnType
	Width int // only meaningful for TypeFixedBytes
}

// Schema is the fixed column layout for one entity kind.
type Schema struct {
	Kind    Kind
	Columns []Column
}

// Column index constants. Column 0 is the block number for every kind so
// generic code can order rows without knowing the entity.
const (
	BlockColNumber = iota
	BlockColHash
	BlockColParentHash
	BlockColMiner
	BlockColGasLimit
	BlockColGasUsed
	BlockColTimestamp
	BlockColBaseFee
)

const (
	TxColBlockNumber = iota
	TxColIndex
	TxColHash
	TxColFrom
	TxColTo
	TxColSighash
	TxColValue
	TxColGasUsed
	TxColStatus
	TxColInput
)

const (
	LogColBlockNumber = iota
	LogColTxIndex
	LogColLogIndex
	LogColTxHash
	LogColAddress
	LogColTopicCount
	LogColTopic0
	LogColTopic1
	LogColTopic2
	LogColTopic3
	LogColData
)

var blockSchema = Schema{
	Kind: KindBlock,
	Columns: []Column{
		{Name: "number", Type: TypeUint64},
		{Name: "hash", Type: TypeFixedBytes, Width: 32},
		{Name: "parent_hash", Type: TypeFixedBytes, Width: 32},
		{Name: "miner", Type: TypeFixedBytes, Width: 20},
		{Name: "gas_limit", Type: TypeUint64},
		{Name: "gas_used", Type: TypeUint64},
		{Name: "timestamp", Type: TypeUint64},
		{Name: "base_fee", Type: TypeUint64},
	},
}

var transactionSchema = Schema{
	Kind: KindTransaction,
	Columns: []Column{
		{Name: "block_number", Type: TypeUint64},
		{Name: "transaction_index", Type: TypeUint64},
		{Name: "hash", Type: TypeFixedBytes, Width: 32},
		{Name: "from", Type: TypeFixedBytes, Width: 20},
		{Name: "to", Type: TypeFixedBytes, Width: 20},
		{Name: "sighash", Type: TypeFixedBytes, Width: 4},
		{Name: "value", Type: TypeFixedBytes, Width: 32},
		{Name: "gas_used", Type: TypeUint64},
		{Name: "status", Type: TypeUint8},
		{Name: "input", Type: TypeBytes},
	},
}

var logSchema = Schema{
	Kind: KindLog,
	Columns: []Column{
		{Name: "block_number", Type: TypeUint64},
		{Name: "transaction_index", Type: TypeUint64},
		{Name: "log_index", Type: TypeUint64},
		{Name: "transaction_hash", Type: TypeFixedBytes, Width: 32},
		{Name: "address", Type: TypeFixedBytes, Width: 20},
		{Name: "topic_count", Type: TypeUint8},
		{Name: "topic0", Type: TypeFixedBytes, Width: 32},
		{Name: "topic1", Type: TypeFixedBytes, Width: 32},
		{Name: "topic2", Type: TypeFixedBytes, Width: 32},
		{Name: "topic3", Type: TypeFixedBytes, Width: 32},
		{Name: "data", Type: TypeBytes},
	},
}

// Of returns the schema for the given entity kind.
func Of(kind Kind) Schema {
	switch kind {
	case KindBlock:
		return blockSchema
	case KindTransaction:
		return transactionSchema
	case KindLog:
		return logSchema
	default:
		panic(fmt.Sprintf("schema: unknown kind %d", kind))
	}
}

// ColumnIndex returns the index of the named column, or -1 if absent.
func (s Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Mask selects a subset of a schema's columns for decoding. Bit i selects
// column i.
type Mask uint32

// AllColumns returns a mask selecting every column of the kind's schema.
func AllColumns(kind Kind) Mask {
	return Mask(1)<<uint(len(Of(kind).Columns)) - 1
}

// MaskOf builds a mask from column indexes.
func MaskOf(cols ...int) Mask {
	var m Mask
	for _, c := range cols {
		m |= 1 << uint(c)
	}
	return m
}

// MaskForFields builds a mask from column names. Unknown names are
// reported so callers can reject bad field selections instead of silently
// returning empty columns.
func MaskForFields(kind Kind, fields []string) (Mask, error) {
	s := Of(kind)
	var m Mask
	for _, f := range fields {
		idx := s.ColumnIndex(f)
		if idx < 0 {
			return 0, fmt.Errorf("schema: %s has no column %q", kind, f)
		}
		m |= 1 << uint(idx)
	}
	return m, nil
}

// Has reports whether column i is selected.
func (m Mask) Has(i int) bool {
	return m&(1<<uint(i)) != 0
}

// With returns the mask with column i added.
func (m Mask) With(i int) Mask {
	return m | 1<<uint(i)
}

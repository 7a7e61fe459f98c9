package chunk

import (
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-chainindex/pkg/bloom"
	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

// Indexable field names. A chunk carries one bloom filter per configured
// field.
const (
	FieldAddress = "address"
	FieldTopic   = "topic"
)

// BuildConfig are the chunk-construction tunables, supplied at engine
// construction time.
type BuildConfig struct {
	// IndexedFields lists the fields to build bloom filters for.
	IndexedFields []string
	// BloomFalsePositiveRate is the per-filter false-positive target.
	BloomFalsePositiveRate float64
}

// BuildPayload encodes rows into a chunk payload: per-column data, one bloom
// filter per indexed field, and per-column statistics. Pure computation;
// filter construction runs one goroutine per field.
func BuildPayload(rng schema.BlockRange, rows map[schema.Kind][]schema.Row, cfg BuildConfig) (*Payload, error) {
	p := &Payload{Range: rng}

	for _, kind := range schema.Kinds() {
		kindRows := rows[kind]
		columns, err := schema.EncodeColumnPayloads(kind, kindRows)
		if err != nil {
			return nil, fmt.Errorf("encode %s columns: %w", kind, err)
		}
		p.Kinds = append(p.Kinds, KindData{Kind: kind, RowCount: len(kindRows), Columns: columns})
		p.Stats = append(p.Stats, computeStats(kind, kindRows)...)
	}

	p.Filters = make([]FieldFilter, len(cfg.IndexedFields))
	var wg sync.WaitGroup
	errs := make([]error, len(cfg.IndexedFields))
	for i, field := range cfg.IndexedFields {
		wg.Add(1)
		go func(i int, field string) {
			defer wg.Done()
			values, err := indexableValues(field, rows)
			if err != nil {
				errs[i] = err
				return
			}
			p.Filters[i] = FieldFilter{
				Field:  field,
				Filter: bloom.Build(values, len(values), cfg.BloomFalsePositiveRate),
			}
		}(i, field)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return p, nil
}

// indexableValues extracts the values of one indexable field from all rows.
func indexableValues(field string, rows map[schema.Kind][]schema.Row) ([][]byte, error) {
	switch field {
	case FieldAddress:
		var values [][]byte
		for _, r := range rows[schema.KindLog] {
			values = append(values, r.Values[schema.LogColAddress].Bytes)
		}
		for _, r := range rows[schema.KindTransaction] {
			values = append(values,
				r.Values[schema.TxColFrom].Bytes,
				r.Values[schema.TxColTo].Bytes)
		}
		return values, nil
	case FieldTopic:
		var values [][]byte
		for _, r := range rows[schema.KindLog] {
			n := int(r.Values[schema.LogColTopicCount].U8)
			for t := 0; t < n && t < 4; t++ {
				values = append(values, r.Values[schema.LogColTopic0+t].Bytes)
			}
		}
		return values, nil
	default:
		return nil, fmt.Errorf("build filter: unknown indexable field %q", field)
	}
}

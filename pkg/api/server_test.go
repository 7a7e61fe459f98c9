package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-chainindex/pkg/config"
	"github.com/dd0wney/cluso-chainindex/pkg/engine"
	"github.com/dd0wney/cluso-chainindex/pkg/logging"
	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

var testAddr = bytes.Repeat([]byte{0xab}, 20)

func newTestServer(t *testing.T, blocks uint64) *httptest.Server {
	t.Helper()
	logger := logging.New(os.Stderr, logging.ErrorLevel)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	// A huge chunk span keeps everything hot; compaction is not under test.
	cfg.Storage.ChunkBlocks = 1 << 30

	eng, err := engine.Open(cfg, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	for n := uint64(0); n < blocks; n++ {
		block := schema.NewRow(schema.KindBlock)
		block.Values[schema.BlockColNumber].U64 = n
		block.Values[schema.BlockColTimestamp].U64 = 1000 + n
		require.NoError(t, eng.Append(block))

		lg := schema.NewRow(schema.KindLog)
		lg.Values[schema.LogColBlockNumber].U64 = n
		lg.Values[schema.LogColAddress].Bytes = testAddr
		require.NoError(t, eng.Append(lg))

		require.NoError(t, eng.CommitBlock(n))
	}

	srv := httptest.NewServer(NewServer(eng, cfg.HTTP, logger, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func postQuery(t *testing.T, url, body string) (int, map[string]json.RawMessage) {
	t.Helper()
	resp, err := http.Post(url+"/query", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp.StatusCode, envelope
}

func TestHeightEmptyStore(t *testing.T) {
	srv := newTestServer(t, 0)

	var body map[string]*uint64
	status := getJSON(t, srv.URL+"/height", &body)
	assert.Equal(t, http.StatusOK, status)

	h, ok := body["height"]
	require.True(t, ok)
	assert.Nil(t, h)
}

func TestHeightAfterIngest(t *testing.T) {
	srv := newTestServer(t, 5)

	var body map[string]*uint64
	getJSON(t, srv.URL+"/height", &body)
	require.NotNil(t, body["height"])
	assert.Equal(t, uint64(4), *body["height"])
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, 0)

	var body map[string]string
	status := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestQueryEnvelope(t *testing.T) {
	srv := newTestServer(t, 10)

	status, envelope := postQuery(t, srv.URL, fmt.Sprintf(`{
		"logs": [{"address": ["0x%x"]}],
		"fieldSelection": {"log": ["block_number", "address"]}
	}`, testAddr))
	require.Equal(t, http.StatusOK, status)

	var archiveHeight uint64
	require.NoError(t, json.Unmarshal(envelope["archiveHeight"], &archiveHeight))
	assert.Equal(t, uint64(9), archiveHeight)

	var nextBlock uint64
	require.NoError(t, json.Unmarshal(envelope["nextBlock"], &nextBlock))
	assert.Equal(t, uint64(10), nextBlock)

	var totalTime int64
	require.NoError(t, json.Unmarshal(envelope["totalTime"], &totalTime))
	assert.GreaterOrEqual(t, totalTime, int64(0))

	var data []struct {
		Logs []map[string]any `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(envelope["data"], &data))

	total := 0
	for _, batch := range data {
		for _, lg := range batch.Logs {
			assert.Equal(t, fmt.Sprintf("0x%x", testAddr), lg["address"])
			assert.Contains(t, lg, "block_number")
			assert.NotContains(t, lg, "topic0")
			total++
		}
	}
	assert.Equal(t, 10, total)
}

func TestQueryNoMatchesStillClosesEnvelope(t *testing.T) {
	srv := newTestServer(t, 10)

	status, envelope := postQuery(t, srv.URL, `{
		"logs": [{"address": ["0x0000000000000000000000000000000000000001"]}],
		"fieldSelection": {"log": ["block_number"]}
	}`)
	require.Equal(t, http.StatusOK, status)

	var data []json.RawMessage
	require.NoError(t, json.Unmarshal(envelope["data"], &data))
	assert.Empty(t, data)

	var nextBlock uint64
	require.NoError(t, json.Unmarshal(envelope["nextBlock"], &nextBlock))
	assert.Equal(t, uint64(10), nextBlock)
}

func TestQueryBlockRange(t *testing.T) {
	srv := newTestServer(t, 10)

	status, envelope := postQuery(t, srv.URL, `{
		"fromBlock": 2,
		"toBlock": 5,
		"includeAllBlocks": true,
		"fieldSelection": {"block": ["number", "timestamp"]}
	}`)
	require.Equal(t, http.StatusOK, status)

	var data []struct {
		Blocks []map[string]any `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(envelope["data"], &data))

	var numbers []float64
	for _, batch := range data {
		for _, b := range batch.Blocks {
			numbers = append(numbers, b["number"].(float64))
		}
	}
	assert.Equal(t, []float64{2, 3, 4}, numbers)
}

func TestQueryRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t, 0)

	resp, err := http.Post(srv.URL+"/query", "application/json", bytes.NewBufferString("{nope"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryRejectsInvalidRange(t *testing.T) {
	srv := newTestServer(t, 0)

	status, envelope := postQuery(t, srv.URL, `{"fromBlock": 10, "toBlock": 5, "fieldSelection": {}}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, envelope, "error")
}

func TestQueryRejectsUnknownField(t *testing.T) {
	srv := newTestServer(t, 0)

	status, _ := postQuery(t, srv.URL, `{"fieldSelection": {"log": ["bogus"]}}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, 0)

	resp, err := http.Get(srv.URL + "/query")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/height", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestQueryTimeLimitStillClosesEnvelope(t *testing.T) {
	logger := logging.New(os.Stderr, logging.ErrorLevel)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Storage.ChunkBlocks = 1 << 30
	// The deadline expires before the first batch is even produced. The
	// stream must end early but the envelope must still close with a
	// resumable nextBlock.
	cfg.HTTP.ResponseTimeLimit = time.Nanosecond

	eng, err := engine.Open(cfg, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	for n := uint64(0); n < 20; n++ {
		lg := schema.NewRow(schema.KindLog)
		lg.Values[schema.LogColBlockNumber].U64 = n
		lg.Values[schema.LogColAddress].Bytes = testAddr
		require.NoError(t, eng.Append(lg))
		require.NoError(t, eng.CommitBlock(n))
	}

	srv := httptest.NewServer(NewServer(eng, cfg.HTTP, logger, nil).Handler())
	t.Cleanup(srv.Close)

	status, envelope := postQuery(t, srv.URL, fmt.Sprintf(`{
		"logs": [{"address": ["0x%x"]}],
		"fieldSelection": {"log": ["block_number"]}
	}`, testAddr))
	require.Equal(t, http.StatusOK, status)

	var nextBlock uint64
	require.NoError(t, json.Unmarshal(envelope["nextBlock"], &nextBlock))
	assert.Positive(t, nextBlock)
	assert.LessOrEqual(t, nextBlock, uint64(20))
	assert.Contains(t, envelope, "totalTime")
}

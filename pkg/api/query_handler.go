package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dd0wney/cluso-chainindex/pkg/logging"
	"github.com/dd0wney/cluso-chainindex/pkg/query"
)

// handleQuery executes one filter query and streams the response envelope:
//
//	{"data":[...batches...],"archiveHeight":H,"nextBlock":N,"totalTime":MS}
//
// Batches are written as they are produced. When the configured size or time
// limit is hit the response ends early with nextBlock telling the client
// where to resume.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	began := time.Now()

	var q query.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := q.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	deadline := time.Time{}
	if s.cfg.ResponseTimeLimit > 0 {
		deadline = began.Add(s.cfg.ResponseTimeLimit)
	}
	sizeLimit := s.cfg.ResponseSizeLimitMB << 20

	w.Header().Set("Content-Type", "application/json")

	stream := &envelopeWriter{w: w, fields: q.Fields}
	nextBlock := q.FromBlock

	err := s.engine.Query(r.Context(), &q, func(res *query.Result) error {
		nextBlock = res.NextBlock
		if res.Empty() {
			return nil
		}
		if err := stream.writeBatch(res); err != nil {
			return err
		}
		if sizeLimit > 0 && stream.written > sizeLimit {
			return query.ErrLimitReached
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return query.ErrLimitReached
		}
		return nil
	})

	if err != nil && !errors.Is(err, query.ErrLimitReached) {
		// Nothing flushed yet: report the failure properly. Mid-stream the
		// envelope is already on the wire and can only be cut short.
		if !stream.started {
			status := http.StatusInternalServerError
			if errors.Is(err, query.ErrInvalidQuery) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err)
		} else {
			s.logger.Error("query stream aborted", logging.Error(err))
		}
		return
	}

	var archiveHeight *uint64
	if h, ok := s.engine.Height(); ok {
		archiveHeight = &h
	}
	if err := stream.finish(archiveHeight, nextBlock, time.Since(began)); err != nil {
		s.logger.Warn("query response truncated", logging.Error(err))
	}
}

// envelopeWriter writes the response envelope incrementally.
type envelopeWriter struct {
	w       http.ResponseWriter
	fields  query.FieldSelection
	started bool
	batches int
	written int
}

func (e *envelopeWriter) write(b []byte) error {
	n, err := e.w.Write(b)
	e.written += n
	return err
}

func (e *envelopeWriter) writeBatch(res *query.Result) error {
	if !e.started {
		e.started = true
		if err := e.write([]byte(`{"data":[`)); err != nil {
			return err
		}
	}
	if e.batches > 0 {
		if err := e.write([]byte(",")); err != nil {
			return err
		}
	}
	e.batches++

	body, err := json.Marshal(encodeBatch(res, e.fields))
	if err != nil {
		return err
	}
	if err := e.write(body); err != nil {
		return err
	}

	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (e *envelopeWriter) finish(archiveHeight *uint64, nextBlock uint64, elapsed time.Duration) error {
	if !e.started {
		e.started = true
		if err := e.write([]byte(`{"data":[`)); err != nil {
			return err
		}
	}

	tail, err := json.Marshal(struct {
		ArchiveHeight *uint64 `json:"archiveHeight"`
		NextBlock     uint64  `json:"nextBlock"`
		TotalTime     int64   `json:"totalTime"`
	}{archiveHeight, nextBlock, elapsed.Milliseconds()})
	if err != nil {
		return err
	}

	if err := e.write([]byte(`],`)); err != nil {
		return err
	}
	// Splice the tail object's fields into the envelope.
	if err := e.write(tail[1:]); err != nil {
		return err
	}
	return nil
}

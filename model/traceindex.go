package model

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// TraceIndexEntry locates one instruction record by its 1-based line
// number in the trace stream it was read from.
type TraceIndexEntry struct {
	Fn   string `json:"fn"`
	BB   string `json:"bb"`
	PP   string `json:"pp"`
	Op   string `json:"op"`
	Def  string `json:"def,omitempty"`
	Line int    `json:"line"`
}

// Index resolves program points and stream lines to trace entries.
type Index struct {
	entries []*TraceIndexEntry
	byPP    map[string]*TraceIndexEntry
	byLine  map[int]*TraceIndexEntry
}

func NewIndex(entries []*TraceIndexEntry) *Index {
	x := &Index{
		entries: entries,
		byPP:    make(map[string]*TraceIndexEntry, len(entries)),
		byLine:  make(map[int]*TraceIndexEntry, len(entries)),
	}
	for _, e := range entries {
		if _, ok := x.byPP[e.PP]; !ok {
			x.byPP[e.PP] = e
		}
		if _, ok := x.byLine[e.Line]; !ok {
			x.byLine[e.Line] = e
		}
	}
	return x
}

func (x *Index) Len() int { return len(x.entries) }

func (x *Index) Entries() []*TraceIndexEntry { return x.entries }

// Lookup returns the entry for a program point.
func (x *Index) Lookup(pp string) (*TraceIndexEntry, bool) {
	e, ok := x.byPP[pp]
	return e, ok
}

// LookupLine returns the entry at a 1-based trace line.
func (x *Index) LookupLine(line int) (*TraceIndexEntry, bool) {
	e, ok := x.byLine[line]
	return e, ok
}

// ScanTrace reads a trace stream and builds one index entry per
// instruction record, carrying the record's 1-based line number in the
// stream. Trace streams carry instructions bare, without a kind field;
// kinded non-instruction lines advance the counter but produce no
// entry.
func ScanTrace(r io.Reader) ([]*TraceIndexEntry, error) {
	var entries []*TraceIndexEntry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec struct {
			Kind string `json:"kind"`
			Fn   string `json:"fn"`
			BB   string `json:"bb"`
			PP   string `json:"pp"`
			Op   string `json:"op"`
			Def  string `json:"def"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, errors.Wrapf(err, "line %d: invalid record", lineno)
		}
		if rec.Kind != "" && rec.Kind != KindInstruction {
			continue
		}
		if rec.PP == "" || rec.Op == "" {
			continue
		}
		entries = append(entries, &TraceIndexEntry{
			Fn: rec.Fn, BB: rec.BB, PP: rec.PP, Op: rec.Op, Def: rec.Def, Line: lineno,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan trace")
	}
	return entries, nil
}

// JoinTrace copies an NDJSON result stream to w, enriching every
// path_publicness record whose program point is in the index with
// trace_line, trace_op and trace_def fields. All other lines pass
// through byte for byte.
func JoinTrace(w io.Writer, results io.Reader, idx *Index) error {
	bw := bufio.NewWriter(w)
	sc := bufio.NewScanner(results)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := sc.Bytes()
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var probe struct {
			Kind string `json:"kind"`
			PP   string `json:"pp"`
		}
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return errors.Wrapf(err, "line %d: invalid record", lineno)
		}
		var entry *TraceIndexEntry
		var ok bool
		if probe.Kind == KindPathPublicness && probe.PP != "" {
			entry, ok = idx.Lookup(probe.PP)
		}
		if !ok {
			bw.Write(trimmed)
			bw.WriteByte('\n')
			continue
		}
		var rec map[string]interface{}
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return errors.Wrapf(err, "line %d: invalid record", lineno)
		}
		rec["trace_line"] = entry.Line
		rec["trace_op"] = entry.Op
		if entry.Def != "" {
			rec["trace_def"] = entry.Def
		}
		out, err := MarshalRecord(rec)
		if err != nil {
			return errors.Wrapf(err, "line %d: failed to encode record", lineno)
		}
		bw.Write(out)
		bw.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "failed to scan results")
	}
	return errors.Wrap(bw.Flush(), "failed to write joined records")
}

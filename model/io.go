package model

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Record kinds on the wire.
const (
	KindInstruction      = "instruction"
	KindTraceIndex       = "trace_index"
	KindBlock            = "block"
	KindEdge             = "edge"
	KindFuncSummary      = "func_summary"
	KindPath             = "path"
	KindCoverage         = "pp_coverage"
	KindPathSummary      = "path_summary"
	KindPathPublicness   = "path_publicness"
	KindPathAnalysis     = "path_analysis_summary"
	KindFunctionAnalysis = "function_analysis_summary"
	KindPublicAtPoint    = "public_at_point"
	KindRunSummary       = "run_summary"
)

// maxRecordBytes bounds a single NDJSON line on input. Path records for
// deep functions carry long condition lists, so the bound is generous.
const maxRecordBytes = 16 << 20

// MarshalRecord encodes v as a single JSON document without HTML
// escaping, so value ids such as "<any>" survive byte for byte.
func MarshalRecord(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	b := buf.Bytes()
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	return b, nil
}

// Writer emits NDJSON records. Every record carries a kind
// discriminator except instructions, which trace streams carry bare;
// readers recognize those by the pp/op pair. The writer is safe for
// concurrent use; records from concurrent writers interleave whole,
// never split.
type Writer struct {
	mu    sync.Mutex
	bw    *bufio.Writer
	lines int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// Lines returns the number of records written so far. When this writer
// is the only producer of its stream, the count is the 1-based line
// number of the last record.
func (w *Writer) Lines() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

// Flush forces buffered records out to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Wrap(w.bw.Flush(), "failed to flush records")
}

func (w *Writer) write(kind string, rec interface{}) error {
	body, err := MarshalRecord(rec)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s record", kind)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bw.WriteString(`{"kind":"`)
	w.bw.WriteString(kind)
	w.bw.WriteByte('"')
	if len(body) > 2 {
		w.bw.WriteByte(',')
		w.bw.Write(body[1 : len(body)-1])
	}
	if _, err := w.bw.WriteString("}\n"); err != nil {
		return errors.Wrapf(err, "failed to write %s record", kind)
	}
	w.lines++
	return nil
}

// WriteInstruction emits a bare instruction record, without a kind
// field, matching the trace stream format.
func (w *Writer) WriteInstruction(rec *Instruction) error {
	body, err := MarshalRecord(rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode instruction record")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bw.Write(body)
	if err := w.bw.WriteByte('\n'); err != nil {
		return errors.Wrap(err, "failed to write instruction record")
	}
	w.lines++
	return nil
}
func (w *Writer) WriteTraceIndex(rec *TraceIndexEntry) error {
	return w.write(KindTraceIndex, rec)
}
func (w *Writer) WriteBlock(rec *Block) error             { return w.write(KindBlock, rec) }
func (w *Writer) WriteEdge(rec *Edge) error               { return w.write(KindEdge, rec) }
func (w *Writer) WriteFuncSummary(rec *FuncSummary) error { return w.write(KindFuncSummary, rec) }
func (w *Writer) WritePath(rec *Path) error               { return w.write(KindPath, rec) }
func (w *Writer) WriteCoverage(rec *Coverage) error       { return w.write(KindCoverage, rec) }
func (w *Writer) WritePathSummary(rec *PathSummary) error { return w.write(KindPathSummary, rec) }
func (w *Writer) WritePathPublicness(rec *PathPublicness) error {
	return w.write(KindPathPublicness, rec)
}
func (w *Writer) WritePathAnalysis(rec *PathAnalysisSummary) error {
	return w.write(KindPathAnalysis, rec)
}
func (w *Writer) WriteFunctionAnalysis(rec *FunctionAnalysisSummary) error {
	return w.write(KindFunctionAnalysis, rec)
}
func (w *Writer) WritePublicAtPoint(rec *PublicAtPoint) error {
	return w.write(KindPublicAtPoint, rec)
}
func (w *Writer) WriteRunSummary(rec *RunSummary) error { return w.write(KindRunSummary, rec) }

// Records collects every known record decoded from one NDJSON stream,
// grouped by kind in stream order. Skipped counts records of unknown
// kind, which readers tolerate.
type Records struct {
	Instructions  []*Instruction
	TraceIndex    []*TraceIndexEntry
	Blocks        []*Block
	Edges         []*Edge
	FuncSummaries []*FuncSummary
	Paths         []*Path
	Coverage      []*Coverage
	PathSummaries []*PathSummary
	Publicness    []*PathPublicness
	PathAnalysis  []*PathAnalysisSummary
	FuncAnalysis  []*FunctionAnalysisSummary
	Points        []*PublicAtPoint
	RunSummaries  []*RunSummary
	Skipped       int
}

// ReadRecords decodes one NDJSON stream. Blank lines and unknown kinds
// are skipped; a line that is not valid JSON or a known record with
// missing structure is an error.
func ReadRecords(r io.Reader) (*Records, error) {
	rs := &Records{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var probe struct {
			Kind string `json:"kind"`
			PP   string `json:"pp"`
			Op   string `json:"op"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, errors.Wrapf(err, "line %d: invalid record", lineno)
		}
		kind := probe.Kind
		if kind == "" && probe.PP != "" && probe.Op != "" {
			// Bare instruction record from a trace stream.
			kind = KindInstruction
		}
		dec := func(rec interface{}) error {
			return errors.Wrapf(json.Unmarshal(line, rec), "line %d: bad %s record", lineno, kind)
		}
		switch kind {
		case KindInstruction:
			rec := new(Instruction)
			if err := dec(rec); err != nil {
				return nil, err
			}
			rs.Instructions = append(rs.Instructions, rec)
		case KindTraceIndex:
			rec := new(TraceIndexEntry)
			if err := dec(rec); err != nil {
				return nil, err
			}
			rs.TraceIndex = append(rs.TraceIndex, rec)
		case KindBlock:
			rec := new(Block)
			if err := dec(rec); err != nil {
				return nil, err
			}
			rs.Blocks = append(rs.Blocks, rec)
		case KindEdge:
			rec := new(Edge)
			if err := dec(rec); err != nil {
				return nil, err
			}
			rs.Edges = append(rs.Edges, rec)
		case KindFuncSummary:
			rec := new(FuncSummary)
			if err := dec(rec); err != nil {
				return nil, err
			}
			rs.FuncSummaries = append(rs.FuncSummaries, rec)
		case KindPath:
			rec := new(Path)
			if err := dec(rec); err != nil {
				return nil, err
			}
			rs.Paths = append(rs.Paths, rec)
		case KindCoverage:
			rec := new(Coverage)
			if err := dec(rec); err != nil {
				return nil, err
			}
			rs.Coverage = append(rs.Coverage, rec)
		case KindPathSummary:
			rec := new(PathSummary)
			if err := dec(rec); err != nil {
				return nil, err
			}
			rs.PathSummaries = append(rs.PathSummaries, rec)
		case KindPathPublicness:
			rec := new(PathPublicness)
			if err := dec(rec); err != nil {
				return nil, err
			}
			rs.Publicness = append(rs.Publicness, rec)
		case KindPathAnalysis:
			rec := new(PathAnalysisSummary)
			if err := dec(rec); err != nil {
				return nil, err
			}
			rs.PathAnalysis = append(rs.PathAnalysis, rec)
		case KindFunctionAnalysis:
			rec := new(FunctionAnalysisSummary)
			if err := dec(rec); err != nil {
				return nil, err
			}
			rs.FuncAnalysis = append(rs.FuncAnalysis, rec)
		case KindPublicAtPoint:
			rec := new(PublicAtPoint)
			if err := dec(rec); err != nil {
				return nil, err
			}
			rs.Points = append(rs.Points, rec)
		case KindRunSummary:
			rec := new(RunSummary)
			if err := dec(rec); err != nil {
				return nil, err
			}
			rs.RunSummaries = append(rs.RunSummaries, rec)
		default:
			rs.Skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read records")
	}
	return rs, nil
}

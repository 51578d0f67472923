package main

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	ctpub "github.com/RovayL/ct-publicness"
	"github.com/RovayL/ct-publicness/model"
)

// readRecordFiles reads one or more NDJSON files into a single record
// set. Every producer newline-terminates its output, so the streams
// concatenate cleanly.
func readRecordFiles(paths ...string) (*model.Records, error) {
	var readers []io.Reader
	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range paths {
		if p == "" {
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open records")
		}
		files = append(files, f)
		readers = append(readers, f)
	}
	if len(readers) == 0 {
		return nil, errors.New("no input files")
	}
	recs, err := model.ReadRecords(io.MultiReader(readers...))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", strings.Join(paths, ", "))
	}
	return recs, nil
}

// sink is an NDJSON output stream backed by a file or stdout.
type sink struct {
	W *model.Writer
	f *os.File
}

// openSink opens path for record output. "" yields a disabled sink
// whose W is nil; "-" writes to stdout.
func openSink(path string) (*sink, error) {
	if path == "" {
		return &sink{}, nil
	}
	if path == "-" {
		return &sink{W: model.NewWriter(os.Stdout)}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create output")
	}
	return &sink{W: model.NewWriter(f), f: f}, nil
}

// Close flushes buffered records and closes the underlying file. Safe
// to call more than once.
func (s *sink) Close() error {
	if s.W == nil {
		return nil
	}
	err := s.W.Flush()
	s.W = nil
	if s.f != nil {
		if cerr := s.f.Close(); err == nil {
			err = cerr
		}
		s.f = nil
	}
	return err
}

// createOut opens path for plain (non-record) output; "-" is stdout.
func createOut(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create output")
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// applySecretFlags folds --secret fn=id[,id...] flags into the config,
// replacing any file-configured set for the same function.
func applySecretFlags(conf *ctpub.Config, specs []string) error {
	for _, spec := range specs {
		fn, ids, ok := strings.Cut(spec, "=")
		if !ok || fn == "" {
			return errors.Errorf("invalid --secret %q, want fn=id[,id...]", spec)
		}
		var vals []string
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				vals = append(vals, id)
			}
		}
		if conf.Secrets == nil {
			conf.Secrets = make(map[string][]string)
		}
		conf.Secrets[fn] = vals
	}
	return nil
}

package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Sample is one training example: a feature vector and its target values.
// In a shard it is stored as the pair <key>.x / <key>.y, each holding
// comma or whitespace separated numbers.
type Sample struct {
	Key    string
	Input  []float64
	Target []float64
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams paired samples from the shard at path.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open shard")
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- errors.Wrap(err, "read tar")
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, ext)
			if ext != ".x" && ext != ".y" {
				continue
			}

			payload, err := io.ReadAll(tr)
			if err != nil {
				errCh <- errors.Wrapf(err, "read %s", name)
				return
			}
			values, err := parseValues(payload)
			if err != nil {
				errCh <- errors.Wrapf(err, "parse %s", name)
				return
			}
			part := pending[key]
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			if ext == ".x" {
				part.input = values
			} else {
				part.target = values
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part.ready() {
				sample := Sample{Key: key, Input: part.input, Target: part.target}
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- errors.Errorf("%d samples incomplete", len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	input  []float64
	target []float64
}

func (p *partial) ready() bool {
	return p.input != nil && p.target != nil
}

func parseValues(payload []byte) ([]float64, error) {
	fields := strings.FieldsFunc(string(payload), func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	values := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// WriteShard writes samples as a tar shard readable by StreamShard.
func WriteShard(path string, samples []Sample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create shard dir")
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, s := range samples {
		if err := addEntry(tw, s.Key+".x", formatValues(s.Input)); err != nil {
			return err
		}
		if err := addEntry(tw, s.Key+".y", formatValues(s.Target)); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "close tar")
	}
	return errors.Wrap(os.WriteFile(path, buf.Bytes(), 0o644), "write shard")
}

func addEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "write header %s", name)
	}
	_, err := tw.Write(data)
	return errors.Wrapf(err, "write %s", name)
}

func formatValues(values []float64) []byte {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return []byte(strings.Join(parts, ","))
}

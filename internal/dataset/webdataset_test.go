package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestStreamShardPairsEntries(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarEntry(tw, "000001.x", []byte("1, 2 3"))
	addTarEntry(tw, "000002.y", []byte("7"))
	addTarEntry(tw, "000001.y", []byte("3"))
	addTarEntry(tw, "000002.x", []byte("4,5,6"))
	addTarEntry(tw, "README.txt", []byte("ignored"))
	tw.Close()

	dir := t.TempDir()
	shard := filepath.Join(dir, "shard-000000.tar")
	if err := os.WriteFile(shard, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}

	samples, err := drainShard(context.Background(), shard)
	if err != nil {
		t.Fatalf("StreamShard returned error: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	first := samples[0]
	if first.Key != "000001" || len(first.Input) != 3 || first.Input[2] != 3 || first.Target[0] != 3 {
		t.Fatalf("unexpected first sample %+v", first)
	}
}

func TestWriteShardRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ShardName(3))
	in := Regression(5, []float64{1, -2}, 0.5, 0, 1)
	if err := WriteShard(path, in); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}
	out, err := drainShard(context.Background(), path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d samples, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Key != in[i].Key || out[i].Target[0] != in[i].Target[0] || out[i].Input[1] != in[i].Input[1] {
			t.Fatalf("sample %d differs: %+v vs %+v", i, out[i], in[i])
		}
	}
}

func TestStreamShardIncomplete(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarEntry(tw, "lonely.x", []byte("1"))
	tw.Close()
	path := filepath.Join(t.TempDir(), "shard-000000.tar")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := drainShard(context.Background(), path); err == nil {
		t.Fatal("expected an error for an unpaired member")
	}
}

func drainShard(ctx context.Context, path string) ([]Sample, error) {
	samplesCh, errCh := StreamShard(ctx, path, 4)
	var samples []Sample
	for s := range samplesCh {
		samples = append(samples, s)
	}
	return samples, <-errCh
}

func addTarEntry(tw *tar.Writer, name string, data []byte) {
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		panic(err)
	}
	if _, err := tw.Write(data); err != nil {
		panic(err)
	}
}

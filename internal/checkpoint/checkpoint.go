// Package checkpoint saves and restores module parameters and training
// progress as protobuf-encoded files.
package checkpoint

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"loopforge/internal/errs"
	"loopforge/internal/model"
	"loopforge/internal/state"
)

const formatVersion = "1"

// WeightTensor is one saved parameter.
type WeightTensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// Progress captures where training was when the checkpoint was taken.
type Progress struct {
	Epoch      int
	GlobalStep int
	Monitor    string
	BestScore  float64
}

// Metadata describes the checkpoint file.
type Metadata struct {
	Version   string
	RunID     string
	CreatedAt time.Time
}

// Checkpoint is a complete snapshot of a module and its training progress.
type Checkpoint struct {
	Weights  []WeightTensor
	Progress Progress
	Metrics  map[string]float64
	Metadata Metadata
}

// FromModule snapshots the parameters of m and the counters of st.
func FromModule(m model.Module, st *state.Training, runID string) *Checkpoint {
	c := &Checkpoint{
		Metrics:  map[string]float64{},
		Metadata: Metadata{Version: formatVersion, RunID: runID, CreatedAt: time.Now().UTC()},
	}
	for _, p := range m.Parameters() {
		c.Weights = append(c.Weights, WeightTensor{
			Name:  p.Name(),
			Shape: p.Shape(),
			Data:  append([]float64(nil), p.Data()...),
		})
	}
	if st != nil {
		c.Progress.Epoch = st.CurrentEpoch
		c.Progress.GlobalStep = st.GlobalStep
		for k, v := range st.CallbackMetrics {
			c.Metrics[k] = v
		}
	}
	return c
}

// Restore copies the saved weights into the parameters of m, matched by
// position and checked by name and shape.
func (c *Checkpoint) Restore(m model.Module) error {
	params := m.Parameters()
	if len(params) != len(c.Weights) {
		return errors.Errorf("restore: checkpoint has %d tensors, module has %d", len(c.Weights), len(params))
	}
	for i, p := range params {
		w := c.Weights[i]
		if w.Name != p.Name() || !sameShape(w.Shape, p.Shape()) {
			return errors.Errorf("restore: tensor %d is %s%v in the checkpoint, %s%v in the module",
				i, w.Name, w.Shape, p.Name(), p.Shape())
		}
		copy(p.Data(), w.Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Save writes c to path atomically: the file is written next to its
// destination and renamed into place. path may be a local path or a
// file:// URL.
func Save(c *Checkpoint, path string) error {
	local, err := resolve(path)
	if err != nil {
		return err
	}
	msg, err := c.toProto()
	if err != nil {
		return err
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	dir := filepath.Dir(local)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint dir")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(local)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp checkpoint")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}
	return errors.Wrap(os.Rename(tmp.Name(), local), "publish checkpoint")
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Checkpoint, error) {
	local, err := resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint")
	}
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "decode checkpoint")
	}
	return fromProto(&msg)
}

func resolve(path string) (string, error) {
	if !strings.Contains(path, "://") {
		return path, nil
	}
	u, err := url.Parse(path)
	if err != nil {
		return "", errors.Wrapf(err, "checkpoint path %q", path)
	}
	if u.Scheme != "file" {
		return "", errs.Configf("checkpoint path %q: unsupported scheme %q", path, u.Scheme)
	}
	return filepath.FromSlash(u.Host + u.Path), nil
}

func (c *Checkpoint) toProto() (*structpb.Struct, error) {
	weights := make([]any, len(c.Weights))
	for i, w := range c.Weights {
		weights[i] = map[string]any{
			"name":  w.Name,
			"shape": ints(w.Shape),
			"data":  floats(w.Data),
		}
	}
	metrics := make(map[string]any, len(c.Metrics))
	for k, v := range c.Metrics {
		metrics[k] = v
	}
	s, err := structpb.NewStruct(map[string]any{
		"weights": weights,
		"progress": map[string]any{
			"epoch":       c.Progress.Epoch,
			"global_step": c.Progress.GlobalStep,
			"monitor":     c.Progress.Monitor,
			"best_score":  c.Progress.BestScore,
		},
		"metrics": metrics,
		"metadata": map[string]any{
			"version":    c.Metadata.Version,
			"run_id":     c.Metadata.RunID,
			"created_at": c.Metadata.CreatedAt.Format(time.RFC3339Nano),
		},
	})
	return s, errors.Wrap(err, "build checkpoint message")
}

func fromProto(s *structpb.Struct) (*Checkpoint, error) {
	root := s.AsMap()
	meta, _ := root["metadata"].(map[string]any)
	if v, _ := meta["version"].(string); v != formatVersion {
		return nil, errors.Errorf("checkpoint version %q not supported", v)
	}
	c := &Checkpoint{Metrics: map[string]float64{}}
	c.Metadata.Version = formatVersion
	c.Metadata.RunID, _ = meta["run_id"].(string)
	if ts, ok := meta["created_at"].(string); ok {
		c.Metadata.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}

	progress, _ := root["progress"].(map[string]any)
	c.Progress.Epoch = int(number(progress["epoch"]))
	c.Progress.GlobalStep = int(number(progress["global_step"]))
	c.Progress.Monitor, _ = progress["monitor"].(string)
	c.Progress.BestScore = number(progress["best_score"])

	if metrics, ok := root["metrics"].(map[string]any); ok {
		for k, v := range metrics {
			c.Metrics[k] = number(v)
		}
	}

	weights, _ := root["weights"].([]any)
	for i, raw := range weights {
		w, ok := raw.(map[string]any)
		if !ok {
			return nil, errors.Errorf("checkpoint weight %d is malformed", i)
		}
		name, _ := w["name"].(string)
		shapeRaw, _ := w["shape"].([]any)
		dataRaw, _ := w["data"].([]any)
		wt := WeightTensor{Name: name, Shape: make([]int, len(shapeRaw)), Data: make([]float64, len(dataRaw))}
		size := 1
		for j, v := range shapeRaw {
			wt.Shape[j] = int(number(v))
			size *= wt.Shape[j]
		}
		if size != len(dataRaw) {
			return nil, errors.Errorf("checkpoint weight %s: shape %v holds %d values, found %d", name, wt.Shape, size, len(dataRaw))
		}
		for j, v := range dataRaw {
			wt.Data[j] = number(v)
		}
		c.Weights = append(c.Weights, wt)
	}
	return c, nil
}

func number(v any) float64 {
	f, _ := v.(float64)
	return f
}

func ints(xs []int) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

func floats(xs []float64) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

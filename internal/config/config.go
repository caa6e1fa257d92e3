// Package config loads the run configuration from a flat YAML file and
// applies command-line overrides.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Model string `yaml:"model"`

	MaxEpochs             int     `yaml:"max_epochs"`
	MaxSteps              int     `yaml:"max_steps"`
	AccumulateGradBatches int     `yaml:"accumulate_grad_batches"`
	AccumulateSchedule    string  `yaml:"accumulate_schedule"`
	TruncatedBPTTSteps    int     `yaml:"truncated_bptt_steps"`
	LimitTrainBatches     float64 `yaml:"limit_train_batches"`
	ValCheckInterval      float64 `yaml:"val_check_interval"`
	CheckValEveryNEpoch   int     `yaml:"check_val_every_n_epoch"`
	FastDevRun            bool    `yaml:"fast_dev_run"`

	Accelerator     string  `yaml:"accelerator"`
	Devices         int     `yaml:"devices"`
	Precision       int     `yaml:"precision"`
	GradientClipVal float64 `yaml:"gradient_clip_val"`

	TerminateOnNaN  bool    `yaml:"terminate_on_nan"`
	TrackGradNorm   float64 `yaml:"track_grad_norm"`
	RowLogInterval  int     `yaml:"row_log_interval"`
	LogSaveInterval int     `yaml:"log_save_interval"`

	Seed      int64 `yaml:"seed"`
	BatchSize int   `yaml:"batch_size"`
	// NumWorkers of 0 picks one worker per physical core.
	NumWorkers   int     `yaml:"num_workers"`
	LearningRate float64 `yaml:"learning_rate"`

	TrainRoots    []string `yaml:"train_roots"`
	CheckpointDir string   `yaml:"checkpoint_dir"`
	LogPath       string   `yaml:"log_path"`
}

// Default returns the configuration used when a key is absent.
func Default() *Config {
	return &Config{
		Model:                 "linear",
		MaxEpochs:             10,
		AccumulateGradBatches: 1,
		ValCheckInterval:      1,
		CheckValEveryNEpoch:   1,
		Accelerator:           "cpu",
		Devices:               1,
		Precision:             32,
		RowLogInterval:        50,
		LogSaveInterval:       100,
		Seed:                  42,
		BatchSize:             32,
		LearningRate:          0.05,
	}
}

// Overrides captures CLI supplied values. Zero values leave the file's
// setting alone.
type Overrides struct {
	Model         string
	MaxEpochs     int
	MaxSteps      int
	BatchSize     int
	NumWorkers    int
	Seed          int64
	Accelerator   string
	Devices       int
	Precision     int
	LearningRate  float64
	TrainRoots    []string
	CheckpointDir string
	LogPath       string
	FastDevRun    bool
}

// Load reads and validates a Config from YAML.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, errors.WithMessage(err, "parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Model != "" {
		c.Model = o.Model
	}
	if o.MaxEpochs > 0 {
		c.MaxEpochs = o.MaxEpochs
	}
	if o.MaxSteps > 0 {
		c.MaxSteps = o.MaxSteps
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Accelerator != "" {
		c.Accelerator = o.Accelerator
	}
	if o.Devices > 0 {
		c.Devices = o.Devices
	}
	if o.Precision > 0 {
		c.Precision = o.Precision
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if len(o.TrainRoots) > 0 {
		c.TrainRoots = append([]string(nil), o.TrainRoots...)
	}
	if o.CheckpointDir != "" {
		c.CheckpointDir = o.CheckpointDir
	}
	if o.LogPath != "" {
		c.LogPath = o.LogPath
	}
	if o.FastDevRun {
		c.FastDevRun = true
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch c.Model {
	case "linear", "softmax", "recurrent":
	default:
		return fmt.Errorf("model must be linear, softmax or recurrent (got %q)", c.Model)
	}
	if c.MaxEpochs <= 0 && c.MaxSteps <= 0 {
		return errors.New("one of max_epochs or max_steps must be > 0")
	}
	if c.MaxSteps < 0 {
		return fmt.Errorf("max_steps must be >= 0 (got %d)", c.MaxSteps)
	}
	if c.AccumulateGradBatches <= 0 {
		return fmt.Errorf("accumulate_grad_batches must be > 0 (got %d)", c.AccumulateGradBatches)
	}
	if _, err := ParseAccumulateSchedule(c.AccumulateSchedule); err != nil {
		return err
	}
	if c.TruncatedBPTTSteps < 0 {
		return fmt.Errorf("truncated_bptt_steps must be >= 0 (got %d)", c.TruncatedBPTTSteps)
	}
	if c.LimitTrainBatches < 0 {
		return fmt.Errorf("limit_train_batches must be >= 0 (got %g)", c.LimitTrainBatches)
	}
	if c.ValCheckInterval <= 0 {
		return fmt.Errorf("val_check_interval must be > 0 (got %g)", c.ValCheckInterval)
	}
	if c.ValCheckInterval > 1 && c.ValCheckInterval != float64(int(c.ValCheckInterval)) {
		return fmt.Errorf("val_check_interval above 1 must be a whole number of batches (got %g)", c.ValCheckInterval)
	}
	if c.CheckValEveryNEpoch <= 0 {
		return fmt.Errorf("check_val_every_n_epoch must be > 0 (got %d)", c.CheckValEveryNEpoch)
	}
	if c.Precision != 16 && c.Precision != 32 {
		return fmt.Errorf("precision must be 16 or 32 (got %d)", c.Precision)
	}
	if c.Devices <= 0 {
		return fmt.Errorf("devices must be > 0 (got %d)", c.Devices)
	}
	if c.GradientClipVal < 0 {
		return fmt.Errorf("gradient_clip_val must be >= 0 (got %g)", c.GradientClipVal)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("num_workers must be >= 0 (got %d)", c.NumWorkers)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.RowLogInterval <= 0 {
		c.RowLogInterval = 50
	}
	if c.LogSaveInterval <= 0 {
		c.LogSaveInterval = 100
	}
	return nil
}

// ParseAccumulateSchedule parses "epoch:factor" pairs such as "0:1,3:2".
// From each listed epoch on, gradients are accumulated over factor batches.
func ParseAccumulateSchedule(s string) (map[int]int, error) {
	out := map[int]int{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("accumulate_schedule: %q is not epoch:factor", part)
		}
		epoch, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil || epoch < 0 {
			return nil, fmt.Errorf("accumulate_schedule: bad epoch %q", kv[0])
		}
		factor, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || factor < 1 {
			return nil, fmt.Errorf("accumulate_schedule: bad factor %q", kv[1])
		}
		out[epoch] = factor
	}
	return out, nil
}

// ScheduleEpochs returns the epochs of a parsed schedule in order.
func ScheduleEpochs(schedule map[int]int) []int {
	epochs := make([]int, 0, len(schedule))
	for e := range schedule {
		epochs = append(epochs, e)
	}
	sort.Ints(epochs)
	return epochs
}

func parseYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: missing ':'", lineNo)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, "\"'")
		if err := cfg.set(key, value); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "model":
		c.Model = value
	case "accumulate_schedule":
		c.AccumulateSchedule = value
	case "accelerator":
		c.Accelerator = value
	case "checkpoint_dir":
		c.CheckpointDir = value
	case "log_path":
		c.LogPath = value
	case "train_roots":
		c.TrainRoots = splitList(value)
	case "max_epochs":
		c.MaxEpochs, err = strconv.Atoi(value)
	case "max_steps":
		c.MaxSteps, err = strconv.Atoi(value)
	case "accumulate_grad_batches":
		c.AccumulateGradBatches, err = strconv.Atoi(value)
	case "truncated_bptt_steps":
		c.TruncatedBPTTSteps, err = strconv.Atoi(value)
	case "check_val_every_n_epoch":
		c.CheckValEveryNEpoch, err = strconv.Atoi(value)
	case "devices":
		c.Devices, err = strconv.Atoi(value)
	case "precision":
		c.Precision, err = strconv.Atoi(value)
	case "row_log_interval":
		c.RowLogInterval, err = strconv.Atoi(value)
	case "log_save_interval":
		c.LogSaveInterval, err = strconv.Atoi(value)
	case "batch_size":
		c.BatchSize, err = strconv.Atoi(value)
	case "num_workers":
		c.NumWorkers, err = strconv.Atoi(value)
	case "seed":
		c.Seed, err = strconv.ParseInt(value, 10, 64)
	case "limit_train_batches":
		c.LimitTrainBatches, err = strconv.ParseFloat(value, 64)
	case "val_check_interval":
		c.ValCheckInterval, err = strconv.ParseFloat(value, 64)
	case "gradient_clip_val":
		c.GradientClipVal, err = strconv.ParseFloat(value, 64)
	case "track_grad_norm":
		c.TrackGradNorm, err = strconv.ParseFloat(value, 64)
	case "learning_rate":
		c.LearningRate, err = strconv.ParseFloat(value, 64)
	case "terminate_on_nan":
		c.TerminateOnNaN, err = strconv.ParseBool(value)
	case "fast_dev_run":
		c.FastDevRun, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("unknown key %s", key)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// splitList parses "[a, b]" or "a,b".
func splitList(value string) []string {
	value = strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.Trim(strings.TrimSpace(item), "\"'")
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var DebugLog func(string, ...interface{})

// ErrConfiguration marks any failure to resolve or validate a named
// model configuration.
var ErrConfiguration = errors.New("configuration error")

type Config struct {
	Model             ModelConfig   `yaml:"model"`
	Dataset           DatasetConfig `yaml:"dataset"`
	TrainingArguments TrainingArgs  `yaml:"training_arguments"`
	HuggingFace       HuggingFace   `yaml:"hugging_face"`
	Database          Database      `yaml:"database"`
	Elastic           Elastic       `yaml:"elastic"`
}

type ModelConfig struct {
	ID        string        `yaml:"id"`
	Device    string        `yaml:"device"`
	Precision string        `yaml:"precision"`
	Adapter   AdapterConfig `yaml:"adapter"`
}

type AdapterConfig struct {
	R             int      `yaml:"r"`
	Alpha         float64  `yaml:"alpha"`
	Dropout       float64  `yaml:"dropout"`
	TargetModules []string `yaml:"target_modules"`
}

type DatasetConfig struct {
	ID                string `yaml:"id"`
	InstructionColumn string `yaml:"instruction_column"`
	ResponseColumn    string `yaml:"response_column"`
}

type TrainingArgs struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	WarmupSteps  int     `yaml:"warmup_steps"`
	WeightDecay  float64 `yaml:"weight_decay"`
	LoggingSteps int     `yaml:"logging_steps"`
	EvalSteps    int     `yaml:"eval_steps"`
	MaxSeqLen    int     `yaml:"max_seq_len"`
	OutputDir    string  `yaml:"output_dir"`
}

type HuggingFace struct {
	PushToHub bool   `yaml:"push_to_hub"`
	Token     string `yaml:"token"`
	Repo      string `yaml:"repo"`
}

type Database struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Elastic struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Index    string `yaml:"index"`
}

type Manager struct {
	config    *Config
	configDir string
}

func NewManager(configDir string) *Manager {
	return &Manager{
		configDir: configDir,
	}
}

// LoadConfig resolves a model name to its configuration file and decodes it.
// Resolution is pure: the same name against the same file always yields an
// identical Config.
func (m *Manager) LoadConfig(modelName string) error {
	if modelName == "" {
		return fmt.Errorf("%w: model name is required", ErrConfiguration)
	}

	if m.configDir == "" {
		m.configDir = m.findConfigDir()
	}

	path := filepath.Join(m.configDir, modelName+".yaml")

	if DebugLog != nil {
		DebugLog("loading model config from %s", path)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: no configuration for model %q at %s", ErrConfiguration, modelName, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: failed to read config file: %v", ErrConfiguration, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("%w: failed to parse config file: %v", ErrConfiguration, err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	m.config = &config
	return nil
}

func (m *Manager) GetConfig() *Config {
	return m.config
}

func (m *Manager) findConfigDir() string {
	if _, err := os.Stat("configs"); err == nil {
		return "configs"
	}

	return filepath.Join(GetConfigDir(), "models")
}

func applyDefaults(config *Config) {
	if config.Model.Device == "" {
		config.Model.Device = "auto"
	}
	if config.Model.Precision == "" {
		config.Model.Precision = "float32"
	}
	if config.Model.Adapter.R == 0 {
		config.Model.Adapter.R = 8
	}
	if config.Model.Adapter.Alpha == 0 {
		config.Model.Adapter.Alpha = 16
	}
	if len(config.Model.Adapter.TargetModules) == 0 {
		config.Model.Adapter.TargetModules = []string{"q_proj", "v_proj"}
	}
	if config.TrainingArguments.BatchSize == 0 {
		config.TrainingArguments.BatchSize = 4
	}
	if config.TrainingArguments.LearningRate == 0 {
		config.TrainingArguments.LearningRate = 3e-4
	}
	if config.TrainingArguments.LoggingSteps == 0 {
		config.TrainingArguments.LoggingSteps = 10
	}
	if config.TrainingArguments.MaxSeqLen == 0 {
		config.TrainingArguments.MaxSeqLen = 128
	}
	if config.TrainingArguments.OutputDir == "" {
		config.TrainingArguments.OutputDir = "output"
	}
	if config.HuggingFace.Token == "" {
		config.HuggingFace.Token = os.Getenv("HF_TOKEN")
	}
}

func validateConfig(config *Config) error {
	if config.Model.ID == "" {
		return fmt.Errorf("model.id is required")
	}
	if config.Dataset.ID == "" {
		return fmt.Errorf("dataset.id is required")
	}
	if config.Dataset.InstructionColumn == "" {
		return fmt.Errorf("dataset.instruction_column is required")
	}
	if config.Dataset.ResponseColumn == "" {
		return fmt.Errorf("dataset.response_column is required")
	}
	if config.TrainingArguments.Epochs <= 0 {
		return fmt.Errorf("training_arguments.epochs must be greater than 0")
	}

	switch config.Model.Precision {
	case "float32", "float64":
	default:
		return fmt.Errorf("unknown precision %q (want float32 or float64)", config.Model.Precision)
	}

	switch config.Model.Device {
	case "auto", "cpu", "parallel":
	default:
		return fmt.Errorf("unknown device %q (want auto, cpu or parallel)", config.Model.Device)
	}

	return nil
}

// OutputDir derives the run output directory. The mapping is injective:
// distinct model id, dataset id or training arguments never collide on
// the same path. Every training argument appears behind its own fixed
// tag, and escapeID keeps the embedded ids unambiguous.
func OutputDir(cfg *Config) string {
	args := cfg.TrainingArguments
	name := fmt.Sprintf("%s_%s_ep%d_bs%d_lr%g_wu%d_wd%g_log%d_ev%d_len%d",
		escapeID(cfg.Model.ID),
		escapeID(cfg.Dataset.ID),
		args.Epochs,
		args.BatchSize,
		args.LearningRate,
		args.WarmupSteps,
		args.WeightDecay,
		args.LoggingSteps,
		args.EvalSteps,
		args.MaxSeqLen,
	)
	return filepath.Join(args.OutputDir, name)
}

// escapeID makes a repo id path-safe without introducing collisions:
// "-" is doubled before "/" becomes "-", so "a/b" and "a-b" stay distinct.
func escapeID(id string) string {
	id = strings.ReplaceAll(id, "-", "--")
	id = strings.ReplaceAll(id, "/", "-")
	return id
}

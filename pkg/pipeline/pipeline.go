// Package pipeline wires configuration, dataset preparation, model
// loading, adapter fine-tuning, persistence and publication into one
// run.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/config"
	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/database"
	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/dataset"
	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/elastic"
	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/hub"
	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/model"
	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/trainer"
)

var DebugLog func(string, ...interface{})

// hubEndpoint overrides the publish target. Used by tests.
var hubEndpoint string

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var levelText string
	switch entry.Level {
	case logrus.InfoLevel:
		levelText = "[INF]"
	case logrus.WarnLevel:
		levelText = "[WARN]"
	case logrus.ErrorLevel:
		levelText = "[ERR]"
	case logrus.DebugLevel:
		levelText = "[DBG]"
	default:
		levelText = "[???]"
	}
	return []byte(fmt.Sprintf("%s %s\n", levelText, entry.Message)), nil
}

type Pipeline struct {
	config        *config.Config
	configManager *config.Manager
	logger        *logrus.Logger
	db            *database.DB
}

type Options struct {
	ModelName string
	ConfigDir string
	Verbose   bool
	Push      bool
}

// RunResult captures everything one fine-tuning run produced.
type RunResult struct {
	Model     string
	Dataset   string
	OutputDir string
	Training  *trainer.Result

	BaselineResponse string
	TunedResponse    string
	ProbeInstruction string
}

var probeSampling = model.SampleConfig{
	Temperature: 0.7,
	TopK:        40,
	MaxTokens:   64,
	MinTokens:   1,
}

func New(opts Options) (*Pipeline, error) {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&customFormatter{})

	if opts.Verbose {
		logger.SetLevel(logrus.DebugLevel)
		config.DebugLog = logger.Debugf
		database.DebugLog = logger.Debugf
		DebugLog = logger.Debugf
	}

	configManager := config.NewManager(opts.ConfigDir)
	if err := configManager.LoadConfig(opts.ModelName); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := configManager.GetConfig()
	if opts.Push {
		cfg.HuggingFace.PushToHub = true
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Warnf("Database initialization failed: %v", err)
	}

	return &Pipeline{
		config:        cfg,
		configManager: configManager,
		logger:        logger,
		db:            db,
	}, nil
}

func (p *Pipeline) Config() *config.Config {
	return p.config
}

// Run executes the full fine-tuning flow: resolve device, prepare the
// dataset, load the base model, probe it, train the adapter, save the
// merged model, probe again, then publish and record the run.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	cfg := p.config

	device, err := model.ResolveDevice(cfg.Model.Device)
	if err != nil {
		return nil, err
	}
	model.UseDevice(device)
	p.logger.Infof("using device %s (%d workers), precision %s", device.Name, device.Workers, cfg.Model.Precision)
	p.logger.Infof("fine-tuning %s on %s for %d epochs", cfg.Model.ID, cfg.Dataset.ID, cfg.TrainingArguments.Epochs)

	outputDir := config.OutputDir(cfg)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	p.logger.Infof("output directory %s", outputDir)

	datasetClient := hub.NewClient(config.GetDatasetCacheDir(), cfg.HuggingFace.Token)
	hubClient := hub.NewClient(config.GetHubCacheDir(), cfg.HuggingFace.Token)

	p.logger.Infof("preparing dataset %s", cfg.Dataset.ID)
	split, err := dataset.Prepare(cfg.Dataset, datasetClient)
	if err != nil {
		return nil, err
	}
	p.logger.Infof("dataset ready: %d train, %d eval examples", len(split.Train), len(split.Eval))

	p.logger.Infof("loading model %s", cfg.Model.ID)
	m, tok, err := model.LoadPretrained(cfg.Model.ID, hubClient)
	if err != nil {
		return nil, err
	}
	p.logger.Infof("model loaded: %d parameters, vocab %d", m.NumParameters(), tok.VocabSize())

	// Both probes use the first eval example so the before/after
	// comparison is over identical input.
	probe := split.Eval[0]
	instruction := probe[cfg.Dataset.InstructionColumn]

	result := &RunResult{
		Model:            cfg.Model.ID,
		Dataset:          cfg.Dataset.ID,
		ProbeInstruction: instruction,
	}

	result.BaselineResponse = trainer.GenerateResponse(m, tok, instruction, probeSampling)
	printProbe("Base model response", instruction, result.BaselineResponse)

	tr, err := trainer.New(m, tok, split, cfg, p.logger)
	if err != nil {
		return nil, err
	}

	var metrics []interface{}
	tr.MetricsHook = func(rec trainer.Metrics) {
		metrics = append(metrics, rec)
	}

	training, err := tr.Train()
	if err != nil {
		return nil, err
	}
	result.Training = training
	p.logger.Infof("training complete in %s, final loss %.4f", training.Duration.Round(time.Second), training.FinalLoss)

	saved, err := tr.SaveModel(outputDir, cfg.Model.ID, cfg.Dataset.ID, training)
	if err != nil {
		return nil, err
	}
	result.OutputDir = outputDir
	p.logger.Infof("model saved to %s", outputDir)

	// Publish right after save so a later probe failure cannot lose
	// an upload that already had its artifacts on disk.
	p.publish(tr, saved)

	// Reload from disk so the probe exercises exactly what was saved.
	tuned, tunedTok, err := model.LoadPretrained(outputDir, nil)
	if err != nil {
		return nil, err
	}

	result.TunedResponse = trainer.GenerateResponse(tuned, tunedTok, instruction, probeSampling)
	printProbe("Fine-tuned model response", instruction, result.TunedResponse)

	p.recordRun(result)
	p.exportMetrics(ctx, metrics)

	return result, nil
}

// publish uploads the saved artifacts when push is enabled and a token
// is configured. A missing token skips the upload without failing the
// run.
func (p *Pipeline) publish(tr *trainer.SFTTrainer, paths []string) {
	hf := p.config.HuggingFace
	if !hf.PushToHub {
		return
	}
	if hf.Token == "" {
		if DebugLog != nil {
			DebugLog("push_to_hub set but no token configured, skipping upload")
		}
		return
	}

	repo := hf.Repo
	if repo == "" {
		repo = deriveRepoName(p.config)
	}

	client := hub.NewClient(config.GetHubCacheDir(), hf.Token)
	if hubEndpoint != "" {
		client.SetEndpoint(hubEndpoint)
	}
	summary := fmt.Sprintf("Fine-tuned %s on %s", p.config.Model.ID, p.config.Dataset.ID)

	if err := tr.PushToHub(client, repo, summary, paths); err != nil {
		p.logger.Warnf("Hub upload failed: %v", err)
		return
	}
	p.logger.Infof("model published to %s", repo)
}

func deriveRepoName(cfg *config.Config) string {
	base := cfg.Model.ID
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	ds := cfg.Dataset.ID
	if idx := strings.LastIndex(ds, "/"); idx >= 0 {
		ds = ds[idx+1:]
	}
	return fmt.Sprintf("%s-ft-%s", base, ds)
}

func (p *Pipeline) recordRun(r *RunResult) {
	if p.db == nil || !p.db.IsEnabled() {
		return
	}

	err := p.db.RecordRun(database.RunRecord{
		Model:          r.Model,
		Dataset:        r.Dataset,
		OutputDir:      r.OutputDir,
		Epochs:         p.config.TrainingArguments.Epochs,
		FinalTrainLoss: r.Training.FinalLoss,
		EvalLoss:       r.Training.EvalLoss,
		DurationMS:     r.Training.Duration.Milliseconds(),
	})
	if err != nil {
		p.logger.Warnf("Failed to record run in database: %v", err)
	}
}

func (p *Pipeline) exportMetrics(ctx context.Context, metrics []interface{}) {
	if !p.config.Elastic.Enabled || len(metrics) == 0 {
		return
	}

	client, err := elastic.New(elastic.Config{
		URL:      p.config.Elastic.URL,
		Username: p.config.Elastic.Username,
		Password: p.config.Elastic.Password,
		Index:    p.config.Elastic.Index,
	})
	if err != nil {
		p.logger.Warnf("Elasticsearch export skipped: %v", err)
		return
	}

	if err := client.IndexMetrics(ctx, metrics); err != nil {
		p.logger.Warnf("Elasticsearch export failed: %v", err)
		return
	}
	p.logger.Infof("exported %d metric documents to elasticsearch", len(metrics))
}

// Runs prints the recorded fine-tuning history, newest first.
func (p *Pipeline) Runs(modelFilter string) error {
	if p.db == nil || !p.db.IsEnabled() {
		return fmt.Errorf("database is not enabled; set database.enabled in the model config")
	}

	records, err := p.db.QueryRuns(modelFilter)
	if err != nil {
		return fmt.Errorf("failed to query run history: %w", err)
	}

	if len(records) == 0 {
		p.logger.Info("no recorded runs")
		return nil
	}

	for _, r := range records {
		fmt.Printf("%s  %s -> %s  epochs=%d loss=%.4f eval=%.4f (%s)\n",
			r.CreatedAt.Format("2006-01-02 15:04"),
			r.Model, r.Dataset, r.Epochs, r.FinalTrainLoss, r.EvalLoss,
			time.Duration(r.DurationMS)*time.Millisecond)
	}
	return nil
}

func printProbe(title, instruction, response string) {
	color.Cyan("\n%s", title)
	fmt.Printf("Instruction: %s\n", instruction)
	if response == "" {
		response = "(empty)"
	}
	fmt.Printf("Response: %s\n\n", response)
}

// Package trainer runs supervised fine-tuning of a causal language
// model over an instruction/response dataset using a low-rank adapter.
package trainer

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/config"
	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/dataset"
	"github.com/kennedyantonio030/LLM-Fine-Tuning/pkg/model"
)

// Metrics describes one training event, consumed by the optional
// metrics hook (log export, run history).
type Metrics struct {
	Event        string    `json:"event"` // "train", "eval" or "epoch"
	Epoch        int       `json:"epoch"`
	Step         int       `json:"step"`
	TotalSteps   int       `json:"total_steps"`
	TrainLoss    float64   `json:"train_loss"`
	EvalLoss     float64   `json:"eval_loss,omitempty"`
	LearningRate float64   `json:"learning_rate"`
	GradNorm     float64   `json:"grad_norm"`
	Timestamp    time.Time `json:"timestamp"`
}

// Result summarizes a completed training run.
type Result struct {
	Steps       int
	FinalLoss   float64
	EvalLoss    float64
	EpochLosses []float64
	Duration    time.Duration
}

// SFTTrainer fine-tunes a model on formatted instruction/response
// pairs. Only the adapter factors receive optimizer updates.
type SFTTrainer struct {
	model     *model.CausalLM
	tokenizer *model.Tokenizer
	adapter   *model.Adapter
	split     *dataset.Split

	instructionCol string
	responseCol    string
	args           config.TrainingArgs
	precision      model.Precision

	log *logrus.Logger

	// MetricsHook, when set, receives a Metrics record at every
	// logging step, evaluation and epoch boundary.
	MetricsHook func(Metrics)
}

// New wraps the model with a low-rank adapter per cfg and prepares a
// trainer over the dataset split.
func New(m *model.CausalLM, tok *model.Tokenizer, split *dataset.Split, cfg *config.Config, log *logrus.Logger) (*SFTTrainer, error) {
	precision, err := model.ResolvePrecision(cfg.Model.Precision)
	if err != nil {
		return nil, err
	}

	adapter, err := model.NewAdapter(m, model.AdapterConfig{
		Rank:          cfg.Model.Adapter.R,
		Alpha:         cfg.Model.Adapter.Alpha,
		TargetModules: cfg.Model.Adapter.TargetModules,
	})
	if err != nil {
		return nil, err
	}

	return &SFTTrainer{
		model:          m,
		tokenizer:      tok,
		adapter:        adapter,
		split:          split,
		instructionCol: cfg.Dataset.InstructionColumn,
		responseCol:    cfg.Dataset.ResponseColumn,
		args:           cfg.TrainingArguments,
		precision:      precision,
		log:            log,
	}, nil
}

// Adapter exposes the trainer's adapter, mainly for inspection in tests.
func (t *SFTTrainer) Adapter() *model.Adapter {
	return t.adapter
}

// FormatPrompt renders the instruction part of the training template.
// The same template is used for training and for generation, so probe
// prompts match what the model saw during fine-tuning.
func FormatPrompt(instruction string) string {
	return fmt.Sprintf("### Instruction:\n%s\n\n### Response:\n", instruction)
}

// encode turns one example into shifted input/target id sequences. The
// instruction tokens are masked out of the loss so the model is only
// trained to produce the response.
func (t *SFTTrainer) encode(ex dataset.Example) (inputs, targets []int) {
	prompt := FormatPrompt(ex[t.instructionCol])

	promptIDs := t.tokenizer.Encode(prompt)
	fullIDs := t.tokenizer.Encode(prompt + ex[t.responseCol])
	fullIDs = append(fullIDs, t.tokenizer.EosID())

	maxLen := t.args.MaxSeqLen
	if cfgMax := t.model.Config().SeqLen; maxLen <= 0 || maxLen > cfgMax {
		maxLen = cfgMax
	}
	if len(fullIDs) > maxLen+1 {
		fullIDs = fullIDs[:maxLen+1]
	}

	inputs = fullIDs[:len(fullIDs)-1]
	targets = make([]int, len(inputs))
	for i := range targets {
		targets[i] = fullIDs[i+1]
	}

	// Mask the prompt positions. Position i predicts token i+1, so
	// everything before the last prompt token carries no loss.
	masked := len(promptIDs) - 1
	if masked > len(targets) {
		masked = len(targets)
	}
	for i := 0; i < masked; i++ {
		targets[i] = model.IgnoreIndex
	}

	return inputs, targets
}

// Train runs the full fine-tuning loop: shuffled mini-batches, linear
// warmup with cosine decay, AdamW on the adapter factors, gradient
// clipping, periodic logging and evaluation.
func (t *SFTTrainer) Train() (*Result, error) {
	if len(t.split.Train) == 0 {
		return nil, fmt.Errorf("%w: training split is empty", dataset.ErrData)
	}

	batchSize := t.args.BatchSize
	if batchSize > len(t.split.Train) {
		batchSize = len(t.split.Train)
	}
	stepsPerEpoch := (len(t.split.Train) + batchSize - 1) / batchSize
	totalSteps := t.args.Epochs * stepsPerEpoch

	params := t.adapter.TrainableParameters()
	optimizer := NewAdam(params, t.args.LearningRate, t.args.WeightDecay)
	scheduler := NewLRScheduler(t.args.LearningRate, t.args.WarmupSteps, totalSteps)

	t.log.Infof("starting fine-tuning: %d examples, %d epochs, %d steps, %d trainable parameters",
		len(t.split.Train), t.args.Epochs, totalSteps, t.adapter.NumParameters())

	start := time.Now()
	result := &Result{}

	indices := make([]int, len(t.split.Train))
	for i := range indices {
		indices[i] = i
	}

	step := 0
	for epoch := 1; epoch <= t.args.Epochs; epoch++ {
		rand.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})

		epochLoss := 0.0
		epochBatches := 0

		for batchStart := 0; batchStart < len(indices); batchStart += batchSize {
			batchEnd := batchStart + batchSize
			if batchEnd > len(indices) {
				batchEnd = len(indices)
			}
			batch := indices[batchStart:batchEnd]
			step++

			lr := scheduler.LR(step)
			optimizer.SetLR(lr)

			loss := t.trainStep(batch)
			t.adapter.AccumulateGrads()
			gradNorm := ClipGradNorm(params, 1.0)
			optimizer.Step()
			optimizer.ZeroGrad()
			t.adapter.Refresh()

			epochLoss += loss
			epochBatches++
			result.FinalLoss = loss

			if t.args.LoggingSteps > 0 && step%t.args.LoggingSteps == 0 {
				t.log.Infof("epoch %d step %d/%d loss %.4f lr %.2e grad_norm %.3f",
					epoch, step, totalSteps, loss, lr, gradNorm)
				t.emit(Metrics{
					Event: "train", Epoch: epoch, Step: step, TotalSteps: totalSteps,
					TrainLoss: loss, LearningRate: lr, GradNorm: gradNorm, Timestamp: time.Now(),
				})
			}

			if t.args.EvalSteps > 0 && step%t.args.EvalSteps == 0 && len(t.split.Eval) > 0 {
				evalLoss := t.Evaluate()
				result.EvalLoss = evalLoss
				t.log.Infof("epoch %d step %d eval_loss %.4f", epoch, step, evalLoss)
				t.emit(Metrics{
					Event: "eval", Epoch: epoch, Step: step, TotalSteps: totalSteps,
					TrainLoss: loss, EvalLoss: evalLoss, LearningRate: lr, Timestamp: time.Now(),
				})
			}
		}

		avgLoss := epochLoss / float64(epochBatches)
		result.EpochLosses = append(result.EpochLosses, avgLoss)
		t.log.Infof("epoch %d/%d complete, avg loss %.4f", epoch, t.args.Epochs, avgLoss)
		t.emit(Metrics{
			Event: "epoch", Epoch: epoch, Step: step, TotalSteps: totalSteps,
			TrainLoss: avgLoss, Timestamp: time.Now(),
		})
	}

	if len(t.split.Eval) > 0 {
		result.EvalLoss = t.Evaluate()
		t.log.Infof("final eval_loss %.4f", result.EvalLoss)
	}

	result.Steps = step
	result.Duration = time.Since(start)
	return result, nil
}

// trainStep accumulates gradients for one mini-batch and returns the
// mean loss. Gradients land on the effective weights, to be projected
// onto the adapter factors by the caller.
func (t *SFTTrainer) trainStep(batch []int) float64 {
	for _, p := range t.model.Parameters() {
		p.ZeroGrad()
	}

	total := 0.0
	scale := 1.0 / float64(len(batch))

	for _, idx := range batch {
		inputs, targets := t.encode(t.split.Train[idx])
		if len(inputs) == 0 {
			continue
		}

		logits, cache := t.model.ForwardWithCache(inputs)
		total += model.CrossEntropyLoss(logits, targets)

		grad := model.CrossEntropyBackward(logits, targets)
		t.model.Backward(model.Scale(grad, scale), cache)
	}

	return total * scale
}

// Evaluate returns the mean cross-entropy loss over the eval split.
func (t *SFTTrainer) Evaluate() float64 {
	total := 0.0
	counted := 0

	for _, ex := range t.split.Eval {
		inputs, targets := t.encode(ex)
		if len(inputs) == 0 {
			continue
		}
		total += model.CrossEntropyLoss(t.model.Forward(inputs), targets)
		counted++
	}

	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}

type manifest struct {
	BaseModel          string    `json:"base_model"`
	Dataset            string    `json:"dataset"`
	Epochs             int       `json:"epochs"`
	BatchSize          int       `json:"batch_size"`
	LearningRate       float64   `json:"learning_rate"`
	AdapterParams      int       `json:"adapter_parameters"`
	FinalTrainLoss     float64   `json:"final_train_loss"`
	EvalLoss           float64   `json:"eval_loss"`
	TrainingDurationMS int64     `json:"training_duration_ms"`
	CreatedAt          time.Time `json:"created_at"`
}

// SaveModel merges the adapter into the base weights and writes the
// model, tokenizer and a run manifest to outputDir. Returns the written
// file paths. The trainer must not be trained further afterwards.
func (t *SFTTrainer) SaveModel(outputDir, baseModel, datasetID string, result *Result) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating output directory: %v", model.ErrResource, err)
	}

	adapterParams := t.adapter.NumParameters()
	t.adapter.Merge()

	modelPath := filepath.Join(outputDir, model.ModelFile)
	if err := t.model.Save(modelPath, t.precision); err != nil {
		return nil, err
	}

	tokenizerPath := filepath.Join(outputDir, model.TokenizerFile)
	if err := t.tokenizer.Save(tokenizerPath); err != nil {
		return nil, err
	}

	m := manifest{
		BaseModel:          baseModel,
		Dataset:            datasetID,
		Epochs:             t.args.Epochs,
		BatchSize:          t.args.BatchSize,
		LearningRate:       t.args.LearningRate,
		AdapterParams:      adapterParams,
		FinalTrainLoss:     result.FinalLoss,
		EvalLoss:           result.EvalLoss,
		TrainingDurationMS: result.Duration.Milliseconds(),
		CreatedAt:          time.Now().UTC(),
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encoding manifest: %v", model.ErrResource, err)
	}
	manifestPath := filepath.Join(outputDir, "manifest.json")
	if err := os.WriteFile(manifestPath, data, 0644); err != nil {
		return nil, fmt.Errorf("%w: writing manifest: %v", model.ErrResource, err)
	}

	return []string{modelPath, tokenizerPath, manifestPath}, nil
}

// Uploader publishes saved artifacts to a model registry. Satisfied by
// hub.Client.
type Uploader interface {
	Upload(repo, summary string, paths []string) error
}

// PushToHub uploads the saved artifacts to repo.
func (t *SFTTrainer) PushToHub(up Uploader, repo, summary string, paths []string) error {
	t.log.Infof("uploading %d files to %s", len(paths), repo)
	return up.Upload(repo, summary, paths)
}

func (t *SFTTrainer) emit(m Metrics) {
	if t.MetricsHook != nil {
		t.MetricsHook(m)
	}
}

// GenerateResponse runs the model on an instruction formatted with the
// training template and decodes only the generated continuation.
func GenerateResponse(m *model.CausalLM, tok *model.Tokenizer, instruction string, sample model.SampleConfig) string {
	prompt := FormatPrompt(instruction)
	ids := tok.Encode(prompt)

	out := m.Generate(ids, tok.EosID(), sample)
	return strings.TrimSpace(tok.Decode(out[len(ids):]))
}

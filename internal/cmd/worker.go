package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gotrainer/pkg/artifact"
	"github.com/3leaps/gotrainer/pkg/orchestrator"
	"github.com/3leaps/gotrainer/pkg/progress"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Built-in training workers",
	Hidden: true,
}

var workerSimulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate a training run",
	Long: `Simulate a training run using the standard worker arguments.

The simulator prints epoch and step progress lines with a decreasing loss,
optionally pushes status updates to the server's internal status endpoint,
and writes a small checkpoint to the configured artifact store.

Unknown --key value pairs (extra training parameters) are accepted and
ignored.`,
	Args: cobra.ArbitraryArgs,
	FParseErrWhitelist: cobra.FParseErrWhitelist{
		UnknownFlags: true,
	},
	RunE: runWorkerSimulate,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerSimulateCmd)

	f := workerSimulateCmd.Flags()
	f.String("job_id", "", "Job id (required)")
	f.String("dataset", "", "Dataset name or path")
	f.Int("epochs", 1, "Number of epochs")
	f.Int("batch-size", 32, "Batch size")
	f.Float64("lr", 0.001, "Learning rate")
	f.Int("steps-per-epoch", 10, "Steps per epoch")
	f.Duration("step-delay", 200*time.Millisecond, "Delay between steps")
	f.String("status-url", os.Getenv("GOTRAINER_STATUS_URL"), "Base URL of the internal status endpoint (empty disables pushes)")
}

type simulateOptions struct {
	JobID         string
	Dataset       string
	Epochs        int
	BatchSize     int
	LearningRate  float64
	StepsPerEpoch int
	StepDelay     time.Duration
	StatusURL     string
}

func simulateOptionsFromFlags(cmd *cobra.Command) (simulateOptions, error) {
	f := cmd.Flags()
	var opts simulateOptions
	opts.JobID, _ = f.GetString("job_id")
	opts.Dataset, _ = f.GetString("dataset")
	opts.Epochs, _ = f.GetInt("epochs")
	opts.BatchSize, _ = f.GetInt("batch-size")
	opts.LearningRate, _ = f.GetFloat64("lr")
	opts.StepsPerEpoch, _ = f.GetInt("steps-per-epoch")
	opts.StepDelay, _ = f.GetDuration("step-delay")
	opts.StatusURL, _ = f.GetString("status-url")

	opts.JobID = strings.TrimSpace(opts.JobID)
	if opts.JobID == "" {
		return opts, exitError(foundry.ExitInvalidArgument, "--job_id is required", fmt.Errorf("missing job id"))
	}
	if opts.Epochs < 1 {
		return opts, exitError(foundry.ExitInvalidArgument, "invalid --epochs", fmt.Errorf("must be >= 1, got %d", opts.Epochs))
	}
	if opts.StepsPerEpoch < 1 {
		opts.StepsPerEpoch = 1
	}
	if opts.StepDelay < 0 {
		opts.StepDelay = 0
	}
	return opts, nil
}

func runWorkerSimulate(cmd *cobra.Command, _ []string) error {
	opts, err := simulateOptionsFromFlags(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	pusher := newStatusPusher(opts.StatusURL, opts.JobID)
	final, err := simulateTraining(ctx, cmd.OutOrStdout(), opts, pusher)
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "training interrupted", ctx.Err())
		}
		return err
	}

	store, err := openArtifacts(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	key := strings.TrimSpace(os.Getenv("GOTRAINER_ARTIFACT_KEY"))
	if key == "" {
		key = artifact.Naming{Template: cfg.Artifacts.NameTemplate}.Key(opts.JobID)
	}
	body, err := checkpointBody(opts, final)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, key, bytes.NewReader(body), int64(len(body))); err != nil {
		return exitError(foundry.ExitFileWriteError, "write checkpoint", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Saved model to %s\n", key)
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Training complete")
	return nil
}

// simulateTraining prints progress lines and returns the final metrics.
func simulateTraining(ctx context.Context, out io.Writer, opts simulateOptions, pusher *statusPusher) (progress.Metrics, error) {
	header := fmt.Sprintf("Starting training job %s on dataset %q (epochs=%d batch_size=%d lr=%g)",
		opts.JobID, opts.Dataset, opts.Epochs, opts.BatchSize, opts.LearningRate)
	_, _ = fmt.Fprintln(out, header)

	total := opts.Epochs * opts.StepsPerEpoch
	metrics := progress.Extract(header, progress.Metrics{})
	step := 0
	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		line := fmt.Sprintf("Epoch %d/%d", epoch, opts.Epochs)
		_, _ = fmt.Fprintln(out, line)
		metrics = progress.Extract(line, metrics)

		for i := 0; i < opts.StepsPerEpoch; i++ {
			if err := ctx.Err(); err != nil {
				return metrics, err
			}
			if opts.StepDelay > 0 {
				select {
				case <-ctx.Done():
					return metrics, ctx.Err()
				case <-time.After(opts.StepDelay):
				}
			}
			step++
			loss, acc := simulatedLoss(step, total)
			line := fmt.Sprintf("Step %d/%d - Loss: %.4f - Accuracy: %.4f", step, total, loss, acc)
			_, _ = fmt.Fprintln(out, line)
			metrics = progress.Extract(line, metrics)
			pusher.push(ctx, metrics, line)
		}
	}
	return metrics, nil
}

// simulatedLoss decays from about 2.3 toward 0.1 as training advances.
func simulatedLoss(step, total int) (float64, float64) {
	frac := float64(step) / float64(max(total, 1))
	loss := 0.1 + 2.2*math.Exp(-4*frac)
	acc := 0.1 + 0.85*(1-math.Exp(-4*frac))
	return loss, acc
}

func checkpointBody(opts simulateOptions, m progress.Metrics) ([]byte, error) {
	return json.MarshalIndent(map[string]any{
		"job_id":     opts.JobID,
		"dataset":    opts.Dataset,
		"epochs":     opts.Epochs,
		"batch_size": opts.BatchSize,
		"lr":         opts.LearningRate,
		"metrics":    m,
		"simulated":  true,
		"saved_at":   time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
}

// statusPusher posts updates to <base>/<job_id>/status. A nil pusher or an
// empty base URL is a no-op; push failures are reported on stderr and never
// stop training.
type statusPusher struct {
	url    string
	jobID  string
	client *http.Client
}

func newStatusPusher(baseURL, jobID string) *statusPusher {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	return &statusPusher{
		url:    baseURL + "/" + jobID + "/status",
		jobID:  jobID,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type statusPush struct {
	JobID string `json:"job_id"`
	orchestrator.StatusUpdate
}

func (p *statusPusher) push(ctx context.Context, m progress.Metrics, message string) {
	if p == nil {
		return
	}
	update := statusPush{
		JobID: p.jobID,
		StatusUpdate: orchestrator.StatusUpdate{
			Status:  "RUNNING",
			Message: message,
			Metrics: &m,
		},
	}
	if pct, ok := progress.Percent(m); ok {
		update.Progress = &pct
	}
	if err := p.send(ctx, update); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "status push failed: %v\n", err)
	}
}

func (p *statusPusher) send(ctx context.Context, update statusPush) error {
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	return nil
}

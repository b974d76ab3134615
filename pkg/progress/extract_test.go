package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Captured from real worker runs.
var fixtureLog = []string{
	"Loading dataset d1 ...",
	"Using device: cpu",
	"Epoch 1/3",
	"Step 10/300 - Loss: 2.3011 - Accuracy: 0.1120",
	"Epoch 1/3 [Step 100/300] loss=1.9876 lr=0.01",
	"Epoch 2/3 [Step 200/300] train_loss: 1.2 val_loss: 1.45 acc: 0.61",
	"WARNING: gradient norm clipped",
	"Epoch 3/3 [Step 300/300] Loss: 0.5021 Accuracy: 0.8875 learning_rate=1e-3",
	"Training complete. Saved model to models/job_1.pt",
}

func TestExtract_FixtureLog(t *testing.T) {
	var m Metrics
	var seen []int
	for _, line := range fixtureLog {
		m = Extract(line, m)
		if p, ok := Percent(m); ok {
			seen = append(seen, p)
		}
	}

	assert.Equal(t, 3, m.Epoch)
	assert.Equal(t, 3, m.TotalEpochs)
	assert.Equal(t, 300, m.Step)
	assert.Equal(t, 300, m.TotalSteps)
	require.NotNil(t, m.Loss)
	assert.InDelta(t, 0.5021, *m.Loss, 1e-9)
	require.NotNil(t, m.Accuracy)
	assert.InDelta(t, 0.8875, *m.Accuracy, 1e-9)
	require.NotNil(t, m.ValLoss)
	assert.InDelta(t, 1.45, *m.ValLoss, 1e-9)
	require.NotNil(t, m.LearningRate)
	assert.InDelta(t, 0.001, *m.LearningRate, 1e-12)

	p, ok := Percent(m)
	assert.True(t, ok)
	assert.Equal(t, 100, p)
	assert.NotEmpty(t, seen)
	assert.Equal(t, 3, seen[0])
}

func TestExtract_Lines(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	tests := []struct {
		name string
		line string
		want Metrics
	}{
		{"epoch only", "Epoch 2/10", Metrics{Epoch: 2, TotalEpochs: 10}},
		{"lowercase epoch with colon", "epoch: 4/5 done", Metrics{Epoch: 4, TotalEpochs: 5}},
		{"bracketed counters", "Epoch [1/3] Step [5/50]", Metrics{Epoch: 1, TotalEpochs: 3, Step: 5, TotalSteps: 50}},
		{"step with loss", "Step 15/60 - Loss: 0.25", Metrics{Step: 15, TotalSteps: 60, Loss: f(0.25)}},
		{"accuracy percent form", "Accuracy: 91.5%", Metrics{Accuracy: f(91.5)}},
		{"val loss does not leak into loss", "val_loss: 0.7", Metrics{ValLoss: f(0.7)}},
		{"validation loss phrase", "Validation loss: 0.8", Metrics{ValLoss: f(0.8)}},
		{"val_acc ignored", "val_acc: 0.9", Metrics{}},
		{"scientific notation", "lr=5e-5", Metrics{LearningRate: f(5e-5)}},
		{"zero total ignored", "Step 3/0", Metrics{}},
		{"noise", "Downloading weights ... 45 MB", Metrics{}},
		{"empty", "", Metrics{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.line, Metrics{}))
		})
	}
}

func TestExtract_KeepsPreviousValues(t *testing.T) {
	loss := 1.5
	prev := Metrics{Epoch: 1, TotalEpochs: 3, Step: 10, TotalSteps: 100, Loss: &loss}
	got := Extract("nothing to see here", prev)
	assert.Equal(t, prev, got)

	got = Extract("Accuracy: 0.5", prev)
	assert.Equal(t, 10, got.Step)
	require.NotNil(t, got.Loss)
	assert.InDelta(t, 1.5, *got.Loss, 1e-9)
	require.NotNil(t, got.Accuracy)
}

func TestPercent(t *testing.T) {
	tests := []struct {
		m      Metrics
		want   int
		wantOK bool
	}{
		{Metrics{}, 0, false},
		{Metrics{Epoch: 2, TotalEpochs: 3}, 0, false},
		{Metrics{Step: 1, TotalSteps: 3}, 33, true},
		{Metrics{Step: 2, TotalSteps: 3}, 67, true},
		{Metrics{Step: 150, TotalSteps: 500}, 30, true},
		{Metrics{Step: 600, TotalSteps: 500}, 100, true},
	}
	for _, tt := range tests {
		got, ok := Percent(tt.m)
		assert.Equal(t, tt.wantOK, ok, "%+v", tt.m)
		assert.Equal(t, tt.want, got, "%+v", tt.m)
	}
}

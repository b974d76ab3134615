// Package progress derives structured training metrics from free-form worker
// output.
//
// Matching is substring based and case-insensitive. Lines that match nothing
// are ignored; Extract never fails.
package progress

import (
	"math"
	"regexp"
	"strconv"
)

// Metrics is the best-effort structured view of a job's progress.
type Metrics struct {
	Epoch        int      `json:"epoch,omitempty"`
	TotalEpochs  int      `json:"total_epochs,omitempty"`
	Step         int      `json:"step,omitempty"`
	TotalSteps   int      `json:"total_steps,omitempty"`
	Loss         *float64 `json:"loss,omitempty"`
	ValLoss      *float64 `json:"val_loss,omitempty"`
	Accuracy     *float64 `json:"accuracy,omitempty"`
	LearningRate *float64 `json:"learning_rate,omitempty"`
}

const number = `([-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?)`

var (
	epochRe    = regexp.MustCompile(`(?i)\bepoch\s*[:=]?\s*\[?\s*(\d+)\s*/\s*(\d+)`)
	stepRe     = regexp.MustCompile(`(?i)\bstep\s*[:=]?\s*\[?\s*(\d+)\s*/\s*(\d+)`)
	lossRe     = regexp.MustCompile(`(?i)\b(?:train_)?loss\s*[:=]\s*` + number)
	valLossRe  = regexp.MustCompile(`(?i)\bval(?:idation)?[ _]?loss\s*[:=]\s*` + number)
	accuracyRe = regexp.MustCompile(`(?i)\b(?:train_)?acc(?:uracy)?\s*[:=]\s*` + number)
	lrRe       = regexp.MustCompile(`(?i)\b(?:lr|learning_rate)\s*[:=]\s*` + number)
)

// Extract returns current updated with every metric found in line.
//
// Fields not mentioned in line keep their previous values.
func Extract(line string, current Metrics) Metrics {
	next := current

	if m := epochRe.FindStringSubmatch(line); m != nil {
		epoch, total := atoi(m[1]), atoi(m[2])
		if total > 0 && epoch >= 0 {
			next.Epoch = epoch
			next.TotalEpochs = total
		}
	}
	if m := stepRe.FindStringSubmatch(line); m != nil {
		step, total := atoi(m[1]), atoi(m[2])
		if total > 0 && step >= 0 {
			next.Step = step
			next.TotalSteps = total
		}
	}
	if v, ok := findFloat(lossRe, valLossRe.ReplaceAllString(line, "")); ok {
		next.Loss = &v
	}
	if v, ok := findFloat(valLossRe, line); ok {
		next.ValLoss = &v
	}
	if v, ok := findFloat(accuracyRe, line); ok {
		next.Accuracy = &v
	}
	if v, ok := findFloat(lrRe, line); ok {
		next.LearningRate = &v
	}
	return next
}

// Percent returns round(100*step/totalSteps) clamped to 0..100, and false
// when either counter is unknown.
func Percent(m Metrics) (int, bool) {
	if m.TotalSteps <= 0 || m.Step <= 0 {
		return 0, false
	}
	p := int(math.Round(100 * float64(m.Step) / float64(m.TotalSteps)))
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p, true
}

func findFloat(re *regexp.Regexp, line string) (float64, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

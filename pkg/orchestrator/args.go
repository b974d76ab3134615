package orchestrator

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/gotrainer/pkg/jobregistry"
)

// NewJobID returns an id of the form job_<unix-millis>_<8 hex chars>.
func NewJobID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("job_%d_%s", now.UnixMilli(), suffix)
}

var extraKeyRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateParams applies defaults and checks the structural requirements:
// a dataset reference and flag-safe extra keys.
func ValidateParams(p jobregistry.Params) (jobregistry.Params, error) {
	p = p.WithDefaults()
	if p.Dataset == "" {
		return p, fmt.Errorf("%w: dataset is required", ErrInvalidParams)
	}
	for k := range p.Extra {
		if !extraKeyRe.MatchString(k) {
			return p, fmt.Errorf("%w: invalid parameter name %q", ErrInvalidParams, k)
		}
		switch k {
		case "job_id", "dataset", "epochs", "batch-size", "batch_size", "lr":
			return p, fmt.Errorf("%w: parameter %q is reserved", ErrInvalidParams, k)
		}
	}
	return p, nil
}

// WorkerArgs renders the worker command-line contract:
//
//	--job_id <id> --dataset <ref> --epochs <n> --batch-size <n> --lr <f> [--<extra> <value> ...]
//
// Extra parameters are appended in key order.
func WorkerArgs(jobID string, p jobregistry.Params) []string {
	args := []string{
		"--job_id", jobID,
		"--dataset", p.Dataset,
		"--epochs", strconv.Itoa(p.Epochs),
		"--batch-size", strconv.Itoa(p.BatchSize),
		"--lr", strconv.FormatFloat(p.LearningRate, 'g', -1, 64),
	}
	keys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--"+k, p.Extra[k])
	}
	return args
}

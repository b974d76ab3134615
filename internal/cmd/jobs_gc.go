package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
)

type jobsGCResult struct {
	Deleted      int      `json:"deleted"`
	WouldDelete  int      `json:"would_delete"`
	DryRun       bool     `json:"dry_run"`
	MaxAgeString string   `json:"max_age"`
	JobIDs       []string `json:"job_ids"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}

	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	maxAge := cfg.Jobs.GCMaxAge
	if maxAgeStr != "" {
		if maxAge, err = time.ParseDuration(maxAgeStr); err != nil {
			return exitError(foundry.ExitInvalidArgument, "invalid --max-age", err)
		}
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "invalid --max-age", fmt.Errorf("must be > 0"))
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	mgr, err := newManager(cfg, managerDeps{store: store})
	if err != nil {
		return err
	}

	var ids []string
	if dryRun {
		expired, err := mgr.Expired(ctx, maxAge)
		if err != nil {
			return err
		}
		for _, r := range expired {
			ids = append(ids, r.JobID)
		}
	} else {
		if ids, err = mgr.GC(ctx, maxAge); err != nil {
			return exitError(foundry.ExitFileWriteError, "delete jobs", err)
		}
	}

	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAge.String(), JobIDs: ids}
		if res.JobIDs == nil {
			res.JobIDs = []string{}
		}
		if dryRun {
			res.WouldDelete = len(ids)
		} else {
			res.Deleted = len(ids)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", len(ids))
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", len(ids))
	return nil
}

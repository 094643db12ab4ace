package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recover persisted positions and run one evaluation pass",
	Long: `Sweep loads every non-settled position, advances prices once and settles
whatever is due, then exits. Use it from cron on hosts that do not run serve.

Example:
  settlement-engine sweep --config settlement.yaml`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Driver == "memory" {
		return fmt.Errorf("sweep needs a persistent store; set store.driver, DATABASE_URL or SQLITE_PATH")
	}

	ctx := cmd.Context()
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := buildEngine(ctx, cfg, st, logger)
	if err != nil {
		return err
	}

	res := engine.Evaluate(ctx)
	logger.Info("sweep complete",
		"evaluated", res.Evaluated,
		"settled", res.Settled,
		"failed", res.Failed,
	)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d settlements failed", res.Failed)
	}
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/eval"
)

func evalCMD() *cobra.Command {
	var sessionID string
	var dataset string
	var cfgPath string
	var evalCmd = &cobra.Command{
		Use:   "eval",
		Short: "Run the RAG triad evaluation against a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()

			deps, err := buildDeps(ctx, cfg)
			if err != nil {
				return err
			}
			sess, err := resolveCLISession(ctx, deps.store, sessionID)
			if err != nil {
				return err
			}
			engine, err := deps.engines.Get(ctx, sess)
			if err != nil {
				return fmt.Errorf("build engine for session %s: %w", sess.ID, err)
			}

			judge := eval.NewJudge(deps.registry, deps.tele)
			harness := eval.NewHarness(deps.store, judge, cfg.Eval)
			if dataset == "" {
				dataset = cfg.Eval.Dataset
			}
			summary, err := harness.Run(ctx, engine, dataset)
			if err != nil {
				return err
			}

			fmt.Printf("run %s: scored %d of %d questions\n", summary.RunID, summary.Scored, summary.Questions)
			fmt.Printf("groundedness %.3f | answer relevance %.3f | context relevance %.3f\n",
				summary.AvgGroundedness, summary.AvgAnswerRelevance, summary.AvgContextRelevance)
			if summary.ResultsPath != "" {
				fmt.Printf("per-question results: %s\n", summary.ResultsPath)
			}
			return nil
		},
	}
	evalCmd.Flags().StringVar(&sessionID, "session", "latest", "session id (latest picks the most recent)")
	evalCmd.Flags().StringVar(&dataset, "dataset", "", "golden dataset csv (default from config)")
	evalCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return evalCmd
}

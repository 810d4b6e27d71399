package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ike1112/rag-project/config"
	"github.com/ike1112/rag-project/internal/eval"
)

func datasetCMD() *cobra.Command {
	var sessionID string
	var out string
	var size int
	var cfgPath string
	var datasetCmd = &cobra.Command{
		Use:   "dataset",
		Short: "Generate golden dataset questions from a session's documents",
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

			if size <= 0 {
				size = cfg.Eval.TestsetSize
			}
			gen := eval.NewGenerator(deps.store, deps.registry)
			questions, err := gen.Generate(ctx, sess.Namespace, size)
			if err != nil {
				return err
			}
			if out == "" {
				out = cfg.Eval.Dataset
			}
			if err := eval.WriteDataset(out, questions); err != nil {
				return err
			}

			fmt.Printf("wrote %d questions to %s\n", len(questions), out)
			for _, q := range questions {
				fmt.Println("- " + q)
			}
			return nil
		},
	}
	datasetCmd.Flags().StringVar(&sessionID, "session", "latest", "session id (latest picks the most recent)")
	datasetCmd.Flags().StringVar(&out, "out", "", "output csv path (default from config)")
	datasetCmd.Flags().IntVar(&size, "size", 0, "number of questions (default from config)")
	datasetCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return datasetCmd
}

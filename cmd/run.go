package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/orchestrator"
	"github.com/sells-group/domain-intel/internal/phases"
	"github.com/sells-group/domain-intel/internal/session"
)

var (
	runDomain string
	runOwner  string
	runReport bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline for a single domain",
	Long:  "Executes discovery through generation unattended (review gates auto-approved) and prints the result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "run", orchestrator.WithReviewPolicy(orchestrator.AutoApprove{}))
		if err != nil {
			return err
		}
		defer env.Close()

		sess, err := env.Store.GetOrCreate(ctx, runOwner, runDomain)
		if err != nil {
			return eris.Wrap(err, "create session")
		}
		zap.L().Info("session ready",
			zap.String("session_id", sess.ID),
			zap.String("domain", sess.Domain),
		)

		sess, err = env.Orch.RunAll(ctx, sess.ID)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}
		env.Orch.CloseSession(sess.ID)

		if sess.Status != session.StatusCompleted {
			return eris.Errorf("pipeline stopped with status %s", sess.Status)
		}

		if runReport {
			rec, ok := sess.Results[string(orchestrator.PhaseGeneration)]
			if !ok {
				return eris.New("no generation results recorded")
			}
			var out phases.GenerationResult
			if err := json.Unmarshal(rec.Data, &out); err != nil {
				return eris.Wrap(err, "decode generation results")
			}
			fmt.Println(out.Report)
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	},
}

func init() {
	runCmd.Flags().StringVar(&runDomain, "domain", "", "company domain or URL (required)")
	runCmd.Flags().StringVar(&runOwner, "owner", "default", "session owner")
	runCmd.Flags().BoolVar(&runReport, "report", false, "print only the generated briefing")
	_ = runCmd.MarkFlagRequired("domain")
	rootCmd.AddCommand(runCmd)
}

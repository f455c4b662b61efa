// -- cmd/run.go --
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/permitflow/permitflow/internal/observability"
	"github.com/permitflow/permitflow/internal/ocr"
	"github.com/permitflow/permitflow/internal/printer"
	"github.com/permitflow/permitflow/internal/workflow"
)

func newRunCommand() *cobra.Command {
	var (
		permits int
		noPrint bool
		live    bool
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one permit request workflow and print its progress.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			if live {
				cfg.Workflow.DryRun = false
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			resolver := ocr.NewResolver(ocr.Config{
				CredentialsFile: cfg.OCR.CredentialsFile,
				VisionURL:       cfg.OCR.VisionURL,
				TokenURL:        cfg.OCR.TokenURL,
				Logger:          logger,
			})

			runner, err := workflow.NewRunner(cfg, resolver, printer.NewLPR(logger), logger)
			if err != nil {
				return err
			}

			autoPrint := cfg.Printer.AutoPrint && !noPrint

			events := workflow.NewEventChannel()
			done := make(chan *workflow.Result, 1)
			go func() {
				done <- runner.Run(cmd.Context(), workflow.RunParams{
					Permits:   permits,
					AutoPrint: autoPrint,
				}, events)
			}()

			for ev := range events {
				switch ev.Kind {
				case workflow.EventStatus:
					fmt.Fprintf(cmd.OutOrStdout(), "== %s ==\n", ev.Message)
				default:
					fmt.Fprintln(cmd.OutOrStdout(), ev.Message)
				}
			}

			res := <-done
			if !res.Success {
				return fmt.Errorf("workflow failed: %s", res.Message)
			}
			return nil
		},
	}

	runCmd.Flags().IntVarP(&permits, "permits", "n", 1, "number of permits to request (1-5)")
	runCmd.Flags().BoolVar(&noPrint, "no-print", false, "skip print dispatch even when auto-print is configured")
	runCmd.Flags().BoolVar(&live, "live", false, "disable dry-run mode and submit the request for real")
	return runCmd
}

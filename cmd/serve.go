// -- cmd/serve.go --
package cmd

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/permitflow/permitflow/internal/observability"
	"github.com/permitflow/permitflow/internal/ocr"
	"github.com/permitflow/permitflow/internal/printer"
	"github.com/permitflow/permitflow/internal/server"
	"github.com/permitflow/permitflow/internal/workflow"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the progress web UI and run workflows on request.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

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

			srv := server.New(cfg, runner, logger)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return srv.ListenAndServe(ctx)
			})
			return g.Wait()
		},
	}
}

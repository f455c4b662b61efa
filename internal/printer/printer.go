// File: internal/printer/printer.go
package printer

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// LPR dispatches documents to a CUPS printer by shelling out to lpr. The
// document bytes are staged in a temporary file because lpr reads from disk;
// the file is removed as soon as the job is handed off.
type LPR struct {
	// Command is the print binary, normally "lpr". Overridable for tests.
	Command string
	Log     *zap.Logger
}

// NewLPR creates the standard lpr-backed dispatcher.
func NewLPR(logger *zap.Logger) *LPR {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LPR{Command: "lpr", Log: logger.Named("printer")}
}

// Print submits the document to the named printer, or the system default
// when printerName is empty. An error means the job was not accepted.
func (l *LPR) Print(ctx context.Context, document []byte, printerName string) error {
	tmp, err := os.CreateTemp("", "permit-print-*.pdf")
	if err != nil {
		return fmt.Errorf("staging print file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(document); err != nil {
		tmp.Close()
		return fmt.Errorf("writing print file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("flushing print file: %w", err)
	}

	args := []string{}
	if printerName != "" {
		args = append(args, "-P", printerName)
	}
	args = append(args, tmp.Name())

	cmd := exec.CommandContext(ctx, l.Command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		l.Log.Warn("print job failed",
			zap.String("printer", printerName),
			zap.ByteString("output", out),
			zap.Error(err),
		)
		return fmt.Errorf("print job failed: %w", err)
	}

	l.Log.Info("print job submitted",
		zap.String("printer", printerName),
		zap.Int("bytes", len(document)),
	)
	return nil
}

// File: internal/workflow/runner.go
// Description: The workflow orchestrator. Drives transport, parser, resolver
// and driver through the fixed multi-step portal protocol, owns the CAPTCHA
// retry loop, validates each transition and emits progress events.
package workflow

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/permitflow/permitflow/internal/config"
	"github.com/permitflow/permitflow/internal/portal"
)

// captchaRejectedMarker is the portal's literal rejection string. A 200
// response containing it means the submitted text was wrong.
const captchaRejectedMarker = "Please Enter Valid Captcha Text"

// captchaShape is what the portal accepts: exactly 5 ASCII digits.
var captchaShape = regexp.MustCompile(`^[0-9]{5}$`)

const defaultCleanupDelay = 10 * time.Minute

// Solver is the external OCR capability the orchestrator needs.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// Printer is the external print-dispatch capability. An error return means
// the job was not accepted; the orchestrator treats that as non-fatal.
type Printer interface {
	Print(ctx context.Context, document []byte, printerName string) error
}

// CaptchaExhaustedError reports that the bounded CAPTCHA retry budget was
// spent, either on invalid OCR output or on server-side rejection. It is
// never retried at a higher level.
type CaptchaExhaustedError struct {
	Attempts  int
	LastCause error
}

func (e *CaptchaExhaustedError) Error() string {
	return fmt.Sprintf("CAPTCHA validation failed after %d attempts: %v", e.Attempts, e.LastCause)
}

func (e *CaptchaExhaustedError) Unwrap() error { return e.LastCause }

// RunParams are the per-run inputs chosen by the caller.
type RunParams struct {
	Permits   int
	AutoPrint bool
	// Email overrides the configured address when set.
	Email string
}

// Result is the terminal artifact of one run. Created once, never mutated.
type Result struct {
	Success     bool
	Message     string
	Document    []byte
	Attachments []string
	Diagnostics []string
	Err         error
}

// Runner executes the seven-stage permit workflow. One Runner may serve many
// sequential runs; each run owns its own portal session.
type Runner struct {
	cfg     *config.Config
	base    *url.URL
	entry   string
	solver  Solver
	printer Printer
	log     *zap.Logger
	now     func() time.Time
}

// NewRunner wires the orchestrator with its collaborators. printer may be
// nil when print dispatch is unavailable.
func NewRunner(cfg *config.Config, solver Solver, printer Printer, logger *zap.Logger) (*Runner, error) {
	if cfg == nil || solver == nil {
		return nil, fmt.Errorf("cannot initialize runner with nil dependencies")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base, err := url.Parse(cfg.Portal.BaseURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("invalid portal base URL %q", cfg.Portal.BaseURL)
	}
	entry, err := base.Parse(cfg.Portal.EntryPath)
	if err != nil {
		return nil, fmt.Errorf("invalid portal entry path %q", cfg.Portal.EntryPath)
	}

	return &Runner{
		cfg:     cfg,
		base:    base,
		entry:   entry.String(),
		solver:  solver,
		printer: printer,
		log:     logger.Named("workflow"),
		now:     time.Now,
	}, nil
}

// Run executes one workflow run, pushing ordered progress events to the
// given channel. Exactly one terminal event (complete or error) is emitted,
// after which the channel is closed. The returned Result mirrors the
// terminal event and carries the document bytes on success.
func (r *Runner) Run(ctx context.Context, params RunParams, events chan<- Event) *Result {
	runID := uuid.NewString()
	log := r.log.With(zap.String("run_id", runID))

	em := &emitter{events: events}
	defer em.close()

	if params.Permits <= 0 {
		params.Permits = 1
	}

	res := r.execute(ctx, params, em, log)
	if res.Success {
		em.status(StageDone)
		em.terminal(EventComplete, res.Message, res.Attachments)
		log.Info("run complete", zap.String("message", res.Message))
	} else {
		em.terminal(EventError, res.Message, nil)
		log.Error("run failed", zap.String("message", res.Message), zap.Error(res.Err))
	}
	return res
}

// entryPage is the parsed state of the portal's entry form: the descriptor
// to submit and the CAPTCHA image to solve.
type entryPage struct {
	desc       portal.FormDescriptor
	captchaURL string
}

func (r *Runner) execute(ctx context.Context, params RunParams, em *emitter, log *zap.Logger) *Result {
	sess, err := portal.NewSession(&portal.SessionConfig{
		Timeout:   r.cfg.Portal.Timeout,
		UserAgent: r.cfg.Portal.UserAgent,
		Logger:    log.Named("transport"),
	})
	if err != nil {
		return r.fail(em, "failed to open portal session", err)
	}
	// One session per run, released exactly once on every exit path.
	defer sess.Close()

	// -- Stage 1: initial fetch --
	em.status(StageFetchForm)
	em.log("[1/7] Fetching initial form...")
	page, err := r.fetchEntry(ctx, sess)
	if err != nil {
		return r.fail(em, "failed to fetch initial form", err)
	}
	em.logf("  ✓ Form loaded, found %d form fields", page.desc.Fields.Len())
	if page.captchaURL != "" {
		em.logf("  ✓ CAPTCHA image: %s", page.captchaURL)
	}

	// -- Stages 2-3: CAPTCHA solve / authenticate retry loop --
	authResp, res := r.authenticate(ctx, sess, page, em)
	if res != nil {
		return res
	}

	email := params.Email
	if email == "" {
		email = r.cfg.Account.Email
	}

	// Dry-run skips the portal submission steps entirely: authenticate, then
	// exercise the download/print/cleanup path against a known document.
	if r.cfg.Workflow.DryRun {
		em.log("DRY-RUN MODE - skipping final submission")
		em.status(StageDownload)
		em.log("Downloading permit PDF...")
		doc, err := sess.GetBytes(ctx, r.cfg.Workflow.TestDocumentURL)
		if err != nil {
			return r.fail(em, "failed to download test PDF", err)
		}
		return r.finish(ctx, doc, params, em)
	}

	// -- Stage 4: parse the permit details form --
	if err := ctx.Err(); err != nil {
		return r.fail(em, "run cancelled", err)
	}
	em.status(StageParseDetails)
	em.log("[4/7] Parsing permit details form...")
	detailsDesc, err := portal.ParseForm(authResp.Body, r.base)
	if err != nil {
		return r.fail(em, "failed to parse details form", err)
	}
	if !detailsDesc.HasForm() {
		return r.fail(em, "authenticated response carries no form",
			&portal.MalformedFormError{Reason: "no form after authentication"})
	}
	em.logf("  ✓ Found form action: %s", detailsDesc.Action)
	em.logf("  ✓ Found %d fields: %s", detailsDesc.Fields.Len(), strings.Join(detailsDesc.Fields.Names(), ", "))

	// -- Stage 5: submit permit request details --
	em.status(StageSubmitDetails)
	em.log("[5/7] Submitting permit request...")
	today := r.now()
	em.logf("  ℹ Requesting %d permit(s) for %s", params.Permits, today.Format("01/02/2006"))
	em.logf("  ℹ Email: %s", email)
	detailsResp, err := portal.SubmitForm(ctx, sess, detailsDesc, map[string]string{
		"permitCount": strconv.Itoa(params.Permits),
		"permitMonth": strconv.Itoa(int(today.Month())),
		"permitDay":   strconv.Itoa(today.Day()),
		"permitYear":  strconv.Itoa(today.Year()),
		"email":       email,
		// Only applied when the form defines the confirmation duplicate.
		"emailConfirm": email,
	})
	if err != nil {
		return r.fail(em, "failed to submit permit details", err)
	}
	em.logf("  ✓ Permit details submitted (Status: %d)", detailsResp.Status)

	// -- Stage 6: parse the confirmation form --
	if err := ctx.Err(); err != nil {
		return r.fail(em, "run cancelled", err)
	}
	em.status(StageParseConfirm)
	em.log("[6/7] Processing confirmation...")
	confirmDesc, err := portal.ParseForm(detailsResp.Body, r.base)
	if err != nil {
		return r.fail(em, "failed to parse confirmation form", err)
	}
	if !confirmDesc.HasForm() {
		return r.fail(em, "details response carries no confirmation form",
			&portal.MalformedFormError{Reason: "no form after details submission"})
	}
	em.log("  ✓ Confirmation form ready")

	// -- Stage 7: final submission --
	em.status(StageFinalSubmit)
	em.log("[7/7] Final submission...")
	finalResp, err := portal.SubmitForm(ctx, sess, confirmDesc, map[string]string{
		"requestType": "submit",
		"submit":      "Submit",
	})
	if err != nil {
		return r.fail(em, "failed final submission", err)
	}
	em.logf("  ✓ Final submission complete (Status: %d)", finalResp.Status)

	// -- Document link extraction --
	em.status(StageExtractLinks)
	em.log("Extracting PDF links...")
	links := portal.ExtractDocumentLinks(finalResp.Body, r.base)
	em.logf("  ✓ Found %d PDF link(s)", len(links))

	if len(links) == 0 {
		// A 200-status page with no link reliably indicates an unreported
		// server-side validation failure; collect evidence before failing.
		em.log("✗ No permit PDFs were generated!")
		em.log("Analyzing response for errors...")
		diag := portal.CollectDiagnostics(finalResp.Body)
		for _, line := range diag.Summary() {
			em.log("  • " + line)
		}
		err := &portal.NoDocumentGeneratedError{Diagnostics: diag}
		return &Result{
			Success:     false,
			Message:     err.Error(),
			Diagnostics: diag.Summary(),
			Err:         err,
		}
	}

	// -- Download --
	if err := ctx.Err(); err != nil {
		return r.fail(em, "run cancelled", err)
	}
	em.status(StageDownload)
	em.log("Downloading permit PDF...")
	doc, err := sess.GetBytes(ctx, links[0])
	if err != nil {
		return r.fail(em, "failed to download permit PDF", err)
	}

	return r.finish(ctx, doc, params, em)
}

// fetchEntry loads the portal entry page and parses its form and CAPTCHA
// image reference. Also used to refresh the CAPTCHA between retry attempts,
// since the portal issues a fresh image per page load.
func (r *Runner) fetchEntry(ctx context.Context, sess *portal.Session) (entryPage, error) {
	resp, err := sess.Get(ctx, r.entry, nil)
	if err != nil {
		return entryPage{}, err
	}
	desc, err := portal.ParseForm(resp.Body, r.base)
	if err != nil {
		return entryPage{}, err
	}
	return entryPage{
		desc:       desc,
		captchaURL: portal.FindCaptchaImage(resp.Body, r.base),
	}, nil
}

// authenticate runs the bounded CAPTCHA solve/submit loop. It returns the
// authenticated response, or a terminal failure Result when the run cannot
// continue.
func (r *Runner) authenticate(ctx context.Context, sess *portal.Session, page entryPage, em *emitter) (*portal.Response, *Result) {
	attempts := r.cfg.Workflow.CaptchaAttempts
	if attempts <= 0 {
		attempts = 3
	}

	zip := r.cfg.Account.ZipCode
	if len(zip) > 5 {
		zip = zip[:5]
	}

	var lastCause error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, r.fail(em, "run cancelled", err)
		}

		em.status(StageSolveCaptcha)
		em.logf("[2/7] Solving CAPTCHA (attempt %d/%d)...", attempt, attempts)

		img, err := sess.GetBytes(ctx, page.captchaURL)
		if err != nil {
			return nil, r.fail(em, "failed to fetch CAPTCHA image", err)
		}
		text, err := r.solver.Solve(ctx, img)
		if err != nil {
			return nil, r.fail(em, "CAPTCHA OCR failed", err)
		}

		if !captchaShape.MatchString(text) {
			em.logf("  ⚠ CAPTCHA format invalid: %q (expected 5 digits)", text)
			lastCause = fmt.Errorf("ocr produced %q, expected 5 digits", text)
			if attempt < attempts {
				if page, err = r.retryEntry(ctx, sess, em); err != nil {
					return nil, r.fail(em, "failed to refetch form", err)
				}
				continue
			}
			break
		}
		em.logf("  ✓ CAPTCHA solved: %s", text)

		em.status(StageAuthenticate)
		em.log("[3/7] Submitting authentication...")
		resp, err := portal.SubmitForm(ctx, sess, page.desc, map[string]string{
			"accountNo":    r.cfg.Account.Number,
			"zip":          zip,
			"lastName":     r.cfg.Account.LastName,
			"captchaSText": text,
		})
		if err != nil {
			return nil, r.fail(em, "failed to submit authentication", err)
		}

		if strings.Contains(resp.Body, captchaRejectedMarker) {
			em.logf("  ✗ CAPTCHA rejected by server: %q", text)
			lastCause = fmt.Errorf("server rejected captcha %q", text)
			if attempt < attempts {
				if page, err = r.retryEntry(ctx, sess, em); err != nil {
					return nil, r.fail(em, "failed to refetch form", err)
				}
				continue
			}
			break
		}

		em.logf("  ✓ Authentication submitted (Status: %d)", resp.Status)
		return resp, nil
	}

	err := &CaptchaExhaustedError{Attempts: attempts, LastCause: lastCause}
	return nil, &Result{Success: false, Message: err.Error(), Err: err}
}

func (r *Runner) retryEntry(ctx context.Context, sess *portal.Session, em *emitter) (entryPage, error) {
	em.log("  ↻ Retrying with fresh CAPTCHA...")
	return r.fetchEntry(ctx, sess)
}

// finish saves the artifact, optionally dispatches it to the printer, and
// assembles the success result. Print failure is deliberately non-fatal: the
// document was produced and is still retrievable, so the run succeeds with a
// degraded message.
func (r *Runner) finish(ctx context.Context, doc []byte, params RunParams, em *emitter) *Result {
	em.logf("  ✓ Downloaded PDF (%d bytes)", len(doc))

	name, err := r.saveArtifact(doc)
	if err != nil {
		return r.fail(em, "failed to save permit PDF", err)
	}
	em.logf("  ✓ Saved as %s", name)

	printOK := true
	if params.AutoPrint && r.printer != nil {
		em.status(StagePrint)
		em.logf("  ⎙ Printing to %s...", r.cfg.Printer.Name)
		if err := r.printer.Print(ctx, doc, r.cfg.Printer.Name); err != nil {
			printOK = false
			em.log("  ✗ Print job failed")
		} else {
			em.log("  ✓ Print job submitted successfully")
		}
	}

	permitText := fmt.Sprintf("%d permit", params.Permits)
	if params.Permits != 1 {
		permitText += "s"
	}
	var message string
	switch {
	case params.AutoPrint && printOK:
		message = "Generated and printed " + permitText
	case params.AutoPrint:
		message = "Generated " + permitText + " but printing failed"
	default:
		message = "Generated " + permitText
	}

	em.log("Workflow completed successfully!")
	return &Result{
		Success:     true,
		Message:     message,
		Document:    doc,
		Attachments: []string{name},
	}
}

// saveArtifact writes the document to a temporary file and schedules its
// deletion. The cleanup is fire and forget: it runs on its own timer,
// independent of the workflow, and its failure (artifact already gone) is
// swallowed.
func (r *Runner) saveArtifact(doc []byte) (string, error) {
	dir := r.cfg.Workflow.ArtifactDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "permit_*.pdf")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.Write(doc); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	delay := r.cfg.Workflow.CleanupDelay
	if delay <= 0 {
		delay = defaultCleanupDelay
	}
	time.AfterFunc(delay, func() {
		_ = os.Remove(path)
	})

	return filepath.Base(path), nil
}

func (r *Runner) fail(em *emitter, msg string, err error) *Result {
	em.logf("✗ %s: %v", msg, err)
	return &Result{
		Success: false,
		Message: fmt.Sprintf("%s: %v", msg, err),
		Err:     err,
	}
}

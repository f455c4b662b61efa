// File: internal/workflow/stage.go
package workflow

// Stage identifies one step of the fixed protocol. Within a single run the
// stage is monotonically non-decreasing, except for the bounded CAPTCHA
// retry sub-loop which alternates between StageSolveCaptcha and
// StageAuthenticate.
type Stage int

const (
	StageFetchForm Stage = iota
	StageSolveCaptcha
	StageAuthenticate
	StageParseDetails
	StageSubmitDetails
	StageParseConfirm
	StageFinalSubmit
	StageExtractLinks
	StageDownload
	StagePrint
	StageDone
	StageFailed
)

// Label is the short human text attached to the stage's status event.
func (s Stage) Label() string {
	switch s {
	case StageFetchForm:
		return "Fetching form"
	case StageSolveCaptcha:
		return "Solving CAPTCHA"
	case StageAuthenticate:
		return "Authenticating"
	case StageParseDetails:
		return "Processing form"
	case StageSubmitDetails:
		return "Submitting permit request"
	case StageParseConfirm:
		return "Confirming"
	case StageFinalSubmit:
		return "Finalizing"
	case StageExtractLinks:
		return "Extracting links"
	case StageDownload:
		return "Downloading PDF"
	case StagePrint:
		return "Printing"
	case StageDone:
		return "Complete!"
	case StageFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

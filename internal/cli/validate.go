package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/weft/internal/automation"
)

// ValidationResult is the json-mode payload of the validate command.
type ValidationResult struct {
	Valid       bool                `json:"valid"`
	Automations []AutomationSummary `json:"automations,omitempty"`
	Errors      []FileError         `json:"errors,omitempty"`
}

// AutomationSummary describes one compiled automation.
type AutomationSummary struct {
	File    string `json:"file"`
	Name    string `json:"name"`
	Trigger string `json:"trigger"`
	Action  string `json:"action"`
	Enabled bool   `json:"enabled"`
}

// FileError is one file's compile failure.
type FileError struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Compile CUE automation definitions without running them",
		Long: `Compile the CUE automation definitions at <path> (a file, or a
directory scanned for *.cue) and report what they declare. Nothing is
persisted; this is the fast feedback loop for authoring automations.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	files, err := LoadAutomations(path)
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return err
	}
	formatter.VerboseLog("compiled %d file(s) from %s", len(files), path)

	var (
		summaries []AutomationSummary
		failures  []FileError
	)
	for _, file := range files {
		if file.Err != nil {
			failures = append(failures, FileError{File: file.Path, Message: file.Err.Error()})
			continue
		}
		for _, def := range file.Definitions {
			summaries = append(summaries, AutomationSummary{
				File:    file.Path,
				Name:    def.Name,
				Trigger: triggerKind(def.Trigger),
				Action:  actionKind(def.Action),
				Enabled: def.Enabled,
			})
		}
	}

	if len(failures) > 0 {
		return outputValidateFailure(formatter, summaries, failures)
	}
	return outputValidateSuccess(formatter, summaries)
}

func outputValidateSuccess(f *OutputFormatter, summaries []AutomationSummary) error {
	if f.Format == "json" {
		return f.Success(ValidationResult{Valid: true, Automations: summaries})
	}

	lastFile := ""
	for _, s := range summaries {
		if s.File != lastFile {
			fmt.Fprintln(f.Writer, s.File)
			lastFile = s.File
		}
		suffix := ""
		if !s.Enabled {
			suffix = ", disabled"
		}
		fmt.Fprintf(f.Writer, "  ✓ %s (%s → %s%s)\n", s.Name, s.Trigger, s.Action, suffix)
	}
	fmt.Fprintf(f.Writer, "\n%d automation(s) valid\n", len(summaries))
	return nil
}

func outputValidateFailure(f *OutputFormatter, summaries []AutomationSummary, failures []FileError) error {
	exitErr := NewExitError(ExitFailure,
		fmt.Sprintf("validation failed with %d error(s)", len(failures)))

	if f.Format == "json" {
		result := ValidationResult{Valid: false, Automations: summaries, Errors: failures}
		if err := f.Error(ErrCodeCompile, failures[0].Message, result); err != nil {
			return err
		}
		return exitErr
	}

	for _, fe := range failures {
		fmt.Fprintln(f.Writer, fe.File)
		fmt.Fprintf(f.Writer, "  ✗ %s\n", fe.Message)
	}
	fmt.Fprintf(f.Writer, "\n✗ validation failed: %d error(s)\n", len(failures))
	return exitErr
}

func triggerKind(t automation.Trigger) string {
	switch t.(type) {
	case automation.MembershipTrigger:
		return "queryMembership"
	case automation.ThresholdTrigger:
		return "threshold"
	default:
		return "unknown"
	}
}

func actionKind(a automation.Action) string {
	switch a.(type) {
	case automation.SetPropertyAction:
		return "set_property"
	case automation.AddSupertagAction:
		return "add_supertag"
	case automation.RemoveSupertagAction:
		return "remove_supertag"
	case automation.WebhookAction:
		return "webhook"
	default:
		return "unknown"
	}
}

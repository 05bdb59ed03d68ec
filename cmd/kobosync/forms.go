package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/kobosync/internal/choices"
	"github.com/MarcoPoloResearchLab/kobosync/internal/forms"
	"github.com/spf13/cobra"
)

func newShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the form survey and choice lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := opts.newFormsRuntime(opts.confirmer(true), false)
			if err != nil {
				return err
			}
			defer runtime.Close()

			overview, err := runtime.service.Show(cmd.Context())
			if err != nil {
				return err
			}
			return opts.formatter().Success(overview, func(w io.Writer) error {
				return renderOverview(w, overview)
			})
		},
	}
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export form submissions as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := opts.newFormsRuntime(opts.confirmer(true), false)
			if err != nil {
				return err
			}
			defer runtime.Close()

			submissions, err := runtime.service.Export(cmd.Context())
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(submissions, "", "  ")
			if err != nil {
				return err
			}
			if output == "-" {
				_, err := fmt.Fprintln(opts.stdout, string(data))
				return err
			}
			if err := os.WriteFile(output, append(data, '\n'), 0o600); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			summary := map[string]any{"output": output, "submissions": len(submissions)}
			return opts.formatter().Success(summary, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Exported %d submissions to %s\n", len(submissions), output)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "data.json", "Destination file (- for stdout)")
	return cmd
}

func newAddChoiceCommand(opts *rootOptions) *cobra.Command {
	var (
		request     forms.AddChoiceRequest
		autoConfirm bool
	)
	cmd := &cobra.Command{
		Use:   "add-choice",
		Short: "Add one choice to a list, push it and optionally redeploy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(request.ListName) == "" || strings.TrimSpace(request.Label) == "" {
				return usageError("--list and --label are required")
			}
			runtime, err := opts.newFormsRuntime(opts.confirmer(autoConfirm), false)
			if err != nil {
				return err
			}
			defer runtime.Close()

			report, err := runtime.service.AddChoice(cmd.Context(), request)
			if err != nil {
				return err
			}
			return opts.formatter().Success(report, func(w io.Writer) error {
				return renderChangeReport(w, report)
			})
		},
	}
	cmd.Flags().StringVar(&request.ListName, "list", "", "Choice list name")
	cmd.Flags().StringVar(&request.Label, "label", "", "Choice label")
	cmd.Flags().StringVar(&request.Value, "value", "", "Choice value (derived from the label when empty)")
	cmd.Flags().BoolVarP(&autoConfirm, "yes", "y", false, "Answer yes to every confirmation")
	return cmd
}

func newRedeployCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "redeploy",
		Short: "Deploy the latest saved form version if it is not deployed yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := opts.newFormsRuntime(opts.confirmer(true), false)
			if err != nil {
				return err
			}
			defer runtime.Close()

			report, err := runtime.service.Redeploy(cmd.Context())
			if err != nil {
				return err
			}
			return opts.formatter().Success(report, func(w io.Writer) error {
				if report.UpToDate {
					_, err := fmt.Fprintln(w, "No changes to deploy")
					return err
				}
				_, err := fmt.Fprintf(w, "Deployed version %s\n", report.VersionID)
				return err
			})
		},
	}
}

func newSyncOptionsCommand(opts *rootOptions) *cobra.Command {
	var (
		request     forms.SyncRequest
		autoConfirm bool
	)
	cmd := &cobra.Command{
		Use:   "sync-options",
		Short: "Add every stored person missing from a choice list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(request.ListName) == "" {
				return usageError("--list is required")
			}
			runtime, err := opts.newFormsRuntime(opts.confirmer(autoConfirm), true)
			if err != nil {
				return err
			}
			defer runtime.Close()

			report, err := runtime.service.SyncOptions(cmd.Context(), request)
			if err != nil {
				return err
			}
			return opts.formatter().Success(report, func(w io.Writer) error {
				return renderChangeReport(w, report)
			})
		},
	}
	cmd.Flags().StringVar(&request.ListName, "list", "", "Choice list name")
	cmd.Flags().BoolVar(&request.DryRun, "dry-run", false, "Show the new choices without changing the form")
	cmd.Flags().BoolVarP(&autoConfirm, "yes", "y", false, "Answer yes to every confirmation")
	return cmd
}

func renderOverview(w io.Writer, overview forms.Overview) error {
	fmt.Fprintf(w, "Form: %s (%s)\n", overview.Name, overview.UID)
	fmt.Fprintf(w, "Version: %s (deployed: %s)\n", overview.VersionID, overview.DeployedVersionID)
	fmt.Fprintf(w, "Survey rows: %d\n", len(overview.Survey))
	for _, listName := range choices.ListNames(overview.Choices) {
		listed := choices.InList(overview.Choices, listName)
		fmt.Fprintf(w, "\n%s (%d)\n", listName, len(listed))
		for _, choice := range listed {
			fmt.Fprintf(w, "  %s\t%s\n", choice.Name, choice.PrimaryLabel())
		}
	}
	return nil
}

func renderChangeReport(w io.Writer, report forms.ChangeReport) error {
	if report.NewList {
		fmt.Fprintf(w, "List %s is new\n", report.ListName)
	}
	if report.Cancelled {
		_, err := fmt.Fprintln(w, "Cancelled: no changes pushed")
		return err
	}
	if len(report.Descriptors) == 0 {
		_, err := fmt.Fprintf(w, "No new choices for list %s\n", report.ListName)
		return err
	}
	fmt.Fprintf(w, "New choices for list %s:\n", report.ListName)
	for _, descriptor := range report.Descriptors {
		fmt.Fprintf(w, "  %s\t%s\n", descriptor.Value, descriptor.Label)
	}
	if report.DryRun {
		_, err := fmt.Fprintln(w, "Dry run: no changes pushed")
		return err
	}
	if report.Pushed {
		fmt.Fprintf(w, "Pushed version %s\n", report.VersionID)
	}
	switch {
	case report.Deploy.Deployed:
		fmt.Fprintf(w, "Deployed version %s\n", report.Deploy.VersionID)
	case report.Deploy.Requested:
		fmt.Fprintln(w, "No changes to deploy")
	case report.Pushed && report.Deploy.VersionID != "":
		fmt.Fprintln(w, "Form not redeployed")
	}
	return nil
}

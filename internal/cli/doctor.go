package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jumbomem/jumbomem-go/config"
	"github.com/jumbomem/jumbomem-go/internal/output"
	"github.com/jumbomem/jumbomem-go/sysinfo"
	"github.com/jumbomem/jumbomem-go/uffd"
)

// CheckResult holds the result of a single doctor check.
type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warning", "error"
	Detail string `json:"detail"`
}

// DoctorReport holds the complete doctor output.
type DoctorReport struct {
	Healthy bool          `json:"healthy"`
	Checks  []CheckResult `json:"checks"`
}

// Testable check functions — replaceable in unit tests.
var (
	UFFDChecker   = checkUFFD
	MapCountChecker = checkMapCount
	ConfigChecker = checkConfig
	PageSizeChecker = checkPageSize
)

func addDoctorCommand(parent *cobra.Command) {
	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the host's ability to run a JumboMem-managed process",
		Long:  "Run diagnostic checks covering fault-delivery backend availability, the kernel mapping ceiling, and configuration resolution.",
		Args:  cobra.NoArgs,
		RunE:  runDoctor,
	}
	parent.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	probe := sysinfo.NewLinuxProbe()
	checks := []CheckResult{
		UFFDChecker(),
		MapCountChecker(probe),
		PageSizeChecker(probe),
		ConfigChecker(),
	}

	healthy := true
	for _, c := range checks {
		if c.Status == "error" {
			healthy = false
			break
		}
	}

	report := DoctorReport{Healthy: healthy, Checks: checks}

	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), report)
	}

	if output.IsQuiet() && healthy {
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), "JumboMem Doctor")
	fmt.Fprintln(cmd.OutOrStdout())

	var warnings, errors int
	for _, c := range checks {
		symbol := "✓"
		switch c.Status {
		case "warning":
			symbol = "⚠"
			warnings++
		case "error":
			symbol = "✗"
			errors++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  %s %-12s %s\n", symbol, c.Name, c.Detail)
	}
	fmt.Fprintln(cmd.OutOrStdout())

	if errors > 0 {
		var parts []string
		parts = append(parts, pluralize(errors, "error"))
		if warnings > 0 {
			parts = append(parts, pluralize(warnings, "warning"))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Problems found (%s).\n", strings.Join(parts, ", "))
	} else if warnings > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Everything looks good (%s).\n", pluralize(warnings, "warning"))
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "Everything looks good.")
	}

	return nil
}

func pluralize(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func checkUFFD() CheckResult {
	if err := uffd.Probe(); err != nil {
		return CheckResult{
			Name:   "uffd",
			Status: "warning",
			Detail: fmt.Sprintf("unavailable (%s) — falling back to the sigfault backend", err),
		}
	}
	return CheckResult{Name: "uffd", Status: "ok", Detail: "userfaultfd available"}
}

func checkMapCount(probe sysinfo.Probe) CheckResult {
	n, err := probe.MaxMapCount()
	if err != nil {
		return CheckResult{
			Name:   "max_map_count",
			Status: "warning",
			Detail: fmt.Sprintf("could not read: %s", err),
		}
	}
	status := "ok"
	if n < 65536 {
		status = "warning"
	}
	return CheckResult{Name: "max_map_count", Status: status, Detail: fmt.Sprintf("%d", n)}
}

func checkPageSize(probe sysinfo.Probe) CheckResult {
	return CheckResult{
		Name:   "page_size",
		Status: "ok",
		Detail: fmt.Sprintf("%d bytes", probe.OSPageSize()),
	}
}

func checkConfig() CheckResult {
	cfg, err := config.Load("")
	if err != nil {
		return CheckResult{Name: "config", Status: "error", Detail: err.Error()}
	}
	return CheckResult{
		Name:   "config",
		Status: "ok",
		Detail: fmt.Sprintf("policy=%s prefetch=%d", cfg.Policy, cfg.Prefetch),
	}
}

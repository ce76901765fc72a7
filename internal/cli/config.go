package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jumbomem/jumbomem-go/config"
	"github.com/jumbomem/jumbomem-go/internal/output"
)

var configTOMLPath string

func addConfigCommand(parent *cobra.Command) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved JumboMem configuration",
		Long:  "Resolve JM_* environment variables over an optional jumbomem.toml overlay over built-in defaults, and print the result.",
		Args:  cobra.NoArgs,
		RunE:  runConfig,
	}
	configCmd.Flags().StringVar(&configTOMLPath, "toml", "", "Path to a jumbomem.toml overlay")
	parent.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configTOMLPath)
	if err != nil {
		return err
	}
	if output.IsJSON() {
		return output.PrintJSON(cmd.OutOrStdout(), cfg)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "policy            %s\n", cfg.Policy)
	fmt.Fprintf(w, "prefetch          %d\n", cfg.Prefetch)
	fmt.Fprintf(w, "page_size         %d\n", cfg.PageSize)
	fmt.Fprintf(w, "slave_mem         %d\n", cfg.SlaveMem)
	fmt.Fprintf(w, "master_mem        %d\n", cfg.MasterMem)
	fmt.Fprintf(w, "local_pages       %s\n", cfg.LocalPages)
	fmt.Fprintf(w, "async_evict       %t\n", cfg.AsyncEvict)
	fmt.Fprintf(w, "extra_memcpy      %t\n", cfg.ExtraMemcpy)
	fmt.Fprintf(w, "mlock             %t\n", cfg.MLock)
	fmt.Fprintf(w, "nre_entries       %d\n", cfg.NREEntries)
	fmt.Fprintf(w, "nre_retries       %d\n", cfg.NRERetries)
	fmt.Fprintf(w, "nru_interval_ms   %d\n", cfg.NRUIntervalMS)
	fmt.Fprintf(w, "nru_rw            %t\n", cfg.NRURW)
	fmt.Fprintf(w, "heartbeat_ms      %d\n", cfg.HeartbeatMS)
	fmt.Fprintf(w, "freeze_timeout_ms %d\n", cfg.FreezeTimeoutMS)
	return nil
}

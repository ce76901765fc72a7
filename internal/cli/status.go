package cli

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/jumbomem/jumbomem-go/fault"
	"github.com/jumbomem/jumbomem-go/internal/cliui"
	"github.com/jumbomem/jumbomem-go/internal/output"
	"github.com/jumbomem/jumbomem-go/statsrpc"
)

const statusPollInterval = 500 * time.Millisecond

func addStatusCommand(parent *cobra.Command) {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running region's live fault/eviction/prefetch stats",
		Long:  "Attach to a region's stats socket (see --socket / $JM_STATS_SOCK) and render its counters, refreshing twice a second.",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	parent.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if sockFlag == "" {
		return fmt.Errorf("status: no stats socket configured; pass --socket or set JM_STATS_SOCK")
	}

	if output.IsJSON() {
		snap, err := statsrpc.Fetch(sockFlag)
		if err != nil {
			return err
		}
		return output.PrintJSON(cmd.OutOrStdout(), snap)
	}

	p := tea.NewProgram(newStatusModel(sockFlag))
	_, err := p.Run()
	return err
}

type snapshotMsg struct {
	snap fault.Snapshot
	err  error
}

type statusModel struct {
	sock string
	last snapshotMsg
}

func newStatusModel(sock string) statusModel {
	return statusModel{sock: sock}
}

func (m statusModel) Init() tea.Cmd {
	return pollSnapshot(m.sock)
}

func pollSnapshot(sock string) tea.Cmd {
	return tea.Tick(statusPollInterval, func(time.Time) tea.Msg {
		snap, err := statsrpc.Fetch(sock)
		return snapshotMsg{snap: snap, err: err}
	})
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case snapshotMsg:
		m.last = msg
		return m, pollSnapshot(m.sock)
	}
	return m, nil
}

func (m statusModel) View() string {
	title := cliui.StyleTitle.Render("JumboMem status")
	if m.last.err != nil {
		return fmt.Sprintf("%s\n%s\n\n(q to quit)\n", title, cliui.StyleError.Render(m.last.err.Error()))
	}
	s := m.last.snap
	label := cliui.StyleLabel.Render
	body := fmt.Sprintf(
		"%s %d   %s %d\n%s %d   %s %d\n%s %d   %s %d\n%s %.1f%%\n",
		label("major faults:"), s.MajorFaults,
		label("minor faults:"), s.MinorFaults,
		label("good prefetch:"), s.GoodPrefetches,
		label("bad prefetch:"), s.BadPrefetches,
		label("clean evict:"), s.CleanEvictions,
		label("dirty evict:"), s.DirtyEvictions,
		label("predictable:"), s.PredictablePercent,
	)
	return fmt.Sprintf("%s\n%s\n%s\n", title, body, cliui.StyleHelpBar.Render("q to quit"))
}

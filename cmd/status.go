package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"stackctl/internal/runner"
	"stackctl/internal/supervisor"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true)
	healthyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	degradedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	neutralStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // grey
)

func newStatusCmd() *cobra.Command {
	var deployment string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the containers of running deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			containers, err := runner.ListContainers(cmd.Context(), deployment)
			if err != nil {
				return err
			}
			if len(containers) == 0 {
				fmt.Println("No deployment containers found")
				return nil
			}
			fmt.Println(renderContainerTable(containers))
			return nil
		},
	}

	cmd.Flags().StringVarP(&deployment, "deployment", "d", "", "restrict to one deployment ID")
	return cmd
}

func renderContainerTable(containers []runner.ContainerStatus) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-20s %-12s %-12s %-14s %s",
		"SERVICE", "DEPLOYMENT", "CONTAINER", "STATE", "STATUS")))
	for _, c := range containers {
		id := c.ContainerID
		if len(id) > 12 {
			id = id[:12]
		}
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("%-20s %-12s %-12s %-14s %s",
			c.Service, c.Deployment, id, containerStateStyle(c.State).Render(c.State), c.Status))
	}
	return b.String()
}

func renderSnapshotTable(snaps []supervisor.Snapshot) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-20s %-16s %-10s %s",
		"SERVICE", "STATE", "RESTARTS", "LAST ERROR")))
	for _, s := range snaps {
		lastErr := ""
		if s.LastErr != nil {
			lastErr = s.LastErr.Error()
		}
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("%-20s %-16s %-10d %s",
			s.Service, snapshotStateStyle(s.State).Render(string(s.State)), s.Restarts, lastErr))
	}
	return b.String()
}

func containerStateStyle(state string) lipgloss.Style {
	switch state {
	case "running":
		return healthyStyle
	case "exited", "dead":
		return failedStyle
	default:
		return neutralStyle
	}
}

func snapshotStateStyle(state supervisor.State) lipgloss.Style {
	switch state {
	case supervisor.StateReady:
		return healthyStyle
	case supervisor.StateDegraded:
		return degradedStyle
	case supervisor.StateFailed:
		return failedStyle
	default:
		return neutralStyle
	}
}

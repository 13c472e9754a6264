package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/browser-relay/internal/discovery"
	"github.com/standardbeagle/browser-relay/internal/mcp"
)

// InstanceStatus pairs a registered relay with its latest health report
type InstanceStatus struct {
	Instance *discovery.Instance
	Health   *mcp.HealthReport
	Err      error
}

// Collect fetches /health from every instance in parallel. Unreachable
// relays are reported with Err set rather than failing the whole call.
func Collect(ctx context.Context, client *http.Client, instances []*discovery.Instance) []InstanceStatus {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}

	out := make([]InstanceStatus, len(instances))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, inst := range instances {
		i, inst := i, inst
		out[i].Instance = inst
		g.Go(func() error {
			out[i].Health, out[i].Err = fetchHealth(ctx, client, inst.HealthURL())
			return nil
		})
	}
	g.Wait()
	return out
}

func fetchHealth(ctx context.Context, client *http.Client, url string) (*mcp.HealthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health returned %s", resp.Status)
	}
	var report mcp.HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("bad health response: %w", err)
	}
	return &report, nil
}

var (
	okColor      = lipgloss.Color("2")
	warnColor    = lipgloss.Color("3")
	errColor     = lipgloss.Color("1")
	dimColor     = lipgloss.Color("240")
	headerColor  = lipgloss.Color("39")
	okStyle      = lipgloss.NewStyle().Foreground(okColor)
	warnStyle    = lipgloss.NewStyle().Foreground(warnColor)
	errStyle     = lipgloss.NewStyle().Foreground(errColor)
	dimStyle     = lipgloss.NewStyle().Foreground(dimColor)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(headerColor)
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(headerColor).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().PaddingRight(2)
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(dimColor).Padding(0, 1)
	columnTitles = []string{"ID", "ENDPOINT", "STATUS", "EXTENSION", "SESSIONS", "PENDING", "UPTIME"}
)

// RenderTable draws statuses as an aligned table
func RenderTable(statuses []InstanceStatus) string {
	if len(statuses) == 0 {
		return dimStyle.Render("No running relays found")
	}

	rows := [][]string{columnTitles}
	for _, st := range statuses {
		rows = append(rows, statusRow(st))
	}

	widths := make([]int, len(columnTitles))
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var lines []string
	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := cellStyle.Copy().Width(widths[i] + 2)
			if r == 0 {
				style = style.Inherit(headerStyle)
			}
			cells[i] = style.Render(cell)
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return strings.Join(lines, "\n")
}

func statusRow(st InstanceStatus) []string {
	id := st.Instance.ID
	if len(id) > 8 {
		id = id[:8]
	}
	row := []string{id, st.Instance.HTTPURL}

	if st.Err != nil {
		return append(row, errStyle.Render("unreachable"), "-", "-", "-", "-")
	}

	h := st.Health
	status := okStyle.Render(h.Status)
	if h.Status != "healthy" {
		status = warnStyle.Render(h.Status)
	}
	ext := errStyle.Render(h.Extension.State)
	if h.Extension.Connected {
		ext = okStyle.Render("connected")
	}
	return append(row,
		status,
		ext,
		fmt.Sprintf("%d", len(h.Sessions)),
		fmt.Sprintf("%d", h.Extension.Pending),
		h.Uptime,
	)
}

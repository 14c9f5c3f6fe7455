package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/nhle/applytrack/internal/model"
	"github.com/nhle/applytrack/internal/theme"
)

func cmdStatus(ctx context.Context, configPath string, stdout io.Writer) error {
	a, err := openApp(configPath, false)
	if err != nil {
		return err
	}
	defer a.close()

	states, err := a.store.ListSyncStates(ctx)
	if err != nil {
		return err
	}
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, renderStatus(states, stats))
	return nil
}

// renderStatus lays out the sync-state table, the count breakdowns and
// the cost line.
func renderStatus(states []model.SyncState, stats *model.Stats) string {
	sections := []string{
		theme.HeaderStyle.Render("Sync state"),
		syncTable(states),
		"",
		theme.HeaderStyle.Render(fmt.Sprintf("Emails (%d)", stats.Total)),
		countsTable(stats),
		"",
		costLine(stats.Cost),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func syncTable(states []model.SyncState) string {
	if len(states) == 0 {
		return theme.HelpStyle.Render("no mailbox synced yet; run `applytrack run`")
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.ColorBorder)).
		Headers("MAILBOX", "LAST UID", "HIGHEST", "LOWEST", "BACKFILL", "STATE").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return theme.TableHeaderStyle
			}
			return theme.CellStyle
		})

	for _, st := range states {
		var state string
		switch {
		case !st.BackfillInitialized():
			state = "not started"
		case st.BackfillDone():
			state = "done"
		case st.BackfillActive:
			state = "active"
		default:
			state = "paused"
		}
		t.Row(
			st.Mailbox,
			strconv.FormatUint(uint64(st.LastUID), 10),
			strconv.FormatUint(uint64(st.HighestUIDSeen), 10),
			strconv.FormatUint(uint64(st.LowestUIDProcessed), 10),
			fmt.Sprintf("%s %5.1f%%", theme.ProgressBar(st.BackfillProgress(), 20), st.BackfillProgress()),
			state,
		)
	}
	return t.Render()
}

func countsTable(stats *model.Stats) string {
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("BY", "VALUE", "COUNT").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return theme.TableHeaderStyle
			}
			return theme.CellStyle
		})

	addRows := func(label string, counts map[string]int64, style func(string) lipgloss.Style) {
		for _, k := range sortedKeys(counts) {
			value := k
			if value == "" {
				value = "(none)"
			}
			if style != nil {
				value = style(k).Render(value)
			}
			t.Row(label, value, strconv.FormatInt(counts[k], 10))
			label = ""
		}
	}
	addRows("status", stats.ByParseStatus, theme.ParseStatusStyle)
	addRows("class", stats.ByClass, theme.ClassStyle)
	addRows("vendor", stats.ByVendor, nil)

	return t.Render()
}

func costLine(c model.CostTotals) string {
	line := fmt.Sprintf("Extraction cost: $%.6f over %d calls, %d tokens",
		c.ReportedUSD, c.UsageRows, c.TotalTokens)
	if !c.Reconciled {
		line += "\n" + theme.WarnStyle.Render(fmt.Sprintf(
			"email columns ($%.6f) differ from the usage log ($%.6f); run `applytrack reconcile`",
			c.EmailColumnsUSD, c.UsageLogUSD))
	}
	return line
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

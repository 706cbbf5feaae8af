package overlay

import (
	"fmt"
	"strings"

	"billtracker/internal/domain"
	"billtracker/internal/taxonomy"

	"github.com/charmbracelet/lipgloss"
)

var (
	zoneStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")).Padding(0, 1)
	zoneBoxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#4A5568")).Padding(0, 1)
	numberStyle    = lipgloss.NewStyle().Bold(true)
	stageStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	ghostStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Italic(true)
	markerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	emptyZoneStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

const timeLayout = "Jan 2 15:04"

// RenderBoard draws one box per zone for a terminal. Width bounds each box;
// zero leaves lines unwrapped.
func RenderBoard(tax *taxonomy.Taxonomy, cards []Card, width int) string {
	byZone := groupByZone(tax, cards)
	var sections []string
	for _, zone := range tax.Zones() {
		var lines []string
		lines = append(lines, zoneStyle.Render(fmt.Sprintf("%s (%d)", zone, len(byZone[zone]))))
		if len(byZone[zone]) == 0 {
			lines = append(lines, emptyZoneStyle.Render("no bills"))
		}
		for _, c := range byZone[zone] {
			line := numberStyle.Render(c.Number) + "  " + stageStyle.Render(tax.Title(c.Stage))
			if c.Processing {
				line += " " + markerStyle.Render("[classifying]")
			}
			if c.Unconfirmed {
				line += " " + pendingStyle.Render("[saving]")
			}
			lines = append(lines, line)
			for _, g := range c.Ghosts {
				lines = append(lines, ghostStyle.Render("  ↳ "+ghostText(tax, g)))
			}
		}
		box := zoneBoxStyle
		if width > 0 {
			box = box.Width(max(20, width-2))
		}
		sections = append(sections, box.Render(strings.Join(lines, "\n")))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// FormatBoardText renders the board as Slack mrkdwn. Empty zones are left out.
func FormatBoardText(tax *taxonomy.Taxonomy, cards []Card) string {
	if len(cards) == 0 {
		return "No bills are being tracked."
	}
	byZone := groupByZone(tax, cards)
	var b strings.Builder
	for _, zone := range tax.Zones() {
		if len(byZone[zone]) == 0 {
			continue
		}
		fmt.Fprintf(&b, "*%s*\n", zone)
		for _, c := range byZone[zone] {
			fmt.Fprintf(&b, "• *%s* %s", c.Number, tax.Title(c.Stage))
			if c.Title != "" {
				fmt.Fprintf(&b, " (%s)", c.Title)
			}
			if c.Processing {
				b.WriteString(" _classifying_")
			}
			b.WriteString("\n")
			for _, g := range c.Ghosts {
				fmt.Fprintf(&b, "    ↳ _%s_\n", ghostText(tax, g))
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func ghostText(tax *taxonomy.Taxonomy, g Ghost) string {
	who := g.ProposerName
	if who == "" {
		who = g.ProposerID
	}
	text := fmt.Sprintf("%s → %s by %s, %s", tax.Title(g.FromStage), tax.Title(g.ToStage), who, g.CreatedAt.Format(timeLayout))
	if g.Source == domain.SourceClassifier && g.Confidence > 0 {
		text += fmt.Sprintf(" (%.0f%%)", g.Confidence*100)
	}
	return text
}

func groupByZone(tax *taxonomy.Taxonomy, cards []Card) map[domain.Zone][]Card {
	out := make(map[domain.Zone][]Card)
	for _, c := range cards {
		zone := c.Zone
		if zone == "" {
			zone, _ = tax.ZoneOf(c.Stage)
		}
		out[zone] = append(out[zone], c)
	}
	return out
}

package journal

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/bnema/rq/internal/application"
)

const attemptBarWidth = 10

type RenderOptions struct {
	Now time.Time
	// MaxAttempts sizes the attempt bar. Zero or negative hides it.
	MaxAttempts int
}

func renderPending(pending []application.PendingSummary, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Pending Requests"),
		s.header.Render(fmt.Sprintf("requests: %d", len(pending))),
	}

	if len(pending) == 0 {
		lines = append(lines, s.empty.Render("Journal is empty."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, group := range byIdentity(pending) {
		lines = append(lines, s.section.Render(renderGroup(group, opts, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderGroup(group []application.PendingSummary, opts RenderOptions, s styles) string {
	parts := []string{s.identity.Render(identityLabel(group[0].Identity))}
	for _, summary := range group {
		parts = append(parts, renderRequest(summary, opts, s))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderRequest(summary application.PendingSummary, opts RenderOptions, s styles) string {
	id := shortID(summary.ID)
	if summary.Err != nil {
		return lipgloss.JoinHorizontal(
			lipgloss.Top,
			s.request.Render(id),
			" ",
			s.warning.Render(fmt.Sprintf("[unreadable: %v]", summary.Err)),
		)
	}

	title := s.request.Render(fmt.Sprintf("%s %s %s", id, summary.Method, summary.Target))
	if summary.RequiresAuth {
		title += " " + s.header.Render("[auth]")
	}

	details := []string{
		formatAge(summary.CreatedAt, opts.Now),
		fmt.Sprintf("%s in %d %s", humanize.IBytes(uint64(max(summary.Bytes, 0))), summary.Parts, plural(summary.Parts, "part", "parts")),
	}
	detail := s.detail.Render("  " + strings.Join(details, " · "))

	attempts := s.countKey.Render(fmt.Sprintf("  attempts: %d", summary.AttemptCount))
	if opts.MaxAttempts > 0 {
		attempts = lipgloss.JoinHorizontal(
			lipgloss.Top,
			attempts,
			" ",
			renderAttemptBar(summary.AttemptCount, opts.MaxAttempts, attemptBarWidth, s),
			s.detail.Render(fmt.Sprintf(" %d/%d", summary.AttemptCount, opts.MaxAttempts)),
		)
	}

	return lipgloss.JoinVertical(lipgloss.Left, title, detail, attempts)
}

func renderReport(report application.Report, s styles) string {
	lines := []string{
		s.title.Render("Resume Report"),
		s.header.Render(fmt.Sprintf("requests: %d", report.Total)),
	}
	if report.Total == 0 {
		lines = append(lines, s.empty.Render("Nothing to resume."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	counts := []struct {
		label string
		value int
		warn  bool
	}{
		{label: "delivered", value: report.Delivered},
		{label: "deduplicated", value: report.Deduplicated},
		{label: "retained", value: report.Retained, warn: true},
		{label: "dropped", value: report.Dropped, warn: true},
		{label: "skipped", value: report.Skipped},
		{label: "interrupted", value: report.Interrupted, warn: true},
	}
	for _, c := range counts {
		if c.value == 0 {
			continue
		}
		value := s.request.Render(fmt.Sprintf("%d", c.value))
		if c.warn {
			value = s.warning.Render(fmt.Sprintf("%d", c.value))
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, s.countKey.Render(fmt.Sprintf("%-13s", c.label+":")), value))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// byIdentity groups summaries by identity in first-seen order.
func byIdentity(pending []application.PendingSummary) [][]application.PendingSummary {
	index := map[string]int{}
	var groups [][]application.PendingSummary
	for _, summary := range pending {
		i, ok := index[summary.Identity]
		if !ok {
			i = len(groups)
			index[summary.Identity] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], summary)
	}
	return groups
}

func identityLabel(identity string) string {
	if identity == "" {
		return "Anonymous"
	}
	return "Identity: " + identity
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatAge(createdAt, now time.Time) string {
	if createdAt.IsZero() {
		return "queued at unknown time"
	}
	if now.IsZero() {
		return "queued " + createdAt.Format(time.RFC3339)
	}
	return "queued " + humanize.RelTime(createdAt, now, "ago", "from now")
}

func renderAttemptBar(attempts, maxAttempts, width int, s styles) string {
	if width <= 0 || maxAttempts <= 0 {
		return ""
	}

	fraction := float64(attempts) / float64(maxAttempts)
	filled := int(math.Round(float64(width) * fraction))
	filled = min(max(filled, 0), width)

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		s.barFill.Render(strings.Repeat("=", filled)),
		s.barEmpty.Render(strings.Repeat("-", width-filled)),
		s.barBracket.Render("]"),
	)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

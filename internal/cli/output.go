package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hitoshi/engagepro/internal/model"
	"github.com/hitoshi/engagepro/internal/session"
)

// printer はコマンドの出力を整形する。端末以外への出力では装飾を付けない。
type printer struct {
	w io.Writer

	heading lipgloss.Style
	unread  lipgloss.Style
	dim     lipgloss.Style
	success lipgloss.Style
	badges  map[model.NotificationType]lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	r := lipgloss.NewRenderer(w)
	badge := func(color string) lipgloss.Style {
		return r.NewStyle().Foreground(lipgloss.Color(color)).Bold(true)
	}
	return &printer{
		w:       w,
		heading: r.NewStyle().Bold(true),
		unread:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		dim:     r.NewStyle().Foreground(lipgloss.Color("245")),
		success: r.NewStyle().Foreground(lipgloss.Color("42")),
		badges: map[model.NotificationType]lipgloss.Style{
			model.NotificationSuccess:    badge("42"),
			model.NotificationWarning:    badge("214"),
			model.NotificationError:      badge("196"),
			model.NotificationEngagement: badge("205"),
			model.NotificationPost:       badge("39"),
			model.NotificationTeam:       badge("141"),
			model.NotificationSystem:     badge("245"),
		},
	}
}

func (p *printer) done(format string, args ...any) {
	fmt.Fprintln(p.w, p.success.Render(fmt.Sprintf(format, args...)))
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) session(s session.Session) {
	fmt.Fprintf(p.w, "%s <%s>\n", p.heading.Render(s.Name), s.Email)
	verified := "no"
	if s.EmailVerified {
		verified = "yes"
	}
	fmt.Fprintf(p.w, "  id:        %s\n", s.UserID)
	fmt.Fprintf(p.w, "  plan:      %s\n", s.Plan)
	fmt.Fprintf(p.w, "  verified:  %s\n", verified)
	if s.Phone != "" {
		fmt.Fprintf(p.w, "  phone:     %s\n", s.Phone)
	}
	fmt.Fprintf(p.w, "  expires:   %s\n", p.dim.Render(humanize.Time(s.ExpiresAt)))
}

func (p *printer) notifications(list []model.Notification, unread int) {
	fmt.Fprintf(p.w, "%s %s\n", p.heading.Render("Notifications"), p.dim.Render(fmt.Sprintf("(%d unread)", unread)))
	if len(list) == 0 {
		fmt.Fprintln(p.w, p.dim.Render("  no notifications"))
		return
	}
	for _, n := range list {
		p.notification(n)
	}
}

func (p *printer) notification(n model.Notification) {
	marker := " "
	title := n.Title
	if !n.Read {
		marker = p.unread.Render("●")
		title = p.heading.Render(title)
	}

	badge := string(n.Type)
	if st, ok := p.badges[n.Type]; ok {
		badge = st.Render(badge)
	}

	fmt.Fprintf(p.w, "%s %s [%s] %s %s\n", marker, n.ID, badge, title, p.dim.Render(humanize.Time(n.Timestamp)))
	if msg := strings.TrimSpace(n.Message); msg != "" {
		fmt.Fprintf(p.w, "    %s\n", msg)
	}
	if n.ActionURL != "" {
		label := n.ActionLabel
		if label == "" {
			label = "Open"
		}
		fmt.Fprintf(p.w, "    %s: %s\n", label, n.ActionURL)
	}
}

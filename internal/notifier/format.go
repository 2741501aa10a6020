package notifier

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"bonusvarsel/internal/catalog"
	"bonusvarsel/internal/ledger"
)

// MaxPerSection caps the items listed per kind; the rest is summarized.
const MaxPerSection = 12

const brandLine = "<b>🟡 BonusVarsel</b>"

// Format renders events as a Telegram-HTML message. Campaigns are listed
// before shops, each section in event order.
func Format(h Header, events []ledger.Event, now time.Time) string {
	var b strings.Builder
	b.WriteString(header(h, now))

	var campaigns, shops []ledger.Event
	for _, ev := range events {
		if ev.Kind == catalog.KindCampaign {
			campaigns = append(campaigns, ev)
		} else {
			shops = append(shops, ev)
		}
	}

	if len(campaigns) > 0 {
		b.WriteString("\n")
		writeSection(&b, "🔥 Kampanjer", "kampanjer", "Åpne kampanje", campaigns)
	}
	if len(shops) > 0 {
		b.WriteString("\n")
		writeSection(&b, "🛍️ Butikker", "butikker", "Åpne butikk", shops)
	}
	if len(events) == 0 {
		b.WriteString("\n" + quietLine)
	}
	return strings.TrimSpace(b.String())
}

const quietLine = "Ingen relevante kampanje-endringer nå. 💤"

// FormatQuiet is the message sent on a forced run with nothing new.
func FormatQuiet(h Header) string {
	name := esc(h.title())
	if h.Alliance != "" {
		name += " • " + esc(h.Alliance)
	}
	return brandLine + "\n<b>" + name + "</b>\n\n" + quietLine
}

func header(h Header, now time.Time) string {
	var b strings.Builder
	b.WriteString(brandLine + "\n")
	b.WriteString("<b>" + esc(h.title()) + "</b>")
	if h.Country != "" {
		b.WriteString(" (" + esc(strings.ToUpper(h.Country)) + ")")
	}
	b.WriteString("\n")
	if h.Alliance != "" {
		b.WriteString("🤝 " + esc(h.Alliance) + "\n")
	}
	b.WriteString("🕒 " + now.UTC().Format("2006-01-02 15:04") + "\n")
	return b.String()
}

func writeSection(b *strings.Builder, title, plural, linkLabel string, events []ledger.Event) {
	fmt.Fprintf(b, "<b>%s (%d)</b>\n", title, len(events))
	for i, ev := range events {
		if i == MaxPerSection {
			fmt.Fprintf(b, "… +%d flere %s\n\n", len(events)-MaxPerSection, plural)
			break
		}
		label := "🆕 Ny"
		if ev.Type == ledger.EventUpdated {
			label = "📈 Endret"
			if ev.Kind == catalog.KindShop {
				label = "🔁 Endret"
			}
		}
		name := "Ukjent"
		if ev.DisplayName != nil && *ev.DisplayName != "" {
			name = *ev.DisplayName
		}
		fmt.Fprintf(b, "%s: <b>%s</b>\n", label, esc(name))
		if r := rateLine(ev); r != "" {
			b.WriteString("• 🎁 " + r + "\n")
		}
		if ev.Kind == catalog.KindCampaign {
			if p := period(ev.StartsAt, ev.EndsAt); p != "" {
				b.WriteString("• 📅 " + esc(p) + "\n")
			}
		}
		if ev.URL != nil && *ev.URL != "" {
			fmt.Fprintf(b, "• 🔗 <a href=\"%s\">%s</a>\n", esc(*ev.URL), esc(linkLabel))
		}
		b.WriteString("\n")
	}
}

func rateLine(ev ledger.Event) string {
	if ev.Rate == nil {
		return ""
	}
	cur := formatRate(*ev.Rate)
	if ev.Type == ledger.EventUpdated && ev.PreviousRate != nil && *ev.PreviousRate != *ev.Rate {
		return formatRate(*ev.PreviousRate) + " → " + cur + " poeng/kr"
	}
	return cur + " poeng/kr"
}

func formatRate(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func period(startsAt, endsAt *string) string {
	s, e := day(startsAt), day(endsAt)
	switch {
	case s != "" && e != "":
		return s + " → " + e
	case s != "":
		return "Fra " + s
	case e != "":
		return "Til " + e
	default:
		return ""
	}
}

// day reduces an ISO date or timestamp to yyyy-mm-dd.
func day(v *string) string {
	if v == nil || len(*v) < len(time.DateOnly) {
		return ""
	}
	d := (*v)[:len(time.DateOnly)]
	if _, err := time.Parse(time.DateOnly, d); err != nil {
		return ""
	}
	return d
}

func esc(s string) string {
	return html.EscapeString(s)
}

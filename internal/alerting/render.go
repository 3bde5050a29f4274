package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/Dado-hash/fundings-screener/internal/opportunity"
	"github.com/Dado-hash/fundings-screener/internal/storage"
)

const (
	noOpportunitiesMessage = "📊 No opportunities found matching your criteria at this time."
	testHeader             = "🔧 *Test Notification*\n\n"
	testNoDataMessage      = testHeader + "📊 Bot is working! No opportunities found with current test criteria."
	testUnavailableMessage = testHeader + "❌ Unable to fetch funding data at the moment."
)

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// RenderOpportunities 生成告警消息正文。
func RenderOpportunities(alert storage.AlertConfig, ops []opportunity.Opportunity, now time.Time) string {
	if len(ops) == 0 {
		return noOpportunitiesMessage
	}

	name := strings.TrimSpace(alert.Name)
	if name == "" {
		name = "Alert"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *%s* 🚨\n\n", markdownEscaper.Replace(name))
	noun := "opportunities"
	if len(ops) == 1 {
		noun = "opportunity"
	}
	fmt.Fprintf(&b, "📊 Found %d %s:\n\n", len(ops), noun)

	for i, op := range ops {
		fmt.Fprintf(&b, "%d️⃣ *%s-USD*\n", i+1, markdownEscaper.Replace(op.Market.Symbol))
		fmt.Fprintf(&b, "💰 Spread: *%.1f bps*\n", op.Spread.Spread)
		fmt.Fprintf(&b, "📈 %s: %+.1f bps\n", markdownEscaper.Replace(string(op.Spread.HighSource)), op.Spread.HighRate)
		fmt.Fprintf(&b, "📉 %s: %+.1f bps\n", markdownEscaper.Replace(string(op.Spread.LowSource)), op.Spread.LowRate)
		fmt.Fprintf(&b, "%s %s\n\n", typeEmoji(op.Type), op.Type.Label())
	}

	fmt.Fprintf(&b, "⏰ Updated: %s UTC\n", now.UTC().Format("15:04"))
	if alert.Interval.Valid() {
		fmt.Fprintf(&b, "🔄 Next check in %s\n\n", alert.Interval)
	}
	b.WriteString("📱 Manage alerts: /alerts")
	return b.String()
}

// RenderTest wraps a rendering in the test notification frame. available is
// false when no snapshot could be obtained.
func RenderTest(alert storage.AlertConfig, ops []opportunity.Opportunity, now time.Time, available bool) string {
	switch {
	case !available:
		return testUnavailableMessage
	case len(ops) == 0:
		return testNoDataMessage
	default:
		return testHeader + RenderOpportunities(alert, ops, now)
	}
}

func typeEmoji(t opportunity.Type) string {
	switch t {
	case opportunity.Arbitrage:
		return "🎯"
	case opportunity.HighSpread:
		return "📈"
	default:
		return "📊"
	}
}

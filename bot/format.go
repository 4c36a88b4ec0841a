package bot

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/exec"
	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MESSAGE FORMATTING
// ═══════════════════════════════════════════════════════════════════════════════

func esc(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}

func sideEmoji(side types.Side) string {
	if side == types.SideShort {
		return "🔴"
	}
	return "🟢"
}

// pctMove is the signed move from a to b in percent, flipped for shorts
func pctMove(side types.Side, from, to decimal.Decimal) decimal.Decimal {
	if from.IsZero() {
		return decimal.Zero
	}
	move := to.Sub(from).Div(from).Mul(decimal.NewFromInt(100))
	if side == types.SideShort {
		move = move.Neg()
	}
	return move
}

func signed(d decimal.Decimal) string {
	if d.IsNegative() {
		return d.StringFixed(2)
	}
	return "+" + d.StringFixed(2)
}

// FormatSignal is the announcement that opens a signal thread
func FormatSignal(s *types.Signal) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s *NEW SIGNAL*\n\n", sideEmoji(s.Side))
	fmt.Fprintf(&b, "📊 *%s* %s\n", esc(s.Symbol), s.Side)
	b.WriteString("━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "💵 Entry: *%s*\n", s.EntryPrice.String())
	fmt.Fprintf(&b, "🎯 TP1: *%s* (%s%%)\n", s.TP1.String(), signed(pctMove(s.Side, s.EntryPrice, s.TP1)))
	fmt.Fprintf(&b, "🎯 TP2: *%s* (%s%%)\n", s.TP2.String(), signed(pctMove(s.Side, s.EntryPrice, s.TP2)))
	fmt.Fprintf(&b, "🎯 TP3: *%s* (%s%%)\n", s.TP3.String(), signed(pctMove(s.Side, s.EntryPrice, s.TP3)))
	fmt.Fprintf(&b, "🛑 Stop: *%s* (%s%%)\n", s.StopPrice.String(), signed(pctMove(s.Side, s.EntryPrice, s.StopPrice)))
	b.WriteString("━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "🧠 %s", esc(s.Strategy))
	if s.PatternID != "" {
		fmt.Fprintf(&b, " · %s", esc(s.PatternID))
	}
	if len(s.ConfluenceTags) > 0 {
		tags := make([]string, len(s.ConfluenceTags))
		for i, t := range s.ConfluenceTags {
			tags[i] = esc(t)
		}
		fmt.Fprintf(&b, "\n🔗 %s", strings.Join(tags, ", "))
	}
	fmt.Fprintf(&b, "\n⏱️ Valid until %s UTC", s.ValidUntil.UTC().Format("Jan 02 15:04"))

	return b.String()
}

// FormatTransition is the in-thread update for a status change
func FormatTransition(s *types.Signal, tr types.Transition) string {
	status := esc(string(tr.To))
	switch tr.To {
	case types.SignalTP1Hit, types.SignalTP2Hit, types.SignalTP3Hit:
		target, _ := s.TargetFor(tr.To)
		return fmt.Sprintf("💰 *%s* %s\n\n🎯 %s reached at *%s* (%s%%)",
			esc(s.Symbol), status, status, target.String(), signed(pctMove(s.Side, s.EntryPrice, target)))
	case types.SignalInvalidated:
		return fmt.Sprintf("🛑 *%s* INVALIDATED\n\n📝 %s\n💵 Price: *%s*",
			esc(s.Symbol), esc(tr.Reason), tr.Price.String())
	case types.SignalExpired:
		return fmt.Sprintf("⌛ *%s* EXPIRED\n\n📝 Entry %s never filled", esc(s.Symbol), s.EntryPrice.String())
	case types.SignalCreated, types.SignalWaiting:
		return fmt.Sprintf("📌 *%s* %s", esc(s.Symbol), status)
	}
	return fmt.Sprintf("📌 *%s* %s", esc(s.Symbol), status)
}

// FormatTrackingAborted tells the reader an announced signal is no longer tracked
func FormatTrackingAborted(s *types.Signal) string {
	return fmt.Sprintf("⚠️ *TRACKING ABORTED*\n\n📊 %s %s\nThis signal could not be recorded and will not receive updates.",
		esc(s.Symbol), s.Side)
}

// FormatPositionClosed reports a realised position
func FormatPositionClosed(p *types.Position) string {
	emoji := "📈"
	if p.RealizedPnL.IsNegative() {
		emoji = "📉"
	}
	msg := fmt.Sprintf("%s *POSITION CLOSED*\n\n📊 %s %s\n💵 Avg exit: *%s*\n💰 P&L: *%s*\n📝 %s",
		emoji, esc(p.Symbol), p.Side, p.AvgExitPrice.String(), signed(p.RealizedPnL), esc(p.ExitReason))
	if p.AwaitingBackfill {
		msg += "\n⏳ Fill prices pending, P&L covers confirmed legs only"
	}
	return msg
}

// FormatZombie reports a ledger position the broker no longer holds
func FormatZombie(p *types.Position) string {
	return fmt.Sprintf("🧟 *ZOMBIE HEALED*\n\n📊 %s %s\nLedger showed OPEN but the broker has no position. Marked closed externally.",
		esc(p.Symbol), p.Side)
}

// FormatOrphan reports a broker position with no ledger record
func FormatOrphan(bp exec.BrokerPosition) string {
	return fmt.Sprintf("🚨 *ORPHAN POSITION*\n\n📊 %s %s\n📦 Qty: *%s* @ %s\nBroker holds a position with no ledger record. Manual action required.",
		esc(bp.Symbol), bp.Side, bp.Quantity.String(), bp.EntryPrice.String())
}

// FormatReconcileIssues summarises critical reconciler findings
func FormatReconcileIssues(r *types.ReconciliationReport) string {
	var b strings.Builder
	b.WriteString("💀 *RECONCILIATION ISSUES*\n━━━━━━━━━━━━━━━━━━━━\n")
	for _, issue := range r.CriticalIssues {
		fmt.Fprintf(&b, "• %s\n", esc(issue))
	}
	fmt.Fprintf(&b, "━━━━━━━━━━━━━━━━━━━━\n🧟 Zombies: %d · 👻 Orphans: %d", len(r.Zombies), len(r.Orphans))
	return b.String()
}

// FormatPositionAlert is an operator alert about one position
func FormatPositionAlert(title string, p *types.Position, detail string) string {
	return fmt.Sprintf("%s\n\n📊 %s %s\n%s", title, esc(p.Symbol), p.Side, esc(detail))
}

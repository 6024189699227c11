package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/storage"
	"github.com/web3guy0/pairbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator interface for the cycle engine
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🔁 Cycle results as they land (complete/aborted, P&L, volume)
//   🚨 Emergency flatten and halt alerts
//   🎛️ Engine control (/status, /risk, /halt, /resume)
//   📜 Journal queries (/stats, /cycles)
//
// The bot answers exactly one chat: commands from any other chat ID are
// dropped without a reply.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Engine is the scheduler surface the bot drives
type Engine interface {
	CycleStatus() types.CycleState
	RiskMetrics(ctx context.Context) types.RiskMetrics
	Completed() int
	ForceHalt(reason string)
	Resume(ctx context.Context) error
}

// JournalReader is the journal slice the bot reports from
type JournalReader interface {
	Stats() (map[string]interface{}, error)
	RecentCycles(limit int) ([]storage.CycleRecord, error)
}

// TelegramBot bridges the engine to one Telegram chat
type TelegramBot struct {
	api    *tgbotapi.BotAPI
	chatID int64
	pair   string
	paper  bool

	engine  Engine
	journal JournalReader

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewTelegramBot connects to the Bot API. Token parsing lives in config;
// callers skip construction entirely when no token is set.
func NewTelegramBot(token string, chatID int64, pair string, paper bool, engine Engine, journal JournalReader) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: empty token")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram: chat ID not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	b := &TelegramBot{
		api:     api,
		chatID:  chatID,
		pair:    pair,
		paper:   paper,
		engine:  engine,
		journal: journal,
		stopCh:  make(chan struct{}),
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")
	return b, nil
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the command loop
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyCycle reports one finished round trip
func (b *TelegramBot) NotifyCycle(res types.CycleResult) {
	emoji := "✅"
	title := "CYCLE COMPLETE"
	if !res.Completed {
		emoji = "↩️"
		title = "CYCLE ABORTED"
	}

	msg := fmt.Sprintf(`%s *%s*

🔁 %s `+"`%s`"+`
━━━━━━━━━━━━━━━━
💵 P&L: *%s*
📦 Volume: *$%s*
💸 Fees: *$%s*
⏱️ Took: *%v*`,
		emoji, title,
		res.Pattern, shortID(res.CycleID),
		signedUSD(res.PnL),
		res.Volume.StringFixed(2),
		res.Fees.StringFixed(4),
		res.Duration.Round(time.Millisecond),
	)

	if res.FailReason != "" {
		msg += "\n📝 " + res.FailReason
	}

	b.sendMarkdown(msg)
}

// NotifyEmergency reports a forced closure in progress
func (b *TelegramBot) NotifyEmergency(ticker, detail string) {
	msg := fmt.Sprintf(`🚨 *EMERGENCY FLATTEN*

📊 %s
📝 %s`, ticker, detail)

	b.sendMarkdown(msg)
}

// NotifyHalt reports a latched trading halt
func (b *TelegramBot) NotifyHalt(reason string) {
	msg := fmt.Sprintf(`🛑 *TRADING HALTED*

📝 %s

/resume once the book is flat`, reason)

	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to the authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	cmd := strings.ToLower(msg.Command())

	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "risk":
		b.cmdRisk()
	case "stats":
		b.cmdStats()
	case "cycles":
		b.cmdCycles()
	case "halt":
		b.cmdHalt()
	case "resume":
		b.cmdResume()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *PAIRBOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Engine status
🛡️ /risk — Risk governor state
📈 /stats — Journal totals
📜 /cycles — Last 10 cycles
⏸️ /halt — Latch a trading halt
▶️ /resume — Clear the halt (book must be flat)
🏓 /ping — Test connection

━━━━━━━━━━━━━━━━━━━━
Pairbot — delta-neutral cycle engine`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	state := b.engine.CycleStatus()
	m := b.engine.RiskMetrics(context.Background())

	mode := "LIVE"
	if b.paper {
		mode = "PAPER"
	}

	run := "🟢 RUNNING"
	if m.Halted {
		run = "🛑 HALTED — " + m.HaltReason
	}

	cycleLine := "📭 No cycle in flight"
	if state.ID != "" && state.Phase != types.PhaseIdle {
		cycleLine = fmt.Sprintf("🔁 `%s` in *%s*", shortID(state.ID), state.Phase)
	}

	msg := fmt.Sprintf(`📊 *ENGINE STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
⚖️ Pair: *%s*
📊 Mode: *%s*
%s
🏁 Completed this session: *%d*
🌡️ Net delta: *$%s*`,
		run, b.pair, mode, cycleLine,
		b.engine.Completed(),
		m.NetDelta.StringFixed(2),
	)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdRisk() {
	m := b.engine.RiskMetrics(context.Background())

	latch := "🟢 clear"
	if m.Halted {
		latch = "🛑 " + m.HaltReason
	}

	msg := fmt.Sprintf(`🛡️ *RISK GOVERNOR*
━━━━━━━━━━━━━━━━━━━━

💵 Realized P&L: *%s*
📅 Daily P&L: *%s*
🔁 Last cycle: *%s*
📦 Volume: *$%s*
📊 Cycles booked: *%d*
🌡️ Net delta: *$%s*

━━━━━━━━━━━━━━━━━━━━
Halt latch: %s`,
		signedUSD(m.RealizedPnL),
		signedUSD(m.DailyPnL),
		signedUSD(m.LastCyclePnL),
		m.Volume.StringFixed(2),
		m.TradeCount,
		m.NetDelta.StringFixed(2),
		latch,
	)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStats() {
	if b.journal == nil {
		b.send("❌ Journal not available")
		return
	}

	stats, err := b.journal.Stats()
	if err != nil {
		b.send("❌ Failed to read the journal")
		return
	}

	pnl, _ := stats["total_pnl"].(decimal.Decimal)
	volume, _ := stats["total_volume"].(decimal.Decimal)

	msg := fmt.Sprintf(`📈 *JOURNAL TOTALS*
━━━━━━━━━━━━━━━━━━━━

🔁 Cycles: *%v*
✅ Completed: *%v*
💵 Total P&L: *%s*
📦 Total volume: *$%s*`,
		stats["total_cycles"],
		stats["completed_cycles"],
		signedUSD(pnl),
		volume.StringFixed(2),
	)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdCycles() {
	if b.journal == nil {
		b.send("❌ Journal not available")
		return
	}

	recs, err := b.journal.RecentCycles(10)
	if err != nil {
		b.send("❌ Failed to fetch cycles")
		return
	}

	if len(recs) == 0 {
		b.send("📭 No cycles recorded yet")
		return
	}

	msg := "📜 *LAST 10 CYCLES*\n━━━━━━━━━━━━━━━━━━━━\n\n"

	for _, r := range recs {
		emoji := "📌"
		switch r.Outcome {
		case "completed":
			emoji = "✅"
		case "aborted":
			emoji = "↩️"
		case "denied":
			emoji = "🚫"
		case "failed":
			emoji = "💥"
		}

		line := fmt.Sprintf("%s %s `%s` | P&L: %s | $%s\n",
			emoji, r.Pattern, shortID(r.ID),
			signedUSD(r.PnL), r.Volume.StringFixed(2),
		)
		if r.FailReason != "" {
			line += fmt.Sprintf("   _%s_\n", r.FailReason)
		}
		line += fmt.Sprintf("   %s\n\n", r.StartedAt.Format("Jan 2 15:04:05"))

		msg += line
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdHalt() {
	b.engine.ForceHalt("halted via Telegram")
	b.send("⏸️ Halt latched. New cycles are blocked; /resume to clear.")
	log.Info().Msg("Halt requested via Telegram")
}

func (b *TelegramBot) cmdResume() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := b.engine.Resume(ctx); err != nil {
		b.send("❌ Resume refused: " + err.Error())
		return
	}

	b.send("▶️ Resumed. The scheduler picks up on the next tick.")
	log.Info().Msg("Trading resumed via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

// shortID trims a UUID down to something a chat line can carry
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func signedUSD(v decimal.Decimal) string {
	if v.IsNegative() {
		return "-$" + v.Abs().StringFixed(4)
	}
	return "+$" + v.StringFixed(4)
}

package feeds

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARK STREAM - Live mid prices for the paper venue books
// ═══════════════════════════════════════════════════════════════════════════════
//
// Subscribes to bookTicker streams for every configured symbol over one
// combined websocket. The venue reads marks through the MarkSource interface;
// a symbol with no update yet (or a stale one) reads as absent, which keeps
// the venue on its static marks.
//
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultStreamURL is the binance combined-stream endpoint
const DefaultStreamURL = "wss://stream.binance.com:9443/stream"

// markEntry is one symbol's latest mid
type markEntry struct {
	mid       decimal.Decimal
	updatedAt time.Time
}

// MarkStream maintains live mid prices per stream symbol
type MarkStream struct {
	url      string
	symbols  []string
	maxStale time.Duration

	mu    sync.RWMutex
	conn  *websocket.Conn
	marks map[string]markEntry

	running bool
	stopCh  chan struct{}
}

// NewMarkStream creates a stream for the given symbols (e.g. "ethusdt")
func NewMarkStream(url string, symbols []string) *MarkStream {
	if url == "" {
		url = DefaultStreamURL
	}
	lowered := make([]string, len(symbols))
	for i, s := range symbols {
		lowered[i] = strings.ToLower(s)
	}
	return &MarkStream{
		url:      url,
		symbols:  lowered,
		maxStale: 30 * time.Second,
		marks:    make(map[string]markEntry),
		stopCh:   make(chan struct{}),
	}
}

// Start connects and begins streaming
func (m *MarkStream) Start() error {
	if len(m.symbols) == 0 {
		return fmt.Errorf("mark stream: no symbols configured")
	}
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	go m.runWebSocket()

	log.Info().Strs("symbols", m.symbols).Msg("📈 Mark stream started")
	return nil
}

// Stop closes the connection and ends the loop
func (m *MarkStream) Stop() {
	m.mu.Lock()
	m.running = false
	conn := m.conn
	m.mu.Unlock()

	close(m.stopCh)
	if conn != nil {
		conn.Close()
	}
}

func (m *MarkStream) isRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *MarkStream) runWebSocket() {
	for m.isRunning() {
		if err := m.connect(); err != nil {
			log.Error().Err(err).Msg("Mark stream connection failed")
			time.Sleep(5 * time.Second)
			continue
		}

		m.readMessages()

		if m.isRunning() {
			log.Warn().Msg("Mark stream disconnected, reconnecting...")
			time.Sleep(1 * time.Second)
		}
	}
}

func (m *MarkStream) connect() error {
	streams := make([]string, len(m.symbols))
	for i, s := range m.symbols {
		streams[i] = s + "@bookTicker"
	}
	url := fmt.Sprintf("%s?streams=%s", m.url, strings.Join(streams, "/"))

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	log.Info().Str("url", url).Msg("🔌 Mark stream connected")
	return nil
}

func (m *MarkStream) readMessages() {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	for m.isRunning() {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if m.isRunning() {
				log.Error().Err(err).Msg("Mark stream read error")
			}
			return
		}
		m.handleMessage(message)
	}
}

// combined-stream envelope: {"stream":"ethusdt@bookTicker","data":{...}}
type streamEnvelope struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Bid    string `json:"b"`
		Ask    string `json:"a"`
	} `json:"data"`
}

func (m *MarkStream) handleMessage(data []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	if env.Data.Symbol == "" {
		return
	}

	bid, err := decimal.NewFromString(env.Data.Bid)
	if err != nil {
		return
	}
	ask, err := decimal.NewFromString(env.Data.Ask)
	if err != nil {
		return
	}
	if !bid.IsPositive() || !ask.IsPositive() {
		return
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))

	m.mu.Lock()
	m.marks[strings.ToLower(env.Data.Symbol)] = markEntry{mid: mid, updatedAt: time.Now()}
	m.mu.Unlock()
}

// Mark returns the latest mid for a symbol. Stale or missing reads
// report absent so callers fall back.
func (m *MarkStream) Mark(symbol string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.marks[strings.ToLower(symbol)]
	if !ok {
		return decimal.Zero, false
	}
	if time.Since(e.updatedAt) > m.maxStale {
		return decimal.Zero, false
	}
	return e.mid, true
}

// Connected reports whether any symbol updated recently
func (m *MarkStream) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.marks {
		if time.Since(e.updatedAt) <= m.maxStale {
			return true
		}
	}
	return false
}

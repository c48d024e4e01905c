package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/quantrail/quantrail/errs"
	"github.com/quantrail/quantrail/internal/schema"
)

// WSConfig points the stream at an upstream market-data websocket.
type WSConfig struct {
	URL string
	// ReadTimeout bounds a single read; zero disables the bound.
	ReadTimeout time.Duration
}

// tickMessage is the upstream wire shape for a single trade print.
type tickMessage struct {
	Timestamp int64           `json:"ts"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      string          `json:"side"`
}

// WSStream maintains a websocket connection with automatic reconnection and
// pushes decoded tick events into a live feed. Malformed frames are counted
// and skipped, never fatal.
type WSStream struct {
	cfg    WSConfig
	sink   *Live
	logger *log.Logger

	cancel context.CancelFunc
	wg     conc.WaitGroup

	decodeErrors int64
}

// NewWSStream wires a stream to its sink. The logger may be nil.
func NewWSStream(cfg WSConfig, sink *Live, logger *log.Logger) *WSStream {
	if logger == nil {
		logger = log.New(log.Writer(), "ws-feed ", log.LstdFlags)
	}
	return &WSStream{cfg: cfg, sink: sink, logger: logger}
}

// Start launches the connection loop in a background goroutine.
func (s *WSStream) Start(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.URL) == "" {
		return errs.New("feed/ws", errs.KindConfig, errs.WithMessage("websocket url required"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Go(func() {
		s.connect(runCtx)
	})
	return nil
}

// Stop tears the connection down and waits for the reader to exit.
func (s *WSStream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.sink.Close()
}

// DecodeErrors reports how many frames failed to decode since Start.
func (s *WSStream) DecodeErrors() int64 { return s.decodeErrors }

// connect maintains the connection with exponential backoff between attempts.
func (s *WSStream) connect(ctx context.Context) {
	backoffCfg := backoff.NewExponentialBackOff()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(ctx, s.cfg.URL, nil)
		if err != nil {
			s.logger.Printf("dial %s: %v", s.cfg.URL, err)
			sleep := backoffCfg.NextBackOff()
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
				continue
			}
		}

		backoffCfg.Reset()
		err = s.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Printf("read loop ended: %v", err)
		}
	}
}

func (s *WSStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.ReadTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, s.cfg.ReadTimeout)
		}
		_, payload, err := conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return err
		}

		evt, err := decodeTick(payload)
		if err != nil {
			s.decodeErrors++
			s.logger.Printf("drop frame: %v", err)
			continue
		}
		if err := s.sink.Push(ctx, evt); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// Overflow drops surface as data errors; log and move on.
			s.logger.Printf("push event: %v", err)
		}
	}
}

// decodeTick converts one upstream frame into a kernel event.
func decodeTick(payload []byte) (*schema.Event, error) {
	var msg tickMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, errs.New("feed/ws", errs.KindData,
			errs.WithMessage(fmt.Sprintf("decode frame: %v", err)))
	}
	if msg.Timestamp <= 0 {
		return nil, errs.New("feed/ws", errs.KindData,
			errs.WithSymbol(msg.Symbol), errs.WithMessage("frame timestamp required"))
	}

	side := schema.TradeSideBuy
	if strings.EqualFold(msg.Side, "sell") {
		side = schema.TradeSideSell
	}

	evt := &schema.Event{
		Timestamp: time.Unix(0, msg.Timestamp).UTC(),
		Symbol:    strings.TrimSpace(msg.Symbol),
		Kind:      schema.EventKindTick,
		Tick: &schema.TickPayload{
			Price: msg.Price,
			Size:  msg.Size,
			Side:  side,
		},
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return evt, nil
}

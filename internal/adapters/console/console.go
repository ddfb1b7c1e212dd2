// Package console is the in-repo communication adapter: it reads
// operator messages from stdin, hands them to the observer, and prints
// outbound messages to stdout. It lets a full runtime run end to end
// without any external chat platform.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/observer"
	"github.com/anima-ai/anima/internal/registry"
)

// DefaultChannelID is the single channel the console adapter serves.
const DefaultChannelID = "console"

// historyLimit bounds the in-memory message log FetchMessages reads.
const historyLimit = 200

// Adapter is a communication provider backed by stdin/stdout.
type Adapter struct {
	registry.BaseService

	obs *observer.Observer
	in  io.Reader
	out io.Writer
	clk clock.Clock
	log *logger.Logger

	authorID   string
	authorName string

	mu      sync.Mutex
	history []*buses.Message
	stopCh  chan struct{}
	done    chan struct{}
	started bool
}

// New creates the adapter. in/out default to os.Stdin/os.Stdout.
func New(obs *observer.Observer, in io.Reader, out io.Writer, clk clock.Clock, log *logger.Logger) *Adapter {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Adapter{
		BaseService: registry.NewBaseService("console", "send_message", "fetch_messages"),
		obs:         obs,
		in:          in,
		out:         out,
		clk:         clk,
		log:         log.WithComponent("console-adapter"),
		authorID:    "console_user",
		authorName:  "operator",
	}
}

var _ registry.Service = (*Adapter)(nil)
var _ buses.CommunicationService = (*Adapter)(nil)

// Start launches the stdin read loop.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})
	a.mu.Unlock()

	if err := a.BaseService.Start(ctx); err != nil {
		return err
	}
	go a.readLoop(ctx)
	return nil
}

// Stop ends the read loop. A blocked stdin read ends at the next line.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	close(a.stopCh)
	a.mu.Unlock()
	return a.BaseService.Stop(ctx)
}

// SendMessage prints an outbound message and records it in history.
func (a *Adapter) SendMessage(ctx context.Context, channelID, content string) (bool, error) {
	if _, err := fmt.Fprintf(a.out, "[%s] %s\n", channelID, content); err != nil {
		return false, err
	}
	a.remember(&buses.Message{
		ID:        fmt.Sprintf("msg_%s", uuid.New().String()),
		AuthorID:  "agent",
		ChannelID: channelID,
		Content:   content,
		Timestamp: a.clk.Now(),
		IsBot:     true,
	})
	return true, nil
}

// FetchMessages returns the most recent history for the channel,
// oldest first.
func (a *Adapter) FetchMessages(ctx context.Context, channelID string, limit int) ([]*buses.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*buses.Message
	for _, msg := range a.history {
		if channelID == "" || msg.ChannelID == channelID {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer close(a.done)
	scanner := bufio.NewScanner(a.in)
	for scanner.Scan() {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg := &buses.Message{
			ID:         fmt.Sprintf("msg_%s", uuid.New().String()),
			AuthorID:   a.authorID,
			AuthorName: a.authorName,
			ChannelID:  DefaultChannelID,
			Content:    line,
			Timestamp:  a.clk.Now(),
		}
		a.remember(msg)

		handleCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.obs.HandleMessage(handleCtx, msg); err != nil {
			a.log.Warn("message ingestion failed", zap.Error(err))
		}
		cancel()
	}
	if err := scanner.Err(); err != nil {
		a.log.Warn("console read ended", zap.Error(err))
	}
}

func (a *Adapter) remember(msg *buses.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, msg)
	if len(a.history) > historyLimit {
		a.history = a.history[len(a.history)-historyLimit:]
	}
}

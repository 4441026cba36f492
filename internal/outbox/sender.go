package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/unpod/agentlink/internal/convo"
	"go.uber.org/zap"
)

// Publisher delivers a pending send on the active transport.
type Publisher interface {
	// ActiveConversation returns the conversation whose sends can be
	// delivered now, or "" when none is open.
	ActiveConversation() string
	PublishPending(ctx context.Context, p convo.PendingSend) error
}

// Sender retries unsent messages. It flushes on Kick (the channel kicks
// it after the pub/sub link reconnects) and on a slow ticker.
type Sender struct {
	queue    *Queue
	pub      Publisher
	logger   *zap.Logger
	interval time.Duration

	kick   chan struct{}
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a sender for queue.
func NewSender(queue *Queue, pub Publisher, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		queue:    queue,
		pub:      pub,
		logger:   logger.Named("outbox"),
		interval: 5 * time.Second,
		kick:     make(chan struct{}, 1),
	}
}

// Start begins the retry loop.
func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop stops the retry loop and waits for it to exit.
func (s *Sender) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Kick requests an immediate flush.
func (s *Sender) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sender) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Flush(ctx)
		case <-s.kick:
			s.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Flush tries every unsent message of the active conversation in order and
// stops at the first failure so messages are never reordered. It returns
// the number delivered.
func (s *Sender) Flush(ctx context.Context) int {
	conv := s.pub.ActiveConversation()
	if conv == "" {
		return 0
	}
	sent := 0
	for _, p := range s.queue.Unsent(conv) {
		err := s.pub.PublishPending(ctx, p)
		s.queue.MarkAttempt(p.LocalID, err)
		if err != nil {
			s.logger.Debug("pending send still undeliverable",
				zap.String("local_id", p.LocalID),
				zap.Int("attempts", p.Attempts+1),
				zap.Error(err))
			break
		}
		sent++
		s.logger.Info("pending send delivered", zap.String("local_id", p.LocalID), zap.String("conversation_id", conv))
	}
	return sent
}

package dist

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/tick-relay/internal/model"
)

// seenTTL bounds the at-most-once dedupe window for command ids.
const seenTTL = 10 * time.Minute

// CommandExecutor runs one command against the relay. Malformed or
// unsupported commands come back as success=false results, never as errors
// into the relay's control flow.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd model.Command) model.CommandResult
}

// CommandListener subscribes to the shared command channel, executes each
// command at most once per correlation id, and writes the result under the
// id-scoped key for the requester to poll.
type CommandListener struct {
	store     Store
	keys      Keys
	exec      CommandExecutor
	resultTTL time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewCommandListener creates a listener.
func NewCommandListener(store Store, keys Keys, exec CommandExecutor, resultTTL time.Duration, logger *slog.Logger) *CommandListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandListener{
		store:     store,
		keys:      keys,
		exec:      exec,
		resultTTL: resultTTL,
		logger:    logger,
		seen:      make(map[string]time.Time),
	}
}

// Start subscribes to the command channel and begins processing.
func (l *CommandListener) Start(ctx context.Context) error {
	l.ctx, l.cancel = context.WithCancel(ctx)

	sub, err := l.store.Subscribe(l.ctx, l.keys.CommandChannel())
	if err != nil {
		return err
	}

	l.wg.Add(1)
	go l.listen(sub)

	l.logger.Info("command listener started", "channel", l.keys.CommandChannel())
	return nil
}

// Stop halts processing, bounded by the caller's context.
func (l *CommandListener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		l.logger.Warn("command listener shutdown timeout")
	}
	return nil
}

func (l *CommandListener) listen(sub Subscription) {
	defer l.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-l.ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			l.handle(payload)
		}
	}
}

// handle processes one raw command payload.
func (l *CommandListener) handle(payload []byte) {
	var cmd model.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		l.logger.Warn("malformed command payload, ignoring", "error", err)
		return
	}
	if cmd.CommandID == "" {
		l.logger.Warn("command without correlation id, ignoring", "type", cmd.Type)
		return
	}

	if !l.markSeen(cmd.CommandID) {
		l.logger.Debug("duplicate command ignored", "command_id", cmd.CommandID)
		return
	}

	result := l.exec.Execute(l.ctx, cmd)
	result.CommandID = cmd.CommandID
	result.Timestamp = float64(time.Now().UnixMilli()) / 1000.0

	l.writeResult(result)
}

// markSeen records a command id; false means it was already processed.
// Entries older than the dedupe window are evicted on the way through.
func (l *CommandListener) markSeen(id string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, at := range l.seen {
		if now.Sub(at) > seenTTL {
			delete(l.seen, k)
		}
	}

	if _, dup := l.seen[id]; dup {
		return false
	}
	l.seen[id] = now
	return true
}

func (l *CommandListener) writeResult(result model.CommandResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		l.logger.Error("marshal command result", "command_id", result.CommandID, "error", err)
		return
	}

	if err := l.store.SetEx(l.ctx, l.keys.Result(result.CommandID), payload, l.resultTTL); err != nil {
		l.logger.Error("write command result",
			"command_id", result.CommandID,
			"error", err,
		)
		return
	}

	l.logger.Debug("command result written",
		"command_id", result.CommandID,
		"success", result.Success,
	)
}

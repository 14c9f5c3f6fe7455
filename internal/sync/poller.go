package sync

import (
	"context"
	"encoding/json"
	"slices"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/applytrack/internal/source"
)

// PollState represents the current state of a mailbox's forward sync.
type PollState int

const (
	PollIdle PollState = iota
	PollRunning
	PollError
)

func (s PollState) String() string {
	switch s {
	case PollRunning:
		return "running"
	case PollError:
		return "error"
	default:
		return "idle"
	}
}

// MarshalJSON renders the state by name.
func (s PollState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// PollStatus holds the sync state for a single mailbox.
type PollStatus struct {
	Mailbox    string     `json:"mailbox"`
	State      PollState  `json:"state"`
	LastRun    time.Time  `json:"last_run"`
	LastReport *RunReport `json:"last_report,omitempty"`
	Error      string     `json:"error,omitempty"`

	// AuthFailed is set while the server rejects the credentials; the
	// poller keeps retrying on its interval.
	AuthFailed bool `json:"auth_failed,omitempty"`
}

// Runner performs one forward run.
type Runner interface {
	Run(ctx context.Context, mailbox string) (*RunReport, error)
}

const (
	defaultPollInterval = 5 * time.Minute
	defaultRunTimeout   = 10 * time.Minute
)

// Poller orchestrates background forward runs of registered mailboxes.
type Poller struct {
	runner     Runner
	interval   time.Duration
	runTimeout time.Duration
	logger     *zap.Logger

	mu       gosync.Mutex
	statuses map[string]*PollStatus
	triggers map[string]chan struct{}
	stopCh   chan struct{}
	wg       gosync.WaitGroup
	running  bool
}

// NewPoller creates a Poller for the given mailboxes.
func NewPoller(r Runner, interval time.Duration, logger *zap.Logger, mailboxes ...string) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Poller{
		runner:     r,
		interval:   interval,
		runTimeout: defaultRunTimeout,
		logger:     logger.Named("poller"),
		statuses:   make(map[string]*PollStatus),
		triggers:   make(map[string]chan struct{}),
	}
	for _, mb := range mailboxes {
		p.statuses[mb] = &PollStatus{Mailbox: mb, State: PollIdle}
		p.triggers[mb] = make(chan struct{}, 1)
	}
	return p
}

// Start launches one polling goroutine per mailbox. Each does an initial
// run immediately. Calling Start on a running poller does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})

	for mb, trigger := range p.triggers {
		p.wg.Add(1)
		go p.pollMailbox(ctx, mb, trigger, p.stopCh)
	}
}

// Stop halts all polling goroutines and waits for runs in flight.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}

// Trigger asks for an immediate run of mailbox. It never blocks: a
// trigger already pending absorbs this one. It reports false for a
// mailbox the poller does not know.
func (p *Poller) Trigger(mailbox string) bool {
	p.mu.Lock()
	trigger, ok := p.triggers[mailbox]
	p.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case trigger <- struct{}{}:
	default:
	}
	return true
}

// Statuses returns the current status of every mailbox, by name.
func (p *Poller) Statuses() []PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]PollStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		statuses = append(statuses, *s)
	}
	slices.SortFunc(statuses, func(a, b PollStatus) int {
		switch {
		case a.Mailbox < b.Mailbox:
			return -1
		case a.Mailbox > b.Mailbox:
			return 1
		}
		return 0
	})
	return statuses
}

func (p *Poller) pollMailbox(ctx context.Context, mailbox string, trigger <-chan struct{}, stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runOnce(ctx, mailbox)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.runOnce(ctx, mailbox)
		case <-trigger:
			p.runOnce(ctx, mailbox)
		}
	}
}

func (p *Poller) runOnce(ctx context.Context, mailbox string) {
	p.setStatus(mailbox, func(s *PollStatus) { s.State = PollRunning })

	runCtx, cancel := context.WithTimeout(ctx, p.runTimeout)
	defer cancel()

	report, err := p.runner.Run(runCtx, mailbox)

	p.setStatus(mailbox, func(s *PollStatus) {
		s.LastRun = time.Now()
		s.LastReport = report
		s.AuthFailed = source.IsAuthError(err)
		if err != nil {
			s.State = PollError
			s.Error = err.Error()
			return
		}
		s.State = PollIdle
		s.Error = ""
	})

	if err == nil {
		return
	}
	if source.IsAuthError(err) {
		p.logger.Error("mailbox rejected credentials; update imap.password or the keyring entry",
			zap.String("mailbox", mailbox), zap.Error(err))
		return
	}
	p.logger.Warn("forward run failed", zap.String("mailbox", mailbox), zap.Error(err))
}

func (p *Poller) setStatus(mailbox string, fn func(*PollStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.statuses[mailbox]; ok {
		fn(s)
	}
}

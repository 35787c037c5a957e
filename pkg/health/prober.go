package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/galdor/go-ha/pkg/utils"
)

type ProbeFunc func(context.Context) error

// ProbeError is produced for every failed probe. It never leaves the prober:
// it is logged and handed to the OnResult callback.
type ProbeError struct {
	Target string
	Err    error
}

func (err *ProbeError) Error() string {
	return fmt.Sprintf("probe of %s failed: %v", err.Target, err.Err)
}

func (err *ProbeError) Unwrap() error {
	return err.Err
}

type ProberCfg struct {
	Target string

	Interval time.Duration
	Timeout  time.Duration

	Thresholds Thresholds

	ProbeFunc ProbeFunc
	OnResult  func(error)

	Logger Logger
}

type Prober struct {
	Cfg ProberCfg
	Log Logger

	mu               sync.Mutex
	running          bool
	lastSuccess      time.Time
	lastError        error
	lastErrorTime    time.Time
	consecutiveFails int

	stopChan chan struct{}
	wg       sync.WaitGroup
}

type ProberState struct {
	LastSuccess      time.Time
	LastError        error
	LastErrorTime    time.Time
	ConsecutiveFails int
	Status           Status
}

func NewProber(cfg ProberCfg) (*Prober, error) {
	if cfg.ProbeFunc == nil {
		return nil, fmt.Errorf("missing probe function")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds
	}

	p := &Prober{
		Cfg: cfg,
		Log: cfg.Logger,
	}

	return p, nil
}

func (p *Prober) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.stopChan = make(chan struct{})

	p.wg.Add(1)
	go p.main(p.stopChan)
}

// Stop signals the probe loop and waits at most one probe timeout for it to
// exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}

	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.Cfg.Timeout + time.Second):
		p.Log.Error("prober for %s did not stop in time", p.Cfg.Target)
	}
}

func (p *Prober) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.running
}

func (p *Prober) main(stopChan <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.Cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return

		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-stopChan:
					cancel()
				case <-ctx.Done():
				}
			}()

			p.Probe(ctx)
			cancel()
		}
	}
}

// Probe runs a single probe synchronously and returns its error, if any.
func (p *Prober) Probe(ctx context.Context) (err error) {
	ctx, cancel := context.WithTimeout(ctx, p.Cfg.Timeout)
	defer cancel()

	func() {
		defer utils.RecoverAndLog(p.Log, "probe "+p.Cfg.Target, &err)
		err = p.Cfg.ProbeFunc(ctx)
	}()

	now := time.Now()

	p.mu.Lock()
	if err == nil {
		if p.consecutiveFails > 0 {
			p.Log.Info("%s recovered after %d failed probes",
				p.Cfg.Target, p.consecutiveFails)
		}

		p.lastSuccess = now
		p.consecutiveFails = 0
	} else {
		err = &ProbeError{Target: p.Cfg.Target, Err: err}

		p.lastError = err
		p.lastErrorTime = now
		p.consecutiveFails++
	}
	p.mu.Unlock()

	if err != nil {
		p.Log.Error("%v", err)
	}

	if p.Cfg.OnResult != nil {
		func() {
			defer utils.RecoverAndLog(p.Log, "probe callback "+p.Cfg.Target,
				nil)
			p.Cfg.OnResult(err)
		}()
	}

	return err
}

func (p *Prober) State() ProberState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return ProberState{
		LastSuccess:      p.lastSuccess,
		LastError:        p.lastError,
		LastErrorTime:    p.lastErrorTime,
		ConsecutiveFails: p.consecutiveFails,
		Status:           p.Cfg.Thresholds.ClassifySince(p.lastSuccess, time.Now()),
	}
}

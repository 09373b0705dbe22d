package vdc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Store is the durable backing of a Registry.
//
// Load returns an empty Snapshot and a nil error when nothing has been
// saved yet. Save must be atomic: an interrupted save leaves the previous
// snapshot intact.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// DefaultRetryInterval is how long the Persister waits before retrying a
// failed save.
const DefaultRetryInterval = 5 * time.Second

// PersisterOptions configures a Persister.
type PersisterOptions struct {
	// RetryInterval between attempts after a failed save.
	RetryInterval time.Duration

	// SaveTimeout bounds one background save. Zero means no bound.
	SaveTimeout time.Duration

	// OnSave, when set, is called after every save attempt.
	OnSave func(err error, took time.Duration)

	Logger Logger
}

// Persister writes registry snapshots to a Store in the background.
//
// Kick requests a save and never blocks; kicks that arrive while a save is
// pending are coalesced into it. A failed save is logged and retried after
// RetryInterval. The registry keeps serving in the meantime.
type Persister struct {
	reg   *Registry
	store Store
	opts  PersisterOptions

	kick chan struct{}
	stop chan struct{}
	done chan struct{}

	saveMu sync.Mutex // serialises Store.Save
	dirty  atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	saves    atomic.Uint64
	failures atomic.Uint64
}

// NewPersister creates a Persister for reg. Call Start to run it.
func NewPersister(reg *Registry, store Store, opts PersisterOptions) *Persister {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Persister{
		reg:   reg,
		store: store,
		opts:  opts,
		kick:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the background save loop.
func (p *Persister) Start() {
	p.startOnce.Do(func() {
		p.started.Store(true)
		go p.loop()
	})
}

// Kick requests an asynchronous save.
func (p *Persister) Kick() {
	p.dirty.Store(true)
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Flush saves the current registry state synchronously.
func (p *Persister) Flush(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.dirty.Store(false)
	snap := p.reg.Snapshot()

	start := time.Now()
	err := p.store.Save(ctx, snap)
	took := time.Since(start)

	if p.opts.OnSave != nil {
		p.opts.OnSave(err, took)
	}
	if err != nil {
		p.dirty.Store(true)
		p.failures.Add(1)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	p.saves.Add(1)
	p.opts.Logger.Debug("registry saved",
		"vdcs", len(snap.Containers),
		"devices", len(snap.Devices),
		"took", took,
	)
	return nil
}

// Stop ends the background loop and performs a final synchronous save.
// It returns once the save has completed or ctx is done.
func (p *Persister) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stop)
		if p.started.Load() {
			select {
			case <-p.done:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}
		err = p.Flush(ctx)
	})
	return err
}

// Dirty reports whether changes are waiting to be saved.
func (p *Persister) Dirty() bool {
	return p.dirty.Load()
}

// Stats returns the number of successful and failed saves.
func (p *Persister) Stats() (saves, failures uint64) {
	return p.saves.Load(), p.failures.Load()
}

func (p *Persister) loop() {
	defer close(p.done)

	var retry <-chan time.Time
	for {
		select {
		case <-p.stop:
			return
		case <-p.kick:
		case <-retry:
		}

		if err := p.saveOnce(); err != nil {
			p.opts.Logger.Error("saving registry failed, will retry",
				"error", err,
				"retry_in", p.opts.RetryInterval,
			)
			retry = time.After(p.opts.RetryInterval)
			continue
		}
		retry = nil
	}
}

func (p *Persister) saveOnce() error {
	ctx := context.Background()
	if p.opts.SaveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.SaveTimeout)
		defer cancel()
	}
	return p.Flush(ctx)
}

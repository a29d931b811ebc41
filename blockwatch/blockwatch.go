// Package blockwatch turns on-disk block-file activity into NewBlock events.
// The indexing node appends confirmed blocks to blk*.dat files; watching that
// directory is how this layer learns a block landed without polling the
// chain-state engine.
package blockwatch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chainview/chainview-go/notify"
)

const defaultDebounce = 250 * time.Millisecond

// Dispatcher accepts pipeline events. *sessions.Registry satisfies it.
type Dispatcher interface {
	Dispatch(ev notify.Event)
}

// TipFunc reports the current chain tip. The watcher calls it after block
// file activity settles; a block file write without a height change (e.g. a
// partial append) produces no event.
type TipFunc func(ctx context.Context) (height uint32, hash string, err error)

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the slog logger used by the watcher.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithDebounce sets how long file activity must settle before the tip is
// consulted. Block writes arrive as bursts of small appends.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithPattern sets the filename glob for block files. Default "blk*.dat".
func WithPattern(glob string) Option {
	return func(w *Watcher) {
		if glob != "" {
			w.pattern = glob
		}
	}
}

// Watcher observes one block-file directory and dispatches a NewBlockEvent
// each time the chain tip advances.
type Watcher struct {
	dir      string
	tip      TipFunc
	disp     Dispatcher
	log      *slog.Logger
	debounce time.Duration
	pattern  string

	lastHeight uint32
	primed     bool
}

func New(dir string, tip TipFunc, disp Dispatcher, opts ...Option) (*Watcher, error) {
	if dir == "" {
		return nil, errors.New("blocks directory is required")
	}
	if tip == nil {
		return nil, errors.New("tip func is required")
	}
	if disp == nil {
		return nil, errors.New("dispatcher is required")
	}
	w := &Watcher{
		dir:      dir,
		tip:      tip,
		disp:     disp,
		log:      slog.Default(),
		debounce: defaultDebounce,
		pattern:  "blk*.dat",
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run blocks until ctx is done, dispatching NewBlock events as the tip
// advances. The first tip reading primes the baseline without dispatching;
// only movement observed while running becomes an event.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Join(errors.New("fsnotify init"), err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = fw.Close()
	}()

	if err := fw.Add(w.dir); err != nil {
		return errors.Join(errors.New("watch blocks dir"), err)
	}

	if height, _, err := w.tip(ctx); err == nil {
		w.lastHeight = height
		w.primed = true
	} else {
		w.log.WarnContext(ctx, "blockwatch.prime.fail", slog.String("err", err.Error()))
	}

	w.log.InfoContext(ctx, "blockwatch.start", slog.String("dir", w.dir))

	var settle *time.Timer
	var settleC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if match, _ := filepath.Match(w.pattern, filepath.Base(ev.Name)); !match {
				continue
			}
			// Coalesce the append burst into one tip check.
			if settle == nil {
				settle = time.NewTimer(w.debounce)
				settleC = settle.C
			} else {
				if !settle.Stop() {
					select {
					case <-settle.C:
					default:
					}
				}
				settle.Reset(w.debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "blockwatch.watch.err", slog.String("err", err.Error()))

		case <-settleC:
			w.checkTip(ctx)
		}
	}
}

func (w *Watcher) checkTip(ctx context.Context) {
	height, hash, err := w.tip(ctx)
	if err != nil {
		w.log.WarnContext(ctx, "blockwatch.tip.fail", slog.String("err", err.Error()))
		return
	}
	if w.primed && height <= w.lastHeight {
		return
	}
	w.lastHeight = height
	w.primed = true
	w.disp.Dispatch(notify.NewBlockEvent{Height: height, Hash: hash})
	w.log.InfoContext(ctx, "blockwatch.newblock",
		slog.Int("height", int(height)),
		slog.String("hash", hash))
}

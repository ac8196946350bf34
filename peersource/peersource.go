// Package peersource is the thin, static stand-in for the peer discovery
// spec.md §1 names as a non-goal: it reports addresses it is handed, and
// nothing more (dialing them is left to the caller's add callback). It never gossips, crawls DNS seeds, or scores peers; it
// only watches a newline-delimited address file (fsnotify) and re-reads it
// on change, so an operator can grow or shrink the peer pool by editing a
// file on disk.
package peersource

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// DefaultDialRate caps new-address announcements to 5 per second, with a
// burst of 5 for the initial read of a populated file — teacher idiom:
// op-node/p2p/sync.go's per-peer rate.Limiter guarding dial/request volume.
const (
	DefaultDialRate  = rate.Limit(5)
	DefaultDialBurst = 5
)

// Source watches a static peer-address file and reports addresses it has
// not reported before.
type Source struct {
	path string
	log  log.Logger

	mu   sync.Mutex
	seen map[string]struct{}

	limiter *rate.Limiter
}

// New builds a Source over the newline-delimited address file at path.
// Blank lines and lines starting with '#' are ignored.
func New(path string, l log.Logger) *Source {
	if l == nil {
		l = log.New("component", "peersource")
	}
	return &Source{
		path:    path,
		log:     l,
		seen:    make(map[string]struct{}),
		limiter: rate.NewLimiter(DefaultDialRate, DefaultDialBurst),
	}
}

// Watch reads path once immediately, then again every time fsnotify reports
// a Write or Create event on it, calling add for every address not already
// seen. It returns when ctx is canceled or the watcher's channels close;
// errors the watcher reports while running are logged and watching goes on.
func (s *Source) Watch(ctx context.Context, add func(addr string)) error {
	if err := s.readOnce(ctx, add); err != nil {
		return fmt.Errorf("peersource: initial read of %s: %w", s.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("peersource: starting watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.path); err != nil {
		return fmt.Errorf("peersource: watching %s: %w", s.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.readOnce(ctx, add); err != nil {
				s.log.Warn("problem re-reading peer list", "path", s.path, "err", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("peer list watcher error", "err", err)
		}
	}
}

func (s *Source) readOnce(ctx context.Context, add func(addr string)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s.mu.Lock()
		_, known := s.seen[line]
		if !known {
			s.seen[line] = struct{}{}
		}
		s.mu.Unlock()
		if known {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		s.log.Info("discovered peer address", "addr", line)
		add(line)
	}
	return scanner.Err()
}

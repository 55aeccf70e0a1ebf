package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/larrabee/ecssync/pipeline"
	"github.com/larrabee/ecssync/storage"
)

const maxListLine = 1024 * 1024

// enumerate sends every source object to out, either from the list file or by walking the source.
func (j *Job) enumerate(ctx context.Context, out chan<- *storage.ObjectSummary) error {
	if j.listIn != nil || j.opts.SourceListFile != "" {
		return j.readList(ctx, out)
	}
	return j.walk(ctx, nil, out)
}

// walk lists one level and descends into every directory right after sending it, so parents are
// submitted before their children.
func (j *Job) walk(ctx context.Context, parent *storage.ObjectSummary, out chan<- *storage.ObjectSummary) error {
	levelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	level := make(chan *storage.ObjectSummary, j.opts.ListBuffer)
	levelErr := make(chan error, 1)
	go func() {
		defer close(level)
		if parent == nil {
			levelErr <- j.source.List(levelCtx, level)
		} else {
			levelErr <- j.source.Children(levelCtx, parent, level)
		}
	}()
	drain := func() {
		cancel()
		for range level {
		}
	}

	for summary := range level {
		select {
		case out <- summary:
		case <-ctx.Done():
			drain()
			return ctx.Err()
		}
		if summary.Directory {
			if err := j.walk(ctx, summary, out); err != nil {
				drain()
				return err
			}
		}
	}
	if err := <-levelErr; err != nil {
		name := "root"
		if parent != nil {
			name = parent.Identifier
		}
		return fmt.Errorf("list %s: %w", name, err)
	}
	return nil
}

// readList sends identifiers from the source list file, one per line. "-" reads standard input.
func (j *Job) readList(ctx context.Context, out chan<- *storage.ObjectSummary) error {
	r := j.listIn
	if r == nil {
		if j.opts.SourceListFile == "-" {
			r = os.Stdin
		} else {
			f, err := os.Open(j.opts.SourceListFile)
			if err != nil {
				return storage.ConfigErrorf("open source list file: %s", err)
			}
			defer f.Close()
			r = f
		}
	}
	return scanList(ctx, r, out)
}

func scanList(ctx context.Context, r io.Reader, out chan<- *storage.ObjectSummary) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxListLine)
	row := 0
	for scanner.Scan() {
		row++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case out <- &storage.ObjectSummary{Identifier: line, ListRowNum: row}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read source list at row %d: %w", row, err)
	}
	pipeline.Log.Debugf("Source list finished, %d rows", row)
	return nil
}

// seenSet records identifiers submitted by the job, so duplicates collapse to one object.
type seenSet struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func newSeenSet() *seenSet {
	return &seenSet{set: make(map[string]struct{})}
}

// add return false if identifier was already added.
func (s *seenSet) add(identifier string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[identifier]; ok {
		return false
	}
	s.set[identifier] = struct{}{}
	return true
}

package remote

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/fsnotify/fsnotify"
)

// DefaultNotSpeechPatterns match texts that speech models produce for silence or noise
var DefaultNotSpeechPatterns = []string{
	`(?i)^\s*thank(s| you)( so much| very much)?( for (watching|listening))?\s*[.!]*\s*$`,
	`(?i)^\s*(i'?m sorry|i apologi[sz]e|sorry)[.!,]*\s*$`,
	`(?i)\bas an ai\b`,
	`(?i)\bi( am|'m)? (unable to|not able to|can'?t|cannot) (transcribe|help|assist|hear|understand)\b`,
	`(?i)^\s*[\[(][^\])]*[\])]\s*$`,
	`(?i)\bsubtitles? (by|provided|created)\b`,
	`(?i)\b(please )?(like and )?subscribe\b`,
	`(?i)^\s*(you|bye|uh|um)?\s*[.!?…]*\s*$`,
	`(?i)\bno (speech|audio) (was )?(detected|provided|found)\b`,
	`(?i)\b(inaudible|unintelligible)\b`,
}

// NotSpeechFilter recognizes placeholder or apology texts that are not real speech
type NotSpeechFilter struct {
	lock     sync.RWMutex
	patterns []*regexp.Regexp
	file     string
}

// NewNotSpeechFilter compiles patterns
func NewNotSpeechFilter(patterns []string) (*NotSpeechFilter, error) {
	res := &NotSpeechFilter{}
	if err := res.set(patterns); err != nil {
		return nil, err
	}
	return res, nil
}

// LoadNotSpeechFilter reads patterns from file, one regexp per line.
// Default patterns are used when file is empty.
func LoadNotSpeechFilter(file string) (*NotSpeechFilter, error) {
	if file == "" {
		return NewNotSpeechFilter(DefaultNotSpeechPatterns)
	}
	res := &NotSpeechFilter{file: file}
	if err := res.reload(); err != nil {
		return nil, err
	}
	goapp.Log.Info().Str("file", file).Int("patterns", res.Len()).Msg("Not speech filter")
	return res, nil
}

// IsNotSpeech returns true if text is empty or matches any pattern
func (f *NotSpeechFilter) IsNotSpeech(text string) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	f.lock.RLock()
	defer f.lock.RUnlock()
	for _, p := range f.patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func (f *NotSpeechFilter) Len() int {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return len(f.patterns)
}

// Watch reloads patterns on file change until ctx is done
func (f *NotSpeechFilter) Watch(ctx context.Context) error {
	if f.file == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// editors replace files, so the directory is watched
	if err := w.Add(filepath.Dir(f.file)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", f.file, err)
	}
	go func() {
		defer w.Close()
		name := filepath.Clean(f.file)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := f.reload(); err != nil {
					goapp.Log.Error().Err(err).Str("file", f.file).Msg("can't reload patterns, keeping old ones")
					continue
				}
				goapp.Log.Info().Str("file", f.file).Int("patterns", f.Len()).Msg("patterns reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				goapp.Log.Error().Err(err).Msg("watcher error")
			}
		}
	}()
	return nil
}

func (f *NotSpeechFilter) reload() error {
	data, err := os.ReadFile(f.file)
	if err != nil {
		return fmt.Errorf("read patterns: %w", err)
	}
	return f.set(parsePatterns(data))
}

func (f *NotSpeechFilter) set(patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		r, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("wrong pattern '%s': %w", p, err)
		}
		compiled = append(compiled, r)
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.patterns = compiled
	return nil
}

func parsePatterns(data []byte) []string {
	var res []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		res = append(res, line)
	}
	return res
}

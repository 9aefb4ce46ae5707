package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Question is one multiple-choice icebreaker. Both participants must see the
// same questions in the same order, so IDs are stable across reloads.
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Options []string `json:"options"`
}

var builtinQuestions = []Question{
	{ID: "weekend", Text: "Your ideal weekend?", Options: []string{"Out with friends", "Quiet at home", "Somewhere new", "Catching up on work"}},
	{ID: "travel", Text: "Pick a trip.", Options: []string{"Beach", "Mountains", "City break", "Road trip"}},
	{ID: "morning", Text: "Morning person?", Options: []string{"Up at dawn", "Depends on the coffee", "Never"}},
	{ID: "pets", Text: "Cats or dogs?", Options: []string{"Cats", "Dogs", "Both", "Neither"}},
	{ID: "food", Text: "Dinner tonight?", Options: []string{"Cook together", "Favourite restaurant", "Street food", "Takeaway on the sofa"}},
	{ID: "music", Text: "Concert pick?", Options: []string{"Stadium show", "Small jazz bar", "Festival", "Classical hall"}},
	{ID: "argue", Text: "After a disagreement you...", Options: []string{"Talk it out right away", "Need some space first", "Write it down", "Laugh it off"}},
	{ID: "plans", Text: "Plans or spontaneity?", Options: []string{"Plan everything", "Mostly spontaneous", "A bit of both"}},
	{ID: "sport", Text: "Sunday activity?", Options: []string{"Run or gym", "Long walk", "Museum", "Sleep in"}},
	{ID: "movie", Text: "Movie night genre?", Options: []string{"Comedy", "Thriller", "Romance", "Documentary"}},
}

// QuestionBank is the ordered set questions are drawn from. Safe for
// concurrent use; Watch reloads it while the peer runs.
type QuestionBank struct {
	path string
	min  int

	mu        sync.RWMutex
	questions []Question
}

// DefaultBank returns the built-in questions.
func DefaultBank() *QuestionBank {
	qs := make([]Question, len(builtinQuestions))
	copy(qs, builtinQuestions)
	return &QuestionBank{questions: qs}
}

// LoadBank reads a JSON array of questions from path.
func LoadBank(path string) (*QuestionBank, error) {
	b := &QuestionBank{path: path}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

func readQuestions(path string) ([]Question, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var qs []Question
	if err := json.Unmarshal(data, &qs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if len(qs) == 0 {
		return nil, errors.New("question bank is empty")
	}
	seen := make(map[string]bool, len(qs))
	for i, q := range qs {
		if q.ID == "" {
			return nil, fmt.Errorf("question %d: missing id", i)
		}
		if seen[q.ID] {
			return nil, fmt.Errorf("question %d: duplicate id %q", i, q.ID)
		}
		seen[q.ID] = true
		if len(q.Options) < 2 {
			return nil, fmt.Errorf("question %q: needs at least two options", q.ID)
		}
	}
	return qs, nil
}

// SetMinimum makes Reload reject files with fewer than n questions.
func (b *QuestionBank) SetMinimum(n int) {
	b.mu.Lock()
	b.min = n
	b.mu.Unlock()
}

// Reload re-reads the bank file. A broken or too short file keeps the
// previous questions.
func (b *QuestionBank) Reload() error {
	if b.path == "" {
		return nil
	}
	qs, err := readQuestions(b.path)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(qs) < b.min {
		return fmt.Errorf("question bank has %d questions, need at least %d", len(qs), b.min)
	}
	b.questions = qs
	return nil
}

// Pick returns the first n questions (fewer if the bank is smaller).
func (b *QuestionBank) Pick(n int) []Question {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n > len(b.questions) {
		n = len(b.questions)
	}
	out := make([]Question, n)
	copy(out, b.questions[:n])
	return out
}

func (b *QuestionBank) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.questions)
}

// Watch reloads the bank whenever its file is written or replaced, until ctx
// is done. The directory is watched so editors that rename-on-save work.
func (b *QuestionBank) Watch(ctx context.Context) error {
	if b.path == "" {
		return errors.New("question bank has no file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(b.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(b.path), err)
	}

	go func() {
		defer watcher.Close()
		name := filepath.Clean(b.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if err := b.Reload(); err != nil {
					log.Warnf("GAME: question bank reload failed: %v", err)
					continue
				}
				log.Infof("GAME: question bank reloaded (%d questions)", b.Len())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("GAME: watcher error: %v", err)
			}
		}
	}()
	return nil
}

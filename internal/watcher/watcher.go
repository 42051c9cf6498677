package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nats-io/nats.go"

	"github.com/jerroldneal/kokorod/internal/bus"
	"github.com/jerroldneal/kokorod/internal/config"
	"github.com/jerroldneal/kokorod/internal/protocol"
)

// Service is the file-drop front-end. Text files dropped into <dir>/todo are
// claimed into <dir>/working, spoken through the bus, and moved to
// <dir>/done when their completion event arrives. It is purely a protocol
// client; the pipeline does not know it exists.
type Service struct {
	cfg    config.WatcherConfig
	bus    *bus.Client
	logger *slog.Logger

	todo    string
	working string
	done    string

	mu      sync.Mutex
	pending map[string]string    // task id -> working file
	orphans map[string]time.Time // outcomes that arrived before their ack

	subDone *nats.Subscription
	fsw     *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(parent context.Context, cfg config.WatcherConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		logger:  logger.With(slog.String("component", "watcher")),
		todo:    filepath.Join(cfg.Dir, "todo"),
		working: filepath.Join(cfg.Dir, "working"),
		done:    filepath.Join(cfg.Dir, "done"),
		pending: make(map[string]string),
		orphans: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	for _, dir := range []string{s.todo, s.working, s.done} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create watch dir %s: %w", dir, err)
		}
	}

	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTaskDone, s.handleTaskDone)
	if err != nil {
		return err
	}
	s.subDone = sub

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		s.subDone.Drain()
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(s.todo); err != nil {
		s.subDone.Drain()
		fsw.Close()
		return fmt.Errorf("watch %s: %w", s.todo, err)
	}
	s.fsw = fsw

	// Files stranded in working/ by a previous run restart their lifecycle.
	s.recoverWorking()

	s.wg.Add(1)
	go s.run()

	s.logger.Info("watching for drop files", slog.String("dir", s.todo))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subDone != nil {
		_ = s.subDone.Drain()
	}
	if s.fsw != nil {
		_ = s.fsw.Close()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.subDone != nil && s.fsw != nil
}

func (s *Service) run() {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.PollInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweep()
	for {
		select {
		case _, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			s.sweep()
		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			s.logger.Warn("fs watch error", slogError(err))
		case <-ticker.C:
			// rescan safety net for events lost under load
			s.sweep()
		case <-s.ctx.Done():
			return
		}
	}
}

// sweep claims every todo file, oldest first.
func (s *Service) sweep() {
	for _, path := range listOldestFirst(s.todo) {
		if s.ctx.Err() != nil {
			return
		}
		s.intake(path)
	}
}

// recoverWorking re-submits files a previous run claimed but never finished.
func (s *Service) recoverWorking() {
	for _, path := range listOldestFirst(s.working) {
		s.logger.Info("recovering stranded drop file", slog.String("file", path))
		s.submit(path)
	}
}

// intake claims one todo file into working/ and submits it. Claiming first
// keeps a slow rescan from speaking the same file twice.
func (s *Service) intake(path string) {
	target := filepath.Join(s.working, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(s.working, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path)))
	}
	if err := os.Rename(path, target); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to claim drop file", slog.String("file", path), slogError(err))
		}
		return
	}
	s.submit(target)
}

// submit reads a working file and requests synthesis for its contents. A
// reply that is not an ack settles the file immediately.
func (s *Service) submit(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("failed to read drop file", slog.String("file", path), slogError(err))
		s.finish(path)
		return
	}
	text := strings.TrimSpace(string(data))

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	var reply struct {
		Type    string `json:"type"`
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	req := protocol.SpeakRequest{Type: protocol.TypeSpeak, Text: text}
	if err := s.bus.RequestJSON(ctx, protocol.SubjectSpeak, req, &reply); err != nil {
		s.logger.Warn("speak request failed", slog.String("file", path), slogError(err))
		s.finish(path)
		return
	}
	if reply.Type != protocol.TypeAck || reply.ID == "" {
		s.logger.Warn("drop file rejected",
			slog.String("file", path),
			slog.String("reason", reply.Message))
		s.finish(path)
		return
	}

	// The completion event can outrun this reply; an outcome recorded for an
	// id we had not registered yet settles the file now.
	s.mu.Lock()
	if _, seen := s.orphans[reply.ID]; seen {
		delete(s.orphans, reply.ID)
		s.mu.Unlock()
		s.finish(path)
		return
	}
	s.pending[reply.ID] = path
	s.mu.Unlock()
	s.logger.Info("drop file submitted",
		slog.String("file", path),
		slog.String("task_id", reply.ID))
}

func (s *Service) handleTaskDone(msg *nats.Msg) {
	var evt protocol.TaskDoneEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.logger.Warn("failed to decode task done event", slogError(err))
		return
	}
	s.mu.Lock()
	path, ok := s.pending[evt.ID]
	if ok {
		delete(s.pending, evt.ID)
	} else {
		s.orphans[evt.ID] = time.Now()
		for id, seen := range s.orphans {
			if time.Since(seen) > time.Minute {
				delete(s.orphans, id)
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Info("drop file finished",
		slog.String("file", path),
		slog.Bool("ok", evt.OK))
	s.finish(path)
}

func (s *Service) finish(path string) {
	target := filepath.Join(s.done, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(s.done, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path)))
	}
	if err := os.Rename(path, target); err != nil {
		s.logger.Warn("failed to move drop file to done", slog.String("file", path), slogError(err))
	}
}

// listOldestFirst returns the regular files in dir ordered by modification
// time, name as tiebreak.
func listOldestFirst(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	var files []candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{
			path: filepath.Join(dir, entry.Name()),
			mod:  info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod.Equal(files[j].mod) {
			return files[i].path < files[j].path
		}
		return files[i].mod.Before(files[j].mod)
	})
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 监听配置文件变化，在冷却时间内合并多次写入后重新加载。
// 监听所在目录，以便覆盖编辑器先写临时文件再重命名的保存方式。
type Watcher struct {
	path     string
	cooldown time.Duration
	log      *zap.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher 创建监听器
func NewWatcher(path string, cooldown time.Duration, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cooldown <= 0 {
		cooldown = 500 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}
	return &Watcher{path: abs, cooldown: cooldown, log: log, watcher: w}, nil
}

// Run 阻塞直到 ctx 结束；每次变更后加载并校验新配置，校验失败只记录日志。
func (w *Watcher) Run(ctx context.Context, onUpdate func(AppConfig)) error {
	defer w.watcher.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.cooldown)
			} else {
				timer.Reset(w.cooldown)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			cfg, err := LoadWithEnvOverrides(w.path)
			if err != nil {
				w.log.Warn("Config reload rejected", zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.log.Info("Config file changed", zap.String("path", w.path))
			if onUpdate != nil {
				onUpdate(cfg)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Config watcher error", zap.Error(err))
		}
	}
}

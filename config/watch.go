package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"grid-maker-go/infrastructure/logger"
)

// HotReloader 基于 fsnotify 监听配置文件，变更后重新加载并校验，
// 校验失败保留旧配置。编辑器的连续写入事件由 cooldown 合并。
type HotReloader struct {
	path     string
	cooldown time.Duration
	log      *logger.Logger
	onUpdate func(AppConfig)

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewHotReloader 创建热加载器；onUpdate 收到的是已通过校验的配置。
func NewHotReloader(path string, onUpdate func(AppConfig), log *logger.Logger) (*HotReloader, error) {
	if log == nil {
		log = logger.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// 监听目录而不是文件本身，兼容原子替换写入（rename + create）
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	h := &HotReloader{
		path:     path,
		cooldown: time.Second,
		log:      log,
		onUpdate: onUpdate,
		watcher:  watcher,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	go h.run()
	return h, nil
}

// Stop 停止监听。
func (h *HotReloader) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
	})
	<-h.doneChan
}

func (h *HotReloader) run() {
	defer close(h.doneChan)
	defer h.watcher.Close()

	var lastReload time.Time
	target := filepath.Clean(h.path)

	for {
		select {
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if time.Since(lastReload) < h.cooldown {
				continue
			}
			lastReload = time.Now()
			h.reload()
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (h *HotReloader) reload() {
	cfg, err := LoadWithEnvOverrides(h.path)
	if err != nil {
		h.log.Warn("config reload rejected, keeping previous config",
			zap.String("path", h.path),
			zap.Error(err))
		return
	}
	h.log.Info("config reloaded", zap.String("path", h.path))
	if h.onUpdate != nil {
		h.onUpdate(cfg)
	}
}

package trigger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/facebookgo/clock"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"devsnap/internal/logger"
)

// Watcher 监听关键路径，变更时通过 notify 请求一次检查。
// notify 只应入队信号，不能直接修改状态。
type Watcher struct {
	watcher *fsnotify.Watcher
	limiter *rate.Limiter
	clock   clock.Clock
	notify  func()
	files   map[string]struct{}
	dirs    map[string]struct{}
	done    chan struct{}
}

// NewWatcher 为给定的绝对路径创建监听器。
// debounce 内的首次变更立即通知，其余变更合并为窗口结束时的一次通知。
func NewWatcher(paths []string, debounce time.Duration, clk clock.Clock, notify func()) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	fw := &Watcher{
		watcher: w,
		limiter: rate.NewLimiter(rate.Every(debounce), 1),
		clock:   clk,
		notify:  notify,
		files:   make(map[string]struct{}),
		dirs:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}

	watched := 0
	for _, p := range paths {
		p = filepath.Clean(p)
		info, err := os.Stat(p)
		switch {
		case err == nil && info.IsDir():
			fw.dirs[p] = struct{}{}
		case err == nil || os.IsNotExist(err):
			// 监听父目录以便捕获文件的创建与替换
			fw.files[p] = struct{}{}
			p = filepath.Dir(p)
			if _, err := os.Stat(p); err != nil {
				logger.Debugf("Skipping watch on %s: %v", p, err)
				continue
			}
		default:
			logger.Debugf("Skipping watch on %s: %v", p, err)
			continue
		}
		if err := w.Add(p); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", p, err)
		}
		watched++
	}
	logger.Debugf("Watching %d critical paths", watched)

	go fw.loop()
	return fw, nil
}

// Close 停止监听并等待事件循环退出
func (fw *Watcher) Close() error {
	err := fw.watcher.Close()
	<-fw.done
	return err
}

func (fw *Watcher) loop() {
	defer close(fw.done)
	// 间隔内的变更推迟到窗口结束时再通知一次
	var trailing <-chan time.Time
	for {
		select {
		case evt, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !fw.relevant(evt.Name) {
				continue
			}
			now := fw.clock.Now()
			r := fw.limiter.ReserveN(now, 1)
			delay := r.DelayFrom(now)
			switch {
			case delay == 0:
				logger.WithField("path", evt.Name).Debug("Critical path changed")
				fw.notify()
			case trailing == nil:
				logger.WithField("path", evt.Name).Debugf("Critical path changed, notifying in %s", delay)
				trailing = fw.clock.After(delay)
			default:
				r.CancelAt(now)
			}
		case <-trailing:
			trailing = nil
			fw.notify()
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("File watcher error: %v", err)
		}
	}
}

func (fw *Watcher) relevant(name string) bool {
	name = filepath.Clean(name)
	if _, ok := fw.files[name]; ok {
		return true
	}
	_, ok := fw.dirs[filepath.Dir(name)]
	return ok
}

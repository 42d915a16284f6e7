package cmn

import (
	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
)

// ConfigWatcher is a Runner that reloads the ConfigOwner whenever either
// configuration file is written, matching "cluster-config changes trigger
// update_config" from the original hot-reload behaviour.
type ConfigWatcher struct {
	Named

	owner   *ConfigOwner
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

func NewConfigWatcher(owner *ConfigOwner, paths ...string) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := w.Add(p); err != nil {
			glog.Warningf("config watcher: could not watch %s: %v", p, err)
		}
	}

	return &ConfigWatcher{
		owner:   owner,
		watcher: w,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func (c *ConfigWatcher) Run() error {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return nil
		case event, ok := <-c.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			glog.Infof("configuration file %s changed, reloading", event.Name)
			if err := c.owner.Reload(); err != nil {
				glog.Errorf("failed to reload configuration: %v", err)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return nil
			}
			glog.Warningf("config watcher error: %v", err)
		}
	}
}

func (c *ConfigWatcher) Stop() {
	close(c.stop)
	_ = c.watcher.Close()
	<-c.done
}

package trace

import (
	"bufio"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch applies the trace configuration in path and reloads it whenever
// the file changes. The file holds one directive per line:
//
//	level=debug
//	module.engine=warn
//
// Unknown lines are skipped. Watch returns a stop function.
func Watch(path string) (func(), error) {
	if err := loadConfig(path); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					_ = loadConfig(path)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		_ = w.Close()
	}, nil
}

func loadConfig(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		lv, ok := ParseLevel(val)
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		switch {
		case key == "level":
			SetLevel(lv)
		case strings.HasPrefix(key, "module."):
			SetModuleLevel(strings.TrimPrefix(key, "module."), lv)
		}
	}
	return sc.Err()
}

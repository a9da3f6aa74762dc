package backend

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// BanList is a file-backed admission.BanSource: one IP or CIDR range per
// line, '#' comments, auto-reloaded on file change. Restated from the
// teacher's LoadIPList/ConnectionTracker.startWatching/watchLoop, trimmed
// to the single blocklist logind needs.
type BanList struct {
	mu       sync.RWMutex
	ips      map[string]bool
	networks []*net.IPNet

	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadBanList reads path and starts watching it for changes. An empty path
// disables ban checking entirely; a missing file is not an error and
// leaves the list empty. Only an existing file can be watched, so a file
// created after startup is not picked up.
func LoadBanList(path string) (*BanList, error) {
	b := &BanList{path: path, ips: make(map[string]bool)}
	if path == "" {
		return b, nil
	}

	if err := b.reload(); err != nil {
		log.Printf("WARN: backend: initial ban list load failed: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return b, fmt.Errorf("backend: create ban list watcher: %w", err)
	}
	b.watcher = watcher
	b.done = make(chan struct{})

	if err := watcher.Add(path); err != nil {
		log.Printf("WARN: backend: cannot watch ban list %s for changes: %v", path, err)
	} else {
		log.Printf("INFO: backend: watching %s for changes (auto-reload enabled)", path)
	}
	go b.watchLoop()

	return b, nil
}

func (b *BanList) watchLoop() {
	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Write == fsnotify.Write || ev.Op&fsnotify.Create == fsnotify.Create {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := b.reload(); err != nil {
						log.Printf("ERROR: backend: ban list reload failed: %v", err)
					} else {
						log.Printf("INFO: backend: ban list reloaded from %s", b.path)
					}
				})
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("ERROR: backend: ban list watcher error: %v", err)
		case <-b.done:
			return
		}
	}
}

func (b *BanList) reload() error {
	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", b.path, err)
	}
	defer f.Close()

	ips := make(map[string]bool)
	var networks []*net.IPNet

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, "/") {
			if _, network, err := net.ParseCIDR(line); err == nil {
				networks = append(networks, network)
				continue
			}
			log.Printf("WARN: backend: invalid CIDR in ban list: %q", line)
			continue
		}
		if ip := net.ParseIP(line); ip != nil {
			ips[ip.String()] = true
			continue
		}
		log.Printf("WARN: backend: invalid entry in ban list: %q", line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", b.path, err)
	}

	b.mu.Lock()
	b.ips = ips
	b.networks = networks
	b.mu.Unlock()
	return nil
}

// IsBannedIP implements admission.BanSource.
func (b *BanList) IsBannedIP(addr string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.ips[addr] {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range b.networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Close stops the background watcher, if one was started.
func (b *BanList) Close() {
	if b.watcher == nil {
		return
	}
	close(b.done)
	b.watcher.Close()
}

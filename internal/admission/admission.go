// Package admission computes the early-rejection gates (ban, overload,
// guest quota) applied before a connection is shown a login prompt.
package admission

import (
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/openbbs/logind/internal/config"
	"github.com/openbbs/logind/internal/renderer"
)

// SystemStats is the BBS shared-memory observable this package reads to
// decide overload and guest-quota state. Implementations are an external
// collaborator per spec §1 — out of scope here.
type SystemStats interface {
	CPULoad() float64
	ActiveUsers() int
	GuestCount() int
}

// BanSource reports whether a peer IP is present in the ban table.
// Implementations are an external collaborator per spec §1.
type BanSource interface {
	IsBannedIP(ip string) bool
}

// Overload classifies the reason a connection is being rejected for load.
type Overload int

const (
	OverloadNone Overload = iota
	OverloadCPU
	OverloadUsers
)

// FreeUserIDSentinels are the well-known ids that bypass password challenge.
const (
	GuestSentinel = "guest"
	NewSentinel   = "new"
)

// CachedState is the process-wide admission cache, refreshed at most every
// RegularCheckInterval and otherwise read-only on the accept path.
type CachedState struct {
	WelcomeScreen string
	GoodbyeScreen string
	BanScreen     string
	WelcomeMtime  time.Time

	Overload     Overload
	Banned       bool
	GuestTooMany bool
	GuestUserNum int
}

// Admission owns CachedState and recomputes it on a bounded schedule.
type Admission struct {
	cfg   config.Config
	stats SystemStats
	bans  BanSource

	lastCheck time.Time
	cached    CachedState

	guestNumResolved bool

	// reloadPending is set by the SIGHUP handler (which may run on a
	// different goroutine than the reactor) and sampled/cleared by the
	// reactor, hence atomic rather than reactor-owned state.
	reloadPending int32
}

// New constructs an Admission gate. The returned value has zero CachedState
// until the first Reload call.
func New(cfg config.Config, stats SystemStats, bans BanSource) *Admission {
	return &Admission{cfg: cfg, stats: stats, bans: bans}
}

// RequestReload marks the cache dirty; safe to call from a signal handler.
// Restated from spec §6 "SIGHUP sets reloadPending".
func (a *Admission) RequestReload() {
	atomic.StoreInt32(&a.reloadPending, 1)
}

// Cached returns the current cache snapshot. Must only be called from the
// reactor goroutine (it is not otherwise synchronised), matching the
// single-threaded-owner model in spec §5.
func (a *Admission) Cached() CachedState { return a.cached }

// Reload recomputes CachedState if RegularCheckInterval has elapsed or a
// reload was requested, restated 1:1 from the original's regular_check()
// plus reload_data().
func (a *Admission) Reload() {
	interval := time.Duration(a.cfg.RegularCheckIntervalMs) * time.Millisecond
	due := time.Since(a.lastCheck) >= interval

	if due {
		a.lastCheck = time.Now()
		a.recomputeOverload()
		a.recomputeBanned()
		a.ClearGuestTooMany()
		if a.welcomeBannerChanged() {
			atomic.StoreInt32(&a.reloadPending, 1)
		}
	}

	if atomic.CompareAndSwapInt32(&a.reloadPending, 1, 0) {
		a.reloadBanners()
	}
}

func (a *Admission) recomputeOverload() {
	switch {
	case a.stats != nil && a.stats.CPULoad() >= a.cfg.MaxCpuLoad:
		a.cached.Overload = OverloadCPU
	case a.stats != nil && a.stats.ActiveUsers() >= a.cfg.MaxActiveUsers:
		a.cached.Overload = OverloadUsers
	default:
		a.cached.Overload = OverloadNone
	}
}

func (a *Admission) recomputeBanned() {
	_, err := os.Stat(a.cfg.BanFilePath)
	a.cached.Banned = err == nil
}

func (a *Admission) welcomeBannerChanged() bool {
	info, err := os.Stat(a.cfg.WelcomeBannerPath)
	if err != nil {
		return false
	}
	if !info.ModTime().Equal(a.cached.WelcomeMtime) {
		return true
	}
	return false
}

func (a *Admission) reloadBanners() {
	if text, err := renderer.LoadBanner(a.cfg.WelcomeBannerPath, a.stats.ActiveUsers()); err == nil {
		a.cached.WelcomeScreen = text
		if info, statErr := os.Stat(a.cfg.WelcomeBannerPath); statErr == nil {
			a.cached.WelcomeMtime = info.ModTime()
		}
	} else {
		log.Printf("WARN: admission: welcome banner reload failed: %v", err)
	}

	if text, err := renderer.LoadBanner(a.cfg.GoodbyeBannerPath, 0); err == nil {
		a.cached.GoodbyeScreen = text
	}
	if text, err := renderer.LoadBanner(a.cfg.BanBannerPath, 0); err == nil {
		a.cached.BanScreen = text
	}
}

// IsIPBanned reports whether a peer IP is present in the ban table,
// independent of the global ban-file-presence flag in CachedState.
func (a *Admission) IsIPBanned(ip string) bool {
	if a.bans == nil {
		return false
	}
	return a.bans.IsBannedIP(ip)
}

// CheckFreeUserID implements spec §4.7's checkFreeUserId(id): returns
// (isFree, allowed).
func (a *Admission) CheckFreeUserID(id string) (isFree bool, allowed bool) {
	switch id {
	case GuestSentinel:
		if a.cfg.SkipFreeUserIDCheck {
			return true, true
		}
		if a.cached.GuestTooMany {
			return true, false
		}
		if !a.guestNumResolved {
			if a.stats != nil {
				a.cached.GuestUserNum = a.stats.GuestCount()
			}
			a.guestNumResolved = true
		}
		guestCount := 0
		if a.stats != nil {
			guestCount = a.stats.GuestCount()
		}
		if guestCount >= a.cfg.MaxGuestUsers {
			a.cached.GuestTooMany = true
			return true, false
		}
		return true, true

	case NewSentinel:
		return true, true

	default:
		return false, false
	}
}

// ClearGuestTooMany is invoked by Reload's recompute path when
// regular-check refresh should re-arm the guest-quota short-circuit,
// restated from spec §8's boundary behaviour on LOGIND_DONT_CHECK_FREE_USERID.
func (a *Admission) ClearGuestTooMany() {
	if !a.cfg.SkipFreeUserIDCheck {
		a.cached.GuestTooMany = false
		a.guestNumResolved = false
	}
}

package backend

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/openbbs/logind/internal/admission"
	"github.com/openbbs/logind/internal/connmgr"
)

// SysStats is the default admission.SystemStats: CPU load from
// /proc/loadavg (the same one-minute figure the original's cpuload()
// wrapper reads via getloadavg(3)), and active/guest counts from the
// dispatcher's own connection registry. logind has no access to the BBS's
// shared-memory UTMP table the original reads (SHM->UTMPnumber), so this
// undercounts relative to a live BBS process; see DESIGN.md.
type SysStats struct {
	reg *connmgr.Registry
}

// NewSysStats wraps reg, which may be nil (ActiveUsers/GuestCount read 0).
func NewSysStats(reg *connmgr.Registry) *SysStats {
	return &SysStats{reg: reg}
}

// SetRegistry installs the registry after construction. Admission must be
// built before the Dispatcher that owns the registry it reads from; call
// this once, before the dispatcher's Run starts, to close that loop.
func (s *SysStats) SetRegistry(reg *connmgr.Registry) { s.reg = reg }

// CPULoad implements admission.SystemStats.
func (s *SysStats) CPULoad() float64 {
	load, err := readLoadAvg("/proc/loadavg")
	if err != nil {
		log.Printf("WARN: backend: reading /proc/loadavg failed: %v", err)
		return 0
	}
	return load
}

// ActiveUsers implements admission.SystemStats.
func (s *SysStats) ActiveUsers() int {
	if s.reg == nil {
		return 0
	}
	return s.reg.Count()
}

// GuestCount implements admission.SystemStats: the subset of currently
// registered connections authenticated as the guest sentinel.
func (s *SysStats) GuestCount() int {
	if s.reg == nil {
		return 0
	}
	n := 0
	for _, c := range s.reg.ListActive() {
		if c.Ctx != nil && strings.EqualFold(c.Ctx.Userid(), admission.GuestSentinel) {
			n++
		}
	}
	return n
}

func readLoadAvg(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("unexpected contents in %s", path)
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse load average in %s: %w", path, err)
	}
	return load, nil
}

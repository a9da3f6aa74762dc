// Command logind is the front-end TELNET login dispatcher: it accepts
// callers, runs the userid/password dialogue, and hands authenticated
// sockets off to a backend session process over a Unix domain tunnel.
// Flags and exit codes are restated from the original logind's getopt
// loop and main(). The -d/-D daemon flags are accepted and logged, but the
// process always stays in the foreground; there is no double-fork.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/openbbs/logind/internal/admission"
	"github.com/openbbs/logind/internal/backend"
	"github.com/openbbs/logind/internal/config"
	"github.com/openbbs/logind/internal/dispatcher"
	"github.com/openbbs/logind/internal/logging"
)

const usage = `usage: logind [-aAbBvdD] [-l log_file] [-f conf] [-p port] [-t tunnel]

	-f <conf>   read bind-ports configuration from file (default: etc/bindports.conf)
	-p <port>   bind (listen) to an additional specific port
	-t <path>   create the backend tunnel at this path, overriding the config file
	-r <cmd>    command to (re-)run when the backend tunnel is lost
	-l <file>   write log output to file instead of stderr
	-d / -D     enter / do not enter daemon mode (accepted; no effect, logind
	            always runs in the foreground)
	-a / -A     use / do not use asynchronous service ack (default: async)
	-b / -B     use / do not use non-blocking accept (accepted; no effect)
	-v          increase verbosity
	-h          this usage message

Exit codes: 0 normal termination (never expected), 1 usage, 2 cannot create
tunnel, 3 cannot bind a required port, 4 no ports bound or no tunnel path.
`

func main() {
	os.Exit(run())
}

func run() int {
	// Restated from the original's Signal(SIGPIPE, SIG_IGN): a write to a
	// peer that has already closed its end must return EPIPE as an error,
	// never kill the process.
	signal.Ignore(syscall.SIGPIPE)

	var (
		confPath    = flag.String("f", "etc/bindports.conf", "bind-ports configuration file")
		extraPort   = flag.Int("p", 0, "additional TCP port to bind")
		tunnelPath  = flag.String("t", "", "tunnel socket path override")
		retryCmd    = flag.String("r", "", "retry command override")
		logFile     = flag.String("l", "", "log file path")
		daemonOn    = flag.Bool("d", false, "enter daemon mode")
		daemonOff   = flag.Bool("D", false, "do not enter daemon mode")
		asyncOn     = flag.Bool("a", false, "use asynchronous service ack")
		asyncOff    = flag.Bool("A", false, "do not use asynchronous service ack")
		nonblockOn  = flag.Bool("b", false, "use non-blocking accept")
		nonblockOff = flag.Bool("B", false, "do not use non-blocking accept")
		help        = flag.Bool("h", false, "show usage")
	)
	verbose := 0
	flag.BoolFunc("v", "increase verbosity (repeatable)", func(string) error {
		verbose++
		return nil
	})
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if *help {
		flag.Usage()
		return 1
	}

	daemonize := true
	if *daemonOff {
		daemonize = false
	}
	if *daemonOn {
		daemonize = true
	}
	ackAsync := true
	if *asyncOff {
		ackAsync = false
	}
	if *asyncOn {
		ackAsync = true
	}
	nonblock := true
	if *nonblockOff {
		nonblock = false
	}
	if *nonblockOn {
		nonblock = true
	}
	_ = nonblock // accept-loop blocking mode is fixed by net.Listener; kept for CLI parity, see DESIGN.md

	if verbose > 0 {
		logging.DebugEnabled = true
		log.Printf("INFO: logind: verbosity level %d", verbose)
	}

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("WARN: logind: cannot open log file %s: %v. Logging to stderr.", *logFile, err)
		} else {
			log.SetOutput(f)
			defer f.Close()
		}
	}
	log.Printf("INFO: logind: starting (daemon=%v async-ack=%v)", daemonize, ackAsync)

	cfg, err := config.LoadConfig(filepath.Dir(*confPath))
	if err != nil {
		log.Printf("WARN: logind: %v", err)
	}
	if ackAsync {
		cfg.AckMode = "async"
	} else {
		cfg.AckMode = "sync"
	}

	ports, err := config.ParseBindPorts(*confPath)
	if err != nil {
		log.Printf("ERROR: logind: cannot read bind-ports config %s: %v", *confPath, err)
	}
	if *extraPort != 0 {
		ports.Ports = append(ports.Ports, *extraPort)
	}
	if *tunnelPath != "" {
		ports.TunnelPath = *tunnelPath
	}
	if *retryCmd != "" {
		ports.ClientRetryCmd = *retryCmd
	}

	if len(ports.Ports) == 0 {
		log.Printf("ERROR: logind: no ports to bind. abort.")
		return 4
	}
	if ports.TunnelPath == "" {
		log.Printf("ERROR: logind: must assign one tunnel path. abort.")
		return 4
	}

	if err := raiseFileLimit(cfg.MaxOpenFiles); err != nil {
		log.Printf("WARN: logind: %v", err)
	}

	bans, err := backend.LoadBanList(cfg.BanFilePath)
	if err != nil {
		log.Printf("WARN: logind: %v", err)
	}
	if bans != nil {
		defer bans.Close()
	}
	store, err := backend.LoadPasswdStore(filepath.Join(filepath.Dir(*confPath), "passwd.json"))
	if err != nil {
		log.Printf("ERROR: logind: %v", err)
		store = &backend.PasswdStore{}
	}
	stats := backend.NewSysStats(nil)
	adm := admission.New(cfg, stats, bans)

	d := dispatcher.New(cfg, ports, adm, store)
	stats.SetRegistry(d.Registry())

	// Ports are bound while still root, since any of them could be below
	// 1024. The tunnel socket is deliberately left unbound until after
	// privileges drop, matching the original's "no way back from here"
	// ordering: it binds every listen port, then setgid/setuid, then
	// creates the tunnel.
	if err := d.BindPorts(); err != nil {
		log.Printf("ERROR: logind: %v", err)
		return 3
	}

	if err := dropPrivileges(cfg.SetGid, cfg.SetUid); err != nil {
		log.Printf("WARN: logind: %v", err)
	}

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for s := range sig {
			switch s {
			case syscall.SIGHUP:
				log.Printf("INFO: logind: caught SIGHUP, requesting reload")
				d.RequestReload()
			case syscall.SIGINT, syscall.SIGTERM:
				log.Printf("INFO: logind: caught %v, shutting down", s)
				close(stop)
				return
			}
		}
	}()

	if ports.ClientCmd != "" {
		log.Printf("INFO: logind: invoking client %q...", ports.ClientCmd)
		if err := exec.Command("/bin/sh", "-c", ports.ClientCmd).Run(); err != nil {
			log.Printf("WARN: logind: client command failed: %v", err)
		}
	}

	log.Printf("INFO: logind: start event dispatch.")
	if err := d.Run(stop); err != nil {
		log.Printf("ERROR: logind: %v", err)
		if errors.Is(err, dispatcher.ErrPortBind) {
			return 3
		}
		return 2
	}
	return 0
}

// raiseFileLimit restates the original's setrlimit(RLIMIT_NOFILE) call: a
// failure is logged but not fatal, matching its "warning: cannot increase
// max fd" behaviour.
func raiseFileLimit(max uint64) error {
	if max == 0 {
		return nil
	}
	limit := unix.Rlimit{Cur: max, Max: max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return fmt.Errorf("cannot raise RLIMIT_NOFILE to %d: %w", max, err)
	}
	return nil
}

// dropPrivileges restates the original's "give up root: no way back from
// here" setgid/setuid pair. Values of 0 are treated as "leave unset" since
// 0 is root's own uid/gid and never a meaningful drop target here.
func dropPrivileges(gid, uid int) error {
	if gid != 0 {
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("setgid(%d): %w", gid, err)
		}
	}
	if uid != 0 {
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("setuid(%d): %w", uid, err)
		}
	}
	return nil
}

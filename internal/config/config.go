// Package config loads the logind daemon configuration and the bind-ports
// file that tells the dispatcher which TCP ports, tunnel socket, and retry
// service to run.
package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the tunable settings for the login dispatcher. Values not
// present in config.json fall back to the defaults below, mirroring the
// teacher's default-then-overlay loading pattern.
type Config struct {
	// Admission thresholds, restated from the original's regular_check().
	MaxCpuLoad             float64 `json:"maxCpuLoad"`
	MaxActiveUsers         int     `json:"maxActiveUsers"`
	MaxGuestUsers          int     `json:"maxGuestUsers"`
	RegularCheckIntervalMs int     `json:"regularCheckIntervalMs"`
	BanFilePath            string  `json:"banFilePath"`
	WelcomeBannerPath      string  `json:"welcomeBannerPath"`
	OverloadBannerPath     string  `json:"overloadBannerPath"`
	BanBannerPath          string  `json:"banBannerPath"`
	GoodbyeBannerPath      string  `json:"goodbyeBannerPath"`
	SkipFreeUserIDCheck    bool    `json:"skipFreeUserIdCheck"`

	// Connection tuning, restated from _set_connection_opt.
	RecvBufferBytes int  `json:"recvBufferBytes"`
	SendBufferBytes int  `json:"sendBufferBytes"`
	KeepAlive       bool `json:"keepAlive"`

	// Retry-service behaviour, restated from retry_service/LOGIND_MAX_RETRY_SERVICE.
	MaxRetryService int `json:"maxRetryService"`

	// Acknowledgement mode for the tunnel handoff: "sync" or "async".
	AckMode string `json:"ackMode"`
	// AckTimeoutSeconds bounds how long a pending async ack may sit in the
	// AckQueue before it is garbage-collected (original's ACK_TIMEOUT_SEC).
	AckTimeoutSeconds int `json:"ackTimeoutSeconds"`

	// Privilege drop, applied after all listen ports are bound and before
	// the tunnel socket is created.
	SetGid int `json:"setgid"`
	SetUid int `json:"setuid"`

	// Rlimit raise applied at startup, restated from logind's setrlimit(RLIMIT_NOFILE).
	MaxOpenFiles uint64 `json:"maxOpenFiles"`

	// TelnetEncodingDefault is loaded but not read by any component: output
	// is CP437 until the userid's trailing character selects "utf8" or "gb".
	TelnetEncodingDefault string `json:"telnetEncodingDefault"`

	// LoginAttempts bounds failed challenges before goodbye+teardown,
	// restated from the original's LOGIND_MAX_LOGIN_ATTEMPTS.
	LoginAttempts int `json:"loginAttempts"`

	// Timeouts and teardown graces, all in seconds, restated from the
	// original's *_SEC constants.
	IdleTimeoutSeconds    int `json:"idleTimeoutSeconds"`
	AuthFailSleepSeconds  int `json:"authFailSleepSeconds"`
	BanSleepSeconds       int `json:"banSleepSeconds"`
	OverloadSleepSeconds  int `json:"overloadSleepSeconds"`

	// ListenBacklog is loaded but not applied: listeners are opened with
	// net.Listen, which uses the system's default backlog.
	ListenBacklog int `json:"listenBacklog"`
}

func defaultConfig() Config {
	return Config{
		MaxCpuLoad:             8.0,
		MaxActiveUsers:         150,
		MaxGuestUsers:          5,
		RegularCheckIntervalMs: 15000,
		BanFilePath:            "etc/ban_ips",
		WelcomeBannerPath:      "etc/welcome",
		OverloadBannerPath:     "etc/overload",
		BanBannerPath:          "etc/reject",
		GoodbyeBannerPath:      "etc/goodbye",
		SkipFreeUserIDCheck:    false,
		RecvBufferBytes:        1024,
		SendBufferBytes:        4096,
		KeepAlive:              true,
		MaxRetryService:        15,
		AckMode:                "async",
		AckTimeoutSeconds:      30,
		SetGid:                 0,
		SetUid:                 0,
		MaxOpenFiles:           4096,
		TelnetEncodingDefault:  "utf8",
		LoginAttempts:          3,
		IdleTimeoutSeconds:     1200,
		AuthFailSleepSeconds:   15,
		BanSleepSeconds:        60,
		OverloadSleepSeconds:   60,
		ListenBacklog:          100,
	}
}

// LoadConfig loads config.json from configPath, overlaying it onto
// defaultConfig(). A missing file is not an error — the defaults are
// returned with a WARN log, matching LoadServerConfig's behaviour in the
// teacher codebase.
func LoadConfig(configPath string) (Config, error) {
	filePath := filepath.Join(configPath, "config.json")
	log.Printf("INFO: Loading logind configuration from %s", filePath)

	cfg := defaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("WARN: config.json not found at %s. Using default settings.", filePath)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Printf("ERROR: Failed to parse config JSON from %s: %v. Using default settings.", filePath, err)
		return defaultConfig(), fmt.Errorf("failed to parse config JSON from %s: %w", filePath, err)
	}

	log.Printf("INFO: Successfully loaded logind configuration from %s", filePath)
	return cfg, nil
}

// BindPorts is the parsed form of the bind-ports configuration file, whose
// grammar is restated from the original's parse_bindports_conf:
//
//	logind <port>               # listen on a TCP port
//	logind tunnel <path>        # unix-domain socket path for the backend tunnel
//	logind client <cmd>         # command line to exec once, synchronously, at startup
//	logind client_retry <cmd>   # command line (re-)exec'd by the retry-service path
//
// Blank lines and lines starting with '#' are ignored.
type BindPorts struct {
	Ports           []int
	TunnelPath      string
	ClientCmd       string
	ClientRetryCmd  string
}

// ParseBindPorts reads the bind-ports config file at path.
func ParseBindPorts(path string) (BindPorts, error) {
	f, err := os.Open(path)
	if err != nil {
		return BindPorts{}, fmt.Errorf("failed to open bind-ports file %s: %w", path, err)
	}
	defer f.Close()

	var bp BindPorts
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "logind" {
			log.Printf("WARN: %s:%d: ignoring unrecognized line %q", path, lineNo, line)
			continue
		}

		switch fields[1] {
		case "tunnel":
			if len(fields) < 3 {
				return bp, fmt.Errorf("%s:%d: 'tunnel' directive requires a path", path, lineNo)
			}
			if bp.TunnelPath != "" {
				log.Printf("WARN: %s:%d: ignoring duplicate 'tunnel' directive, first wins", path, lineNo)
				continue
			}
			bp.TunnelPath = fields[2]
		case "client":
			if bp.ClientCmd != "" {
				log.Printf("WARN: %s:%d: ignoring duplicate 'client' directive, first wins", path, lineNo)
				continue
			}
			bp.ClientCmd = strings.TrimSpace(strings.TrimPrefix(line, "logind client"))
		case "client_retry":
			if bp.ClientRetryCmd != "" {
				log.Printf("WARN: %s:%d: ignoring duplicate 'client_retry' directive, first wins", path, lineNo)
				continue
			}
			bp.ClientRetryCmd = strings.TrimSpace(strings.TrimPrefix(line, "logind client_retry"))
		default:
			port, convErr := strconv.Atoi(fields[1])
			if convErr != nil {
				log.Printf("WARN: %s:%d: ignoring unrecognized directive %q", path, lineNo, fields[1])
				continue
			}
			bp.Ports = append(bp.Ports, port)
		}
	}
	if err := scanner.Err(); err != nil {
		return bp, fmt.Errorf("failed to read bind-ports file %s: %w", path, err)
	}
	return bp, nil
}

package config

import (
	"os"
	"strconv"
	"time"
)

var (
	cacheRoot = "./segment-cache"
	originURL = "http://127.0.0.1:8001"

	maxConcurrent  = 3
	pollInterval   = 2 * time.Second
	maxRetries     = 3
	retryBaseDelay = 1 * time.Second
	requestTimeout = 10 * time.Second

	// consecutive /status failures before a run gives up on the origin
	maxStatusFailures = 5
	// empty poll rounds tolerated before an unknown-total asset is declared done
	idlePollRounds = 5

	minAssembleSegments = 4
	ffmpegPath          = ""

	evictMaxAge     = 24 * time.Hour
	janitorInterval = 30 * time.Minute

	listenAddr = ":4002"

	// logging
	logFilePath   = ""
	logAllowRegex = `^\[(init|boot|http|fetch|poll|store|stream|assemble|janitor|preload|cache|history)\]`
	logDenyRegex  = ""
	logDedupWin   = 3 * time.Second
)

func Load() {
	if v := getenv("CACHE_ROOT", ""); v != "" {
		cacheRoot = v
	}
	_ = os.MkdirAll(cacheRoot, 0o755)

	originURL = getenv("ORIGIN_URL", originURL)

	maxConcurrent = getenvInt("MAX_CONCURRENT", maxConcurrent)
	pollInterval = getenvDuration("POLL_INTERVAL", pollInterval)
	maxRetries = getenvInt("MAX_RETRIES", maxRetries)
	retryBaseDelay = getenvDuration("RETRY_BASE_DELAY", retryBaseDelay)
	requestTimeout = getenvDuration("REQUEST_TIMEOUT", requestTimeout)

	maxStatusFailures = getenvInt("MAX_STATUS_FAILURES", maxStatusFailures)
	idlePollRounds = getenvInt("IDLE_POLL_ROUNDS", idlePollRounds)

	minAssembleSegments = getenvInt("MIN_ASSEMBLE_SEGMENTS", minAssembleSegments)
	ffmpegPath = getenv("FFMPEG_PATH", ffmpegPath)

	evictMaxAge = getenvDuration("EVICT_MAX_AGE", evictMaxAge)
	if h := getenvInt("EVICT_MAX_AGE_HOURS", 0); h > 0 {
		evictMaxAge = time.Duration(h) * time.Hour
	}
	janitorInterval = getenvDuration("JANITOR_INTERVAL", janitorInterval)

	listenAddr = getenv("LISTEN", listenAddr)

	logFilePath = getenv("LOG_FILE", logFilePath)
	logAllowRegex = getenv("LOG_ALLOW", logAllowRegex)
	logDenyRegex = getenv("LOG_DENY", logDenyRegex)
	logDedupWin = getenvDuration("LOG_DEDUP_WINDOW", logDedupWin)
}

// getters
func CacheRoot() string              { return cacheRoot }
func OriginURL() string              { return originURL }
func MaxConcurrent() int             { return maxConcurrent }
func PollInterval() time.Duration    { return pollInterval }
func MaxRetries() int                { return maxRetries }
func RetryBaseDelay() time.Duration  { return retryBaseDelay }
func RequestTimeout() time.Duration  { return requestTimeout }
func MaxStatusFailures() int         { return maxStatusFailures }
func IdlePollRounds() int            { return idlePollRounds }
func MinAssembleSegments() int       { return minAssembleSegments }
func FFmpegPath() string             { return ffmpegPath }
func EvictMaxAge() time.Duration     { return evictMaxAge }
func JanitorInterval() time.Duration { return janitorInterval }
func ListenAddr() string             { return listenAddr }
func LogFilePath() string            { return logFilePath }
func LogAllowRegex() string          { return logAllowRegex }
func LogDenyRegex() string           { return logDenyRegex }
func LogDedupWindow() time.Duration  { return logDedupWin }

// helpers
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

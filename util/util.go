package util

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

var log = mkLogger()

// mkLogger builds the shared logger. SECTORFS_DEBUG selects the level:
// unset or 0 is info, 1 is debug, anything higher is trace.
func mkLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	if v := os.Getenv("SECTORFS_DEBUG"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n >= 1 {
			if n == 1 {
				l.SetLevel(logrus.DebugLevel)
			} else {
				l.SetLevel(logrus.TraceLevel)
			}
		}
	}
	return l
}

// Logger returns the process-wide filesystem logger.
func Logger() *logrus.Logger {
	return log
}

// DPrintf logs debug output; level 1 maps to debug, higher levels to
// trace (chattier sector-by-sector output).
func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= 1 {
		log.Debugf(format, a...)
	} else {
		log.Tracef(format, a...)
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	}
	return m
}

func SumOverflows(a uint64, b uint64) bool {
	return a+b < a
}

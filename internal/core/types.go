package core

import (
	"strconv"
	"strings"
)

// Severity is the level tag printed in front of every record.
type Severity int

// Severities follow the syslog/QMF numbering, most severe first.
const (
	SeverityEmergency Severity = iota
	SeverityAlert
	SeverityCritical
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityInfo
	SeverityDebug
)

var severityNames = [...]string{"EMER", "ALERT", "CRIT", "ERROR", "WARN", "NOTICE", "INFO", "DEBUG"}

func (s Severity) String() string {
	if s < SeverityEmergency || s > SeverityDebug {
		return "INFO"
	}
	return severityNames[s]
}

// ParseSeverity accepts a level name in any case (including common long
// forms such as "warning" or "critical") or a QMF numeric level 0-7.
func ParseSeverity(v string) (Severity, bool) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if n < int(SeverityEmergency) || n > int(SeverityDebug) {
			return SeverityInfo, false
		}
		return Severity(n), true
	}
	switch strings.ToLower(v) {
	case "emer", "emerg", "emergency":
		return SeverityEmergency, true
	case "alert":
		return SeverityAlert, true
	case "crit", "critical":
		return SeverityCritical, true
	case "err", "error":
		return SeverityError, true
	case "warn", "warning":
		return SeverityWarning, true
	case "notice":
		return SeverityNotice, true
	case "info":
		return SeverityInfo, true
	case "debug":
		return SeverityDebug, true
	}
	return SeverityInfo, false
}

package usagelimit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// limitPatterns match the wording the Claude CLI prints when a usage window
// is exhausted.
var limitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)claude usage limit reached`),
	regexp.MustCompile(`(?i)usage limit (?:reached|exceeded|hit)`),
	regexp.MustCompile(`(?i)you(?:'ve| have) reached your (?:usage|daily|session) limit`),
	regexp.MustCompile(`(?i)limit will reset at`),
}

// approachPatterns are warnings about a limit that is near but not reached;
// they must not trigger a pause.
var approachPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)approaching (?:your |the )?(?:usage |session )?limit`),
	regexp.MustCompile(`(?i)near(?:ing)? (?:your |the )?(?:usage |session )?limit`),
	regexp.MustCompile(`(?i)\d+%? of (?:your |the )?(?:usage |session )?limit`),
}

// IsLimitMessage reports whether the text declares an exhausted usage window.
func IsLimitMessage(text string) bool {
	for _, re := range approachPatterns {
		if re.MatchString(text) {
			return false
		}
	}
	for _, re := range limitPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// resetAtRe pulls the reset clock time out of messages like
// "Your limit will reset at 3am (America/Los_Angeles)." or
// "try again at 14:30".
var resetAtRe = regexp.MustCompile(`(?i)(?:reset|resets|available|try again)\s+(?:at|after)\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?(?:\s*\(([^)]+)\))?`)

// ParseResetTime extracts the next reset instant from a limit message. The
// clock time is interpreted as the next occurrence after now, in the
// message's timezone when one is given.
func ParseResetTime(message string, now time.Time) (time.Time, bool) {
	m := resetAtRe.FindStringSubmatch(message)
	if m == nil {
		return time.Time{}, false
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	minute := 0
	if m[2] != "" {
		minute, err = strconv.Atoi(m[2])
		if err != nil || minute > 59 {
			return time.Time{}, false
		}
	}

	meridiem := strings.ToLower(m[3])
	switch meridiem {
	case "pm":
		if hour < 1 || hour > 12 {
			return time.Time{}, false
		}
		if hour != 12 {
			hour += 12
		}
	case "am":
		if hour < 1 || hour > 12 {
			return time.Time{}, false
		}
		if hour == 12 {
			hour = 0
		}
	default:
		if hour > 23 {
			return time.Time{}, false
		}
	}

	loc := now.Location()
	if m[4] != "" {
		if parsed, err := time.LoadLocation(strings.TrimSpace(m[4])); err == nil {
			loc = parsed
		}
	}

	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !candidate.After(now) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate, true
}

package meds

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	nameDosageRe = regexp.MustCompile(`(?i)^([a-z][a-z\s-]*?)\s+(\d+(?:\.\d+)?\s*(?:mg|mcg|g|ml|units?|tablets?|capsules?|pills?|puffs?|drops?))\b`)
	clockRe      = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})\s*(am|pm)?\b`)
	hourRe       = regexp.MustCompile(`(?i)\b(\d{1,2})\s*(am|pm)\b`)
)

// frequencyTimes maps how often a dose is taken to default clock times
var frequencyTimes = []struct {
	keywords []string
	times    []string
}{
	{[]string{"four times", "4 times", "qid"}, []string{"08:00", "12:00", "16:00", "20:00"}},
	{[]string{"three times", "3 times", "thrice", "tid"}, []string{"08:00", "14:00", "20:00"}},
	{[]string{"twice", "two times", "2 times", "bid", "every 12 hours"}, []string{"08:00", "20:00"}},
}

var keywordTimes = map[string]string{
	"morning":    "08:00",
	"breakfast":  "08:00",
	"noon":       "12:00",
	"lunch":      "12:00",
	"afternoon":  "15:00",
	"evening":    "18:00",
	"dinner":     "19:00",
	"bedtime":    "22:00",
	"before bed": "22:00",
	"night":      "22:00",
}

// ParsedMedication is the result of reading a free-text medication line
type ParsedMedication struct {
	Name     string
	Dosage   string
	Times    []string
	WithFood bool
}

// ParseMedication reads inputs like "Metformin 500mg twice daily with meals"
func ParseMedication(text string) ParsedMedication {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(text)

	var p ParsedMedication
	if m := nameDosageRe.FindStringSubmatch(text); len(m) == 3 {
		p.Name = strings.TrimSpace(m[1])
		p.Dosage = strings.ReplaceAll(m[2], " ", "")
	} else {
		p.Name = text
	}

	p.Times = ParseTimes(lower)
	p.WithFood = strings.Contains(lower, "with food") ||
		strings.Contains(lower, "with meals") ||
		strings.Contains(lower, "after meal")
	return p
}

// ParseTimes extracts "HH:MM" slots from a schedule phrase. Explicit clock
// times win over keywords; with neither, frequency words pick defaults and
// a single morning dose is assumed last.
func ParseTimes(text string) []string {
	text = strings.ToLower(text)
	seen := map[string]bool{}
	var times []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			times = append(times, t)
		}
	}

	for _, m := range clockRe.FindAllStringSubmatch(text, -1) {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if t, ok := to24h(hour, minute, m[3]); ok {
			add(t)
		}
	}
	for _, m := range hourRe.FindAllStringSubmatch(clockRe.ReplaceAllString(text, " "), -1) {
		hour, _ := strconv.Atoi(m[1])
		if t, ok := to24h(hour, 0, m[2]); ok {
			add(t)
		}
	}

	if len(times) == 0 {
		for kw, t := range keywordTimes {
			if strings.Contains(text, kw) {
				add(t)
			}
		}
	}

	if len(times) == 0 {
		for _, f := range frequencyTimes {
			if containsAny(text, f.keywords) {
				for _, t := range f.times {
					add(t)
				}
				break
			}
		}
	}

	if len(times) == 0 {
		add("08:00")
	}
	sort.Strings(times)
	return times
}

func to24h(hour, minute int, ampm string) (string, bool) {
	switch strings.ToLower(ampm) {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), true
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

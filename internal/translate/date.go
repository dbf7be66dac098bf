package translate

import (
	"regexp"
	"strconv"
	"time"
)

// Perforce reports some dates as "2000/01/01 00:00:00" (changelists) and
// others as seconds since the epoch (fixes), so both forms are accepted
// on the way in.
var (
	p4DateRe  = regexp.MustCompile(`^(\d{4})/(\d{2})/(\d{2}) (\d{2}):(\d{2}):(\d{2})$`)
	p4EpochRe = regexp.MustCompile(`^\d+$`)
	bzDateRe  = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2}) (\d{2}):(\d{2}):(\d{2})$`)
	bzStampRe = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})(\d{2})(\d{2})(\d{2})$`)
)

// Date translates MySQL datetime values ("YYYY-MM-DD hh:mm:ss") to and
// from Perforce date fields. Unparseable values translate to the empty
// string, which the receiving side fills with its own default.
type Date struct{}

func (Date) ToJob(value string) (string, error) {
	if m := bzDateRe.FindStringSubmatch(value); m != nil {
		return m[1] + "/" + m[2] + "/" + m[3] + " " + m[4] + ":" + m[5] + ":" + m[6], nil
	}
	return "", nil
}

func (Date) ToIssue(value string) (string, error) {
	if m := p4DateRe.FindStringSubmatch(value); m != nil {
		return m[1] + "-" + m[2] + "-" + m[3] + " " + m[4] + ":" + m[5] + ":" + m[6], nil
	}
	if p4EpochRe.MatchString(value) {
		secs, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return "", nil
		}
		return time.Unix(secs, 0).UTC().Format("2006-01-02 15:04:05"), nil
	}
	return "", nil
}

// Timestamp translates MySQL packed timestamps ("YYYYMMDDhhmmss") to and
// from Perforce date fields, with the same two accepted Perforce forms.
// An empty result on the Bugzilla side becomes now() on insertion.
type Timestamp struct{}

func (Timestamp) ToJob(value string) (string, error) {
	if m := bzStampRe.FindStringSubmatch(value); m != nil {
		return m[1] + "/" + m[2] + "/" + m[3] + " " + m[4] + ":" + m[5] + ":" + m[6], nil
	}
	return "", nil
}

func (Timestamp) ToIssue(value string) (string, error) {
	if m := p4DateRe.FindStringSubmatch(value); m != nil {
		return m[1] + m[2] + m[3] + m[4] + m[5] + m[6], nil
	}
	if p4EpochRe.MatchString(value) {
		secs, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return "", nil
		}
		return time.Unix(secs, 0).UTC().Format("20060102150405"), nil
	}
	return "", nil
}

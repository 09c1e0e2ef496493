// Package chatid converts between the id variants a chat can be referred
// to by: the -100 prefixed supergroup/channel form, the bare negative
// group form and the positive canonical form stored in the database.
package chatid

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const superPrefix = "100"

// Normalize returns the canonical storage key for raw.
//
//	-1002815974674 -> 2815974674
//	-2815974674    -> 2815974674
//	2815974674     -> 2815974674
//
// Non-numeric input is returned trimmed.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return s
	}
	if n >= 0 {
		return strconv.FormatInt(n, 10)
	}
	abs := strconv.FormatInt(-n, 10)
	if strings.HasPrefix(abs, superPrefix) && len(abs) > len(superPrefix) {
		return abs[len(superPrefix):]
	}
	return abs
}

// NormalizeInt is Normalize for numeric ids.
func NormalizeInt(id int64) string {
	return Normalize(strconv.FormatInt(id, 10))
}

var usernameRegexp = regexp.MustCompile(`^@?[A-Za-z][A-Za-z0-9_]{3,31}$`)

// Valid reports whether raw is a non-zero numeric id or a public
// username, with or without the leading @.
func Valid(raw string) bool {
	s := strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n != 0
	}
	return usernameRegexp.MatchString(s)
}

// Candidates returns every spelling under which raw may have been stored,
// sorted and de-duplicated, for use in "in" lookups.
func Candidates(raw string) []string {
	s := strings.TrimSpace(raw)
	set := map[string]struct{}{
		s:            {},
		Normalize(s): {},
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		abs := n
		if abs < 0 {
			abs = -abs
		}
		absStr := strconv.FormatInt(abs, 10)
		set[strconv.FormatInt(n, 10)] = struct{}{}
		set[absStr] = struct{}{}
		set["-"+superPrefix+absStr] = struct{}{}
		set["-"+absStr] = struct{}{}
		if n < 0 && strings.HasPrefix(s, "-"+superPrefix) && len(s) > 4 {
			bare := s[4:]
			set[bare] = struct{}{}
			set["-"+bare] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		if k != "" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// Kind is the chat type as reported by the platform.
type Kind string

const (
	KindPrivate    Kind = "private"
	KindGroup      Kind = "group"
	KindSupergroup Kind = "supergroup"
	KindChannel    Kind = "channel"
)

// PeerID turns a canonical id back into the signed id the platform
// expects for the given chat kind.
func PeerID(canonical string, kind Kind) (int64, error) {
	n, err := strconv.ParseInt(Normalize(canonical), 10, 64)
	if err != nil {
		return 0, err
	}
	switch kind {
	case KindSupergroup, KindChannel:
		return strconv.ParseInt("-"+superPrefix+strconv.FormatInt(n, 10), 10, 64)
	case KindGroup:
		return -n, nil
	default:
		return n, nil
	}
}

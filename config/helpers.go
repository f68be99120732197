package config

import (
	"strconv"
	"strings"
)

// compareVersions compares two dotted numeric versions. It returns a positive
// number when a is newer, negative when b is newer, and zero when equal.
// Unparseable segments compare as zero, so a malformed version loses to any
// real one.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}

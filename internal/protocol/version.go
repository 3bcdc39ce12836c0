package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseVersion splits a "major.minor" or "major.minor.patch" version string
// into numeric parts. A missing patch component is zero.
func ParseVersion(v string) (major, minor, patch int, err error) {
	parts := strings.Split(strings.TrimSpace(v), ".")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, fmt.Errorf("malformed version %q", v)
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("malformed version %q", v)
		}
		nums[i] = n
	}
	major, minor = nums[0], nums[1]
	if len(nums) == 3 {
		patch = nums[2]
	}
	return major, minor, patch, nil
}

// VersionsCompatible reports whether two protocol versions interoperate:
// major and minor must match exactly, patch is free. Malformed input is
// never compatible.
func VersionsCompatible(a, b string) bool {
	amaj, amin, _, err := ParseVersion(a)
	if err != nil {
		return false
	}
	bmaj, bmin, _, err := ParseVersion(b)
	if err != nil {
		return false
	}
	return amaj == bmaj && amin == bmin
}

// CompareVersions orders two versions numerically, returning -1 when a is
// older than b, 0 when equal, and 1 when newer.
func CompareVersions(a, b string) (int, error) {
	amaj, amin, apat, err := ParseVersion(a)
	if err != nil {
		return 0, err
	}
	bmaj, bmin, bpat, err := ParseVersion(b)
	if err != nil {
		return 0, err
	}
	av := [3]int{amaj, amin, apat}
	bv := [3]int{bmaj, bmin, bpat}
	for i := range av {
		switch {
		case av[i] < bv[i]:
			return -1, nil
		case av[i] > bv[i]:
			return 1, nil
		}
	}
	return 0, nil
}

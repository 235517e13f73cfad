package utils

import (
	"fmt"
	"strings"
	"time"
)

// JoinPath joins path segments with '/'.
func JoinPath(segments ...string) string {
	return strings.Join(segments, "/")
}

// SplitDocPath splits a document path into its collection path and id.
func SplitDocPath(path string) (collection, id string, err error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || len(segments)%2 != 0 {
		return "", "", fmt.Errorf("invalid document path %q", path)
	}
	for _, s := range segments {
		if s == "" {
			return "", "", fmt.Errorf("invalid document path %q: empty segment", path)
		}
	}
	return strings.Join(segments[:len(segments)-1], "/"), segments[len(segments)-1], nil
}

func ValidateCollectionPath(path string) error {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments)%2 != 1 {
		return fmt.Errorf("invalid collection path %q", path)
	}
	for _, s := range segments {
		if s == "" {
			return fmt.Errorf("invalid collection path %q: empty segment", path)
		}
	}
	return nil
}

// CompareValues orders two field values the way an ordered query would:
// missing values first, then timestamps, numbers and strings. Values of
// different kinds compare by kind.
func CompareValues(a, b interface{}) int {
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 1:
		ta, _ := AsTime(a)
		tb, _ := AsTime(b)
		return ta.Compare(tb)
	case 2:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 3:
		return strings.Compare(a.(string), b.(string))
	}
	return 0
}

func valueRank(v interface{}) int {
	switch t := v.(type) {
	case nil:
		return 0
	case time.Time:
		return 1
	case string:
		if _, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return 1
		}
		return 3
	case int, int32, int64, float32, float64:
		return 2
	}
	return 4
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

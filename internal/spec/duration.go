package spec

import (
	"fmt"
	"regexp"
	"time"

	"execspec/internal/value"
)

var durationRe = regexp.MustCompile(`^([0-9]+)(ms|s|m)?$`)

// ParseDuration reads a document duration: an integer counts seconds, a
// string is an integer with one of the ms/s/m suffixes.
func ParseDuration(x value.Value) (time.Duration, error) {
	switch x.Kind() {
	case value.KindInt:
		n, _ := x.AsInt()
		if n < 0 {
			return 0, fmt.Errorf("should be duration, but is negative")
		}
		return time.Duration(n) * time.Second, nil
	case value.KindString, value.KindBytes:
		s := string(x.BytesVal())
		m := durationRe.FindStringSubmatch(s)
		if m == nil {
			return 0, fmt.Errorf("should be duration, but is \"%s\"", s)
		}
		var n int64
		fmt.Sscanf(m[1], "%d", &n)
		switch m[2] {
		case "ms":
			return time.Duration(n) * time.Millisecond, nil
		case "m":
			return time.Duration(n) * time.Minute, nil
		default:
			return time.Duration(n) * time.Second, nil
		}
	default:
		return 0, fmt.Errorf("should be duration, but is %s", x.TypeName())
	}
}

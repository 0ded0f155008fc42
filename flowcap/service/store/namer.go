package store

import (
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/go-appsec/flowcap/flowcap/service/codec"
)

const (
	// TimestampLayout prefixes every flow filename so names sort by capture time.
	TimestampLayout = "2006-01-02_15-04-05"
	FileExt         = ".json"

	unknownMethod = "UNKNOWN"
	unknownTarget = "unknown"
	maxTargetLen  = 50
	idPrefixLen   = 8
)

// Name derives the storage filename for a flow record captured at the given time:
//
//	<YYYY-MM-DD_HH-MM-SS>_<METHOD>_<target>_<id8>.json
//
// Two flows sharing every component within the same second map to the same name.
func Name(rec codec.Value, at time.Time) string {
	return at.Format(TimestampLayout) + "_" +
		flowMethod(rec) + "_" +
		flowTarget(rec) + "_" +
		flowIDPrefix(rec) + FileExt
}

func flowMethod(rec codec.Value) string {
	method := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToUpper(r)
		}
		return -1
	}, rec.PathString("request", "method"))
	if method == "" {
		return unknownMethod
	}
	return method
}

func flowTarget(rec codec.Value) string {
	var target string
	if rawURL := rec.PathString("request", "url"); rawURL != "" {
		target = urlTarget(rawURL)
	} else if path := rec.PathString("request", "path"); path != "" {
		target = strings.ReplaceAll(strings.Trim(path, "/"), "/", "-")
	} else {
		return unknownTarget
	}

	target = sanitizeTarget(target)
	if target == "" {
		return unknownTarget
	}
	return target
}

// urlTarget joins host and path of a URL, falling back to the raw string when
// it does not parse.
func urlTarget(rawURL string) string {
	s := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		s = u.Host + u.Path
	}
	s = strings.ReplaceAll(s, "/", "-")
	return strings.ReplaceAll(s, ":", "_")
}

func sanitizeTarget(s string) string {
	s = strings.Map(func(r rune) rune {
		if isNameRune(r) || r == '.' {
			return r
		}
		return -1
	}, s)
	s = strings.Trim(s, "-_")
	if runes := []rune(s); len(runes) > maxTargetLen {
		s = string(runes[:maxTargetLen])
	}
	return s
}

func flowIDPrefix(rec codec.Value) string {
	id, _ := rec.Get("id")
	s, _ := id.Str()
	s = strings.Map(func(r rune) rune {
		if isNameRune(r) {
			return r
		}
		return -1
	}, s)
	if runes := []rune(s); len(runes) > idPrefixLen {
		s = string(runes[:idPrefixLen])
	}
	return s
}

func isNameRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_'
}

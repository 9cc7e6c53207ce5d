package util

import (
	"net/url"
	"regexp"
)

// Package names are reverse-DNS style: at least two dot-separated labels.
var packageNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*(\.[a-zA-Z0-9_-]+)+$`)

func IsValidPackageName(s string) bool {
	return len(s) <= 255 && packageNameRegex.MatchString(s)
}

// IsValidServerURL accepts absolute http(s) URLs with a host.
func IsValidServerURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

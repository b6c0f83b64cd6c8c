package utils

import (
	"errors"
	"net/url"
	"strings"

	"xtream-gate/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, rawURL string) string {
	if cfg == nil || cfg.ObfuscateUrls {
		return ObfuscateURL(rawURL)
	}
	return rawURL
}

// RedactError rewrites the URL inside a *url.Error, as returned by
// http.Client.Do, through LogURL. Other errors are returned unchanged.
func RedactError(cfg *config.Config, err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	return &url.Error{Op: ue.Op, URL: LogURL(cfg, ue.URL), Err: ue.Err}
}

// ObfuscateURL keeps scheme and host and masks path, query and fragment.
// Stream URLs carry credentials in the path, control URLs in the query.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil || u.Host == "" {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}

// HostOnly reduces an upstream-reported server address such as
// "tv.example.com:8080/path" to its bare hostname. Unparseable input yields "".
func HostOnly(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

package strategy

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of anti-bot block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// DetectBlock checks a response for signs of anti-bot protection. A
// blocked static fetch is a hard failure for the static strategy; the
// hybrid strategy treats it as grounds for escalation.
func DetectBlock(statusCode int, header http.Header, body []byte) (bool, BlockType) {
	if statusCode == 403 || statusCode == 503 {
		if header.Get("cf-ray") != "" || header.Get("cf-cache-status") != "" {
			return true, BlockCloudflare
		}
		if header.Get("server") == "cloudflare" {
			return true, BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		(strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge")) {
		return true, BlockCloudflare
	}

	if strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "recaptcha") ||
		strings.Contains(lower, "hcaptcha") {
		return true, BlockCaptcha
	}

	// JS-only shell: very small body with noscript or meta refresh.
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, BlockJSShell
		}
		if strings.Contains(lower, `meta http-equiv="refresh"`) {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}

// scriptDensity returns the fraction (0-100) of the document occupied
// by script tags. High density suggests client-side rendering.
func scriptDensity(body []byte) int {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return 0
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := strings.Index(lower[start:], closeTag)
		if end == -1 {
			coverage += total - start
			break
		}
		coverage += end + len(closeTag)
		pos = start + end + len(closeTag)
	}
	return coverage * 100 / total
}

func hasSPAMarkers(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range spaMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func hasLoadingPlaceholder(content string) bool {
	lower := strings.ToLower(content)
	for _, p := range loadingPlaceholders {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

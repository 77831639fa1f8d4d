package botdetect

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Fingerprint summarizes request shape independent of the UA string itself.
type Fingerprint struct {
	HeaderOrderHash string
	UAFamily        string
	AcceptHash      string
}

// ComputeFingerprint derives a Fingerprint from the request's headers.
func ComputeFingerprint(r *http.Request) Fingerprint {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, strings.ToLower(name))
	}
	orderHash := sha256.Sum256([]byte(strings.Join(names, ",")))

	acceptKey := strings.Join([]string{
		r.Header.Get("Accept"),
		r.Header.Get("Accept-Encoding"),
		r.Header.Get("Accept-Language"),
	}, "|")
	acceptHash := sha256.Sum256([]byte(acceptKey))

	return Fingerprint{
		HeaderOrderHash: hex.EncodeToString(orderHash[:]),
		UAFamily:        extractUAFamily(r.UserAgent()),
		AcceptHash:      hex.EncodeToString(acceptHash[:]),
	}
}

func extractUAFamily(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case lower == "":
		return "empty"
	case strings.Contains(lower, "googlebot"):
		return "Googlebot"
	case strings.Contains(lower, "bingbot"):
		return "Bingbot"
	case strings.Contains(lower, "curl"):
		return "curl"
	case strings.Contains(lower, "wget"):
		return "wget"
	case strings.Contains(lower, "python"):
		return "python"
	case strings.Contains(lower, "scrapy"):
		return "scrapy"
	case strings.Contains(lower, "edg"):
		return "Edge"
	case strings.Contains(lower, "chrome") && !strings.Contains(lower, "chromium"):
		return "Chrome"
	case strings.Contains(lower, "firefox"):
		return "Firefox"
	case strings.Contains(lower, "safari") && !strings.Contains(lower, "chrome"):
		return "Safari"
	case strings.Contains(lower, "bot"):
		return "bot-generic"
	default:
		return "other"
	}
}

// HasStandardAccept reports whether the request carries a non-empty,
// non-wildcard Accept header.
func HasStandardAccept(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return accept != "" && accept != "*/*"
}

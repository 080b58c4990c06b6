package enrich

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

const (
	UserAgentName = "useragent"

	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
	Unknown       = "unknown"
)

type browserPattern struct {
	name    string
	pattern *regexp.Regexp
}

// Order matters: Edge and Opera also announce Chrome, Chrome also announces Safari
var browserPatterns = []browserPattern{
	{"Edge", regexp.MustCompile(`Edg(?:e|A|iOS)?/([\d.]+)`)},
	{"Opera", regexp.MustCompile(`(?:OPR|Opera)/([\d.]+)`)},
	{"Samsung Internet", regexp.MustCompile(`SamsungBrowser/([\d.]+)`)},
	{"Firefox", regexp.MustCompile(`(?:Firefox|FxiOS)/([\d.]+)`)},
	{"Chrome", regexp.MustCompile(`(?:Chrome|CriOS)/([\d.]+)`)},
	{"Safari", regexp.MustCompile(`Version/([\d.]+).*Safari/`)},
	{"Internet Explorer", regexp.MustCompile(`(?:MSIE |Trident/.*rv:)([\d.]+)`)},
}

type osPattern struct {
	name  string
	token string
}

var osPatterns = []osPattern{
	{"Windows", "Windows"},
	{"iOS", "iPhone"},
	{"iOS", "iPad"},
	{"Android", "Android"},
	{"ChromeOS", "CrOS"},
	{"macOS", "Mac OS X"},
	{"Linux", "Linux"},
}

// Known crawlers and HTTP clients, matched case-insensitively
var knownBots = []struct {
	token string
	name  string
}{
	{"googlebot", "Googlebot"},
	{"bingbot", "Bingbot"},
	{"yandexbot", "YandexBot"},
	{"baiduspider", "Baiduspider"},
	{"duckduckbot", "DuckDuckBot"},
	{"slurp", "Yahoo! Slurp"},
	{"facebookexternalhit", "Facebook"},
	{"ahrefsbot", "AhrefsBot"},
	{"semrushbot", "SemrushBot"},
	{"applebot", "Applebot"},
	{"curl/", "curl"},
	{"wget/", "Wget"},
	{"python-requests", "python-requests"},
	{"go-http-client", "Go-http-client"},
}

var genericBot = regexp.MustCompile(`(?i)(bot|crawler|spider|scraper)\b`)

// UserAgent classifies the User-Agent header
type UserAgent struct{}

// NewUserAgent creates a user agent enricher
func NewUserAgent() *UserAgent {
	return &UserAgent{}
}

func (u *UserAgent) Name() string { return UserAgentName }

func (u *UserAgent) Enrich(_ context.Context, entry *domain.LogEntry) (domain.Fragment, error) {
	return ParseUserAgent(entry.UserAgent), nil
}

// ParseUserAgent extracts browser, os, device type and bot flags.
// Fields that cannot be determined are set to "unknown".
func ParseUserAgent(ua string) domain.Fragment {
	fragment := domain.Fragment{
		"browser":         Unknown,
		"browser_version": Unknown,
		"os":              Unknown,
		"device_type":     Unknown,
		"is_bot":          "false",
	}
	ua = strings.TrimSpace(ua)
	if ua == "" || ua == "-" {
		return fragment
	}

	if name, ok := detectBot(ua); ok {
		fragment["is_bot"] = strconv.FormatBool(true)
		fragment["bot_name"] = name
		fragment["device_type"] = DeviceBot
	}

	for _, b := range browserPatterns {
		if m := b.pattern.FindStringSubmatch(ua); m != nil {
			fragment["browser"] = b.name
			fragment["browser_version"] = m[1]
			break
		}
	}

	for _, o := range osPatterns {
		if strings.Contains(ua, o.token) {
			fragment["os"] = o.name
			break
		}
	}

	if fragment["device_type"] == Unknown {
		switch {
		case strings.Contains(ua, "iPad") || strings.Contains(ua, "Tablet"):
			fragment["device_type"] = DeviceTablet
		case strings.Contains(ua, "Mobi") || strings.Contains(ua, "iPhone"):
			fragment["device_type"] = DeviceMobile
		case strings.Contains(ua, "Android"):
			// Android without "Mobile" is a tablet by convention
			fragment["device_type"] = DeviceTablet
		case fragment["os"] != Unknown:
			fragment["device_type"] = DeviceDesktop
		}
	}

	return fragment
}

func detectBot(ua string) (string, bool) {
	lower := strings.ToLower(ua)
	for _, b := range knownBots {
		if strings.Contains(lower, b.token) {
			return b.name, true
		}
	}
	if m := genericBot.FindString(ua); m != "" {
		return Unknown, true
	}
	return "", false
}

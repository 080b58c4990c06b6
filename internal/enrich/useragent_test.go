package enrich

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want domain.Fragment
	}{
		{
			name: "empty",
			ua:   "-",
			want: domain.Fragment{"browser": Unknown, "browser_version": Unknown, "os": Unknown, "device_type": Unknown, "is_bot": "false"},
		},
		{
			name: "chrome on windows",
			ua:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.109 Safari/537.36",
			want: domain.Fragment{"browser": "Chrome", "browser_version": "120.0.6099.109", "os": "Windows", "device_type": DeviceDesktop, "is_bot": "false"},
		},
		{
			name: "edge is not chrome",
			ua:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.2210.91",
			want: domain.Fragment{"browser": "Edge", "browser_version": "120.0.2210.91", "os": "Windows", "device_type": DeviceDesktop, "is_bot": "false"},
		},
		{
			name: "safari on iphone",
			ua:   "Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
			want: domain.Fragment{"browser": "Safari", "browser_version": "17.1", "os": "iOS", "device_type": DeviceMobile, "is_bot": "false"},
		},
		{
			name: "firefox on linux",
			ua:   "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
			want: domain.Fragment{"browser": "Firefox", "browser_version": "121.0", "os": "Linux", "device_type": DeviceDesktop, "is_bot": "false"},
		},
		{
			name: "android tablet",
			ua:   "Mozilla/5.0 (Linux; Android 13; SM-X700) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
			want: domain.Fragment{"browser": "Chrome", "browser_version": "119.0.0.0", "os": "Android", "device_type": DeviceTablet, "is_bot": "false"},
		},
		{
			name: "googlebot",
			ua:   "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
			want: domain.Fragment{"browser": Unknown, "browser_version": Unknown, "os": Unknown, "device_type": DeviceBot, "is_bot": "true", "bot_name": "Googlebot"},
		},
		{
			name: "curl",
			ua:   "curl/8.4.0",
			want: domain.Fragment{"browser": Unknown, "browser_version": Unknown, "os": Unknown, "device_type": DeviceBot, "is_bot": "true", "bot_name": "curl"},
		},
		{
			name: "generic crawler",
			ua:   "SomeCrawler/1.0 (crawler for research)",
			want: domain.Fragment{"browser": Unknown, "browser_version": Unknown, "os": Unknown, "device_type": DeviceBot, "is_bot": "true", "bot_name": Unknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ParseUserAgent(tt.ua)); diff != "" {
				t.Errorf("ParseUserAgent() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

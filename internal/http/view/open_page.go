package view

import (
	"bytes"
	"html/template"
	"net/url"
	"strings"
)

// Platform selects the app handoff strategy of the open page.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformOther   Platform = "other"
)

// fallbackDelayMS is how long the page waits for an app to take over.
const fallbackDelayMS = 1200

// OpenPageData provides the dynamic fields required by the open template.
type OpenPageData struct {
	Title      string
	TargetURL  string
	Host       string
	HandoffURL template.URL
	DelayMS    int
}

var openPageTmpl = template.Must(template.New("open_page").Parse(`
<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="utf-8" />
	<meta name="viewport" content="width=device-width, initial-scale=1" />
	<meta name="robots" content="noindex" />
	<title>{{if .Title}}{{.Title}}{{else}}Opening...{{end}}</title>
	<style>
		:root {
			--bg: #090a0f;
			--card: rgba(255, 255, 255, 0.05);
			--border: rgba(255, 255, 255, 0.15);
			--text: #e7ecff;
			--muted: #a1acc5;
			--accent: #7dd3fc;
			--accent-strong: #38bdf8;
			font-family: "Inter", -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif;
		}
		* { box-sizing: border-box; }
		body {
			margin: 0;
			min-height: 100vh;
			display: flex;
			align-items: center;
			justify-content: center;
			background: radial-gradient(circle at 20% 20%, #111827, #030712 60%);
			color: var(--text);
		}
		.card {
			background: var(--card);
			border: 1px solid var(--border);
			border-radius: 18px;
			padding: 32px;
			width: min(520px, 92vw);
			box-shadow: 0 45px 100px rgba(0,0,0,0.35);
		}
		h1 { font-size: 1.4rem; margin-bottom: 6px; }
		p { color: var(--muted); margin-top: 0; word-break: break-all; }
		a.button {
			display: inline-flex;
			align-items: center;
			justify-content: center;
			margin-top: 20px;
			padding: 0 28px;
			height: 48px;
			border-radius: 999px;
			background: linear-gradient(120deg, var(--accent), var(--accent-strong));
			color: #050708;
			font-weight: 600;
			text-decoration: none;
		}
	</style>
</head>
<body>
	<div class="card">
		<h1>Opening {{.Host}}</h1>
		<p>{{.TargetURL}}</p>
		<a id="cta" class="button" href="{{.TargetURL}}">Continue in browser</a>
	</div>
	<script>
		(function() {
			const target = {{.TargetURL}};
			const handoff = {{.HandoffURL}};
			let left = false;
			document.addEventListener("visibilitychange", function() {
				if (document.hidden) { left = true; }
			});
			if (handoff && handoff !== target) {
				window.location.href = handoff;
			}
			setTimeout(function() {
				if (!left) { window.location.replace(target); }
			}, {{.DelayMS}});
		})();
	</script>
</body>
</html>
`))

// DetectPlatform classifies a User-Agent for app handoff.
func DetectPlatform(ua string) Platform {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "android"):
		return PlatformAndroid
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"), strings.Contains(lower, "ipod"):
		return PlatformIOS
	default:
		return PlatformOther
	}
}

// HandoffURL returns the URL that asks the OS to open target outside an
// in-app browser. Android gets an intent URL with a browser fallback, iOS a
// Safari scheme URL. Other platforms get target unchanged.
func HandoffURL(target *url.URL, platform Platform) string {
	switch platform {
	case PlatformAndroid:
		rest := target.Host + target.EscapedPath()
		if target.RawQuery != "" {
			rest += "?" + target.RawQuery
		}
		return "intent://" + rest +
			"#Intent;scheme=" + target.Scheme +
			";S.browser_fallback_url=" + url.QueryEscape(target.String()) +
			";end"
	case PlatformIOS:
		return "x-safari-" + target.String()
	default:
		return target.String()
	}
}

// RenderOpenPage expands the open page template. target must already be a
// validated absolute http(s) URL.
func RenderOpenPage(target *url.URL, userAgent string) (string, error) {
	data := OpenPageData{
		Title:      "Opening " + target.Host,
		TargetURL:  target.String(),
		Host:       target.Host,
		HandoffURL: template.URL(HandoffURL(target, DetectPlatform(userAgent))),
		DelayMS:    fallbackDelayMS,
	}
	var buf bytes.Buffer
	if err := openPageTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

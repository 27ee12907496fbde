// Package detector implements block detection over the transport's
// last served page. The heuristics are source-specific configuration;
// the crawl loop only consumes the Clear/Blocked verdict.
package detector

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/emsaltools/emsal-crawler/internal/crawler"
)

// Snapshotter exposes the transport's last served page for inspection.
// Both transports implement it.
type Snapshotter interface {
	Snapshot() (url string, body []byte)
}

// Config lists the signals evaluated against the current snapshot.
// Any captcha selector, keyword, or URL pattern match means Blocked;
// a missing required selector or marker also means Blocked.
type Config struct {
	// RequiredSelectors must all be present in the page DOM.
	RequiredSelectors []string
	// RequiredMarkers must all appear as raw substrings (used for
	// JSON payloads where a DOM query is meaningless).
	RequiredMarkers []string
	// CaptchaSelectors indicate a challenge when present.
	CaptchaSelectors []string
	// Keywords indicate a challenge when found in the body,
	// case-insensitively.
	Keywords []string
	// URLPatterns indicate a redirect off the results surface when
	// the current URL contains one.
	URLPatterns []string
}

// DefaultConfig carries the signals observed on the source: the
// results-table selector, common CAPTCHA embeds, challenge keywords in
// two languages, and the login/captcha redirect shapes.
func DefaultConfig() Config {
	return Config{
		RequiredSelectors: []string{"#detayAramaSonuclar"},
		CaptchaSelectors: []string{
			"iframe[src*='recaptcha']",
			"iframe[src*='captcha']",
			".g-recaptcha",
			"#recaptcha",
			".captcha-container",
			"form[action*='captcha']",
			"img[src*='captcha']",
		},
		Keywords: []string{
			"captcha",
			"robot",
			"human verification",
			"güvenlik doğrulaması",
			"doğrulama",
		},
		URLPatterns: []string{"login", "captcha"},
	}
}

// APIConfig carries the signals for the JSON API surface, where DOM
// queries are meaningless and legal prose would trip the broader
// keyword list: a challenge shows up as a non-JSON interstitial or a
// redirect.
func APIConfig() Config {
	return Config{
		RequiredMarkers: []string{`"data"`},
		Keywords:        []string{"captcha", "recaptcha"},
		URLPatterns:     []string{"login", "captcha"},
	}
}

// Heuristic is a crawler.BlockDetector over a Snapshotter.
type Heuristic struct {
	src      Snapshotter
	cfg      Config
	keywords [][]byte
	logger   *zap.Logger
}

// NewHeuristic builds a detector. Keywords are lowered once up front.
func NewHeuristic(src Snapshotter, cfg Config, logger *zap.Logger) *Heuristic {
	if logger == nil {
		logger = zap.NewNop()
	}
	keywords := make([][]byte, 0, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		kw = strings.TrimSpace(strings.ToLower(kw))
		if kw != "" {
			keywords = append(keywords, []byte(kw))
		}
	}
	return &Heuristic{src: src, cfg: cfg, keywords: keywords, logger: logger}
}

// Check evaluates the current snapshot. When inspection itself fails
// the page is assumed blocked; a wrong Clear is far more expensive
// than a spurious recovery wait.
func (h *Heuristic) Check(_ context.Context) crawler.Verdict {
	url, body := h.src.Snapshot()
	if len(body) == 0 {
		return crawler.Clear
	}

	if pattern := h.matchURL(url); pattern != "" {
		h.logger.Info("redirected off the results surface",
			zap.String("url", url),
			zap.String("pattern", pattern),
		)
		return crawler.Blocked
	}
	if kw := h.matchKeyword(body); kw != "" {
		h.logger.Info("challenge keyword found in page", zap.String("keyword", kw))
		return crawler.Blocked
	}
	for _, marker := range h.cfg.RequiredMarkers {
		if marker != "" && !bytes.Contains(body, []byte(marker)) {
			h.logger.Info("required marker missing", zap.String("marker", marker))
			return crawler.Blocked
		}
	}
	return h.checkDOM(body)
}

func (h *Heuristic) checkDOM(body []byte) crawler.Verdict {
	if len(h.cfg.RequiredSelectors) == 0 && len(h.cfg.CaptchaSelectors) == 0 {
		return crawler.Clear
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		h.logger.Warn("could not parse page for block check", zap.Error(err))
		return crawler.Blocked
	}
	for _, sel := range h.cfg.CaptchaSelectors {
		if sel != "" && doc.Find(sel).Length() > 0 {
			h.logger.Info("captcha element detected", zap.String("selector", sel))
			return crawler.Blocked
		}
	}
	for _, sel := range h.cfg.RequiredSelectors {
		if sel != "" && doc.Find(sel).Length() == 0 {
			h.logger.Info("results element missing, possible challenge or redirect",
				zap.String("selector", sel),
			)
			return crawler.Blocked
		}
	}
	return crawler.Clear
}

func (h *Heuristic) matchURL(url string) string {
	lower := strings.ToLower(url)
	for _, pattern := range h.cfg.URLPatterns {
		if pattern != "" && strings.Contains(lower, pattern) {
			return pattern
		}
	}
	return ""
}

func (h *Heuristic) matchKeyword(body []byte) string {
	if len(h.keywords) == 0 {
		return ""
	}
	lower := bytes.ToLower(body)
	for _, kw := range h.keywords {
		if bytes.Contains(lower, kw) {
			return string(kw)
		}
	}
	return ""
}

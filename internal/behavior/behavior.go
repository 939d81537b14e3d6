// Package behavior computes a heuristic behavior score for an event from
// device, network, and payload signals. The score feeds the behavior rule
// kind and is not a verdict on its own.
package behavior

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	suspiciousUserAgents = []string{"bot", "crawler", "spider", "scraper", "automated"}
	suspiciousBrowsers   = []string{"headless", "phantom", "selenium", "webdriver"}
	testKeywords         = []string{"test", "fake", "dummy"}
	testFingerprints     = map[string]bool{"test": true, "default": true, "unknown": true}

	badEmailPattern  = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@(test|fake|temp|spam)\.com$`)
	privateIPPattern = regexp.MustCompile(`^(192\.168\.|10\.|172\.(1[6-9]|2[0-9]|3[0-1])\.|127\.0\.0\.|0\.0\.0\.0)`)
)

// Weights controls how much each signal group contributes to the final
// score. The zero value is unusable; use DefaultWeights.
type Weights struct {
	Velocity float64
	Device   float64
	Geo      float64
	Payload  float64
	Payment  float64
}

// DefaultWeights returns the standard signal weighting.
func DefaultWeights() Weights {
	return Weights{
		Velocity: 0.3,
		Device:   0.25,
		Geo:      0.2,
		Payload:  0.15,
		Payment:  0.1,
	}
}

// Analyzer scores events. It is stateless and safe for concurrent use.
type Analyzer struct {
	weights Weights
}

// NewAnalyzer creates an analyzer with the given weights.
func NewAnalyzer(weights Weights) *Analyzer {
	return &Analyzer{weights: weights}
}

// Score returns a behavior score in [0, 1] for the event. Counters carry
// recent activity per scope and drive the velocity component.
func (a *Analyzer) Score(event *domain.EventContext, counters map[string]int64) float64 {
	score := a.velocityScore(event, counters)*a.weights.Velocity +
		a.deviceScore(event)*a.weights.Device +
		a.geoScore(event)*a.weights.Geo +
		a.payloadScore(event)*a.weights.Payload +
		a.paymentScore(event)*a.weights.Payment

	return domain.Clamp01(score)
}

func (a *Analyzer) velocityScore(event *domain.EventContext, counters map[string]int64) float64 {
	score := 0.0

	if event.IPAddress != "" && (event.Type == domain.EventLogin || event.Type == domain.EventPayment) {
		switch ipCount := counters[domain.ScopeIP]; {
		case ipCount > 10:
			score += 0.8
		case ipCount > 5:
			score += 0.4
		}
	}

	if event.ProfileID != "" {
		switch profileCount := counters[domain.ScopeProfile]; {
		case profileCount > 20:
			score += 0.9
		case profileCount > 10:
			score += 0.5
		}
	}

	if event.DeviceFingerprint != "" {
		switch deviceCount := counters[domain.ScopeDevice]; {
		case deviceCount > 30:
			score += 0.7
		case deviceCount > 15:
			score += 0.3
		}
	}

	return domain.Clamp01(score)
}

func (a *Analyzer) deviceScore(event *domain.EventContext) float64 {
	score := 0.0

	userAgent := strings.ToLower(stringField(event.Data, "user_agent"))
	for _, pattern := range suspiciousUserAgents {
		if strings.Contains(userAgent, pattern) {
			score += 0.6
			break
		}
	}
	for _, pattern := range suspiciousBrowsers {
		if strings.Contains(userAgent, pattern) {
			score += 0.8
			break
		}
	}

	fp := event.DeviceFingerprint
	switch {
	case fp == "":
		score += 0.3
	case len(fp) < 10:
		score += 0.2
	}

	if fp != "" {
		if isGeneratedFingerprint(fp) {
			score += 0.4
		}
		if testFingerprints[fp] {
			score += 0.7
		}
	}

	return domain.Clamp01(score)
}

func (a *Analyzer) geoScore(event *domain.EventContext) float64 {
	if event.IPAddress == "" {
		return 0.0
	}

	score := 0.0
	if privateIPPattern.MatchString(event.IPAddress) {
		score += 0.5
	}
	return domain.Clamp01(score)
}

func (a *Analyzer) payloadScore(event *domain.EventContext) float64 {
	score := 0.0

	for _, value := range event.Data {
		s, ok := value.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(s)
		for _, keyword := range testKeywords {
			if strings.Contains(lower, keyword) {
				score += 0.4
				break
			}
		}
		if score >= 0.4 {
			break
		}
	}

	if email := stringField(event.Data, "email"); email != "" && badEmailPattern.MatchString(email) {
		score += 0.6
	}

	return domain.Clamp01(score)
}

func (a *Analyzer) paymentScore(event *domain.EventContext) float64 {
	if event.Type != domain.EventPayment {
		return 0.0
	}

	amount := event.Amount
	score := 0.0

	switch {
	case amount <= 0:
		score += 0.8
	case amount > 10000:
		score += 0.3
	case amount < 1:
		score += 0.2
	}

	if amount == float64(int64(amount)) {
		switch amount {
		case 1, 10, 100, 1000, 10000:
			score += 0.1
		}
	}

	return domain.Clamp01(score)
}

// isGeneratedFingerprint flags fingerprints that look machine-generated:
// heavy character repetition or ascending numeric runs.
func isGeneratedFingerprint(fp string) bool {
	if len(fp) < 8 {
		return false
	}

	distinct := map[rune]bool{}
	for _, r := range fp {
		distinct[r] = true
	}
	if float64(len(distinct)) < float64(len(fp))*0.3 {
		return true
	}

	for i := 0; i+4 <= len(fp); i++ {
		a, errA := strconv.Atoi(fp[i : i+3])
		b, errB := strconv.Atoi(fp[i+1 : i+4])
		if errA == nil && errB == nil && a+1 == b {
			return true
		}
	}

	return false
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

// Package quality implements the ordered quality gate: cleaning, length,
// PII masking, garbled-text detection and topic classification.
package quality

import (
	"context"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpus-crawler/internal/crawler"
)

// Config tunes the gate.
type Config struct {
	MinChars   int
	MaskPII    bool
	LowQuality LowQualityConfig
}

// Gate runs candidates through the checks, short-circuiting on the first
// rejection.
type Gate struct {
	cfg        Config
	classifier crawler.Classifier
	logger     *zap.Logger
}

// New builds a Gate. A nil classifier accepts every candidate into the
// "general" domain.
func New(cfg Config, classifier crawler.Classifier, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{cfg: cfg, classifier: classifier, logger: logger}
}

// Evaluate cleans cand and decides whether it may be exported. The returned
// candidate carries the cleaned and masked text.
func (g *Gate) Evaluate(ctx context.Context, cand crawler.Candidate) (crawler.Candidate, crawler.Verdict) {
	cand.Title = Clean(cand.Title)
	cand.Body = Clean(cand.Body)
	cand.BodyLen = utf8.RuneCountInString(cand.Body)

	if cand.BodyLen < g.cfg.MinChars || cand.Title == "" {
		return cand, crawler.Reject(cand.Fingerprint, crawler.ReasonTooShort)
	}

	if g.cfg.MaskPII {
		var titleKinds, bodyKinds []string
		cand.Title, titleKinds = MaskPII(cand.Title)
		cand.Body, bodyKinds = MaskPII(cand.Body)
		cand.BodyLen = utf8.RuneCountInString(cand.Body)
		if len(titleKinds)+len(bodyKinds) > 0 {
			g.logger.Debug("masked pii",
				zap.String("url", cand.URL),
				zap.Strings("title", titleKinds),
				zap.Strings("body", bodyKinds),
			)
		}
	}

	if !g.cfg.LowQuality.Disabled {
		if why := LowQuality(cand.Body, g.cfg.LowQuality); why != "" {
			g.logger.Debug("low quality text", zap.String("url", cand.URL), zap.String("check", why))
			return cand, crawler.Reject(cand.Fingerprint, crawler.ReasonLowQuality)
		}
	}

	if g.classifier == nil {
		v := crawler.Accept(cand.Fingerprint)
		v.Classification = crawler.Classification{Accept: true, Domain: "general", Subdomain: "general"}
		return cand, v
	}
	class, err := g.classifier.Classify(ctx, cand.Title+"\n"+cand.Body)
	if err != nil {
		g.logger.Warn("classifier failed", zap.String("url", cand.URL), zap.Error(err))
		return cand, crawler.Reject(cand.Fingerprint, crawler.ReasonClassifierError)
	}
	if !class.Accept {
		reason := crawler.ReasonOffTopic
		if class.Excluded {
			reason = crawler.ReasonExcludedTopic
		}
		v := crawler.Reject(cand.Fingerprint, reason)
		v.Classification = class
		return cand, v
	}
	v := crawler.Accept(cand.Fingerprint)
	v.Classification = class
	return cand, v
}

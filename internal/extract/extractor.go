// Package extract derives a structured GeoAnalysis from a provider's freeform
// text output. Extraction is pure and deterministic: the same input always
// yields the same record, and a parse failure resolves to a default record
// rather than an error.
package extract

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/brandpulse/internal/model"
)

// analysisKey marks the JSON object we are looking for inside provider output.
const analysisKey = `"geo_analysis"`

// geoPayload mirrors the provider-facing JSON shape. Pointers distinguish
// absent keys from zero values so field-level defaults apply independently.
type geoPayload struct {
	GeoAnalysis *geoFields `json:"geo_analysis"`
}

type geoFields struct {
	BrandMentioned *bool         `json:"brand_mentioned"`
	Rank           *int          `json:"rank"`
	Sentiment      *float64      `json:"sentiment"`
	CitedSources   []citedSource `json:"cited_sources"`
	Interception   *string       `json:"interception"`
}

type citedSource struct {
	URL      string `json:"url"`
	SiteName string `json:"site_name"`
	Attitude string `json:"attitude"`
}

// Extract parses provider output into a GeoAnalysis. It first scans the raw
// text for a brace-balanced JSON object containing "geo_analysis"; failing
// that, it strips ```json fences and rescans; failing that, it returns the
// default record flagged low-confidence. Missing individual keys never fail
// the whole record.
func Extract(text string) model.GeoAnalysis {
	if geo, ok := tryExtract(text); ok {
		return geo
	}

	if stripped := stripFences(text); stripped != text {
		if geo, ok := tryExtract(stripped); ok {
			return geo
		}
	}

	zap.L().Debug("extract: no geo_analysis object found, using defaults",
		zap.Int("text_len", len(text)),
	)
	return model.DefaultGeoAnalysis()
}

func tryExtract(text string) (model.GeoAnalysis, bool) {
	for _, candidate := range scanObjects(text) {
		if !strings.Contains(candidate, analysisKey) {
			continue
		}

		var payload geoPayload
		if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
			continue
		}
		if payload.GeoAnalysis == nil {
			// The key exists but not at the top level of this object; try
			// the nested object directly.
			var fields geoFields
			if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
				continue
			}
			if fields.BrandMentioned == nil && fields.Rank == nil && fields.Sentiment == nil {
				continue
			}
			return applyDefaults(&fields), true
		}
		return applyDefaults(payload.GeoAnalysis), true
	}
	return model.GeoAnalysis{}, false
}

// scanObjects returns every top-level brace-balanced JSON object candidate in
// text. Nesting depth is tracked explicitly; a non-greedy regex breaks on
// nested arrays of objects such as cited_sources.
func scanObjects(text string) []string {
	var objects []string

	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}

		end, ok := matchBrace(text, i)
		if !ok {
			// Unbalanced from this position; keep scanning, a nested object
			// may still close properly.
			continue
		}
		objects = append(objects, text[i:end+1])
		i = end
	}
	return objects
}

// matchBrace finds the index of the brace closing the object opened at start,
// skipping braces inside JSON string literals.
func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// stripFences removes markdown code fences, keeping their contents.
func stripFences(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}

	var b strings.Builder
	rest := text
	for {
		open := strings.Index(rest, "```")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		rest = rest[open+3:]

		// Drop the info string (e.g. "json") up to the first newline.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}

		closing := strings.Index(rest, "```")
		if closing < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:closing])
		rest = rest[closing+3:]
	}
	return b.String()
}

func applyDefaults(f *geoFields) model.GeoAnalysis {
	geo := model.GeoAnalysis{
		Rank:         -1,
		CitedSources: []model.CitedSource{},
	}
	fellBack := false

	if f.BrandMentioned != nil {
		geo.BrandMentioned = *f.BrandMentioned
	} else {
		fellBack = true
	}
	if f.Rank != nil {
		geo.Rank = *f.Rank
	} else {
		fellBack = true
	}
	if f.Sentiment != nil {
		geo.Sentiment = clampSentiment(*f.Sentiment)
	} else {
		fellBack = true
	}
	if f.Interception != nil {
		geo.Interception = *f.Interception
	}

	for _, cs := range f.CitedSources {
		geo.CitedSources = append(geo.CitedSources, model.CitedSource{
			URL:      cs.URL,
			SiteName: cs.SiteName,
			Attitude: normalizeAttitude(cs.Attitude),
		})
	}

	geo.LowConfidence = fellBack
	return geo
}

func clampSentiment(s float64) float64 {
	if s > 1.0 {
		return 1.0
	}
	if s < -1.0 {
		return -1.0
	}
	return s
}

func normalizeAttitude(a string) model.SourceAttitude {
	switch strings.ToLower(strings.TrimSpace(a)) {
	case "positive":
		return model.AttitudePositive
	case "negative":
		return model.AttitudeNegative
	default:
		return model.AttitudeNeutral
	}
}

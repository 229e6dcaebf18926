package analysis

import (
	"encoding/json"
	"regexp"
)

// conflictIDPaths are searched in order when a submission returns 409.
var conflictIDPaths = [][]string{
	{"data", "id"},
	{"meta", "analysis_id"},
	{"data", "attributes", "analysis_id"},
	{"meta", "url_info", "id"},
	{"error", "analysis_id"},
	{"error", "id"},
}

var (
	// URL analysis ids: u-<sha256>-<unix seconds>
	urlAnalysisIDPattern = regexp.MustCompile(`u-[0-9a-f]{64}-\d+`)
	// sha256, sha1 and md5 digests, longest first
	hexDigestPattern = regexp.MustCompile(`\b(?:[0-9a-f]{64}|[0-9a-f]{40}|[0-9a-f]{32})\b`)
)

// RecoverAnalysisID finds an existing analysis id in a conflict payload.
// Known fields win over a regex scan of the raw bytes. It returns "" when
// nothing plausible is found.
func RecoverAnalysisID(raw []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err == nil {
		for _, path := range conflictIDPaths {
			if id, ok := lookup(doc, path...).(string); ok && id != "" {
				return id
			}
		}
	}

	if id := urlAnalysisIDPattern.Find(raw); id != nil {
		return string(id)
	}
	if id := hexDigestPattern.Find(raw); id != nil {
		return string(id)
	}
	return ""
}

func lookup(m map[string]any, path ...string) any {
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[p]
	}
	return cur
}

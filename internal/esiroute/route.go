// Package esiroute maps ESI endpoint paths onto rate-limit groups and
// health-gate base segments. All checks are pure string functions so the
// pipeline can call them on every request without allocation concerns.
package esiroute

import (
	"regexp"
	"strings"
)

// Group is a coarse category over endpoints used for rate-limit accounting.
// ESI buckets authenticated traffic per (character, group); the groups here
// mirror the upstream X-Ratelimit-Group header values.
type Group string

const (
	GroupCharAsset     Group = "char-asset"
	GroupCorpAsset     Group = "corp-asset"
	GroupCharWallet    Group = "char-wallet"
	GroupCorpWallet    Group = "corp-wallet"
	GroupCharIndustry  Group = "char-industry"
	GroupCorpIndustry  Group = "corp-industry"
	GroupCharContract  Group = "char-contract"
	GroupCorpContract  Group = "corp-contract"
	GroupCharLocation  Group = "char-location"
	GroupCharDetail    Group = "char-detail"
	GroupCorpStructure Group = "corp-structure"
	GroupMarket        Group = "market"
	GroupUniverse      Group = "universe"
	GroupDefault       Group = "default"
)

// classifyRule pairs a required path fragment with the fragments that select
// a group. First match wins; ordering matters for overlapping fragments.
type classifyRule struct {
	scope     string
	fragments []string
	group     Group
}

var classifyRules = []classifyRule{
	{"/characters/", []string{"/assets"}, GroupCharAsset},
	{"/corporations/", []string{"/assets"}, GroupCorpAsset},
	{"/characters/", []string{"/wallet"}, GroupCharWallet},
	{"/corporations/", []string{"/wallet"}, GroupCorpWallet},
	{"/characters/", []string{"/industry", "/blueprints"}, GroupCharIndustry},
	{"/corporations/", []string{"/industry", "/blueprints"}, GroupCorpIndustry},
	{"/characters/", []string{"/contracts"}, GroupCharContract},
	{"/corporations/", []string{"/contracts"}, GroupCorpContract},
	{"/characters/", []string{"/clones"}, GroupCharLocation},
	{"/characters/", []string{"/implants"}, GroupCharDetail},
	{"/corporations/", []string{"/starbases", "/structures"}, GroupCorpStructure},
}

// Classify maps an endpoint path to its rate-limit group.
func Classify(endpoint string) Group {
	path := stripQuery(endpoint)

	for _, rule := range classifyRules {
		if !strings.Contains(path, rule.scope) {
			continue
		}
		for _, frag := range rule.fragments {
			if strings.Contains(path, frag) {
				return rule.group
			}
		}
	}

	switch {
	case strings.Contains(path, "/markets/"):
		return GroupMarket
	case strings.Contains(path, "/universe/"):
		return GroupUniverse
	}
	return GroupDefault
}

var contractItemsRe = regexp.MustCompile(`^/(characters|corporations)/\d+/contracts/\d+/items/?$`)

// IsContractItems reports whether the endpoint belongs to the contract-items
// family, which ESI throttles with its own 10-second sliding window on top
// of the regular group buckets.
func IsContractItems(endpoint string) bool {
	return contractItemsRe.MatchString(stripQuery(endpoint))
}

// ExtractBase returns the first path segment with surrounding slashes,
// e.g. "/markets/prices" -> "/markets/". Used as the health-gate key.
func ExtractBase(endpoint string) string {
	path := strings.TrimPrefix(stripQuery(endpoint), "/")
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return "/" + path + "/"
}

func stripQuery(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

package esiroute

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		endpoint string
		want     Group
	}{
		{"/characters/90000001/assets", GroupCharAsset},
		{"/characters/90000001/assets/names", GroupCharAsset},
		{"/corporations/98000001/assets", GroupCorpAsset},
		{"/characters/90000001/wallet", GroupCharWallet},
		{"/characters/90000001/wallet/journal", GroupCharWallet},
		{"/corporations/98000001/wallets", GroupCorpWallet},
		{"/characters/90000001/industry/jobs", GroupCharIndustry},
		{"/characters/90000001/blueprints", GroupCharIndustry},
		{"/corporations/98000001/industry/jobs", GroupCorpIndustry},
		{"/characters/90000001/contracts", GroupCharContract},
		{"/corporations/98000001/contracts/1/items", GroupCorpContract},
		{"/characters/90000001/clones", GroupCharLocation},
		{"/characters/90000001/implants", GroupCharDetail},
		{"/corporations/98000001/structures", GroupCorpStructure},
		{"/corporations/98000001/starbases", GroupCorpStructure},
		{"/markets/10000002/orders", GroupMarket},
		{"/universe/types/587", GroupUniverse},
		{"/status", GroupDefault},
		{"/alliances/99000001/", GroupDefault},
		// Query strings never affect classification.
		{"/markets/10000002/orders?type_id=587", GroupMarket},
	}
	for _, tc := range cases {
		if got := Classify(tc.endpoint); got != tc.want {
			t.Errorf("Classify(%q) = %q, want %q", tc.endpoint, got, tc.want)
		}
	}
}

func TestIsContractItems(t *testing.T) {
	cases := []struct {
		endpoint string
		want     bool
	}{
		{"/characters/90000001/contracts/12345/items", true},
		{"/characters/90000001/contracts/12345/items/", true},
		{"/corporations/98000001/contracts/7/items", true},
		{"/corporations/98000001/contracts/7/items?page=2", true},
		{"/characters/90000001/contracts", false},
		{"/characters/90000001/contracts/12345/bids", false},
		{"/alliances/99000001/contracts/1/items", false},
		{"/characters/abc/contracts/1/items", false},
	}
	for _, tc := range cases {
		if got := IsContractItems(tc.endpoint); got != tc.want {
			t.Errorf("IsContractItems(%q) = %v, want %v", tc.endpoint, got, tc.want)
		}
	}
}

func TestExtractBase(t *testing.T) {
	cases := []struct {
		endpoint string
		want     string
	}{
		{"/markets/10000002/orders", "/markets/"},
		{"/characters/90000001/assets", "/characters/"},
		{"/status", "/status/"},
		{"/universe/types/587?language=de", "/universe/"},
		{"/", "/"},
		{"", "/"},
	}
	for _, tc := range cases {
		if got := ExtractBase(tc.endpoint); got != tc.want {
			t.Errorf("ExtractBase(%q) = %q, want %q", tc.endpoint, got, tc.want)
		}
	}
}

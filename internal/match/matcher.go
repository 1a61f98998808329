// Package match ranks decrypted login items against the identifiers an
// autofill request carries. Output ordering is a pure function of the
// inputs: identifiers, stored URL sets, and last-use times.
package match

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"

	"vaultpass/internal/items"
)

// Pair scores, summed over all (stored URL, identifier) pairs. An exact
// host hit outweighs a related-domain hit ten to one; any other pair
// contributes nothing.
const (
	scoreExactHost     = 100
	scoreRelatedDomain = 10
)

// defaultScheme is prefixed onto bare-domain identifiers ("example.com")
// before parsing.
const defaultScheme = "https"

type Scored struct {
	Item  items.Item
	Score int
}

// Result buckets candidates: Matched is ranked best-first; Unmatched items
// are eligible for the explicit associate-and-autofill action.
type Result struct {
	Matched   []Scored
	Unmatched []items.Item
}

// NormalizeIdentifier turns a requested identifier into a URL, prefixing the
// default scheme when the identifier is a bare domain.
func NormalizeIdentifier(identifier string) (*url.URL, error) {
	s := strings.TrimSpace(identifier)
	if s == "" {
		return nil, fmt.Errorf("match: empty identifier")
	}
	if !strings.Contains(s, "://") {
		s = defaultScheme + "://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("match: parse identifier %q: %w", identifier, err)
	}
	return u, nil
}

// Rank scores every candidate against every requested identifier. An item's
// total is the sum over all (stored URL, requested URL) pairs.
func Rank(candidates []items.Item, identifiers []string) (Result, error) {
	requested := make([]*url.URL, 0, len(identifiers))
	for _, id := range identifiers {
		u, err := NormalizeIdentifier(id)
		if err != nil {
			return Result{}, err
		}
		requested = append(requested, u)
	}

	var res Result
	for _, item := range candidates {
		total := 0
		for _, stored := range item.Content.URLs {
			su, err := url.Parse(stored)
			if err != nil {
				continue // a malformed stored URL contributes zero
			}
			for _, ru := range requested {
				total += pairScore(su, ru)
			}
		}
		if total > 0 {
			res.Matched = append(res.Matched, Scored{Item: item, Score: total})
		} else {
			res.Unmatched = append(res.Unmatched, item)
		}
	}

	sort.SliceStable(res.Matched, func(i, j int) bool {
		a, b := res.Matched[i], res.Matched[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Item.LastUseTime != b.Item.LastUseTime {
			return a.Item.LastUseTime > b.Item.LastUseTime
		}
		return a.Item.ItemID < b.Item.ItemID
	})
	sort.SliceStable(res.Unmatched, func(i, j int) bool {
		a, b := res.Unmatched[i], res.Unmatched[j]
		if a.LastUseTime != b.LastUseTime {
			return a.LastUseTime > b.LastUseTime
		}
		return a.ItemID < b.ItemID
	})
	return res, nil
}

// pairScore compares one stored URL to one requested URL. Exact host
// equality scores highest; sharing an eTLD+1 (subdomain or parent-domain
// relationship) scores lower; everything else is zero.
func pairScore(stored, requested *url.URL) int {
	hs := strings.ToLower(stored.Hostname())
	hr := strings.ToLower(requested.Hostname())
	if hs == "" || hr == "" {
		return 0
	}
	if hs == hr {
		return scoreExactHost
	}
	ds, err := publicsuffix.EffectiveTLDPlusOne(hs)
	if err != nil {
		return 0
	}
	dr, err := publicsuffix.EffectiveTLDPlusOne(hr)
	if err != nil {
		return 0
	}
	if ds == dr {
		return scoreRelatedDomain
	}
	return 0
}

// Associate appends the requested identifier's URL to an unmatched item's
// content, so the caller can persist it and then fill. No-op when the URL is
// already stored.
func Associate(content items.Content, identifier string) (items.Content, error) {
	u, err := NormalizeIdentifier(identifier)
	if err != nil {
		return content, err
	}
	target := u.String()
	for _, existing := range content.URLs {
		if existing == target {
			return content, nil
		}
	}
	content.URLs = append(append([]string(nil), content.URLs...), target)
	return content, nil
}

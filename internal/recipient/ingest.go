// Package recipient turns uploaded or pasted recipient lists into a
// deduplicated, ordered set of addresses.
package recipient

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
)

var addressPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Result is the outcome of ingesting a recipient list.
type Result struct {
	Addresses  []string
	Discarded  int
	Duplicates int
}

// IsValidAddress reports whether s looks like a deliverable address.
func IsValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// Parse splits raw text on newlines, commas and semicolons and returns the
// valid addresses in first-seen order.
func Parse(raw string) (Result, error) {
	tokens := strings.FieldsFunc(raw, isSeparator)
	return ParseList(tokens)
}

// ParseList applies the same rules as Parse to an already split list.
func ParseList(tokens []string) (Result, error) {
	result := Result{Addresses: make([]string, 0, len(tokens))}
	seen := make(map[string]struct{}, len(tokens))

	for _, token := range tokens {
		address := strings.TrimSpace(token)
		if address == "" {
			continue
		}
		if !IsValidAddress(address) {
			result.Discarded++
			continue
		}
		if _, ok := seen[address]; ok {
			result.Duplicates++
			continue
		}
		seen[address] = struct{}{}
		result.Addresses = append(result.Addresses, address)
	}

	if len(result.Addresses) == 0 {
		return result, fmt.Errorf("%w: %d token(s) discarded", domain.ErrEmptyResult, result.Discarded)
	}

	return result, nil
}

func isSeparator(r rune) bool {
	return r == '\n' || r == ',' || r == ';'
}

// Package wallet normalizes and batches EVM wallet addresses.
package wallet

import "strings"

const addressLen = 42

// Normalize lower-cases and trims an address. It returns false when the
// result is not a 0x-prefixed 40 hex character address.
func Normalize(addr string) (string, bool) {
	a := strings.ToLower(strings.TrimSpace(addr))
	if !IsValid(a) {
		return "", false
	}
	return a, true
}

// IsValid reports whether a is a normalized address.
func IsValid(a string) bool {
	if len(a) != addressLen || !strings.HasPrefix(a, "0x") {
		return false
	}
	for _, c := range a[2:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Dedup normalizes addrs and drops duplicates, keeping first-seen order.
// Invalid addresses are returned separately in input order.
func Dedup(addrs []string) (unique, invalid []string) {
	seen := make(map[string]struct{}, len(addrs))
	unique = make([]string, 0, len(addrs))
	for _, raw := range addrs {
		a, ok := Normalize(raw)
		if !ok {
			invalid = append(invalid, raw)
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		unique = append(unique, a)
	}
	return unique, invalid
}

// Batches splits addrs into consecutive slices of at most size elements.
func Batches(addrs []string, size int) [][]string {
	if len(addrs) == 0 || size <= 0 {
		return nil
	}

	batches := make([][]string, 0, (len(addrs)+size-1)/size)
	for start := 0; start < len(addrs); start += size {
		end := start + size
		if end > len(addrs) {
			end = len(addrs)
		}
		batches = append(batches, addrs[start:end])
	}
	return batches
}

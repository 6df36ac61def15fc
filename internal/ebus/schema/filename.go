package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/ebusd-go/internal/ebuserr"
)

// candidate is one parsed schema filename together with the score it earns
// against a given device identification, per spec.md §4.3's filename
// grammar "ZZ[.IDENT[.SUFFIX]*][.SWxxxx][.HWxxxx][.*].csv".
type candidate struct {
	filename string
	address  int // -1 if the file has no leading address token (a "common" file)
	ident    string
	sw       int // -1 if absent
	hw       int // -1 if absent
}

// parseFilename splits a schema file name into its address/ident/sw/hw
// tokens. Files that don't end in ".csv" are rejected outright.
func parseFilename(name string) (candidate, error) {
	if !strings.HasSuffix(strings.ToLower(name), ".csv") {
		return candidate{}, fmt.Errorf("%s: not a csv file: %w", name, ebuserr.ErrInvalidArg)
	}
	base := name[:len(name)-4]
	parts := strings.Split(base, ".")
	c := candidate{filename: name, address: -1, sw: -1, hw: -1}

	if len(parts) == 0 || parts[0] == "" {
		return candidate{}, fmt.Errorf("%s: empty file name: %w", name, ebuserr.ErrInvalidArg)
	}

	first := parts[0]
	rest := parts[1:]
	if addr, err := strconv.ParseUint(first, 16, 8); err == nil && len(first) <= 2 {
		c.address = int(addr)
	} else {
		// Not an address token: the whole first part is folded back into
		// the suffix scan below as a "common" file (e.g. "templates.csv").
		rest = parts
	}

	var identParts []string
	for _, p := range rest {
		switch {
		case len(p) == 6 && strings.HasPrefix(strings.ToUpper(p), "SW"):
			v, err := strconv.ParseUint(p[2:], 10, 16)
			if err == nil {
				c.sw = int(v)
				continue
			}
			identParts = append(identParts, p)
		case len(p) == 6 && strings.HasPrefix(strings.ToUpper(p), "HW"):
			v, err := strconv.ParseUint(p[2:], 10, 16)
			if err == nil {
				c.hw = int(v)
				continue
			}
			identParts = append(identParts, p)
		default:
			identParts = append(identParts, p)
		}
	}
	c.ident = strings.ToUpper(strings.Join(identParts, "."))
	return c, nil
}

// identPrefixScore strips trailing digits from want one at a time and
// returns the length of the longest prefix of want that is a prefix of
// have, per spec.md §4.3 "IDENT prefix match after stripping trailing
// digits". Returns 0 if have is not a prefix of any such stripped want.
func identPrefixScore(have, want string) int {
	want = strings.ToUpper(want)
	for len(want) > 0 {
		if strings.HasPrefix(want, have) || strings.HasPrefix(have, want) {
			return len(want)
		}
		last := want[len(want)-1]
		if last < '0' || last > '9' {
			break
		}
		want = want[:len(want)-1]
	}
	return 0
}

// score rates c against a scanned device's address/ident/sw/hw. A score of
// 0 means c does not match at all; higher scores win (spec.md §4.3
// "highest-scoring candidate wins").
func (c candidate) score(address int, ident string, sw, hw int) (int, bool) {
	if c.address >= 0 && c.address != address {
		return 0, false
	}
	score := 1
	if c.address >= 0 {
		score++
	}
	if c.ident != "" {
		n := identPrefixScore(c.ident, ident)
		if n == 0 {
			return 0, false
		}
		score += n
	}
	if c.sw >= 0 {
		if c.sw != sw {
			return 0, false
		}
		score += 10
	}
	if c.hw >= 0 {
		if c.hw != hw {
			return 0, false
		}
		score += 10
	}
	return score, true
}

// best picks the highest-scoring candidate for the given identification.
// Ties keep the first (directory listing order), mirroring the catalog's
// first-loaded tie-break.
func best(candidates []candidate, address int, ident string, sw, hw int) (candidate, bool) {
	var winner candidate
	bestScore := 0
	found := false
	for _, c := range candidates {
		s, ok := c.score(address, ident, sw, hw)
		if !ok {
			continue
		}
		if !found || s > bestScore {
			winner, bestScore, found = c, s, true
		}
	}
	return winner, found
}

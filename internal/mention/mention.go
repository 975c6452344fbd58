// Package mention finds @mentions in chat text.
//
// Parse extracts syntactic tokens. Resolve matches the text after every @
// against known usernames, which may contain spaces, preferring the longest
// username that ends on a word boundary.
package mention

import (
	"sort"
	"strings"
)

// Token is a syntactic @mention. Start and End are byte offsets of the whole
// token including the @ and any quotes.
type Token struct {
	Name  string
	Start int
	End   int
}

// User is a known account mentions are resolved against.
type User struct {
	ID       int64
	Username string
}

// Match is a mention resolved to a known user.
type Match struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// Parse returns every @name or @"quoted name" token in text. Unquoted names
// are runs of ASCII letters, digits and underscores, optionally preceded by
// one whitespace byte after the @ ("@ name" yields "name").
func Parse(text string) []Token {
	var tokens []Token
	for i := 0; i < len(text); i++ {
		if text[i] != '@' {
			continue
		}
		token, ok := parseAt(text, i)
		if !ok {
			continue
		}
		tokens = append(tokens, token)
		i = token.End - 1
	}
	return tokens
}

func parseAt(text string, at int) (Token, bool) {
	rest := text[at+1:]
	if strings.HasPrefix(rest, `"`) {
		closing := strings.IndexByte(rest[1:], '"')
		if closing <= 0 {
			return Token{}, false
		}
		name := strings.TrimSpace(rest[1 : closing+1])
		if name == "" {
			return Token{}, false
		}
		return Token{Name: name, Start: at, End: at + 1 + closing + 2}, true
	}
	// A single whitespace byte may separate the @ from the name.
	skip := 0
	if len(rest) > 0 && isSpaceByte(rest[0]) {
		skip = 1
	}
	n := 0
	for skip+n < len(rest) && isWordByte(rest[skip+n]) {
		n++
	}
	if n == 0 {
		return Token{}, false
	}
	return Token{Name: rest[skip : skip+n], Start: at, End: at + 1 + skip + n}, true
}

func isSpaceByte(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

// Resolve matches each @ in text against users. Usernames are compared
// case-insensitively, longest first, and a candidate only matches when it is
// followed by the end of text or a non-word character. One whitespace byte may
// follow the @. A quoted @"name" must equal a username exactly (ignoring case).
func Resolve(text string, users []User) []Match {
	candidates := sortedCandidates(users)
	if len(candidates) == 0 {
		return nil
	}

	var matches []Match
	for i := 0; i < len(text); i++ {
		if text[i] != '@' {
			continue
		}
		match, ok := resolveAt(text, i, candidates)
		if !ok {
			continue
		}
		matches = append(matches, match)
		i = match.End - 1
	}
	return matches
}

func resolveAt(text string, at int, candidates []User) (Match, bool) {
	rest := text[at+1:]
	if strings.HasPrefix(rest, `"`) {
		token, ok := parseAt(text, at)
		if !ok {
			return Match{}, false
		}
		for _, user := range candidates {
			if strings.EqualFold(user.Username, token.Name) {
				return Match{UserID: user.ID, Username: user.Username, Start: token.Start, End: token.End}, true
			}
		}
		return Match{}, false
	}

	if len(rest) > 0 && isSpaceByte(rest[0]) {
		rest = rest[1:]
	}
	skip := len(text) - at - 1 - len(rest)
	for _, user := range candidates {
		n := len(user.Username)
		if n > len(rest) || !strings.EqualFold(rest[:n], user.Username) {
			continue
		}
		if n < len(rest) && isWordByte(rest[n]) {
			continue
		}
		return Match{UserID: user.ID, Username: user.Username, Start: at, End: at + 1 + skip + n}, true
	}
	return Match{}, false
}

func sortedCandidates(users []User) []User {
	candidates := make([]User, 0, len(users))
	for _, user := range users {
		if strings.TrimSpace(user.Username) == "" {
			continue
		}
		candidates = append(candidates, user)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].Username) > len(candidates[j].Username)
	})
	return candidates
}

// UserIDs returns the distinct user ids of matches in first-seen order.
func UserIDs(matches []Match) []int64 {
	seen := make(map[int64]bool, len(matches))
	ids := make([]int64, 0, len(matches))
	for _, match := range matches {
		if seen[match.UserID] {
			continue
		}
		seen[match.UserID] = true
		ids = append(ids, match.UserID)
	}
	return ids
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

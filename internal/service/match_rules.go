package service

import (
	"sort"
	"strings"
	"unicode"
)

// categorySynonyms groups category labels that name the same kind of
// object. A label may sit in more than one group.
var categorySynonyms = [][]string{
	{"phone", "mobile", "smartphone", "cellphone", "cell", "iphone", "android", "handy"},
	{"laptop", "notebook", "macbook", "computer", "chromebook", "ultrabook"},
	{"tablet", "ipad"},
	{"electronics", "electronic", "gadget", "device", "charger", "cable", "powerbank"},
	{"headphones", "headphone", "earbuds", "earphones", "airpods", "headset"},
	{"bag", "backpack", "handbag", "purse", "luggage", "suitcase", "tote", "rucksack", "satchel"},
	{"wallet", "purse", "cardholder", "billfold"},
	{"keys", "key", "keychain", "keyring", "fob"},
	{"watch", "smartwatch", "wristwatch"},
	{"jewelry", "jewellery", "ring", "necklace", "bracelet", "earring", "earrings", "pendant"},
	{"documents", "document", "id", "passport", "card", "license", "licence", "paperwork"},
	{"clothing", "clothes", "jacket", "coat", "shirt", "sweater", "hoodie", "scarf", "hat", "cap", "apparel"},
	{"glasses", "sunglasses", "spectacles", "eyewear"},
	{"bottle", "flask", "tumbler", "thermos"},
	{"umbrella", "parasol"},
	{"accessories", "accessory"},
}

var synonymIndex = buildSynonymIndex()

func buildSynonymIndex() map[string][]int {
	idx := make(map[string][]int)
	for g, group := range categorySynonyms {
		for _, label := range group {
			idx[label] = append(idx[label], g)
		}
	}
	return idx
}

func categoryGroups(category string) map[int]struct{} {
	groups := make(map[int]struct{})
	add := func(term string) {
		for _, g := range synonymIndex[term] {
			groups[g] = struct{}{}
		}
		if strings.HasSuffix(term, "s") {
			for _, g := range synonymIndex[strings.TrimSuffix(term, "s")] {
				groups[g] = struct{}{}
			}
		}
	}
	add(category)
	for _, w := range tokenize(category) {
		add(w)
	}
	return groups
}

// sameCategory reports whether two declared categories name the same kind
// of object: equal after cleaning, in a shared synonym group, or one is a
// whole word of the other ("mobile phone" and "phone").
func sameCategory(a, b string) bool {
	a, b = cleanField(a), cleanField(b)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	ga := categoryGroups(a)
	for g := range categoryGroups(b) {
		if _, ok := ga[g]; ok {
			return true
		}
	}
	return containsWord(a, b) || containsWord(b, a)
}

func containsWord(text, word string) bool {
	for _, w := range tokenize(text) {
		if w == word {
			return true
		}
	}
	return false
}

// tokenize lower-cases s and splits it on anything that is not a letter
// or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// genericWords carry no identifying detail in a lost-and-found report.
var genericWords = toSet(
	// colors
	"black", "white", "grey", "gray", "silver", "gold", "golden", "red", "blue", "green",
	"yellow", "orange", "pink", "purple", "brown", "beige", "navy", "dark", "light",
	// filler
	"wired", "wireless", "found", "lost", "near", "nearby", "bus", "stop", "station",
	"left", "forgot", "forgotten", "somewhere", "today", "yesterday", "item", "thing",
	"stuff", "object", "small", "big", "large", "little", "new", "old", "normal",
	"regular", "standard", "plain", "simple", "basic", "usual", "color", "colour",
	"my", "mine", "his", "her", "their", "our", "it", "its", "this", "that",
	"a", "an", "the", "and", "or", "with", "without", "of", "in", "on", "at", "by",
	"to", "from", "for", "is", "was", "some", "one", "i", "me",
)

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// informativeWords returns the description words left after removing
// generic filler and placeholders.
func informativeWords(description string) []string {
	if cleanField(description) == "" {
		return nil
	}
	var out []string
	for _, w := range tokenize(description) {
		if _, generic := genericWords[w]; generic {
			continue
		}
		if len(w) < 2 && !unicode.IsDigit(rune(w[0])) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// isGeneric reports whether a description has at most maxWords
// informative words.
func isGeneric(description string, maxWords int) bool {
	return len(informativeWords(description)) <= maxWords
}

// numberTokens extracts every run of digits, including runs glued to
// letters ("13pro" and "s21" yield 13 and 21).
func numberTokens(text string) map[string]struct{} {
	out := make(map[string]struct{})
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			n := strings.TrimLeft(cur.String(), "0")
			if n == "" {
				n = "0"
			}
			out[n] = struct{}{}
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

var variantWords = toSet(
	"pro", "max", "plus", "mini", "ultra", "se", "air", "lite", "slim",
	"fe", "note", "fold", "flip", "xl", "xs", "edge", "neo",
)

// variantTokens extracts product-variant qualifiers: vocabulary words,
// vocabulary words glued to a model number ("13pro"), and single letters
// glued to a model number ("13s", "a52").
func variantTokens(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range tokenize(text) {
		if _, ok := variantWords[tok]; ok {
			out[tok] = struct{}{}
			continue
		}
		for _, part := range splitAlnum(tok) {
			if _, ok := variantWords[part]; ok && len(part) > 0 && part != tok {
				out[part] = struct{}{}
			}
		}
		if letter, ok := attachedLetter(tok); ok {
			out[letter] = struct{}{}
		}
	}
	return out
}

// splitAlnum splits "13pro" into "13" and "pro".
func splitAlnum(tok string) []string {
	var parts []string
	start := 0
	rs := []rune(tok)
	for i := 1; i < len(rs); i++ {
		if unicode.IsDigit(rs[i]) != unicode.IsDigit(rs[i-1]) {
			parts = append(parts, string(rs[start:i]))
			start = i
		}
	}
	return append(parts, string(rs[start:]))
}

// unitSuffixes are letters that follow a number as a unit or network
// generation ("5g", "4k", "65w", "10x") rather than a model variant.
var unitSuffixes = toSet("g", "k", "p", "w", "v", "m", "l", "h", "x")

// attachedLetter matches a single letter glued to the start or end of a
// digit run, as in "13s" or "a52". Unit suffixes such as "5g" do not count.
func attachedLetter(tok string) (string, bool) {
	parts := splitAlnum(tok)
	if len(parts) != 2 {
		return "", false
	}
	isNum := func(s string) bool { return s != "" && unicode.IsDigit(rune(s[0])) }
	switch {
	case isNum(parts[0]) && len(parts[1]) == 1:
		if _, unit := unitSuffixes[parts[1]]; unit {
			return "", false
		}
		return parts[1], true
	case isNum(parts[1]) && len(parts[0]) == 1:
		return parts[0], true
	}
	return "", false
}

// disjoint reports whether both sets are non-empty and share nothing.
func disjoint(a, b map[string]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return false
		}
	}
	return true
}

// differ reports whether both sets are non-empty and not equal.
func differ(a, b map[string]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if len(a) != len(b) {
		return true
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return true
		}
	}
	return false
}

func setKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

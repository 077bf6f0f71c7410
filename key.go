package ckvd

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// maxFragments is the largest number of fragments a [Key] or [Query] may
// carry; it is also the ceiling the wire encoding's num_fragments byte can
// express (§3).
const maxFragments = 255

// fragmentKind distinguishes the payload carried by a [fragment].
type fragmentKind uint8

const (
	fragmentString fragmentKind = iota
	fragmentNumber
	fragmentRange
)

// fragment is one element of a [Key] or [Query]. A bare key fragment is
// either a string or a number; a query fragment may additionally be a
// range with optional bounds (§3).
type fragment struct {
	kind fragmentKind

	str string
	num float64

	// rangeFrom/rangeTo are populated only when kind == fragmentRange.
	// hasFrom/hasTo record whether the corresponding bound was supplied;
	// an absent bound is open-ended (§3, §4.1).
	rangeFrom    float64
	rangeFromStr string
	hasFrom      bool
	rangeIsStr   bool // true if the range bounds (when present) are strings

	rangeTo    float64
	rangeToStr string
	hasTo      bool
}

func stringFragment(s string) fragment { return fragment{kind: fragmentString, str: s} }

func numberFragment(n float64) fragment { return fragment{kind: fragmentNumber, num: n} }

// Key is an ordered, immutable sequence of composite-key fragments (§3).
// Construct one with [NewKey] or [ParseKey].
type Key struct {
	fragments []fragment
}

// Query is like a [Key] but may contain range fragments. Construct one
// with [NewQuery] or [ParseQuery].
type Query struct {
	fragments []fragment
}

// fragmentCharClass is the character class permitted in a string fragment:
// Unicode letters, Unicode numbers, '_', '-', '@' (§3).
func fragmentCharClass(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r) || r == '_' || r == '-' || r == '@'
}

func validStringFragment(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		if !fragmentCharClass(r) {
			return false
		}
	}

	return true
}

// rawFragment is the caller-facing fragment value passed to [NewKey] and
// [NewQuery]: a string, a float64 or int, or (queries only) a
// [RangeFragment].
type rawFragment = any

// RangeFragment represents an inclusive, optionally open-ended range query
// fragment (§3). From and To must share a type (both strings or both
// numbers) when both are non-nil. An empty RangeFragment matches any
// fragment at that position.
type RangeFragment struct {
	From any // string, float64, or nil
	To   any // string, float64, or nil
}

// NewKey validates and constructs a [Key] from fragments (§3, §4.1 `new`).
// Each fragment must be a string or a number (float64, or int, which is
// stored as float64); the first fragment must be a string. Returns [ErrBadKey] on any structural violation.
func NewKey(fragments ...rawFragment) (Key, error) {
	frs, err := buildFragments(fragments, false)
	if err != nil {
		return Key{}, err
	}

	return Key{fragments: frs}, nil
}

// NewQuery validates and constructs a [Query] from fragments, which may
// additionally be [RangeFragment] values (§3, §4.1).
func NewQuery(fragments ...rawFragment) (Query, error) {
	frs, err := buildFragments(fragments, true)
	if err != nil {
		return Query{}, err
	}

	return Query{fragments: frs}, nil
}

func buildFragments(raw []rawFragment, isQuery bool) ([]fragment, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: key must have at least one fragment", ErrBadKey)
	}

	if len(raw) > maxFragments {
		return nil, fmt.Errorf("%w: key has %d fragments, max is %d", ErrBadKey, len(raw), maxFragments)
	}

	frs := make([]fragment, 0, len(raw))

	for i, r := range raw {
		fr, err := buildFragment(r, isQuery)
		if err != nil {
			return nil, err
		}

		if i == 0 && fr.kind != fragmentString {
			return nil, fmt.Errorf("%w: first fragment must be a string", ErrBadKey)
		}

		frs = append(frs, fr)
	}

	return frs, nil
}

func buildFragment(r rawFragment, isQuery bool) (fragment, error) {
	switch v := r.(type) {
	case string:
		if !validStringFragment(v) {
			return fragment{}, fmt.Errorf("%w: invalid string fragment %q", ErrBadKey, v)
		}

		return stringFragment(v), nil
	case float64:
		return numberFragment(v), nil
	case int:
		return numberFragment(float64(v)), nil
	case RangeFragment:
		if !isQuery {
			return fragment{}, fmt.Errorf("%w: range fragments are only valid in queries", ErrBadKey)
		}

		return buildRangeFragment(v)
	default:
		return fragment{}, fmt.Errorf("%w: unsupported fragment type %T", ErrBadKey, r)
	}
}

func buildRangeFragment(rf RangeFragment) (fragment, error) {
	fr := fragment{kind: fragmentRange}

	fromIsStr, toIsStr := false, false

	if rf.From != nil {
		s, isStr, err := coerceBound(rf.From)
		if err != nil {
			return fragment{}, err
		}

		fr.hasFrom = true
		fromIsStr = isStr

		if isStr {
			fr.rangeFromStr = s
		} else {
			fr.rangeFrom, _ = strconv.ParseFloat(s, 64)
		}
	}

	if rf.To != nil {
		s, isStr, err := coerceBound(rf.To)
		if err != nil {
			return fragment{}, err
		}

		fr.hasTo = true
		toIsStr = isStr

		if isStr {
			fr.rangeToStr = s
		} else {
			fr.rangeTo, _ = strconv.ParseFloat(s, 64)
		}
	}

	if fr.hasFrom && fr.hasTo && fromIsStr != toIsStr {
		return fragment{}, fmt.Errorf("%w: range bounds must share a type", ErrBadKey)
	}

	fr.rangeIsStr = fromIsStr || toIsStr

	return fr, nil
}

func coerceBound(v any) (string, bool, error) {
	switch b := v.(type) {
	case string:
		if !validStringFragment(b) {
			return "", false, fmt.Errorf("%w: invalid string range bound %q", ErrBadKey, b)
		}

		return b, true, nil
	case float64:
		return strconv.FormatFloat(b, 'g', -1, 64), false, nil
	case int:
		return strconv.FormatFloat(float64(b), 'g', -1, 64), false, nil
	default:
		return "", false, fmt.Errorf("%w: unsupported range bound type %T", ErrBadKey, v)
	}
}

// Len reports the number of fragments in the key.
func (k Key) Len() int { return len(k.fragments) }

// Len reports the number of fragments in the query.
func (q Query) Len() int { return len(q.fragments) }

// ToBytes encodes the key per the binary layout of §4.1:
//
//	num_fragments:u8 | (type:u8 | (len:u32_be | utf8_bytes) | f64_be){num_fragments}
func (k Key) ToBytes() []byte {
	return encodeFragments(k.fragments)
}

func encodeFragments(frs []fragment) []byte {
	buf := make([]byte, 0, len(frs)*9+1)
	buf = append(buf, byte(len(frs)))

	for _, fr := range frs {
		switch fr.kind {
		case fragmentString:
			buf = append(buf, 0)

			lenBuf := make([]byte, 4)
			binary.BigEndian.PutUint32(lenBuf, uint32(len(fr.str)))
			buf = append(buf, lenBuf...)
			buf = append(buf, fr.str...)
		case fragmentNumber:
			buf = append(buf, 1)

			numBuf := make([]byte, 8)
			binary.BigEndian.PutUint64(numBuf, math.Float64bits(fr.num))
			buf = append(buf, numBuf...)
		default:
			panic(fmt.Sprintf("ckvd: cannot encode range fragment to key bytes (kind=%d)", fr.kind))
		}
	}

	return buf
}

// KeyFromBytes decodes a [Key] from its binary form, reporting the number
// of bytes consumed so a caller decoding a larger buffer (e.g. a
// transaction header) can locate the next field (§4.1 `from_bytes`).
func KeyFromBytes(b []byte) (Key, int, error) {
	frs, n, err := decodeFragments(b)
	if err != nil {
		return Key{}, 0, err
	}

	return Key{fragments: frs}, n, nil
}

func decodeFragments(b []byte) ([]fragment, int, error) {
	if len(b) < 1 {
		return nil, 0, fmt.Errorf("%w: truncated key: missing num_fragments", ErrBadKey)
	}

	numFragments := int(b[0])
	pos := 1
	frs := make([]fragment, 0, numFragments)

	for range numFragments {
		if pos >= len(b) {
			return nil, 0, fmt.Errorf("%w: truncated key: missing fragment type", ErrBadKey)
		}

		kind := b[pos]
		pos++

		switch kind {
		case 0:
			if pos+4 > len(b) {
				return nil, 0, fmt.Errorf("%w: truncated key: missing string length", ErrBadKey)
			}

			strLen := int(binary.BigEndian.Uint32(b[pos : pos+4]))
			pos += 4

			if pos+strLen > len(b) {
				return nil, 0, fmt.Errorf("%w: truncated key: missing string bytes", ErrBadKey)
			}

			frs = append(frs, stringFragment(string(b[pos:pos+strLen])))
			pos += strLen
		case 1:
			if pos+8 > len(b) {
				return nil, 0, fmt.Errorf("%w: truncated key: missing number bytes", ErrBadKey)
			}

			frs = append(frs, numberFragment(math.Float64frombits(binary.BigEndian.Uint64(b[pos:pos+8]))))
			pos += 8
		default:
			return nil, 0, fmt.Errorf("%w: unknown fragment type %d", ErrBadKey, kind)
		}
	}

	return frs, pos, nil
}

// Stringify renders the key in dotted form: strings as-is, numbers
// prefixed with '#' (§4.1 `stringify`).
func (k Key) Stringify() string {
	return stringifyFragments(k.fragments)
}

// Stringify renders the query in dotted form, with range fragments
// rendered as `>=from<=to` (bounds may be absent) (§4.1 `stringify`).
func (q Query) Stringify() string {
	return stringifyFragments(q.fragments)
}

func stringifyFragments(frs []fragment) string {
	parts := make([]string, len(frs))

	for i, fr := range frs {
		parts[i] = stringifyFragment(fr)
	}

	return strings.Join(parts, ".")
}

func stringifyFragment(fr fragment) string {
	switch fr.kind {
	case fragmentString:
		return fr.str
	case fragmentNumber:
		return "#" + formatNumber(fr.num)
	case fragmentRange:
		var sb strings.Builder

		if fr.hasFrom {
			sb.WriteString(">=")
			sb.WriteString(stringifyBound(fr, fr.rangeFromStr, fr.rangeFrom))
		}

		if fr.hasTo {
			sb.WriteString("<=")
			sb.WriteString(stringifyBound(fr, fr.rangeToStr, fr.rangeTo))
		}

		return sb.String()
	default:
		return ""
	}
}

func stringifyBound(fr fragment, str string, num float64) string {
	if fr.rangeIsStr {
		return str
	}

	return "#" + formatNumber(num)
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'g', -1, 64)
}

// ParseKey parses the dotted form produced by [Key.Stringify] (§4.1 `parse`).
func ParseKey(s string) (Key, error) {
	frs, err := parseFragments(s, false)
	if err != nil {
		return Key{}, err
	}

	return Key{fragments: frs}, nil
}

// ParseQuery parses the dotted form produced by [Query.Stringify],
// including range fragments and empty-range fragments denoted by
// consecutive dots (§4.1 `parse`).
func ParseQuery(s string) (Query, error) {
	frs, err := parseFragments(s, true)
	if err != nil {
		return Query{}, err
	}

	return Query{fragments: frs}, nil
}

func parseFragments(s string, isQuery bool) ([]fragment, error) {
	parts := strings.Split(s, ".")
	if len(parts) == 0 || len(parts) > maxFragments {
		return nil, fmt.Errorf("%w: invalid fragment count in %q", ErrBadKey, s)
	}

	frs := make([]fragment, len(parts))

	for i, p := range parts {
		fr, err := parseFragment(p, isQuery)
		if err != nil {
			return nil, err
		}

		if i == 0 && fr.kind != fragmentString {
			return nil, fmt.Errorf("%w: first fragment must be a string", ErrBadKey)
		}

		frs[i] = fr
	}

	return frs, nil
}

func parseFragment(p string, isQuery bool) (fragment, error) {
	if isQuery && (strings.HasPrefix(p, ">=") || strings.HasPrefix(p, "<=") || p == "") {
		return parseRangeFragment(p)
	}

	if after, ok := strings.CutPrefix(p, "#"); ok {
		n, err := strconv.ParseFloat(after, 64)
		if err != nil {
			return fragment{}, fmt.Errorf("%w: invalid numeric fragment %q: %w", ErrBadKey, p, err)
		}

		return numberFragment(n), nil
	}

	if !validStringFragment(p) {
		return fragment{}, fmt.Errorf("%w: invalid string fragment %q", ErrBadKey, p)
	}

	return stringFragment(p), nil
}

func parseRangeFragment(p string) (fragment, error) {
	fr := fragment{kind: fragmentRange}

	rest := p

	if after, ok := strings.CutPrefix(rest, ">="); ok {
		end := strings.Index(after, "<=")

		var boundStr string
		if end == -1 {
			boundStr = after
			rest = ""
		} else {
			boundStr = after[:end]
			rest = after[end:]
		}

		if err := setRangeBound(&fr, boundStr, true); err != nil {
			return fragment{}, err
		}
	}

	if after, ok := strings.CutPrefix(rest, "<="); ok {
		if err := setRangeBound(&fr, after, false); err != nil {
			return fragment{}, err
		}
	}

	return fr, nil
}

func setRangeBound(fr *fragment, boundStr string, isFrom bool) error {
	isStr := !strings.HasPrefix(boundStr, "#")

	var (
		numVal float64
		strVal string
		err    error
	)

	if isStr {
		strVal = boundStr
		if strVal != "" && !validStringFragment(strVal) {
			return fmt.Errorf("%w: invalid range bound %q", ErrBadKey, boundStr)
		}
	} else {
		numVal, err = strconv.ParseFloat(strings.TrimPrefix(boundStr, "#"), 64)
		if err != nil {
			return fmt.Errorf("%w: invalid numeric range bound %q: %w", ErrBadKey, boundStr, err)
		}
	}

	if (fr.hasFrom && fr.rangeIsStr != isStr) || (fr.hasTo && fr.rangeIsStr != isStr) {
		return fmt.Errorf("%w: range bounds must share a type", ErrBadKey)
	}

	fr.rangeIsStr = isStr

	if isFrom {
		fr.hasFrom = true
		fr.rangeFrom = numVal
		fr.rangeFromStr = strVal
	} else {
		fr.hasTo = true
		fr.rangeTo = numVal
		fr.rangeToStr = strVal
	}

	return nil
}

// Matches reports whether k satisfies query, per §4.1 `matches`. At each
// position, a literal query fragment requires equality; a range fragment
// requires k's fragment to share the range's type and fall within the
// populated bounds (inclusive, open-ended where a bound is absent). If
// recursive is true, k may carry more fragments than query (any excess
// trailing fragments in k still match); otherwise lengths must be equal.
// Comparison fails early on the first mismatch.
func (k Key) Matches(query Query, recursive bool) bool {
	if recursive {
		if k.Len() < query.Len() {
			return false
		}
	} else if k.Len() != query.Len() {
		return false
	}

	for i, qf := range query.fragments {
		if !fragmentMatches(k.fragments[i], qf) {
			return false
		}
	}

	return true
}

func fragmentMatches(kf, qf fragment) bool {
	switch qf.kind {
	case fragmentString, fragmentNumber:
		return kf.kind == qf.kind && kf.str == qf.str && kf.num == qf.num
	case fragmentRange:
		return rangeMatches(kf, qf)
	default:
		return false
	}
}

func rangeMatches(kf, qf fragment) bool {
	if !qf.hasFrom && !qf.hasTo {
		return true
	}

	if qf.rangeIsStr {
		if kf.kind != fragmentString {
			return false
		}

		if qf.hasFrom && kf.str < qf.rangeFromStr {
			return false
		}

		if qf.hasTo && kf.str > qf.rangeToStr {
			return false
		}

		return true
	}

	if kf.kind != fragmentNumber {
		return false
	}

	if qf.hasFrom && kf.num < qf.rangeFrom {
		return false
	}

	if qf.hasTo && kf.num > qf.rangeTo {
		return false
	}

	return true
}

package expression

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

var errArgs = errors.New("bad arguments")

// builtinTransforms is the fixed transform table. Every entry receives the
// piped value as its first argument.
var builtinTransforms = map[string]Func{
	// JSON
	"jsonparse":     jsonParse,
	"jsonstringify": jsonStringify,

	// strings
	"indexOf":          indexOf,
	"length":           strLength,
	"trim":             unaryString(strings.TrimSpace),
	"substr":           substr,
	"touppercase":      unaryString(strings.ToUpper),
	"tolowercase":      unaryString(strings.ToLower),
	"replacestr":       replaceStr,
	"replaceregexp":    replaceRegexp(false),
	"replaceallregexp": replaceRegexp(true),
	"split":            split,
	"joinarrtostr":     joinArrToStr,
	"tostring":         func(args ...any) (any, error) { return toString(arg(args, 0)), nil },
	"urlencode":        urlEncode,
	"urldecode":        urlDecode,
	"hextostring":      hexToString,

	// arrays and sets
	"lengtharray":      lengthArray,
	"addreduce":        addReduce,
	"concatarr":        concatArr,
	"slice":            slice,
	"addset":           addSet,
	"removeset":        removeSet,
	"valuePicker":      valuePicker,
	"valuePickerMulti": valuePickerMulti,

	// numbers
	"floor":      unaryFloat(math.Floor),
	"ceil":       unaryFloat(math.Ceil),
	"round":      unaryFloat(jsRound),
	"tofixed":    toFixed,
	"parseint":   parseInt,
	"parsefloat": parseFloat,
	"isnan":      isNaN,

	// type checks
	"typeof":  typeOf,
	"isarray": isArray,

	// dates
	"toisodate":    toISODate,
	"timeoffset":   timeOffset,
	"gettime":      getTime,
	"toisostring":  toISODate,
	"localestring": localeString,
	"now":          func(...any) (any, error) { return time.Now().UnixMilli(), nil },

	// classification
	"mapper":   mapper,
	"thmapper": thMapper,

	// bitwise
	"bitwisemask": bitwiseMask,
}

func arg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func unaryString(fn func(string) string) Func {
	return func(args ...any) (any, error) {
		return fn(toString(arg(args, 0))), nil
	}
}

func unaryFloat(fn func(float64) float64) Func {
	return func(args ...any) (any, error) {
		f, ok := toFloat(arg(args, 0))
		if !ok {
			return nil, errArgs
		}
		return normaliseNumber(fn(f)), nil
	}
}

func jsonParse(args ...any) (any, error) {
	var out any
	if err := json.Unmarshal([]byte(toString(arg(args, 0))), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func jsonStringify(args ...any) (any, error) {
	raw, err := json.Marshal(arg(args, 0))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func indexOf(args ...any) (any, error) {
	s := toString(arg(args, 0))
	idx := strings.Index(s, toString(arg(args, 1)))
	if idx < 0 {
		return -1, nil
	}
	return utf8.RuneCountInString(s[:idx]), nil
}

func strLength(args ...any) (any, error) {
	return utf8.RuneCountInString(toString(arg(args, 0))), nil
}

// substr(value, start, end) clamps both indexes to the string and swaps
// them when start > end. A missing end means the end of the string.
func substr(args ...any) (any, error) {
	runes := []rune(toString(arg(args, 0)))
	clamp := func(v any, def int) int {
		i, ok := toInt(v)
		if !ok {
			return def
		}
		return min(max(i, 0), len(runes))
	}
	start := clamp(arg(args, 1), 0)
	end := len(runes)
	if len(args) > 2 && arg(args, 2) != nil {
		end = clamp(arg(args, 2), 0)
	}
	if start > end {
		start, end = end, start
	}
	return string(runes[start:end]), nil
}

func replaceStr(args ...any) (any, error) {
	return strings.Replace(toString(arg(args, 0)), toString(arg(args, 1)), toString(arg(args, 2)), 1), nil
}

func replaceRegexp(all bool) Func {
	return func(args ...any) (any, error) {
		re, err := compileRegex(toString(arg(args, 1)))
		if err != nil {
			return nil, err
		}
		s, repl := toString(arg(args, 0)), toString(arg(args, 2))
		if all {
			return re.ReplaceAllString(s, repl), nil
		}
		loc := re.FindStringSubmatchIndex(s)
		if loc == nil {
			return s, nil
		}
		var dst []byte
		dst = re.ExpandString(dst, repl, s, loc)
		return s[:loc[0]] + string(dst) + s[loc[1]:], nil
	}
}

func split(args ...any) (any, error) {
	parts := strings.Split(toString(arg(args, 0)), toString(arg(args, 1)))
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func joinArrToStr(args ...any) (any, error) {
	items, ok := toSlice(arg(args, 0))
	if !ok {
		return nil, errArgs
	}
	sep := ","
	if len(args) > 1 {
		sep = toString(args[1])
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = toString(it)
	}
	return strings.Join(parts, sep), nil
}

// uriUnreserved holds the bytes urlencode leaves as they are: letters,
// digits, the URI reserved set and the unreserved marks.
const uriUnreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789;,/?:@&=+$-_.!~*'()#"

// uriReserved escapes are kept encoded by urldecode.
const uriReserved = ";/?:@&=+$,#"

// urlEncode percent-encodes every UTF-8 byte outside uriUnreserved, so a
// space becomes %20 and path separators survive.
func urlEncode(args ...any) (any, error) {
	s := toString(arg(args, 0))
	if !utf8.ValidString(s) {
		return nil, errArgs
	}
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(uriUnreserved, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String(), nil
}

// urlDecode reverses urlEncode. '+' is literal and escapes of reserved
// characters stay encoded. Malformed escapes and invalid UTF-8 fail.
func urlDecode(args ...any) (any, error) {
	s := toString(arg(args, 0))
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '%' {
			b.WriteByte(s[i])
			i++
			continue
		}
		c, ok := unhexByte(s, i)
		if !ok {
			return nil, errArgs
		}
		if c < utf8.RuneSelf {
			if strings.IndexByte(uriReserved, c) >= 0 {
				b.WriteString(s[i : i+3])
			} else {
				b.WriteByte(c)
			}
			i += 3
			continue
		}

		n := utf8SequenceLength(c)
		if n == 0 {
			return nil, errArgs
		}
		seq := []byte{c}
		i += 3
		for k := 1; k < n; k++ {
			cont, ok := unhexByte(s, i)
			if !ok {
				return nil, errArgs
			}
			seq = append(seq, cont)
			i += 3
		}
		if !utf8.Valid(seq) {
			return nil, errArgs
		}
		b.Write(seq)
	}
	return b.String(), nil
}

// unhexByte decodes the %XX escape at s[i].
func unhexByte(s string, i int) (byte, bool) {
	if i+3 > len(s) || s[i] != '%' {
		return 0, false
	}
	v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

func utf8SequenceLength(lead byte) int {
	switch {
	case lead >= 0xF0 && lead <= 0xF4:
		return 4
	case lead >= 0xE0:
		return 3
	case lead >= 0xC2 && lead < 0xE0:
		return 2
	}
	return 0
}

// hexToString decodes an even-length hex string into text.
func hexToString(args ...any) (any, error) {
	s := toString(arg(args, 0))
	if len(s)%2 != 0 {
		return nil, errArgs
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func lengthArray(args ...any) (any, error) {
	items, ok := toSlice(arg(args, 0))
	if !ok {
		return nil, errArgs
	}
	return len(items), nil
}

func addReduce(args ...any) (any, error) {
	items, ok := toSlice(arg(args, 0))
	if !ok {
		return nil, errArgs
	}
	var sum float64
	for _, it := range items {
		f, ok := toFloat(it)
		if !ok {
			return nil, errArgs
		}
		sum += f
	}
	return normaliseNumber(sum), nil
}

func concatArr(args ...any) (any, error) {
	a, ok := toSlice(arg(args, 0))
	if !ok {
		return nil, errArgs
	}
	out := append([]any{}, a...)
	if b, ok := toSlice(arg(args, 1)); ok {
		return append(out, b...), nil
	}
	return append(out, arg(args, 1)), nil
}

// slice(value, start, end) works on arrays and strings.
func slice(args ...any) (any, error) {
	start, _ := toInt(arg(args, 1))
	end, hasEnd := toInt(arg(args, 2))

	bounds := func(n int) (int, int) {
		s, e := start, n
		if hasEnd && len(args) > 2 {
			e = end
		}
		if s < 0 {
			s = max(n+s, 0)
		}
		if e < 0 {
			e = max(n+e, 0)
		}
		s, e = min(s, n), min(e, n)
		if e < s {
			e = s
		}
		return s, e
	}

	if s, ok := arg(args, 0).(string); ok {
		runes := []rune(s)
		i, j := bounds(len(runes))
		return string(runes[i:j]), nil
	}
	items, ok := toSlice(arg(args, 0))
	if !ok {
		return nil, errArgs
	}
	i, j := bounds(len(items))
	return append([]any{}, items[i:j]...), nil
}

func addSet(args ...any) (any, error) {
	items, ok := toSlice(arg(args, 0))
	if !ok {
		return nil, errArgs
	}
	x := arg(args, 1)
	for _, it := range items {
		if looseEqual(it, x) {
			return append([]any{}, items...), nil
		}
	}
	return append(append([]any{}, items...), x), nil
}

func removeSet(args ...any) (any, error) {
	items, ok := toSlice(arg(args, 0))
	if !ok {
		return nil, errArgs
	}
	x := arg(args, 1)
	out := make([]any, 0, len(items))
	for _, it := range items {
		if !looseEqual(it, x) {
			out = append(out, it)
		}
	}
	return out, nil
}

// valuePicker returns the keys of an object whose value equals pick.
func valuePicker(args ...any) (any, error) {
	obj, ok := arg(args, 0).(map[string]any)
	if !ok {
		return nil, errArgs
	}
	pick := arg(args, 1)
	return pickKeys(obj, func(v any) bool { return looseEqual(v, pick) }), nil
}

// valuePickerMulti returns the keys of an object whose value is in picks.
func valuePickerMulti(args ...any) (any, error) {
	obj, ok := arg(args, 0).(map[string]any)
	if !ok {
		return nil, errArgs
	}
	picks, ok := toSlice(arg(args, 1))
	if !ok {
		return nil, errArgs
	}
	return pickKeys(obj, func(v any) bool {
		for _, p := range picks {
			if looseEqual(v, p) {
				return true
			}
		}
		return false
	}), nil
}

func pickKeys(obj map[string]any, match func(any) bool) []any {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []any{}
	for _, k := range keys {
		if match(obj[k]) {
			out = append(out, k)
		}
	}
	return out
}

// jsRound rounds half up, toward positive infinity.
func jsRound(f float64) float64 {
	return math.Floor(f + 0.5)
}

func toFixed(args ...any) (any, error) {
	f, ok := toFloat(arg(args, 0))
	if !ok {
		return nil, errArgs
	}
	digits, _ := toInt(arg(args, 1))
	if digits < 0 || digits > 100 {
		return nil, errArgs
	}
	return strconv.FormatFloat(f, 'f', digits, 64), nil
}

// parseInt reads the leading integer of the value, as a browser would.
func parseInt(args ...any) (any, error) {
	v := arg(args, 0)
	if f, ok := v.(float64); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errArgs
		}
		return int64(f), nil
	}
	s := strings.TrimLeftFunc(toString(v), unicode.IsSpace)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digitsStart := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digitsStart {
		return nil, errArgs
	}
	return strconv.ParseInt(s[:end], 10, 64)
}

// parseFloat reads the leading decimal number of the value.
func parseFloat(args ...any) (any, error) {
	v := arg(args, 0)
	if f, ok := toFloat(v); ok {
		if _, isString := v.(string); !isString {
			return f, nil
		}
	}
	s := strings.TrimLeftFunc(toString(v), unicode.IsSpace)
	for end := len(s); end > 0; end-- {
		if f, err := strconv.ParseFloat(s[:end], 64); err == nil && !math.IsNaN(f) {
			return f, nil
		}
	}
	return nil, errArgs
}

func isNaN(args ...any) (any, error) {
	v := arg(args, 0)
	switch n := v.(type) {
	case bool:
		return false, nil
	case string:
		if strings.TrimSpace(n) == "" {
			return false, nil
		}
		_, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return err != nil, nil
	}
	f, ok := toFloat(v)
	return !ok || math.IsNaN(f), nil
}

func typeOf(args ...any) (any, error) {
	switch v := arg(args, 0).(type) {
	case nil:
		return "undefined", nil
	case string:
		return "string", nil
	case bool:
		return "boolean", nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return "number", nil
	default:
		if reflect.TypeOf(v).Kind() == reflect.Func {
			return "function", nil
		}
		return "object", nil
	}
}

func isArray(args ...any) (any, error) {
	v := arg(args, 0)
	if v == nil {
		return false, nil
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// toTime accepts epoch milliseconds or one of the common date layouts.
func toTime(v any) (time.Time, error) {
	if s, ok := v.(string); ok {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	if t, ok := v.(time.Time); ok {
		return t, nil
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) {
		return time.Time{}, errArgs
	}
	return time.UnixMilli(int64(f)).UTC(), nil
}

func toISODate(args ...any) (any, error) {
	t, err := toTime(arg(args, 0))
	if err != nil {
		return nil, err
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z"), nil
}

// timeOffset returns UTC minus local offset of the date, in minutes.
func timeOffset(args ...any) (any, error) {
	t, err := toTime(arg(args, 0))
	if err != nil {
		return nil, err
	}
	if len(args) > 1 {
		loc, err := time.LoadLocation(toString(args[1]))
		if err != nil {
			return nil, err
		}
		t = t.In(loc)
	}
	_, offset := t.Zone()
	return -offset / 60, nil
}

func getTime(args ...any) (any, error) {
	t, err := toTime(arg(args, 0))
	if err != nil {
		return nil, err
	}
	return t.UnixMilli(), nil
}

// localeString formats the date in the given IANA zone, UTC by default.
func localeString(args ...any) (any, error) {
	t, err := toTime(arg(args, 0))
	if err != nil {
		return nil, err
	}
	loc := time.UTC
	if len(args) > 1 {
		if l, err := time.LoadLocation(toString(args[1])); err == nil {
			loc = l
		}
	}
	return t.In(loc).Format("1/2/2006, 3:04:05 PM"), nil
}

// mapper returns results[i] where candidates[i] equals the value.
func mapper(args ...any) (any, error) {
	candidates, ok1 := toSlice(arg(args, 1))
	results, ok2 := toSlice(arg(args, 2))
	if !ok1 || !ok2 {
		return nil, errArgs
	}
	v := arg(args, 0)
	for i, c := range candidates {
		if looseEqual(c, v) {
			if i < len(results) {
				return results[i], nil
			}
			return nil, nil
		}
	}
	return nil, nil
}

// thMapper treats candidates as ascending thresholds and returns the result
// of the first threshold not below the value.
func thMapper(args ...any) (any, error) {
	v, ok := toFloat(arg(args, 0))
	if !ok {
		return nil, errArgs
	}
	thresholds, ok1 := toSlice(arg(args, 1))
	results, ok2 := toSlice(arg(args, 2))
	if !ok1 || !ok2 {
		return nil, errArgs
	}
	for i, th := range thresholds {
		limit, ok := toFloat(th)
		if !ok {
			return nil, errArgs
		}
		if limit >= v {
			if i < len(results) {
				return results[i], nil
			}
			return nil, nil
		}
	}
	return nil, nil
}

// bitwiseMask applies op ("&", "|" or "^") with mask, then shifts right.
func bitwiseMask(args ...any) (any, error) {
	i, ok1 := toInt(arg(args, 0))
	mask, ok2 := toInt(arg(args, 1))
	if !ok1 || !ok2 {
		return nil, errArgs
	}
	shift, _ := toInt(arg(args, 3))
	if shift < 0 || shift > 63 {
		return nil, errArgs
	}

	switch toString(arg(args, 2)) {
	case "&":
		i &= mask
	case "|":
		i |= mask
	case "^":
		i ^= mask
	}
	return i >> shift, nil
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return "null"
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case map[string]any, []any:
		raw, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	default:
		return fmt.Sprint(v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// looseEqual compares numbers by value regardless of their Go type.
func looseEqual(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	_, strA := a.(string)
	_, strB := b.(string)
	if okA && okB && !strA && !strB {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// normaliseNumber returns integral results as int so they print without a
// decimal point.
func normaliseNumber(f float64) any {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return int(f)
	}
	return f
}

package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// HashContent returns hex SHA-256 over a stable serialisation of v: object
// keys sorted ascending, array order preserved, no whitespace. Used to key
// assistant-content signature recovery.
func HashContent(v interface{}) string {
	var b strings.Builder
	writeStable(&b, v)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeStable(b *strings.Builder, v interface{}) {
	switch vv := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(vv))
	case string:
		b.WriteString(strconv.Quote(vv))
	case float64:
		b.WriteString(strconv.FormatFloat(vv, 'g', -1, 64))
	case int:
		b.WriteString(strconv.Itoa(vv))
	case int64:
		b.WriteString(strconv.FormatInt(vv, 10))
	case []interface{}:
		b.WriteByte('[')
		for i, e := range vv {
			if i > 0 {
				b.WriteByte(',')
			}
			writeStable(b, e)
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeStable(b, vv[k])
		}
		b.WriteByte('}')
	default:
		// Unknown dynamic types degrade to their string form.
		b.WriteString(strconv.Quote(stringify(vv)))
	}
}

func stringify(v interface{}) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}

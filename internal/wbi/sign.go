// Package wbi signs query parameters the way the platform's web API expects.
// A signature is the lowercase MD5 of the sorted, encoded query concatenated
// with a mixing key derived from two rotating key strings.
package wbi

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// mixinTable permutes the concatenated img+sub key into the mixing key.
var mixinTable = [64]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35,
	27, 43, 5, 49, 33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13,
	37, 48, 7, 16, 24, 55, 40, 61, 26, 17, 0, 1, 60, 51, 30, 4,
	22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11, 36, 20, 34, 44, 52,
}

const mixinKeyLen = 32

// stripped characters are removed from values before encoding.
const stripped = "!'()*"

// Sign returns params with the current timestamp under "wts" and the
// signature under "w_rid". The input map is not modified.
func Sign(params map[string]string, imgKey, subKey string) map[string]string {
	return SignAt(params, imgKey, subKey, time.Now())
}

// SignAt is Sign with a caller-supplied timestamp.
func SignAt(params map[string]string, imgKey, subKey string, ts time.Time) map[string]string {
	signed := make(map[string]string, len(params)+2)
	for k, v := range params {
		signed[k] = stripValue(v)
	}
	signed["wts"] = strconv.FormatInt(ts.Unix(), 10)

	query := Encode(signed)
	sum := md5.Sum([]byte(query + MixinKey(imgKey, subKey)))
	signed["w_rid"] = hex.EncodeToString(sum[:])
	return signed
}

// Encode builds a query string with keys in byte order.
func Encode(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(escape(k))
		sb.WriteByte('=')
		sb.WriteString(escape(params[k]))
	}
	return sb.String()
}

// MixinKey derives the mixing key from the first 32 table positions.
// Positions beyond the combined key length are skipped, so short or empty
// keys produce a shorter key rather than an error.
func MixinKey(imgKey, subKey string) string {
	source := imgKey + subKey
	if source == "" {
		return ""
	}

	var sb strings.Builder
	for i := 0; i < mixinKeyLen; i++ {
		if idx := mixinTable[i]; idx < len(source) {
			sb.WriteByte(source[idx])
		}
	}
	return sb.String()
}

// KeyFromURL returns the file stem of a key image URL such as
// https://i0.hdslb.com/bfs/wbi/7cd0...077c.png.
func KeyFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	base := path.Base(p)
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

func stripValue(v string) string {
	if !strings.ContainsAny(v, stripped) {
		return v
	}
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(stripped, r) {
			return -1
		}
		return r
	}, v)
}

// escape applies form encoding: spaces become '+' and '~' is escaped.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "~", "%7E")
}

// Package marker carries the one-shot "just added" signal across a redirect.
package marker

import "net/url"

// Param is the query parameter that marks a landing URL.
const Param = "added"

// Mark returns target with the marker set. Targets that do not parse are returned unchanged.
func Mark(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(Param, "1")
	u.RawQuery = q.Encode()
	return u.String()
}

// Consume reports whether u carries the marker and strips it, so the cleaned
// URL can be shown without re-triggering the signal on reload.
func Consume(u *url.URL) bool {
	q := u.Query()
	if _, ok := q[Param]; !ok {
		return false
	}
	q.Del(Param)
	u.RawQuery = q.Encode()
	return true
}

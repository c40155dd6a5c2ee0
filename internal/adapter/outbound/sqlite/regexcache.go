package sqlite

import (
	"container/list"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// regexCache is a small LRU of compiled expressions so repeated
// filtered queries do not recompile on every row. Keys hash the flags
// and pattern together; a NUL separator keeps ("i","ab") distinct from
// ("","iab").
type regexCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[uint64]*list.Element
}

type regexEntry struct {
	key uint64
	re  *regexp.Regexp
}

func newRegexCache(max int) *regexCache {
	return &regexCache{
		max:     max,
		order:   list.New(),
		entries: make(map[uint64]*list.Element, max),
	}
}

func (c *regexCache) get(pattern, flags string) (*regexp.Regexp, error) {
	key := xxhash.Sum64String(flags + "\x00" + pattern)

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		re := el.Value.(*regexEntry).re
		c.mu.Unlock()
		return re, nil
	}
	c.mu.Unlock()

	re, err := compileRegex(pattern, flags)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*regexEntry).re, nil
	}
	el := c.order.PushFront(&regexEntry{key: key, re: re})
	c.entries[key] = el
	if c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*regexEntry).key)
	}
	return re, nil
}

// compileRegex translates the supported flags (i, s, m) into an inline
// group prefix. Unsupported flag letters are ignored rather than
// rejected so patterns pasted from other tools still work.
func compileRegex(pattern, flags string) (*regexp.Regexp, error) {
	var mode strings.Builder
	for _, f := range "ism" {
		if strings.ContainsRune(flags, f) {
			mode.WriteRune(f)
		}
	}
	if mode.Len() > 0 {
		pattern = "(?" + mode.String() + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex filter: %w", err)
	}
	return re, nil
}

// normalizeRegexLiteral accepts the "/pattern/flags" literal form and
// splits it into pattern and flags. Anything else passes through.
func normalizeRegexLiteral(pattern, flags string) (string, string) {
	if flags != "" || len(pattern) < 2 || pattern[0] != '/' {
		return pattern, flags
	}
	last := strings.LastIndexByte(pattern, '/')
	if last == 0 {
		return pattern, flags
	}
	tail := pattern[last+1:]
	for _, r := range tail {
		if r < 'a' || r > 'z' {
			return pattern, flags
		}
	}
	return pattern[1:last], tail
}

package sqlite

import "testing"

func TestParseStatusRange(t *testing.T) {
	cases := []struct {
		in         string
		lo, hiExcl int
		ok         bool
	}{
		{"2xx", 200, 300, true},
		{"5xx", 500, 600, true},
		{"404", 404, 405, true},
		{"500-503", 500, 504, true},
		{"100-599", 100, 600, true},
		{"999", 0, 0, false},
		{"6xx", 0, 0, false},
		{"0xx", 0, 0, false},
		{"503-500", 0, 0, false},
		{"abc", 0, 0, false},
		{"", 0, 0, false},
		{"20x", 0, 0, false},
	}
	for _, c := range cases {
		lo, hi, ok := parseStatusRange(c.in)
		if ok != c.ok || lo != c.lo || hi != c.hiExcl {
			t.Errorf("parseStatusRange(%q) = (%d, %d, %v), want (%d, %d, %v)",
				c.in, lo, hi, ok, c.lo, c.hiExcl, c.ok)
		}
	}
}

func TestNormalizeRegexLiteral(t *testing.T) {
	cases := []struct {
		pattern, flags         string
		wantPattern, wantFlags string
	}{
		{"/api/i", "", "api", "i"},
		{"/foo.*bar/", "", "foo.*bar", ""},
		{"/a/b/ims", "", "a/b", "ims"},
		{"plain", "", "plain", ""},
		{"/unterminated", "", "/unterminated", ""},
		{"/x/9", "", "/x/9", ""},
		// Explicit flags suppress literal parsing.
		{"/api/i", "s", "/api/i", "s"},
	}
	for _, c := range cases {
		p, f := normalizeRegexLiteral(c.pattern, c.flags)
		if p != c.wantPattern || f != c.wantFlags {
			t.Errorf("normalizeRegexLiteral(%q, %q) = (%q, %q), want (%q, %q)",
				c.pattern, c.flags, p, f, c.wantPattern, c.wantFlags)
		}
	}
}

func TestCompileRegexFlags(t *testing.T) {
	re, err := compileRegex("^api$", "i")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !re.MatchString("API") {
		t.Fatal("i flag not applied")
	}

	// Unknown flag letters are ignored.
	if _, err := compileRegex("x", "gi"); err != nil {
		t.Fatalf("unknown flag should be ignored: %v", err)
	}

	if _, err := compileRegex("(", ""); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestRegexCacheReusesCompiled(t *testing.T) {
	c := newRegexCache(2)
	a1, err := c.get("a+", "i")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	a2, _ := c.get("a+", "i")
	if a1 != a2 {
		t.Fatal("cache did not reuse compiled expression")
	}

	// Same pattern, different flags is a distinct entry.
	b, _ := c.get("a+", "")
	if b == a1 {
		t.Fatal("flags not part of the cache key")
	}

	// Evict the oldest; a fresh compile comes back for it.
	if _, err := c.get("c+", ""); err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.order.Len() != 2 {
		t.Fatalf("cache size %d, want 2", c.order.Len())
	}
}

func TestHeaderJSONPath(t *testing.T) {
	if got := headerJSONPath("X-Request-Id"); got != `$."x-request-id"` {
		t.Fatalf("headerJSONPath = %q", got)
	}
	if got := headerJSONPath(`we"ird`); got != `$."we\"ird"` {
		t.Fatalf("quoted headerJSONPath = %q", got)
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike("50%_done"); got != `50\%\_done` {
		t.Fatalf("escapeLike = %q", got)
	}
}

package urlnorm

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://example.com/feed/", "https://example.com/feed"},
		{"https://example.com/a//", "https://example.com/a"},
		{"https://example.com//", "https://example.com/"},
		{"https://example.com/", "https://example.com/"},
		{"https://example.com", "https://example.com/"},
		{"HTTPS://Example.COM/Feed", "https://example.com/Feed"},
		{"https://example.com:443/a", "https://example.com/a"},
		{"http://example.com:8080/a", "http://example.com:8080/a"},
		{"https://example.com/a#section", "https://example.com/a"},
		{"https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"https://example.com/a?a=2&a=1", "https://example.com/a?a=1&a=2"},
		{"https://example.com/a/?", "https://example.com/a"},
		{"not a url", "not a url"},
		{"/relative/path/", "/relative/path/"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeQueryOrderIndependent(t *testing.T) {
	a := Normalize("https://x/a?b=2&a=1")
	b := Normalize("https://x/a?a=1&b=2")
	if a != b {
		t.Fatalf("expected equal, got %q and %q", a, b)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"https://example.com/feed//",
		"https://Example.com/a/b/?z=1&y=2&y=1#frag",
		"http://example.com/path%2Fwith%2Fslash/",
		"https://example.com/search?q=a+b&q=a%20c",
		"ftp://files.example.com/pub/",
		"garbage",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		base, ref, want string
	}{
		{"https://example.com/blog/", "../feed.xml", "https://example.com/feed.xml"},
		{"https://example.com/blog/", "atom.xml", "https://example.com/blog/atom.xml"},
		{"https://example.com/a", "https://cdn.example.com/x.png", "https://cdn.example.com/x.png"},
		{"https://example.com/a", "//cdn.example.com/x.png", "https://cdn.example.com/x.png"},
		{"https://example.com/a", "", ""},
	}
	for _, tt := range tests {
		if got := Resolve(tt.base, tt.ref); got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.base, tt.ref, got, tt.want)
		}
	}
}

func TestHostname(t *testing.T) {
	if got := Hostname("https://WWW.smbc-comics.com:443/comic/x"); got != "www.smbc-comics.com" {
		t.Errorf("Hostname = %q", got)
	}
	if got := Hostname("not-a-url"); got != "" {
		t.Errorf("Hostname(not-a-url) = %q, want empty", got)
	}
}

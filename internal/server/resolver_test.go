package server

import "testing"

func TestResolverMediaRoutes(t *testing.T) {
	resolver, err := NewResolver(testConfig(true))
	if err != nil {
		t.Fatalf("resolver error: %v", err)
	}

	route, ok := resolver.Resolve("/media/07 CHAN CHAN CHAAAN.mp3")
	if !ok || route.Kind != KindMedia {
		t.Fatalf("expected media route, got %+v", route)
	}
	if route.Key != "https://origin.example/audio/07%20CHAN%20CHAN%20CHAAAN.mp3" {
		t.Fatalf("unexpected key %s", route.Key)
	}
	if resolver.MediaKey("07 CHAN CHAN CHAAAN.mp3") != route.Key {
		t.Fatalf("MediaKey should match resolved key")
	}

	if _, ok := resolver.Resolve("/media/"); ok {
		t.Fatalf("empty media name must not resolve")
	}
}

func TestResolverShellRoutes(t *testing.T) {
	resolver, err := NewResolver(testConfig(true))
	if err != nil {
		t.Fatalf("resolver error: %v", err)
	}

	cases := map[string]string{
		"/":              "https://app.example/leyendas/",
		"/index.html":    "https://app.example/leyendas/index.html",
		"/a/../app.js":   "https://app.example/leyendas/app.js",
		"/img/":          "https://app.example/leyendas/img/",
		"/manifest.json": "https://app.example/leyendas/manifest.json",
	}
	for p, want := range cases {
		route, ok := resolver.Resolve(p)
		if !ok || route.Kind != KindShell {
			t.Fatalf("%s: expected shell route, got %+v", p, route)
		}
		if route.Key != want {
			t.Fatalf("%s: expected key %s, got %s", p, want, route.Key)
		}
	}

	keys := resolver.ShellKeys()
	if len(keys) != 2 || keys[0] != "https://app.example/leyendas/" {
		t.Fatalf("unexpected shell keys %v", keys)
	}
	if resolver.FallbackKey() != "https://app.example/leyendas/index.html" {
		t.Fatalf("unexpected fallback key %s", resolver.FallbackKey())
	}
}

func TestResolverWithoutShell(t *testing.T) {
	resolver, err := NewResolver(testConfig(false))
	if err != nil {
		t.Fatalf("resolver error: %v", err)
	}
	if _, ok := resolver.Resolve("/index.html"); ok {
		t.Fatalf("non-media path must not resolve without shell upstream")
	}
	if resolver.ShellKeys() != nil || resolver.FallbackKey() != "" {
		t.Fatalf("shell helpers should be empty when shell disabled")
	}
}

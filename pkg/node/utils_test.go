package node

import "testing"

func TestNormalizeHostPort(t *testing.T) {
	cases := map[string]string{
		"etcd":                  "etcd:2379",
		"http://etcd":           "etcd:2379",
		"https://etcd:2380/":    "etcd:2380",
		"10.0.0.1:4000":         "10.0.0.1:4000",
		"::1":                   "[::1]:2379",
		"http://127.0.0.1:2379": "127.0.0.1:2379",
	}
	for in, want := range cases {
		if got := NormalizeHostPort(in, "2379"); got != want {
			t.Fatalf("NormalizeHostPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeEndpoints(t *testing.T) {
	got := NormalizeEndpoints([]string{"a", "b:1"}, "2379")
	if len(got) != 2 || got[0] != "a:2379" || got[1] != "b:1" {
		t.Fatalf("NormalizeEndpoints = %v", got)
	}
}

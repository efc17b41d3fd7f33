package udp

import (
	"net"
	"testing"
	"time"
)

var golden = []struct {
	createdAt int64
	now       int64
	ip        string
	key       string
	valid     bool
}{
	{0, 1, "127.0.0.1", "", true},
	{0, 420420, "127.0.0.1", "", false},
	{0, 0, "[::]", "", true},
	{0, 119, "10.0.0.1", "s3cr3t", true},
	{0, 121, "10.0.0.1", "s3cr3t", false},
}

func TestVerification(t *testing.T) {
	for _, tt := range golden {
		cid := NewConnectionID(net.ParseIP(tt.ip), time.Unix(tt.createdAt, 0), tt.key)
		got := ValidConnectionID(cid, net.ParseIP(tt.ip), time.Unix(tt.now, 0), time.Minute, tt.key)
		if got != tt.valid {
			t.Errorf("expected validity: %t got validity: %t", tt.valid, got)
		}
	}
}

func TestValidationRejectsWrongIP(t *testing.T) {
	cid := NewConnectionID(net.ParseIP("203.0.113.1"), time.Unix(0, 0), "k")
	if ValidConnectionID(cid, net.ParseIP("203.0.113.2"), time.Unix(1, 0), time.Minute, "k") {
		t.Fatal("connection ID generated for one IP validated for another")
	}
}

func TestValidationRejectsWrongKey(t *testing.T) {
	cid := NewConnectionID(net.ParseIP("203.0.113.1"), time.Unix(0, 0), "k1")
	if ValidConnectionID(cid, net.ParseIP("203.0.113.1"), time.Unix(1, 0), time.Minute, "k2") {
		t.Fatal("connection ID generated under one key validated under another")
	}
}

func TestGeneratorIsReusable(t *testing.T) {
	gen := NewConnectionIDGenerator("k")
	ip := net.ParseIP("203.0.113.1")
	now := time.Unix(1000, 0)

	first := append([]byte{}, gen.Generate(ip, now)...)
	second := gen.Generate(ip, now)

	if string(first) != string(second) {
		t.Fatalf("expected the same inputs to generate the same connection ID, got %x and %x", first, second)
	}
}

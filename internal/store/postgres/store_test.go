package postgres

import (
	"net/url"
	"testing"
)

func TestConfig_ConnString(t *testing.T) {
	cfg := Config{
		Host:     "db.internal",
		Port:     6543,
		Database: "ticks",
		Username: "stream",
		Password: "p@ss/word",
		SSLMode:  "require",
	}

	got := cfg.ConnString()
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("ConnString %q does not parse: %v", got, err)
	}
	if u.Scheme != "postgres" || u.Host != "db.internal:6543" || u.Path != "/ticks" {
		t.Errorf("unexpected url parts: %s", got)
	}
	if pw, _ := u.User.Password(); pw != "p@ss/word" {
		t.Errorf("password round-trip = %q", pw)
	}
	if u.Query().Get("sslmode") != "require" {
		t.Errorf("sslmode = %q", u.Query().Get("sslmode"))
	}
}

func TestConfig_ConnStringNoSSLMode(t *testing.T) {
	got := Config{Host: "localhost", Port: 5432, Database: "d", Username: "u"}.ConnString()
	want := "postgres://u:@localhost:5432/d"
	if got != want {
		t.Errorf("ConnString() = %q, want %q", got, want)
	}
}

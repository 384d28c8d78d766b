package config

import "testing"

func TestDSN(t *testing.T) {
	pg := DatabaseConfig{
		Driver: "postgres", Host: "db", Port: 5433,
		User: "u", Password: "p", Name: "grid",
	}
	want := "postgres://u:p@db:5433/grid?sslmode=disable"
	if got := pg.DSN(); got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
	if pg.IsSQLite() {
		t.Fatal("postgres config reported as sqlite")
	}

	lite := DatabaseConfig{Driver: "sqlite", Path: "./data", Name: "grid"}
	if got := lite.DSN(); got != "./data/grid.db" {
		t.Fatalf("sqlite DSN = %q", got)
	}
	if !lite.IsSQLite() {
		t.Fatal("sqlite config not detected")
	}
}

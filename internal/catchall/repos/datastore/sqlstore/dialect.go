package sqlstore

import (
	"strconv"
	"strings"
)

// TimeFormat is how audit timestamps are written. Values are always UTC.
const TimeFormat = "2006-01-02 15:04:05"

// Dialect captures the per-database differences of the shared SQL store.
type Dialect struct {
	Name       string
	Driver     string // database/sql driver name
	Numbered   bool   // $1, $2 placeholders instead of ?
	blockQuery string
	schema     []string
}

var (
	MySQL = Dialect{
		Name:       "mysql",
		Driver:     "mysql",
		blockQuery: "insert ignore into blocked (address, hits) values (?, 0)",
		schema: []string{
			`create table if not exists blocked (
    address varchar(320) primary key,
    hits bigint unsigned not null default 0
	)`,
			`create table if not exists caught (
    id char(26) primary key,
    date datetime not null,
    original varchar(320) not null,
    replaced varchar(320) not null,
    message_id varchar(998) not null default '',
    subject text
	)`,
			`create table if not exists mailboxes (
    address varchar(320) primary key
	)`,
		},
	}

	Postgres = Dialect{
		Name:       "postgres",
		Driver:     "pgx",
		Numbered:   true,
		blockQuery: "insert into blocked (address, hits) values (?, 0) on conflict (address) do nothing",
		schema: []string{
			`create table if not exists blocked (
    address text primary key,
    hits bigint not null default 0
	)`,
			`create table if not exists caught (
    id text primary key,
    date timestamp not null,
    original text not null,
    replaced text not null,
    message_id text not null default '',
    subject text not null default ''
	)`,
			`create table if not exists mailboxes (
    address text primary key
	)`,
		},
	}

	SQLite = Dialect{
		Name:       "sqlite",
		Driver:     "sqlite",
		blockQuery: "insert into blocked (address, hits) values (?, 0) on conflict (address) do nothing",
		schema: []string{
			`create table if not exists blocked (
    address text primary key,
    hits integer not null default 0
	)`,
			`create table if not exists caught (
    id text primary key,
    date datetime not null,
    original text not null,
    replaced text not null,
    message_id text not null default '',
    subject text not null default ''
	)`,
			`create table if not exists mailboxes (
    address text primary key
	)`,
		},
	}
)

// DialectByName returns the dialect for name ("mysql", "postgres", "sqlite").
func DialectByName(name string) (Dialect, bool) {
	switch strings.ToLower(name) {
	case "mysql":
		return MySQL, true
	case "postgres", "postgresql":
		return Postgres, true
	case "sqlite", "sqlite3":
		return SQLite, true
	}
	return Dialect{}, false
}

// Rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

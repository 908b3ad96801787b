package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-catchall/internal/catchall/config"
	"github.com/haukened/rr-catchall/internal/catchall/repos/datastore/sqlstore"
	"github.com/haukened/rr-catchall/internal/catchall/repos/directory"
)

type delivered struct {
	from string
	to   []string
	data string
}

// downstream is the MTA behind the relay.
type downstream struct {
	mu       sync.Mutex
	messages []delivered
}

func (d *downstream) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &downstreamSession{d: d}, nil
}

func (d *downstream) all() []delivered {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivered(nil), d.messages...)
}

type downstreamSession struct {
	d   *downstream
	cur delivered
}

func (s *downstreamSession) Mail(from string, _ *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *downstreamSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.cur.to = append(s.cur.to, to)
	return nil
}

func (s *downstreamSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = string(b)
	s.d.mu.Lock()
	s.d.messages = append(s.d.messages, s.cur)
	s.d.mu.Unlock()
	return nil
}

func (s *downstreamSession) Reset()        { s.cur = delivered{} }
func (s *downstreamSession) Logout() error { return nil }

func startDownstream(t *testing.T) (*downstream, string) {
	t.Helper()
	d := &downstream{}
	srv := smtp.NewServer(d)
	srv.Domain = "mx.test"
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return d, l.Addr().String()
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// seedDatabase creates a sqlite database with one blocked address and one known mailbox.
func seedDatabase(t *testing.T, path string) {
	t.Helper()
	s, err := sqlstore.Open(sqlstore.SQLite, path)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	_, err = s.Block(ctx, "spam@example.com")
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, "insert into mailboxes (address) values (?)", "alice@example.com")
	require.NoError(t, err)
}

func writeRules(t *testing.T, path, target, dbPath string) {
	t.Helper()
	content := fmt.Sprintf(`domains:
  - name: example.com
    address: %s
  - name: '^sales-(.+)@shop\.org$'
    regex: true
    address: team-$1@shop.org
database:
  enabled: true
  type: sqlite
  database: %s
`, target, dbPath)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func sendMail(t *testing.T, addr string, rcpts []string) []error {
	t.Helper()
	c, err := smtp.Dial(addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Hello("client.test"))
	require.NoError(t, c.Mail("sender@origin.org", nil))
	errs := make([]error, len(rcpts))
	for i, r := range rcpts {
		errs[i] = c.Rcpt(r, nil)
	}
	w, err := c.Data()
	require.NoError(t, err)
	_, err = io.WriteString(w, "Subject: hello\r\nMessage-Id: <1@origin.org>\r\n\r\nbody\r\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())
	return errs
}

// TestApplication_Integration runs the relay against a sqlite database and a
// downstream sink, then shuts it down.
func TestApplication_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "catchall.db")
	rulesPath := filepath.Join(dir, "rules.yaml")
	seedDatabase(t, dbPath)
	writeRules(t, rulesPath, "catchall@example.com", dbPath)

	sink, sinkAddr := startDownstream(t)

	t.Setenv("CATCHALL_ENV", "dev")
	t.Setenv("CATCHALL_LOG_LEVEL", "debug")
	t.Setenv("CATCHALL_LISTEN", fmt.Sprintf("127.0.0.1:%d", freePort(t)))
	t.Setenv("CATCHALL_HOSTNAME", "relay.test")
	t.Setenv("CATCHALL_DOWNSTREAM", sinkAddr)
	t.Setenv("CATCHALL_RULES_FILE", rulesPath)
	t.Setenv("CATCHALL_DIRECTORY", "sql")

	cfg, err := config.Load()
	require.NoError(t, err)

	app, err := buildApplication(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, app.rules.Current().Rules.Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appErr := make(chan error, 1)
	go func() {
		appErr <- app.Run(ctx)
	}()

	require.Eventually(t, func() bool { return app.Address() != "" }, 2*time.Second, 10*time.Millisecond)

	errs := sendMail(t, app.Address(), []string{
		"Bob@Example.com",
		"alice@example.com",
		"spam@example.com",
		"sales-west@shop.org",
	})
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(errs[2], &smtpErr), "blocked recipient should be rejected, got %v", errs[2])
	assert.Equal(t, 550, smtpErr.Code)
	assert.NoError(t, errs[3])

	msgs := sink.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "sender@origin.org", msgs[0].from)
	assert.ElementsMatch(t, []string{"catchall@example.com", "alice@example.com", "team-west@shop.org"}, msgs[0].to)
	lower := strings.ToLower(msgs[0].data)
	assert.Contains(t, lower, "x-origto: bob@example.com, sales-west@shop.org")

	handle := app.rules.Handle()
	require.NotNil(t, handle)
	caught, err := handle.ListCaught(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, caught, 2)
	blocked, err := handle.ListBlocked(context.Background())
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, uint64(1), blocked[0].Hits)

	// A reload with a new target is served without restarting.
	writeRules(t, rulesPath, "other@example.com", dbPath)
	app.rules.Reload()
	require.Eventually(t, func() bool {
		return app.rules.Current().Rules.At(0).Target == "other@example.com"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Same(t, handle, app.rules.Handle(), "unchanged database section keeps its handle")

	cancel()

	select {
	case err := <-appErr:
		assert.NoError(t, err, "Application should shutdown gracefully")
	case <-time.After(5 * time.Second):
		t.Fatal("Application failed to shutdown within timeout")
	}
}

// TestBuildApplication_MissingRulesFile keeps running with no rules.
func TestBuildApplication_MissingRulesFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DEFAULT_APP_CONFIG
	cfg.RulesFile = filepath.Join(dir, "absent.yaml")

	app, err := buildApplication(&cfg)
	require.NoError(t, err)
	defer func() { _ = app.close() }()

	assert.Equal(t, 0, app.rules.Current().Rules.Len())
	assert.Nil(t, app.rules.Current().Access)
	assert.Nil(t, app.metrics)
}

func TestBuildApplication_ConfigurationVariations(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*config.AppConfig)
		wantErr       bool
		errorContains string
	}{
		{
			name: "static directory and metrics",
			mutate: func(c *config.AppConfig) {
				c.Directory = "static"
				c.Mailboxes = []string{"a@example.com"}
				c.MetricsAddr = "127.0.0.1:9100"
			},
		},
		{
			name:          "bad policy",
			mutate:        func(c *config.AppConfig) { c.BlocklistPolicy = "sideways" },
			wantErr:       true,
			errorContains: "policy",
		},
		{
			name:          "bad tracker size",
			mutate:        func(c *config.AppConfig) { c.TrackerSize = 0 },
			wantErr:       true,
			errorContains: "tracker",
		},
		{
			name:          "unknown directory",
			mutate:        func(c *config.AppConfig) { c.Directory = "ldap" },
			wantErr:       true,
			errorContains: "directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DEFAULT_APP_CONFIG
			cfg.RulesFile = filepath.Join(t.TempDir(), "rules.yaml")
			tt.mutate(&cfg)

			app, err := buildApplication(&cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, app.metrics)
			require.NoError(t, app.close())
		})
	}
}

func TestSQLPool_FollowsHandle(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte("domains:\n  - name: example.com\n    address: c@example.com\n"), 0o600))

	cfg := config.DEFAULT_APP_CONFIG
	cfg.RulesFile = rulesPath
	cfg.Directory = "sql"
	app, err := buildApplication(&cfg)
	require.NoError(t, err)
	defer func() { _ = app.close() }()

	pool := sqlPool(app.rules)
	current := func() directory.Pool {
		p, release := pool()
		release()
		return p
	}
	assert.Nil(t, current(), "no database section means no pool")

	d := directory.NewSQL(pool)
	_, err = d.FindMailbox(context.Background(), "a@example.com")
	assert.ErrorIs(t, err, directory.ErrNoDatabase)

	dbPath := filepath.Join(dir, "catchall.db")
	seedDatabase(t, dbPath)
	writeRules(t, rulesPath, "c@example.com", dbPath)
	app.rules.Reload()

	require.Eventually(t, func() bool { return current() != nil }, 2*time.Second, 10*time.Millisecond)
	found, err := d.FindMailbox(context.Background(), "Alice@Example.com")
	require.NoError(t, err)
	assert.True(t, found)
}

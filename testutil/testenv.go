// Package testutil provides shared helpers for the end-to-end tests. It
// depends only on stdlib so that E2E tests (which cannot import internal/)
// can use it.
package testutil

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// FreeAddr returns a loopback address with a port nobody listens on.
func FreeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()

	return l.Addr().String(), nil
}

// WaitForServer polls baseURL until it answers an HTTP request or timeout
// passes. Any status counts as up.
func WaitForServer(baseURL string, timeout time.Duration) error {
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(timeout)

	for {
		resp, err := client.Get(baseURL)
		if err == nil {
			resp.Body.Close()
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("server at %s not up after %s: %w", baseURL, timeout, err)
		}

		time.Sleep(50 * time.Millisecond)
	}
}

// Drive is one [[tenant.drive]] entry of a test config.
type Drive struct {
	Name  string
	Alias string
	Type  string
}

// Tenant is one [[tenant]] entry of a test config.
type Tenant struct {
	Identity string
	Drives   []Drive
}

// WriteConfig writes a config hosting tenants on listen, with every tenant
// reachable at the same listener through peer_overrides.
func WriteConfig(path, dataDir, listen string, tenants []Tenant) error {
	var b strings.Builder

	fmt.Fprintf(&b, "[server]\nlisten = %q\n\n", listen)
	fmt.Fprintf(&b, "[storage]\ndata_dir = %q\n\n", dataDir)
	b.WriteString("[transit]\ndispatch_interval = \"1h\"\nmaintenance_interval = \"1h\"\nbase_backoff = \"1s\"\n\n")
	b.WriteString("[logging]\nlog_level = \"debug\"\nlog_format = \"json\"\n\n")
	b.WriteString("[network.peer_overrides]\n")

	for _, t := range tenants {
		fmt.Fprintf(&b, "%q = %q\n", t.Identity, "http://"+listen)
	}

	for _, t := range tenants {
		fmt.Fprintf(&b, "\n[[tenant]]\nidentity = %q\n", t.Identity)

		for _, d := range t.Drives {
			fmt.Fprintf(&b, "\n[[tenant.drive]]\nname = %q\nalias = %q\ntype = %q\n", d.Name, d.Alias, d.Type)
		}
	}

	return os.WriteFile(path, []byte(b.String()), 0o600)
}

package main

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const healthCheckTimeout = 5 * time.Second

// Health is meant for container health checks.
type Health struct {
	Addr string `kong:"help='Server address. Defaults to SERVER_ADDR.'"`
}

func (h *Health) Run(cli *CLI, out io.Writer) error {
	addr := h.Addr
	if addr == "" {
		cfg, _, err := cli.load(nil)
		if err != nil {
			return err
		}
		addr = cfg.ServerAddr
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	if err := performHealthCheck(host, port); err != nil {
		return err
	}
	fmt.Fprintln(out, "OK")
	return nil
}

func performHealthCheck(host, port string) error {
	client := &http.Client{Timeout: healthCheckTimeout}
	url := fmt.Sprintf("http://%s/healthz", net.JoinHostPort(host, port))

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: unexpected response status %d", resp.StatusCode)
	}
	return nil
}

package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/forgeworks/foundry/internal/config"
	ferr "github.com/forgeworks/foundry/internal/errors"
	"github.com/forgeworks/foundry/internal/logfields"
)

// catchAllService terminates the tunnel ingress list; Cloudflare requires the
// final rule to have no hostname.
const catchAllService = "http_status:404"

// Cloudflare implements Controller over the Cloudflare Tunnel and DNS APIs.
type Cloudflare struct {
	accountID  string
	apiToken   string
	zoneID     string
	tunnelName string
	baseURL    string
	client     *http.Client
}

// NewCloudflare builds the provider from tunnel credentials.
func NewCloudflare(cfg config.Tunnel) *Cloudflare {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil
	return &Cloudflare{
		accountID:  cfg.AccountID,
		apiToken:   cfg.APIToken,
		zoneID:     cfg.ZoneID,
		tunnelName: cfg.TunnelName,
		baseURL:    "https://api.cloudflare.com/client/v4",
		client:     rc.StandardClient(),
	}
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type tunnel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type tunnelConfig struct {
	Ingress []ingressRule `json:"ingress"`
}

type ingressRule struct {
	Hostname string `json:"hostname,omitempty"`
	Service  string `json:"service"`
}

type dnsRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (c *Cloudflare) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return ferr.Transient(err, "cloudflare api")
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode cloudflare response: %w", err)
	}
	if !env.Success {
		msg := "unknown error"
		if len(env.Errors) > 0 {
			msg = env.Errors[0].Message
		}
		return fmt.Errorf("cloudflare api %s %s: %s", method, path, msg)
	}
	if result != nil && env.Result != nil {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("decode cloudflare result: %w", err)
		}
	}
	return nil
}

func (c *Cloudflare) lookupTunnel(ctx context.Context) (*tunnel, error) {
	var tunnels []tunnel
	path := fmt.Sprintf("/accounts/%s/cfd_tunnel?name=%s", c.accountID, url.QueryEscape(c.tunnelName))
	if err := c.do(ctx, http.MethodGet, path, nil, &tunnels); err != nil {
		return nil, err
	}
	if len(tunnels) == 0 {
		return nil, ferr.Newf(ferr.KindNotFound, "tunnel %q not found", c.tunnelName)
	}
	return &tunnels[0], nil
}

func (c *Cloudflare) getConfig(ctx context.Context, tunnelID string) (*tunnelConfig, error) {
	var wrapper struct {
		Config *tunnelConfig `json:"config"`
	}
	path := fmt.Sprintf("/accounts/%s/cfd_tunnel/%s/configurations", c.accountID, tunnelID)
	if err := c.do(ctx, http.MethodGet, path, nil, &wrapper); err != nil {
		return nil, err
	}
	if wrapper.Config == nil || len(wrapper.Config.Ingress) == 0 {
		return &tunnelConfig{Ingress: []ingressRule{{Service: catchAllService}}}, nil
	}
	return wrapper.Config, nil
}

func (c *Cloudflare) putConfig(ctx context.Context, tunnelID string, cfg *tunnelConfig) error {
	path := fmt.Sprintf("/accounts/%s/cfd_tunnel/%s/configurations", c.accountID, tunnelID)
	return c.do(ctx, http.MethodPut, path, map[string]any{"config": cfg}, nil)
}

// EnsureRoute upserts host → http://target in the tunnel ingress list,
// keeping the catch-all rule last.
func (c *Cloudflare) EnsureRoute(ctx context.Context, host, target string) error {
	tun, err := c.lookupTunnel(ctx)
	if err != nil {
		return err
	}
	cfg, err := c.getConfig(ctx, tun.ID)
	if err != nil {
		return err
	}

	service := "http://" + target
	for i, rule := range cfg.Ingress {
		if rule.Hostname == host {
			if rule.Service == service {
				return nil
			}
			cfg.Ingress[i].Service = service
			return c.putConfig(ctx, tun.ID, cfg)
		}
	}

	newRule := ingressRule{Hostname: host, Service: service}
	inserted := false
	for i, rule := range cfg.Ingress {
		if rule.Hostname == "" {
			rest := append([]ingressRule{newRule}, cfg.Ingress[i:]...)
			cfg.Ingress = append(cfg.Ingress[:i:i], rest...)
			inserted = true
			break
		}
	}
	if !inserted {
		cfg.Ingress = append(cfg.Ingress, newRule, ingressRule{Service: catchAllService})
	}

	if err := c.putConfig(ctx, tun.ID, cfg); err != nil {
		return err
	}
	slog.Info("Tunnel route ensured", logfields.Domain(host), slog.String("target", target))
	return nil
}

// RemoveRoute drops the rule for host. Removing an absent route is a no-op.
func (c *Cloudflare) RemoveRoute(ctx context.Context, host string) error {
	tun, err := c.lookupTunnel(ctx)
	if err != nil {
		return err
	}
	cfg, err := c.getConfig(ctx, tun.ID)
	if err != nil {
		return err
	}

	kept := cfg.Ingress[:0]
	removed := false
	for _, rule := range cfg.Ingress {
		if rule.Hostname == host {
			removed = true
			continue
		}
		kept = append(kept, rule)
	}
	if !removed {
		return nil
	}
	cfg.Ingress = kept
	if len(cfg.Ingress) == 0 || cfg.Ingress[len(cfg.Ingress)-1].Hostname != "" {
		cfg.Ingress = append(cfg.Ingress, ingressRule{Service: catchAllService})
	}

	if err := c.putConfig(ctx, tun.ID, cfg); err != nil {
		return err
	}
	slog.Info("Tunnel route removed", logfields.Domain(host))
	return nil
}

// EnsureDNS upserts a proxied CNAME pointing host at the tunnel's canonical
// hostname.
func (c *Cloudflare) EnsureDNS(ctx context.Context, host string) error {
	tun, err := c.lookupTunnel(ctx)
	if err != nil {
		return err
	}
	canonical := tun.ID + ".cfargotunnel.com"

	var records []dnsRecord
	listPath := fmt.Sprintf("/zones/%s/dns_records?type=CNAME&name=%s", c.zoneID, url.QueryEscape(host))
	if err := c.do(ctx, http.MethodGet, listPath, nil, &records); err != nil {
		return err
	}

	body := map[string]any{
		"type":    "CNAME",
		"name":    host,
		"content": canonical,
		"proxied": true,
	}
	if len(records) > 0 {
		if records[0].Content == canonical {
			return nil
		}
		path := fmt.Sprintf("/zones/%s/dns_records/%s", c.zoneID, records[0].ID)
		if err := c.do(ctx, http.MethodPut, path, body, nil); err != nil {
			return err
		}
	} else {
		path := fmt.Sprintf("/zones/%s/dns_records", c.zoneID)
		if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
			return err
		}
	}
	slog.Info("DNS record ensured", logfields.Domain(host), slog.String("target", canonical))
	return nil
}

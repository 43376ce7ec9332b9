package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxRemoteResponse = 1 << 20

// RemoteConfig describes a remote solver service.
type RemoteConfig struct {
	Name     string        `yaml:"name"`
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Remote forwards payloads to a solver service over HTTP. The service
// receives the payload as the request body and must answer with a JSON
// document.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
}

var (
	_ Provider  = (*Remote)(nil)
	_ Validator = (*Remote)(nil)
)

// NewRemote creates a remote provider. A zero Timeout leaves per-request
// bounds entirely to the caller's context.
func NewRemote(cfg RemoteConfig) *Remote {
	return &Remote{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (r *Remote) Name() string { return r.cfg.Name }

func (r *Remote) Info() Info {
	return Info{Name: normalize(r.cfg.Name), Kind: KindRemote, Real: true}
}

// Validate reports missing endpoint or credentials.
func (r *Remote) Validate() error {
	var errs []error
	if r.cfg.Endpoint == "" {
		errs = append(errs, fmt.Errorf("provider %q: endpoint is required", r.cfg.Name))
	}
	if r.cfg.Token == "" {
		errs = append(errs, fmt.Errorf("provider %q: token is required", r.cfg.Name))
	}
	return errors.Join(errs...)
}

func (r *Remote) Run(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.Token)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", r.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponse))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", r.cfg.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned status %d: %s", r.cfg.Name, resp.StatusCode, truncate(body, 200))
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%s returned a non-JSON body", r.cfg.Name)
	}
	return json.RawMessage(body), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

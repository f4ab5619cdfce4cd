// Package provider holds the Provisioner implementations used by the rotator.
package provider

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	proxyrotator "go-proxyrotator"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

// Legacy numeric datacenter ids and the Linode region they now map to.
var regionSlugs = map[proxyrotator.RegionID]string{
	2:  "us-central",
	3:  "us-west",
	4:  "us-southeast",
	6:  "us-east",
	7:  "eu-west",
	8:  "ap-northeast",
	9:  "ap-south",
	10: "eu-central",
}

// RegionSlug returns the Linode region slug for a datacenter id.
func RegionSlug(region proxyrotator.RegionID) (string, bool) {
	var slug, ok = regionSlugs[region]
	return slug, ok
}

// RegionFromSlug returns the datacenter id for a Linode region slug, or
// NoRegion for regions the rotator does not know.
func RegionFromSlug(slug string) proxyrotator.RegionID {
	for region, known := range regionSlugs {
		if known == slug {
			return region
		}
	}
	return proxyrotator.NoRegion
}

var errNotRunning = errors.New("instance not running yet")

// linodeOptions configures the Linode client (internal only).
type linodeOptions struct {
	baseURL        string
	instanceType   string
	image          string
	tag            string
	authorizedKeys []string
	client         *http.Client
	bootTimeout    time.Duration
	pollInterval   time.Duration
	retryDelay     time.Duration
	logger         zerolog.Logger
}

func defaultLinodeOptions() linodeOptions {
	return linodeOptions{
		baseURL:      "https://api.linode.com/v4",
		instanceType: "g6-nanode-1",
		image:        "linode/debian11",
		tag:          "proxy-rotator",
		client:       &http.Client{Timeout: 30 * time.Second},
		bootTimeout:  5 * time.Minute,
		pollInterval: 5 * time.Second,
		retryDelay:   time.Second,
		logger:       zerolog.Nop(),
	}
}

// LinodeOption is a functional option for configuring a Linode provisioner.
type LinodeOption func(*linodeOptions)

// WithBaseURL points the client at another API root.
func WithBaseURL(url string) LinodeOption {
	return func(o *linodeOptions) {
		if url != "" {
			o.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithInstanceType sets the Linode plan, e.g. "g6-nanode-1".
func WithInstanceType(instanceType string) LinodeOption {
	return func(o *linodeOptions) {
		if instanceType != "" {
			o.instanceType = instanceType
		}
	}
}

// WithImage sets the image new instances boot from.
func WithImage(image string) LinodeOption {
	return func(o *linodeOptions) {
		if image != "" {
			o.image = image
		}
	}
}

// WithTag sets the tag that marks instances owned by the rotator. ListActive
// only reports tagged instances.
func WithTag(tag string) LinodeOption {
	return func(o *linodeOptions) {
		if tag != "" {
			o.tag = tag
		}
	}
}

// WithAuthorizedKeys installs SSH public keys for root on new instances.
func WithAuthorizedKeys(keys []string) LinodeOption {
	return func(o *linodeOptions) {
		o.authorizedKeys = keys
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) LinodeOption {
	return func(o *linodeOptions) {
		if client != nil {
			o.client = client
		}
	}
}

// WithBootTimeout bounds how long Create waits for a new instance to run.
func WithBootTimeout(timeout time.Duration) LinodeOption {
	return func(o *linodeOptions) {
		if timeout > 0 {
			o.bootTimeout = timeout
		}
	}
}

// WithPollInterval sets the delay between boot status checks.
func WithPollInterval(interval time.Duration) LinodeOption {
	return func(o *linodeOptions) {
		if interval > 0 {
			o.pollInterval = interval
		}
	}
}

// WithRetryDelay sets the base delay between retried API calls.
func WithRetryDelay(delay time.Duration) LinodeOption {
	return func(o *linodeOptions) {
		if delay > 0 {
			o.retryDelay = delay
		}
	}
}

// WithLinodeLogger sets the logger.
func WithLinodeLogger(logger zerolog.Logger) LinodeOption {
	return func(o *linodeOptions) {
		o.logger = logger
	}
}

// Linode provisions proxies through the Linode v4 API.
type Linode struct {
	token   string
	options linodeOptions
	logger  zerolog.Logger
}

// NewLinode creates a Linode provisioner authenticating with token.
func NewLinode(token string, opts ...LinodeOption) *Linode {
	var o = defaultLinodeOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Linode{
		token:   token,
		options: o,
		logger:  o.logger.With().Str("component", "linode").Logger(),
	}
}

type linodeInstance struct {
	ID     int      `json:"id"`
	Label  string   `json:"label"`
	Region string   `json:"region"`
	Status string   `json:"status"`
	IPv4   []string `json:"ipv4"`
	Tags   []string `json:"tags"`
}

type createInstanceRequest struct {
	Region         string   `json:"region"`
	Type           string   `json:"type"`
	Image          string   `json:"image"`
	RootPass       string   `json:"root_pass"`
	Tags           []string `json:"tags"`
	AuthorizedKeys []string `json:"authorized_keys,omitempty"`
	Booted         bool     `json:"booted"`
}

type instancePage struct {
	Data  []linodeInstance `json:"data"`
	Page  int              `json:"page"`
	Pages int              `json:"pages"`
}

type apiErrors struct {
	Errors []struct {
		Field  string `json:"field"`
		Reason string `json:"reason"`
	} `json:"errors"`
}

// APIError is a non-2xx answer from the Linode API.
type APIError struct {
	StatusCode int
	Reason     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("linode api returned %d: %s", e.StatusCode, e.Reason)
}

func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Create provisions a new instance in region and waits until it is running.
// An instance that never comes up is deleted again.
func (l *Linode) Create(ctx context.Context, region proxyrotator.RegionID) (proxyrotator.Instance, error) {
	var slug, ok = RegionSlug(region)
	if !ok {
		return proxyrotator.Instance{}, fmt.Errorf("region %s has no linode datacenter", region)
	}

	var password, err = rootPassword()
	if err != nil {
		return proxyrotator.Instance{}, err
	}

	var created linodeInstance
	err = l.do(ctx, http.MethodPost, "/linode/instances", createInstanceRequest{
		Region:         slug,
		Type:           l.options.instanceType,
		Image:          l.options.image,
		RootPass:       password,
		Tags:           []string{l.options.tag},
		AuthorizedKeys: l.options.authorizedKeys,
		Booted:         true,
	}, &created)
	if err != nil {
		return proxyrotator.Instance{}, fmt.Errorf("failed to create linode in %s: %w", slug, err)
	}

	var logger = l.logger.With().Int("linode_id", created.ID).Str("region", slug).Logger()
	logger.Info().Msg("created linode, waiting for boot")

	running, err := l.waitRunning(ctx, created.ID)
	if err != nil {
		logger.Error().Err(err).Msg("linode did not boot, deleting it")
		if deleteErr := l.Delete(context.WithoutCancel(ctx), strconv.Itoa(created.ID)); deleteErr != nil {
			logger.Error().Err(deleteErr).Msg("failed to delete linode that did not boot")
		}
		return proxyrotator.Instance{}, fmt.Errorf("linode %d did not boot: %w", created.ID, err)
	}

	return l.toInstance(running)
}

func (l *Linode) waitRunning(ctx context.Context, id int) (linodeInstance, error) {
	var (
		attempts = uint(l.options.bootTimeout/l.options.pollInterval) + 1
		current  linodeInstance
	)

	var err = retry.Do(
		func() error {
			var instance linodeInstance
			if err := l.do(ctx, http.MethodGet, "/linode/instances/"+strconv.Itoa(id), nil, &instance); err != nil {
				var apiErr *APIError
				if errors.As(err, &apiErr) && !apiErr.retryable() {
					return retry.Unrecoverable(err)
				}
				return err
			}
			if instance.Status != "running" {
				return fmt.Errorf("%w: status %s", errNotRunning, instance.Status)
			}
			current = instance
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(l.options.pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	return current, err
}

// Delete removes an instance. An instance that is already gone counts as deleted.
func (l *Linode) Delete(ctx context.Context, instanceID string) error {
	var id, err = strconv.Atoi(instanceID)
	if err != nil {
		return fmt.Errorf("invalid linode id %q: %w", instanceID, err)
	}

	return retry.Do(
		func() error {
			var err = l.do(ctx, http.MethodDelete, "/linode/instances/"+strconv.Itoa(id), nil, nil)
			var apiErr *APIError
			switch {
			case err == nil:
				return nil
			case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
				l.logger.Info().Int("linode_id", id).Msg("linode already deleted")
				return nil
			case errors.As(err, &apiErr) && !apiErr.retryable():
				return retry.Unrecoverable(err)
			default:
				return err
			}
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(l.options.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			l.logger.Warn().Err(err).Int("linode_id", id).Uint("attempt", attempt).Msg("failed to delete linode, retrying")
		}),
	)
}

// ListActive returns every instance carrying the rotator's tag.
func (l *Linode) ListActive(ctx context.Context) ([]proxyrotator.Instance, error) {
	var (
		instances []proxyrotator.Instance
		page      = 1
	)

	for {
		var result instancePage
		if err := l.do(ctx, http.MethodGet, "/linode/instances?page="+strconv.Itoa(page), nil, &result); err != nil {
			return nil, fmt.Errorf("failed to list linodes: %w", err)
		}

		for _, raw := range result.Data {
			if !hasTag(raw.Tags, l.options.tag) {
				continue
			}
			var instance, err = l.toInstance(raw)
			if err != nil {
				l.logger.Warn().Err(err).Int("linode_id", raw.ID).Msg("skipping linode without address")
				continue
			}
			instances = append(instances, instance)
		}

		if result.Pages <= page {
			return instances, nil
		}
		page++
	}
}

// Label returns the label of an instance.
func (l *Linode) Label(ctx context.Context, instanceID string) (string, error) {
	var instance linodeInstance
	if err := l.do(ctx, http.MethodGet, "/linode/instances/"+instanceID, nil, &instance); err != nil {
		return "", fmt.Errorf("failed to get linode %s: %w", instanceID, err)
	}
	return instance.Label, nil
}

func (l *Linode) toInstance(raw linodeInstance) (proxyrotator.Instance, error) {
	if len(raw.IPv4) == 0 {
		return proxyrotator.Instance{}, fmt.Errorf("linode %d has no ipv4 address", raw.ID)
	}
	return proxyrotator.Instance{
		Address:    raw.IPv4[0],
		Region:     RegionFromSlug(raw.Region),
		InstanceID: strconv.Itoa(raw.ID),
		Label:      raw.Label,
	}, nil
}

func (l *Linode) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		var payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	var req, err = http.NewRequestWithContext(ctx, method, l.options.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+l.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodGet && strings.HasPrefix(path, "/linode/instances?") {
		req.Header.Set("X-Filter", fmt.Sprintf(`{"tags": %q}`, l.options.tag))
	}

	resp, err := l.options.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call linode api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode linode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var apiErr = &APIError{StatusCode: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}

	var payload apiErrors
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && len(payload.Errors) > 0 {
		var reasons = make([]string, 0, len(payload.Errors))
		for _, e := range payload.Errors {
			if e.Field != "" {
				reasons = append(reasons, e.Field+": "+e.Reason)
				continue
			}
			reasons = append(reasons, e.Reason)
		}
		apiErr.Reason = strings.Join(reasons, "; ")
	}
	return apiErr
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// rootPassword returns a random password satisfying Linode's strength rules.
func rootPassword() (string, error) {
	var raw = make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate root password: %w", err)
	}
	return "Rp1-" + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Package cloudflare implements the sandbox driver on Cloudflare's
// account-scoped container instances. Every control response arrives in the
// v4 envelope, and command execution rides a WebSocket to the instance.
package cloudflare

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/config"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver/shellfs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/httpapi"
)

const (
	defaultBaseURL = "https://api.cloudflare.com/client/v4"
	defaultImage   = "docker.io/cloudflare/sandbox:latest"
)

// Adapter holds the account-scoped API client.
type Adapter struct {
	api *httpapi.Client
}

// New validates credentials and composes the driver. The client is rooted
// below the account so call sites never repeat the scope.
func New(_ context.Context, cfg config.Provider) (*driver.Driver, error) {
	if cfg.APIKey == "" {
		return nil, errdefs.New(errdefs.KindAuthentication, "cloudflare: api token required (set CLOUDFLARE_API_TOKEN)")
	}
	if cfg.AccountID == "" {
		return nil, errdefs.New(errdefs.KindAuthentication, "cloudflare: account id required (set CLOUDFLARE_ACCOUNT_ID)")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	api := httpapi.NewClient(driver.ProviderCloudflare, base+"/accounts/"+cfg.AccountID,
		func(h http.Header) {
			h.Set("Authorization", "Bearer "+cfg.APIKey)
		},
		httpapi.WithTimeout(cfg.Timeout()),
		httpapi.WithEnvelope(errorMessage),
	)

	a := &Adapter{api: api}
	p := &process{a: a}

	return driver.Compose(driver.ProviderCloudflare, driver.Services{
		Lifecycle: &lifecycle{a: a},
		Process:   p,
		Fs:        shellfs.NewFs(driver.ProviderCloudflare, p),
		Code:      shellfs.NewCode(p),
	}), nil
}

func init() {
	driver.Register(driver.ProviderCloudflare, New)
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// envelope is the v4 response wrapper.
type envelope[T any] struct {
	Success bool       `json:"success"`
	Errors  []apiError `json:"errors"`
	Result  T          `json:"result"`
}

// errorMessage pulls the first envelope error out of a failed response body.
func errorMessage(body []byte) string {
	var env envelope[json.RawMessage]
	if err := json.Unmarshal(body, &env); err != nil || len(env.Errors) == 0 {
		return ""
	}
	return env.Errors[0].Message
}

// fetch unwraps one envelope call. A 2xx with success=false still counts as
// a failure and classifies on the envelope message.
func fetch[T any](ctx context.Context, a *Adapter, method, path, op string, body any) (T, error) {
	var env envelope[T]
	var zero T
	if err := a.api.Do(ctx, method, path, body, &env); err != nil {
		return zero, err
	}
	if !env.Success {
		msg := "request failed"
		if len(env.Errors) > 0 {
			msg = env.Errors[0].Message
		}
		return zero, errdefs.Classify(driver.ProviderCloudflare, op, 0, "", msg, nil)
	}
	return env.Result, nil
}

type instance struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Image     string            `json:"image,omitempty"`
	Status    string            `json:"status"`
	CreatedOn time.Time         `json:"created_on"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type createRequest struct {
	Name         string            `json:"name,omitempty"`
	Image        string            `json:"image"`
	InstanceType string            `json:"instance_type,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Ports        []int             `json:"ports,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// lifecycle implements driver.Lifecycle.
type lifecycle struct {
	a *Adapter
}

func (l *lifecycle) Create(ctx context.Context, opts driver.CreateOptions) (driver.SandboxInfo, error) {
	if opts.Source != nil && opts.Source.Type == driver.SourceSnapshot {
		return driver.SandboxInfo{}, errdefs.Unsupported(driver.ProviderCloudflare, "create from snapshot")
	}

	image := opts.Image
	if image == "" {
		image = defaultImage
	}
	req := createRequest{
		Name:         opts.Name,
		Image:        image,
		InstanceType: instanceType(opts.CPU, opts.MemoryMiB),
		Env:          opts.Env,
		Ports:        opts.Ports(),
		Labels:       opts.Labels,
	}

	inst, err := fetch[instance](ctx, l.a, "POST", "/sandbox/instances", "create", req)
	if err != nil {
		return driver.SandboxInfo{}, err
	}

	if opts.Source != nil {
		if err := l.a.seed(ctx, inst.ID, opts); err != nil {
			l.a.rollback(inst.ID)
			return driver.SandboxInfo{}, err
		}
	}

	log.Info().Str("sandbox_id", inst.ID).Str("image", image).Msg("Cloudflare instance created")
	return sandboxInfo(inst), nil
}

func (l *lifecycle) Destroy(ctx context.Context, id string) error {
	_, err := fetch[struct{}](ctx, l.a, "DELETE", "/sandbox/instances/"+id, "destroy", nil)
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (l *lifecycle) Status(ctx context.Context, id string) (driver.Status, error) {
	inst, err := fetch[instance](ctx, l.a, "GET", "/sandbox/instances/"+id, "status", nil)
	if err != nil {
		return "", err
	}
	return mapState(inst.Status), nil
}

func (l *lifecycle) List(ctx context.Context) ([]driver.SandboxInfo, error) {
	page, err := fetch[[]instance](ctx, l.a, "GET", "/sandbox/instances", "list", nil)
	if err != nil {
		if errdefs.IsNetwork(err) || errdefs.IsTimeout(err) {
			log.Warn().Err(err).Msg("Cloudflare list degraded to empty result")
			return []driver.SandboxInfo{}, nil
		}
		return nil, err
	}
	return lo.Map(page, func(inst instance, _ int) driver.SandboxInfo {
		return sandboxInfo(inst)
	}), nil
}

func (l *lifecycle) Get(ctx context.Context, id string) (driver.SandboxInfo, error) {
	inst, err := fetch[instance](ctx, l.a, "GET", "/sandbox/instances/"+id, "get", nil)
	if err != nil {
		return driver.SandboxInfo{}, err
	}
	return sandboxInfo(inst), nil
}

func (a *Adapter) rollback(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := fetch[struct{}](ctx, a, "DELETE", "/sandbox/instances/"+id, "destroy", nil); err != nil && !errdefs.IsNotFound(err) {
		log.Warn().Err(err).Str("sandbox_id", id).Msg("rollback delete failed")
	}
}

// seed clones or unpacks the requested source inside the instance.
func (a *Adapter) seed(ctx context.Context, id string, opts driver.CreateOptions) error {
	dir := opts.Workdir
	if dir == "" {
		dir = "/workspace"
	}

	var line string
	switch opts.Source.Type {
	case driver.SourceGit:
		line = shellfs.CloneLine(*opts.Source, dir)
	case driver.SourceTarball:
		line = shellfs.TarballLine(opts.Source.URL, dir)
	default:
		return nil
	}

	p := &process{a: a}
	res, err := p.Run(ctx, id, driver.RunCommand{Cmd: line})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errdefs.Classify(driver.ProviderCloudflare, "create", 0, "", res.Stderr, nil)
	}
	return nil
}

// instanceType picks the smallest instance class that satisfies the
// requested resources. Zero requests defer to the provider default.
func instanceType(cpu float64, memoryMiB int64) string {
	if cpu <= 0 && memoryMiB <= 0 {
		return ""
	}
	switch {
	case cpu <= 0.0625 && memoryMiB <= 256:
		return "dev"
	case cpu <= 0.25 && memoryMiB <= 1024:
		return "basic"
	default:
		return "standard"
	}
}

func mapState(state string) driver.Status {
	switch strings.ToLower(state) {
	case "provisioning", "starting":
		return driver.StatusCreating
	case "running", "healthy":
		return driver.StatusReady
	case "stopping", "stopped":
		return driver.StatusStopped
	default:
		return driver.StatusFailed
	}
}

func sandboxInfo(inst instance) driver.SandboxInfo {
	return driver.SandboxInfo{
		ID:        inst.ID,
		Name:      inst.Name,
		Provider:  driver.ProviderCloudflare,
		Status:    mapState(inst.Status),
		CreatedAt: inst.CreatedOn,
		Metadata:  inst.Labels,
	}
}

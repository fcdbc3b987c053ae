// Package deploy turns a successful build into a running service and wires
// its public hostname through the ingress controller.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/forgeworks/foundry/internal/docker"
	ferr "github.com/forgeworks/foundry/internal/errors"
	"github.com/forgeworks/foundry/internal/ingress"
	"github.com/forgeworks/foundry/internal/logfields"
	"github.com/forgeworks/foundry/internal/manifest"
)

// Docker is the container surface the reconciler drives.
type Docker interface {
	Build(ctx context.Context, dir, dockerfile, tag string, output func(line string)) error
	StopAndRemove(ctx context.Context, name string) error
	StartService(ctx context.Context, spec docker.ServiceSpec) error
	ComposeUp(ctx context.Context, dir, composeFile, project string, output func(line string)) error
	EnsureNetwork(ctx context.Context, name string) error
}

// Reconciler applies a manifest's deploy block. Deployments are forward-only:
// nothing is rolled back on failure, the previous container simply stays (or,
// between remove and start, is briefly absent).
type Reconciler struct {
	docker  Docker
	ingress ingress.Controller
	network string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per repository; serializes its deploys
}

// NewReconciler builds a reconciler over a docker runner and an ingress
// provider.
func NewReconciler(d Docker, ing ingress.Controller, network string) *Reconciler {
	if ing == nil {
		ing = ingress.Noop{}
	}
	return &Reconciler{docker: d, ingress: ing, network: network, locks: make(map[string]*sync.Mutex)}
}

func (r *Reconciler) repoLock(repoKey string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[repoKey]
	if !ok {
		l = &sync.Mutex{}
		r.locks[repoKey] = l
	}
	return l
}

// Request carries everything a deployment needs from the finished build.
type Request struct {
	RepoKey      string // owner/name; the serialization unit
	WorkspaceDir string
	Manifest     *manifest.Manifest
	GitSHA       string
	Output       func(line string)
}

// Deploy applies the manifest's deploy block: compose mode when a compose
// file is declared, single-container mode otherwise. Ingress (route, then
// DNS, in that order) is updated only when a domain is set.
func (r *Reconciler) Deploy(ctx context.Context, req Request) error {
	d := req.Manifest.Deploy
	if !d.Enabled() {
		return nil
	}
	output := req.Output
	if output == nil {
		output = func(string) {}
	}

	lock := r.repoLock(req.RepoKey)
	lock.Lock()
	defer lock.Unlock()

	if err := r.docker.EnsureNetwork(ctx, r.network); err != nil {
		return err
	}

	if d.ComposeFile != "" {
		if err := r.deployCompose(ctx, req, output); err != nil {
			return err
		}
	} else {
		if err := r.deployContainer(ctx, req, output); err != nil {
			return err
		}
	}

	if d.Domain != "" {
		target := fmt.Sprintf("%s:%d", d.Name, servicePort(d))
		if err := r.ingress.EnsureRoute(ctx, d.Domain, target); err != nil {
			return fmt.Errorf("ensure route: %w", err)
		}
		if err := r.ingress.EnsureDNS(ctx, d.Domain); err != nil {
			return fmt.Errorf("ensure dns: %w", err)
		}
	}

	slog.Info("Deployment complete",
		logfields.Repository(req.RepoKey),
		slog.String("name", d.Name),
		logfields.Domain(d.Domain))
	return nil
}

func (r *Reconciler) deployCompose(ctx context.Context, req Request, output func(string)) error {
	d := req.Manifest.Deploy
	if err := validateComposeFile(filepath.Join(req.WorkspaceDir, d.ComposeFile)); err != nil {
		return err
	}
	project := d.Name
	if project == "" {
		project = filepath.Base(req.RepoKey)
	}
	if err := r.docker.ComposeUp(ctx, req.WorkspaceDir, d.ComposeFile, project, output); err != nil {
		return fmt.Errorf("compose up %s: %w", project, err)
	}
	return nil
}

func (r *Reconciler) deployContainer(ctx context.Context, req Request, output func(string)) error {
	d := req.Manifest.Deploy
	image := req.Manifest.Build.Image
	if req.Manifest.Build.Dockerfile != "" {
		image = fmt.Sprintf("%s:%s", d.Name, shortSHA(req.GitSHA))
		if err := r.docker.Build(ctx, req.WorkspaceDir, req.Manifest.Build.Dockerfile, image, output); err != nil {
			return fmt.Errorf("build image %s: %w", image, err)
		}
	}
	if image == "" {
		return ferr.BadRequest("deploy needs build.dockerfile or build.image")
	}

	// Brief absence between remove and start is tolerated; replacement only
	// happens after the new image exists.
	if err := r.docker.StopAndRemove(ctx, d.Name); err != nil {
		return err
	}
	return r.docker.StartService(ctx, docker.ServiceSpec{
		Name:    d.Name,
		Image:   image,
		Port:    d.Port,
		Network: r.network,
		Env:     req.Manifest.StageEnv(manifest.Stage{}),
	})
}

const defaultServicePort = 80

func servicePort(d *manifest.Deploy) int {
	if d.Port > 0 {
		return d.Port
	}
	return defaultServicePort
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// composeDoc is the subset of a compose file the reconciler validates.
type composeDoc struct {
	Services map[string]struct {
		Image string `yaml:"image"`
		Build any    `yaml:"build"`
	} `yaml:"services"`
}

// validateComposeFile rejects obviously broken compose files before handing
// them to docker: the file must parse and declare at least one service with
// an image or build context.
func validateComposeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return ferr.Newf(ferr.KindBadRequest, "read compose file: %v", err)
	}
	var doc composeDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ferr.Newf(ferr.KindBadRequest, "parse compose file: %v", err)
	}
	if len(doc.Services) == 0 {
		return ferr.BadRequest("compose file declares no services")
	}
	for name, svc := range doc.Services {
		if svc.Image == "" && svc.Build == nil {
			return ferr.Newf(ferr.KindBadRequest, "compose service %q has neither image nor build", name)
		}
	}
	return nil
}

// Package gitops implements the event handlers: an image push opens a pull
// request against the GitOps repository, a push to the deploy branch applies
// the manifests, and both announce the result in chat.
package gitops

import (
	"context"
	"fmt"
	"log"

	"github.com/djlord-it/easy-gitops/internal/domain"
	"github.com/djlord-it/easy-gitops/internal/notify"
	"github.com/djlord-it/easy-gitops/internal/pipeline"
	"github.com/djlord-it/easy-gitops/internal/router"
	"github.com/djlord-it/easy-gitops/internal/script"
)

// Job names.
const (
	JobUpdateInfra       = "update-infra-config-pr"
	JobNotifyUpdateInfra = "notify-update-infra"
	JobNotifyPR          = "notify-pr"
	JobDeploy            = "deploy"
	JobNotifyDeploy      = "notify-deploy"
)

// Notification titles.
const (
	TitleInfraUpdate = "Infra Config Update"
	TitlePRApproval  = "PR Awaiting Approval"
	TitleDeploy      = "Deploy Production"
)

type Handler struct {
	cfg Config
}

var _ router.Handler = (*Handler)(nil)

func NewHandler(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

// ImagePush updates the deployment manifest to the pushed image, opens a pull
// request, then notifies. The notification is skipped when the update fails.
func (h *Handler) ImagePush(ctx context.Context, ec *router.Context) (router.Outcome, error) {
	ev := ec.Event
	push, err := domain.ParseImagePush(ev.Payload)
	if err != nil {
		return router.Outcome{}, err
	}
	log.Printf("gitops: event=%s build=%s image_push action=%s", ev.ID, ev.BuildID, push.Action)

	if push.Action == domain.ImageActionDelete {
		if h.cfg.ImageDeletePolicy == DeletePolicyIgnore {
			return router.Filtered("image delete ignored by policy"), nil
		}
		log.Printf("gitops: event=%s image delete handled as update (IMAGE_DELETE_POLICY=%s)", ev.ID, h.cfg.ImageDeletePolicy)
	}

	project := ec.Project
	if err := project.RequireSecrets(
		domain.SecretGitHubUsername, domain.SecretGitHubToken,
		domain.SecretSlackWebhook, domain.SecretDashboardURL,
	); err != nil {
		return router.Outcome{}, err
	}

	tasks, err := h.infraTasks(project, push.Tag, ev.BuildID)
	if err != nil {
		return router.Outcome{}, fmt.Errorf("render %s: %w", JobUpdateInfra, err)
	}
	infra, err := pipeline.NewJob(JobUpdateInfra, h.cfg.HubImage, tasks,
		pipeline.WithStorage(false),
		pipeline.WithTimeout(h.cfg.JobTimeout),
	)
	if err != nil {
		return router.Outcome{}, err
	}

	notifyJob, err := h.notifyJob(JobNotifyUpdateInfra, project, ev.BuildID, notify.Notification{
		Class:    notify.ClassUpdate,
		Title:    TitleInfraUpdate,
		Artifact: "Docker image",
		Subject:  notify.ImageLink(push.Tag),
	})
	if err != nil {
		return router.Outcome{}, err
	}

	return runSequence(ctx, ec.Runner, infra, notifyJob)
}

func (h *Handler) infraTasks(project domain.Project, image, buildID string) ([]string, error) {
	creds, err := script.Credentials(h.cfg.GitHost,
		project.Secrets[domain.SecretGitHubUsername],
		project.Secrets[domain.SecretGitHubToken])
	if err != nil {
		return nil, err
	}
	identity, err := script.IdentityConfig(script.Identity{
		Email:            h.cfg.BotEmail,
		Name:             h.cfg.BotName,
		Host:             h.cfg.GitHost,
		CredentialHelper: h.cfg.CredentialHelper,
	})
	if err != nil {
		return nil, err
	}
	update, err := script.ManifestUpdate{
		Image:        image,
		BuildID:      buildID,
		ManifestPath: h.cfg.ManifestPath,
		Container:    h.cfg.Container,
		Title:        h.cfg.CommitTitle,
	}.Render()
	if err != nil {
		return nil, err
	}
	push, err := script.Push(project.Repo.CloneURL, buildID)
	if err != nil {
		return nil, err
	}
	pr, err := script.PullRequest{Image: image, BuildID: buildID, Title: h.cfg.CommitTitle}.Render()
	if err != nil {
		return nil, err
	}
	return []string{creds, identity, "cd " + script.Quote(h.cfg.SourceDir), update, push, pr}, nil
}

// PullRequest announces a pull request awaiting approval.
func (h *Handler) PullRequest(ctx context.Context, ec *router.Context) (router.Outcome, error) {
	ev := ec.Event
	pr, err := domain.ParsePullRequest(ev.Payload)
	if err != nil {
		return router.Outcome{}, err
	}
	log.Printf("gitops: event=%s build=%s pull_request", ev.ID, ev.BuildID)

	if err := ec.Project.RequireSecrets(domain.SecretSlackWebhook, domain.SecretDashboardURL); err != nil {
		return router.Outcome{}, err
	}

	job, err := h.notifyJob(JobNotifyPR, ec.Project, ev.BuildID, notify.Notification{
		Class:    notify.ClassPendingApproval,
		Title:    TitlePRApproval,
		Artifact: "PR",
		Subject:  notify.Link{URL: pr.HTMLURL, Label: pr.Title},
	})
	if err != nil {
		return router.Outcome{}, err
	}
	if err := job.Run(ctx, ec.Runner); err != nil {
		return router.Outcome{}, err
	}
	return router.Handled(JobNotifyPR), nil
}

// Push deploys the manifests when the deploy branch moves. Other refs are
// filtered without running anything.
func (h *Handler) Push(ctx context.Context, ec *router.Context) (router.Outcome, error) {
	ev := ec.Event
	push, err := domain.ParsePush(ev.Payload)
	if err != nil {
		return router.Outcome{}, err
	}

	branch := push.Branch()
	log.Printf("gitops: event=%s build=%s push ref=%q branch=%q", ev.ID, ev.BuildID, push.Ref, branch)
	if branch != h.cfg.DeployBranch {
		return router.Filtered(fmt.Sprintf("ref %q is not deploy branch %q", push.Ref, h.cfg.DeployBranch)), nil
	}
	if ev.Revision.Commit == "" {
		return router.Outcome{}, fmt.Errorf("%w: missing revision.commit", domain.ErrMalformedEvent)
	}

	if err := ec.Project.RequireSecrets(domain.SecretSlackWebhook, domain.SecretDashboardURL); err != nil {
		return router.Outcome{}, err
	}

	deploy, err := pipeline.NewJob(JobDeploy, h.cfg.KubectlImage, []string{
		"cd " + script.Quote(h.cfg.SourceDir),
		"kubectl apply --recursive -f " + script.Quote(h.cfg.ManifestDir),
	}, pipeline.WithStorage(false), pipeline.WithTimeout(h.cfg.JobTimeout))
	if err != nil {
		return router.Outcome{}, err
	}

	notifyJob, err := h.notifyJob(JobNotifyDeploy, ec.Project, ev.BuildID, notify.Notification{
		Class:    notify.ClassSuccess,
		Title:    TitleDeploy,
		Artifact: "Commit",
		Subject:  notify.CommitLink(ec.Project.Name, ev.Revision.Commit),
	})
	if err != nil {
		return router.Outcome{}, err
	}

	return runSequence(ctx, ec.Runner, deploy, notifyJob)
}

// Error logs an error event reported by the event source.
func (h *Handler) Error(_ context.Context, ec *router.Context) (router.Outcome, error) {
	log.Printf("gitops: event=%s build=%s project=%s error event payload_bytes=%d",
		ec.Event.ID, ec.Event.BuildID, ec.Project.Name, len(ec.Event.Payload))
	return router.Handled(), nil
}

// notifyJob fills the project and build links common to every notification.
func (h *Handler) notifyJob(name string, project domain.Project, buildID string, n notify.Notification) (*pipeline.Job, error) {
	n.Webhook = project.Secrets[domain.SecretSlackWebhook]
	n.Project = notify.ProjectLink(project.Name)
	n.Build = notify.BuildLink(project.Secrets[domain.SecretDashboardURL], buildID)
	return notify.NewJob(name, h.cfg.NotifyImage, n, pipeline.WithTimeout(h.cfg.JobTimeout))
}

func runSequence(ctx context.Context, runner pipeline.Runner, jobs ...*pipeline.Job) (router.Outcome, error) {
	g, err := pipeline.NewGroup(jobs...)
	if err != nil {
		return router.Outcome{}, err
	}
	runErr := g.RunEach(ctx, runner)

	var ran []string
	for _, r := range g.Results() {
		if !r.Skipped {
			ran = append(ran, r.Job)
		}
	}
	if runErr != nil {
		return router.Outcome{Jobs: ran}, runErr
	}
	return router.Handled(ran...), nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package publisher records applied modifications in git and optionally
// opens a pull request for review. Local commits use go-git; the pull
// request goes through the GitHub REST API.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

var (
	// ErrNothingToPublish indicates a publish request with no files.
	ErrNothingToPublish = errors.New("nothing to publish")

	// ErrBranchExists indicates the target branch already exists.
	ErrBranchExists = errors.New("branch already exists")
)

// PublishRequest describes one cycle's changes to record.
type PublishRequest struct {
	// CycleID names the cycle; it becomes part of the branch name.
	CycleID string

	// Title is the commit subject and pull request title.
	Title string

	// Body is the commit body and pull request description.
	Body string

	// Files are the workspace-relative paths to stage.
	Files []string
}

// PublishResult reports where the changes landed.
type PublishResult struct {
	// Branch is the branch the commit was created on.
	Branch string `json:"branch"`

	// CommitHash is the new commit.
	CommitHash string `json:"commit_hash"`

	// PRNumber and PRURL identify the pull request, when one was opened.
	PRNumber int    `json:"pr_number,omitempty"`
	PRURL    string `json:"pr_url,omitempty"`

	// PublishedAt is when the commit was created.
	PublishedAt time.Time `json:"published_at"`
}

// Option configures a GitPublisher.
type Option func(*GitPublisher)

// WithAuthor sets the commit author.
func WithAuthor(name, email string) Option {
	return func(p *GitPublisher) {
		if name != "" {
			p.authorName = name
		}
		if email != "" {
			p.authorEmail = email
		}
	}
}

// WithBranchPrefix sets the prefix for generated branch names.
func WithBranchPrefix(prefix string) Option {
	return func(p *GitPublisher) {
		if prefix != "" {
			p.branchPrefix = prefix
		}
	}
}

// WithRemote sets the push remote.
func WithRemote(remote string) Option {
	return func(p *GitPublisher) {
		if remote != "" {
			p.remote = remote
		}
	}
}

// WithPush enables pushing the branch to the remote.
func WithPush(push bool) Option {
	return func(p *GitPublisher) {
		p.push = push
	}
}

// WithGitHub enables opening a pull request against owner/repo using
// token. Implies WithPush(true): the branch must exist on the remote
// before a pull request can reference it.
func WithGitHub(owner, repo, token, baseBranch string) Option {
	return func(p *GitPublisher) {
		if owner == "" || repo == "" || token == "" {
			return
		}
		p.github = newGitHubClient(owner, repo, token)
		p.push = true
		if baseBranch != "" {
			p.baseBranch = baseBranch
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *GitPublisher) {
		if logger != nil {
			p.logger = logger.With(slog.String("component", "publisher"))
		}
	}
}

// GitPublisher commits cycle changes to a branch in the workspace repo.
//
// # Thread Safety
//
// GitPublisher is not safe for concurrent Publish calls; the cycle
// controller serializes publishing within its single-cycle lock.
type GitPublisher struct {
	repoRoot     string
	branchPrefix string
	authorName   string
	authorEmail  string
	remote       string
	baseBranch   string
	push         bool
	github       *githubClient
	logger       *slog.Logger
}

// New creates a GitPublisher for the repository at repoRoot.
func New(repoRoot string, opts ...Option) (*GitPublisher, error) {
	if _, err := git.PlainOpen(repoRoot); err != nil {
		return nil, fmt.Errorf("open repo %s: %w", repoRoot, err)
	}
	p := &GitPublisher{
		repoRoot:     repoRoot,
		branchPrefix: "evolve/",
		authorName:   "evolve",
		authorEmail:  "evolve@aleutian.ai",
		remote:       "origin",
		baseBranch:   "main",
		logger:       slog.Default().With(slog.String("component", "publisher")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish commits the request's files on a fresh branch and, when
// configured, pushes it and opens a pull request.
//
// # Description
//
// A preflight check refuses to proceed from a detached HEAD or over
// uncommitted changes that are not the cycle's own files. The branch is
// then created at the current HEAD and checked out, the files are
// staged individually so unrelated worktree changes stay out of the
// commit, and the commit is authored with the configured identity. The
// worktree is left on the new branch. Failures return before any remote
// interaction when the local steps fail, so the caller can roll back
// the underlying file changes.
func (p *GitPublisher) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	start := time.Now()
	initMetrics()

	if len(req.Files) == 0 {
		return nil, ErrNothingToPublish
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	repo, err := git.PlainOpen(p.repoRoot)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	if err := p.preflight(repo, head, req.Files); err != nil {
		recordPublishMetrics(ctx, "preflight_error", time.Since(start))
		return nil, err
	}

	branch := p.branchPrefix + req.CycleID
	branchRef := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(branchRef, false); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, branch)
	}
	ref := plumbing.NewHashReference(branchRef, head.Hash())
	if err := repo.Storer.SetReference(ref); err != nil {
		return nil, fmt.Errorf("create branch %s: %w", branch, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: branchRef, Keep: true}); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", branch, err)
	}

	for _, file := range req.Files {
		if _, err := wt.Add(file); err != nil {
			return nil, fmt.Errorf("stage %s: %w", file, err)
		}
	}

	message := req.Title
	if req.Body != "" {
		message += "\n\n" + req.Body
	}
	commit, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  p.authorName,
			Email: p.authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		recordPublishMetrics(ctx, "commit_error", time.Since(start))
		return nil, fmt.Errorf("commit: %w", err)
	}

	result := &PublishResult{
		Branch:      branch,
		CommitHash:  commit.String(),
		PublishedAt: time.Now().UTC(),
	}

	if p.push {
		if err := p.pushBranch(ctx, repo, branch); err != nil {
			recordPublishMetrics(ctx, "push_error", time.Since(start))
			return nil, err
		}
	}
	if p.github != nil {
		pr, err := p.github.createPullRequest(ctx, req.Title, req.Body, branch, p.baseBranch)
		if err != nil {
			recordPublishMetrics(ctx, "pr_error", time.Since(start))
			return nil, err
		}
		result.PRNumber = pr.Number
		result.PRURL = pr.HTMLURL
	}

	p.logger.Info("changes published",
		slog.String("branch", branch),
		slog.String("commit", result.CommitHash),
		slog.Int("files", len(req.Files)),
		slog.Int("pr_number", result.PRNumber))
	recordPublishMetrics(ctx, "published", time.Since(start))
	return result, nil
}

// pushBranch pushes the branch to the configured remote, authenticating
// with the GitHub token when one is configured.
func (p *GitPublisher) pushBranch(ctx context.Context, repo *git.Repository, branch string) error {
	rem, err := repo.Remote(p.remote)
	if err != nil {
		return fmt.Errorf("get remote %s: %w", p.remote, err)
	}
	opts := &git.PushOptions{
		RemoteName: p.remote,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)),
		},
	}
	if p.github != nil {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: p.github.token}
	}
	if err := rem.PushContext(ctx, opts); err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

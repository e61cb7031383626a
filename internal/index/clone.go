package index

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/jward/arbor/internal/fault"
)

// GitCloner performs shallow single-branch clones with go-git. Token, when
// set, is injected into HTTPS URLs as basic-auth userinfo.
type GitCloner struct {
	Token string
}

func (c *GitCloner) Clone(ctx context.Context, repoURL, branch, dir string) error {
	opts := &git.CloneOptions{
		URL:          injectToken(repoURL, c.Token),
		Depth:        1,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		msg := ScrubCredentials(err.Error(), c.Token)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("git clone: %s: %w", msg, ctx.Err())
		case errors.Is(err, transport.ErrAuthenticationRequired),
			errors.Is(err, transport.ErrAuthorizationFailed),
			errors.Is(err, transport.ErrRepositoryNotFound),
			errors.Is(err, transport.ErrEmptyRemoteRepository),
			errors.Is(err, plumbing.ErrReferenceNotFound):
			return fault.Permanentf("git clone", "%s", msg)
		default:
			return fault.Transientf("git clone", "%s", msg)
		}
	}
	return nil
}

// injectToken returns repoURL with token as its password. Non-HTTPS URLs
// and URLs that already carry userinfo are returned unchanged.
func injectToken(repoURL, token string) string {
	if token == "" {
		return repoURL
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" || u.User != nil {
		return repoURL
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

var (
	userinfoRe = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/@\s]+@`)
	tokenRe    = regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,}|glpat-[A-Za-z0-9_-]{20,})`)
)

// ScrubCredentials removes URL userinfo, well-known access token shapes, and
// every non-empty secret from s.
func ScrubCredentials(s string, secrets ...string) string {
	for _, sec := range secrets {
		if sec != "" {
			s = strings.ReplaceAll(s, sec, "***")
			if esc := url.QueryEscape(sec); esc != sec {
				s = strings.ReplaceAll(s, esc, "***")
			}
		}
	}
	s = userinfoRe.ReplaceAllString(s, "${1}***@")
	return tokenRe.ReplaceAllString(s, "***")
}

var scpLikeRe = regexp.MustCompile(`^(?:[^@/]+@)?([^:/]+):(.+)$`)

// RepoID derives the repository id, a lower-case host/owner/name slug,
// from a clone URL. Credentials, ports, and a trailing .git are dropped.
// Inputs that are not URLs are cleaned and used as-is.
func RepoID(repoURL string) string {
	raw := strings.TrimSpace(repoURL)
	var host, p string
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		host, p = u.Hostname(), u.Path
	} else if m := scpLikeRe.FindStringSubmatch(raw); m != nil && !strings.Contains(m[1], `\`) {
		host, p = m[1], m[2]
	} else {
		p = strings.TrimPrefix(raw, "file://")
	}
	p = strings.TrimSuffix(strings.Trim(path.Clean("/"+p), "/"), ".git")
	id := p
	if host != "" {
		id = host + "/" + p
	}
	return strings.ToLower(strings.Trim(id, "/"))
}

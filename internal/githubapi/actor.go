package githubapi

import (
	"regexp"
	"strings"
)

// Fallback commit actors.
const (
	ActorUnlinkedGitAuthor  = "unlinked_git_author"
	ActorUnattributedCommit = "unattributed_commit"
)

var nonActorRunes = regexp.MustCompile(`[^a-z0-9._-]+`)

// CommitIdentity is every identity hint GitHub returns for one commit.
type CommitIdentity struct {
	AuthorLogin    string
	CommitterLogin string
	AuthorName     string
	AuthorEmail    string
	CommitterName  string
	CommitterEmail string
}

// ResolveCommitActor picks the best contributor label for a commit.
// Linked logins win, then no-reply addresses, then the email local part.
func ResolveCommitActor(id CommitIdentity) string {
	if author := strings.TrimSpace(id.AuthorLogin); author != "" {
		return author
	}
	if committer := strings.TrimSpace(id.CommitterLogin); committer != "" {
		return committer
	}
	for _, email := range []string{id.AuthorEmail, id.CommitterEmail} {
		if inferred := loginFromNoReplyEmail(email); inferred != "" {
			return inferred
		}
	}
	for _, email := range []string{id.AuthorEmail, id.CommitterEmail} {
		if inferred := actorFromEmail(email); inferred != "" {
			return inferred
		}
	}
	if strings.TrimSpace(id.AuthorName) != "" || strings.TrimSpace(id.CommitterName) != "" {
		return ActorUnlinkedGitAuthor
	}
	return ActorUnattributedCommit
}

// loginFromNoReplyEmail handles both id+login@ and login@ no-reply forms.
func loginFromNoReplyEmail(email string) string {
	const suffix = "@users.noreply.github.com"

	trimmed := strings.TrimSpace(email)
	if !strings.HasSuffix(strings.ToLower(trimmed), suffix) {
		return ""
	}
	localPart := strings.TrimSpace(trimmed[:len(trimmed)-len(suffix)])
	if localPart == "" {
		return ""
	}
	parts := strings.SplitN(localPart, "+", 2)
	return strings.TrimSpace(parts[len(parts)-1])
}

func actorFromEmail(email string) string {
	localPart, domain, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok || strings.Contains(domain, "@") {
		return ""
	}
	normalized := nonActorRunes.ReplaceAllString(strings.ToLower(strings.TrimSpace(localPart)), "-")
	return strings.Trim(normalized, "-")
}
